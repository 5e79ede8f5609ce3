package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"tws-bridge/internal/logger"
)

const telegramAPI = "https://api.telegram.org"

var levelEmoji = map[AlertLevel]string{
	AlertInfo:     "ℹ️",
	AlertWarning:  "⚠️",
	AlertCritical: "🚨",
}

// TelegramNotifier sends alerts to one chat through the Bot API as
// MarkdownV2 messages.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	log      *slog.Logger
}

// NewTelegramNotifier sends as the bot with botToken to chatID.
func NewTelegramNotifier(botToken, chatID string, log *slog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  telegramAPI,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      logger.Or(log).With("component", "telegram"),
	}
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	code, reply, err := postJSON(ctx, t.client, url, map[string]string{
		"chat_id":    t.chatID,
		"text":       telegramText(alert),
		"parse_mode": "MarkdownV2",
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if code != http.StatusOK {
		var r struct {
			Description string `json:"description"`
		}
		if json.Unmarshal(reply, &r) == nil && r.Description != "" {
			return fmt.Errorf("telegram: status %d: %s", code, r.Description)
		}
		return fmt.Errorf("telegram: unexpected status %d", code)
	}
	t.log.Debug("alert delivered", "title", alert.Title, "level", alert.Level, "chat_id", t.chatID)
	return nil
}

// telegramText renders the title in bold, the message, then one line per
// field in key order.
func telegramText(alert Alert) string {
	emoji, ok := levelEmoji[alert.Level]
	if !ok {
		emoji = levelEmoji[AlertInfo]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n\n%s", emoji, escapeMarkdown(alert.Title), escapeMarkdown(alert.Message))
	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n`%s` %s", escapeMarkdown(k), escapeMarkdown(alert.Fields[k]))
	}
	return b.String()
}

const markdownSpecials = "_*[]()~`>#+-=|{}.!"

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(markdownSpecials, s[i]) >= 0 {
			buf.WriteByte('\\')
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
