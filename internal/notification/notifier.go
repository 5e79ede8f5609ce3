// Package notification delivers operator alerts (breaker trips, fatal
// session rejections) to external channels.
package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tws-bridge/internal/logger"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel        `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	At      time.Time         `json:"at"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: logger.Or(log).With("component", "notify")}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	level := slog.LevelInfo
	switch alert.Level {
	case AlertWarning:
		level = slog.LevelWarn
	case AlertCritical:
		level = slog.LevelError
	}
	args := []any{"title", alert.Title, "message", alert.Message}
	for k, v := range alert.Fields {
		args = append(args, k, v)
	}
	n.log.Log(ctx, level, "alert", args...)
	return nil
}

// Multi sends every alert to all backends and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async queues alerts and delivers them from one goroutine so callers on
// hot paths never wait on the network. When the queue is full the alert is
// dropped and logged.
type Async struct {
	next  Notifier
	queue chan Alert
	log   *slog.Logger
}

// NewAsync wraps next with a queue of size buf.
func NewAsync(next Notifier, buf int, log *slog.Logger) *Async {
	if buf <= 0 {
		buf = 64
	}
	return &Async{next: next, queue: make(chan Alert, buf), log: logger.Or(log).With("component", "notify")}
}

// Send enqueues the alert.
func (a *Async) Send(_ context.Context, alert Alert) error {
	if alert.At.IsZero() {
		alert.At = time.Now()
	}
	select {
	case a.queue <- alert:
	default:
		a.log.Warn("alert queue full, dropping", "title", alert.Title)
	}
	return nil
}

// Run delivers queued alerts until ctx is done, then drains what is left.
func (a *Async) Run(ctx context.Context) {
	deliver := func(alert Alert) {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.next.Send(sendCtx, alert); err != nil {
			a.log.Warn("alert delivery failed", "title", alert.Title, "err", err)
		}
	}
	for {
		select {
		case alert := <-a.queue:
			deliver(alert)
		case <-ctx.Done():
			for {
				select {
				case alert := <-a.queue:
					deliver(alert)
				default:
					return
				}
			}
		}
	}
}
