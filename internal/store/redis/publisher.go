// Package redis mirrors order changes and bridge status into Redis for
// downstream readers: a pub/sub channel per client id, a capped event
// stream and a latest-value key per order.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"tws-bridge/internal/logger"
	"tws-bridge/internal/model"
)

const (
	orderStreamKey   = "orders:events"
	orderStreamMax   = 50000
	allOrdersChannel = "pub:orders"
	statusKey        = "bridge:status:latest"
	defaultLatestTTL = 24 * time.Hour
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher writes order changes and status snapshots to Redis.
type Publisher struct {
	client *goredis.Client
	log    *slog.Logger
}

// New connects to Redis and pings it.
func New(cfg Config, log *slog.Logger) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	l := logger.Or(log).With("component", "redis")
	l.Info("connected", "addr", cfg.Addr)
	return &Publisher{client: client, log: l}, nil
}

// Client returns the underlying Redis client.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Ping checks connectivity; used by the liveness checker.
func (p *Publisher) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// OrderKey is the latest-value key of an order.
func OrderKey(orderID int64) string { return "order:latest:" + strconv.FormatInt(orderID, 10) }

// ClientChannel is the pub/sub channel carrying one client id's orders.
func ClientChannel(clientID int) string { return "pub:orders:" + strconv.Itoa(clientID) }

// PublishOrder writes one order change in a single pipeline: SET latest,
// XADD to the event stream, PUBLISH on the client and global channels.
func (p *Publisher) PublishOrder(ctx context.Context, o model.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order %d: %w", o.OrderID, err)
	}
	payload := string(data)

	pipe := p.client.Pipeline()
	pipe.Set(ctx, OrderKey(o.OrderID), payload, defaultLatestTTL)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: orderStreamKey,
		MaxLen: orderStreamMax,
		Approx: true,
		Values: map[string]interface{}{
			"order_id":  o.OrderID,
			"client_id": o.ClientID,
			"status":    string(o.Status),
			"data":      payload,
		},
	})
	pipe.Publish(ctx, ClientChannel(o.ClientID), payload)
	pipe.Publish(ctx, allOrdersChannel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis order pipeline for %d: %w", o.OrderID, err)
	}
	return nil
}

// PublishStatus stores the latest status report as JSON.
func (p *Publisher) PublishStatus(ctx context.Context, status any) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return p.client.Set(ctx, statusKey, data, time.Minute).Err()
}

// RunStatus publishes snapshot() every interval until ctx is done.
func (p *Publisher) RunStatus(ctx context.Context, interval time.Duration, snapshot func() any) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PublishStatus(ctx, snapshot()); err != nil {
				p.log.Warn("status publish failed", "err", err)
			}
		}
	}
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
