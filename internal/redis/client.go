// Package redis owns the broker connection shared by the job queue, the worker
// pool, the producer rate limiter and the token invalidation counter.
package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/ridepush/internal/events"
)

// Config holds broker connection settings.
type Config struct {
	URL string

	// ReconnectBase and ReconnectCap bound the reconnect delay:
	// delay = min(attempt * base, cap).
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// HealthInterval is the probe period while the connection is healthy.
	HealthInterval time.Duration
}

// Client wraps the go-redis client with health tracking and lifecycle events.
// Reconnection itself is performed by go-redis; Client only observes it.
type Client struct {
	rdb    *redis.Client
	cfg    Config
	logger *zap.Logger
	events events.Publisher

	healthy   atomic.Bool
	closeOnce sync.Once
}

// New builds the client from cfg. It does not touch the network; the only
// error it returns is a configuration error.
func New(cfg Config, logger *zap.Logger, pub events.Publisher) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("broker url is empty")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 50 * time.Millisecond
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 2 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}

	opts.PoolSize = 20
	opts.MinIdleConns = 2
	opts.PoolTimeout = 4 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = cfg.ReconnectBase
	opts.MaxRetryBackoff = cfg.ReconnectCap

	return newClient(redis.NewClient(opts), cfg, logger, pub), nil
}

func newClient(rdb *redis.Client, cfg Config, logger *zap.Logger, pub events.Publisher) *Client {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Client{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.Named("broker"),
		events: pub,
	}
}

// Connect pings the broker once. A failure is logged and reported through the
// health flag; it is never fatal.
func (c *Client) Connect(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.markUnhealthy(err)
		return false
	}

	c.markHealthy()
	return true
}

// Monitor probes the broker until ctx is done, publishing transitions.
// While unhealthy the probe delay follows ReconnectDelay.
func (c *Client) Monitor(ctx context.Context) {
	attempt := 0
	for {
		delay := c.cfg.HealthInterval
		if !c.Healthy() {
			attempt++
			delay = ReconnectDelay(attempt, c.cfg.ReconnectBase, c.cfg.ReconnectCap)
			c.events.Publish(events.Event{Type: events.Reconnecting, Source: "broker", Attempt: attempt})
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if c.Connect(ctx) {
			attempt = 0
		}
	}
}

// ReconnectDelay returns min(attempt * base, cap).
func ReconnectDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt) * base
	if d > cap {
		return cap
	}
	return d
}

// Healthy reports the last observed connection state.
func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

// Redis returns the underlying client. It is safe for concurrent use.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Ping checks if the broker is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the connection and publishes an end event.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.rdb.Close()
		c.healthy.Store(false)
		c.logger.Info("broker connection closed")
		c.events.Publish(events.Event{Type: events.End, Source: "broker"})
	})
	return err
}

func (c *Client) markHealthy() {
	if c.healthy.Swap(true) {
		return
	}
	c.logger.Info("broker connection ready", zap.String("addr", c.rdb.Options().Addr))
	c.events.Publish(events.Event{Type: events.Ready, Source: "broker"})
}

func (c *Client) markUnhealthy(err error) {
	was := c.healthy.Swap(false)
	c.logger.Warn("broker connection error",
		zap.Error(err),
		zap.Bool("was_healthy", was),
	)
	c.events.Publish(events.Event{Type: events.Error, Source: "broker", Err: err})
}
