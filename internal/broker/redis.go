// Package broker wraps the Redis-compatible stream broker: append-only
// streams with consumer groups, keyed pub/sub, short-TTL caches, and the
// relay-connection hash.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamEntry is one stream record. Fields preserve broker order.
type StreamEntry struct {
	ID     string
	Fields map[string]interface{}
}

// Config configures the broker client.
type Config struct {
	Addr     string
	Password string
	// OpTimeout bounds each broker call. Zero means 10 s.
	OpTimeout time.Duration
}

// Client is the broker handle shared by ingress, sinks, and caches.
type Client struct {
	rdb       *redis.Client
	opTimeout time.Duration
}

// New connects to the broker. The connection is verified with a ping.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis_svc is required")
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("pinging broker: %w", err)
	}
	return &Client{rdb: rdb, opTimeout: cfg.OpTimeout}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// EnsureGroup creates the stream and consumer group if absent. Safe to call
// repeatedly; an existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	err := c.rdb.XGroupCreateMkStream(opCtx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup blocks for up to block reading at most count entries for the
// consumer. A nil slice with nil error means the block elapsed with no data.
func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading group %s on %s: %w", group, stream, err)
	}
	var entries []StreamEntry
	for _, s := range res {
		for _, msg := range s.Messages {
			entries = append(entries, StreamEntry{ID: msg.ID, Fields: msg.Values})
		}
	}
	return entries, nil
}

// Ack acknowledges processed entries for the group.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.XAck(opCtx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("acking %d entries on %s: %w", len(ids), stream, err)
	}
	return nil
}

// Append adds one record to a stream.
func (c *Client) Append(ctx context.Context, stream string, fields map[string]interface{}) error {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.XAdd(opCtx, &redis.XAddArgs{Stream: stream, Values: fields}).Err(); err != nil {
		return fmt.Errorf("appending to %s: %w", stream, err)
	}
	return nil
}

// Publish sends a message on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, payload interface{}) error {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Publish(opCtx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads for the given pub/sub channels. The
// subscription closes when ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, channels ...string) <-chan string {
	sub := c.rdb.Subscribe(ctx, channels...)
	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// SetCache stores a short-lived value.
func (c *Client) SetCache(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Set(opCtx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("caching %s: %w", key, err)
	}
	return nil
}

// GetCache reads a cached value. Missing keys return ("", false, nil).
func (c *Client) GetCache(ctx context.Context, key string) (string, bool, error) {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	val, err := c.rdb.Get(opCtx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading cache %s: %w", key, err)
	}
	return val, true, nil
}

// TouchRelay records a relay connection's last-seen timestamp in the shared
// hash.
func (c *Client) TouchRelay(ctx context.Context, connID string, seen time.Time) error {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.HSet(opCtx, RelayConnsHash, connID, seen.UTC().Format(time.RFC3339)).Err(); err != nil {
		return fmt.Errorf("touching relay %s: %w", connID, err)
	}
	return nil
}
