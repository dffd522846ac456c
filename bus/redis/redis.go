// Package redis implements the message bus on Redis streams.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bearmemori/bearmemori"
)

// Bus is a bearmemori.Bus over one Redis connection pool.
type Bus struct {
	client *goredis.Client
	logger *slog.Logger
}

var _ bearmemori.Bus = (*Bus)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

type Option func(*Bus)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// New connects to the Redis at url ("redis://host:port/db").
func New(url string, opts ...Option) (*Bus, error) {
	ropts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	b := &Bus{
		client: goredis.NewClient(ropts),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// NewFromClient wraps an existing client. The caller keeps ownership;
// Close still closes it.
func NewFromClient(client *goredis.Client, opts ...Option) *Bus {
	b := &Bus{client: client, logger: nopLogger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends an entry and returns its server-assigned ID.
func (b *Bus) Publish(ctx context.Context, stream string, values map[string]string) (string, error) {
	vals := make(map[string]any, len(values))
	for k, v := range values {
		vals[k] = v
	}
	id, err := b.client.XAdd(ctx, &goredis.XAddArgs{Stream: stream, Values: vals}).Result()
	if err != nil {
		b.logger.Error("redis: publish failed", "stream", stream, "error", err)
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	b.logger.Debug("redis: published", "stream", stream, "id", id)
	return id, nil
}

// CreateGroup creates the consumer group at the stream tail, creating
// the stream if needed. An existing group is not an error.
func (b *Bus) CreateGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

// Consume reads up to count new entries for the group, blocking up to
// block. A timeout with nothing to deliver returns an empty slice.
func (b *Bus) Consume(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]bearmemori.BusMessage, error) {
	res, err := b.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}
	return flatten(res), nil
}

// ConsumePending rereads this consumer's delivered-but-unacked entries
// from the start of its pending list. It never blocks.
func (b *Bus) ConsumePending(ctx context.Context, stream, group, consumer string, count int) ([]bearmemori.BusMessage, error) {
	res, err := b.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    int64(count),
		Block:    -1,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup pending %s/%s: %w", stream, group, err)
	}
	return flatten(res), nil
}

// Ack acknowledges delivered entries.
func (b *Bus) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", stream, group, err)
	}
	return nil
}

// Claim moves entries idle for at least minIdle from other consumers in
// the group to this one and returns them for processing.
func (b *Bus) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]bearmemori.BusMessage, error) {
	msgs, _, err := b.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s/%s: %w", stream, group, err)
	}
	out := make([]bearmemori.BusMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toBusMessage(stream, m))
	}
	if len(out) > 0 {
		b.logger.Debug("redis: claimed stale entries", "stream", stream, "count", len(out))
	}
	return out, nil
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Bus) Close() error {
	return b.client.Close()
}

func flatten(streams []goredis.XStream) []bearmemori.BusMessage {
	var out []bearmemori.BusMessage
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, toBusMessage(s.Stream, m))
		}
	}
	return out
}

func toBusMessage(stream string, m goredis.XMessage) bearmemori.BusMessage {
	values := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			values[k] = s
		} else {
			values[k] = fmt.Sprint(v)
		}
	}
	return bearmemori.BusMessage{ID: m.ID, Stream: stream, Values: values}
}
