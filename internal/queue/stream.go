// Package queue carries job messages over a Redis Stream with a consumer
// group. Delivery is at-least-once: a message is acknowledged only after its
// handler returns nil, and deliveries left unacknowledged past the claim idle
// time are taken over by whichever consumer sees them next.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// Handler processes one message. Returning an error leaves the message pending.
type Handler interface {
	Handle(ctx context.Context, msg models.JobMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg models.JobMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg models.JobMessage) error { return f(ctx, msg) }

// RedisStream publishes to and consumes from one stream.
type RedisStream struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	block      time.Duration
	claimIdle  time.Duration
	errorDelay time.Duration
	logger     *slog.Logger
}

type Option func(*RedisStream)

// WithConsumerName sets this consumer's name in the group. Defaults to the hostname.
func WithConsumerName(name string) Option {
	return func(s *RedisStream) { s.consumer = name }
}

// WithClaimIdle sets how long a delivery may stay unacknowledged before it is reclaimed.
func WithClaimIdle(d time.Duration) Option {
	return func(s *RedisStream) { s.claimIdle = d }
}

func WithBlock(d time.Duration) Option {
	return func(s *RedisStream) { s.block = d }
}

func WithErrorDelay(d time.Duration) Option {
	return func(s *RedisStream) { s.errorDelay = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *RedisStream) { s.logger = l }
}

func NewRedisStream(client *redis.Client, stream, group string, opts ...Option) *RedisStream {
	host, _ := os.Hostname()
	s := &RedisStream{
		client:     client,
		stream:     stream,
		group:      group,
		consumer:   fmt.Sprintf("%s-%d", host, os.Getpid()),
		block:      5 * time.Second,
		claimIdle:  5 * time.Minute,
		errorDelay: 10 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name is the stream key.
func (s *RedisStream) Name() string { return s.stream }

// Publish appends msg to the stream.
func (s *RedisStream) Publish(ctx context.Context, msg models.JobMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode job message: %w", err)
	}
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{payloadField: string(b)},
	}).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.stream, err)
	}
	return nil
}

// EnsureGroup creates the stream and consumer group if they do not exist yet.
func (s *RedisStream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", s.group, err)
	}
	return nil
}

// Run consumes messages one at a time until ctx is cancelled.
func (s *RedisStream) Run(ctx context.Context, h Handler) error {
	if err := s.EnsureGroup(ctx); err != nil {
		return err
	}
	s.logger.Info("queue consumer started", "stream", s.stream, "group", s.group, "consumer", s.consumer)

	var lastReclaim time.Time
	for ctx.Err() == nil {
		if time.Since(lastReclaim) >= s.claimIdle/2 {
			if err := s.reclaim(ctx, h); err != nil && ctx.Err() == nil {
				s.logger.Error("reclaim failed", "stream", s.stream, "error", err)
			}
			lastReclaim = time.Now()
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    1,
			Block:    s.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error("queue read failed", "stream", s.stream, "error", err)
			sleep(ctx, s.errorDelay)
			continue
		}
		for _, st := range streams {
			for _, m := range st.Messages {
				s.process(ctx, h, m)
			}
		}
	}
	s.logger.Info("queue consumer stopped", "stream", s.stream)
	return nil
}

// reclaim takes over deliveries other consumers left unacknowledged.
func (s *RedisStream) reclaim(ctx context.Context, h Handler) error {
	start := "0-0"
	for {
		msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.stream,
			Group:    s.group,
			Consumer: s.consumer,
			MinIdle:  s.claimIdle,
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			return err
		}
		for _, m := range msgs {
			s.logger.Info("reclaimed delivery", "stream", s.stream, "message_id", m.ID)
			s.process(ctx, h, m)
		}
		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

func (s *RedisStream) process(ctx context.Context, h Handler, m redis.XMessage) {
	msg, err := decode(m)
	if err != nil {
		// Undecodable messages would be redelivered forever.
		s.logger.Error("dropping malformed message", "message_id", m.ID, "error", err)
		s.ack(ctx, m.ID)
		return
	}
	if err := h.Handle(ctx, msg); err != nil {
		s.logger.Warn("message left pending", "message_id", m.ID, "job_id", msg.JobID, "error", err)
		return
	}
	s.ack(ctx, m.ID)
}

func (s *RedisStream) ack(ctx context.Context, id string) {
	if err := s.client.XAck(ctx, s.stream, s.group, id).Err(); err != nil {
		s.logger.Error("ack failed", "message_id", id, "error", err)
	}
}

func decode(m redis.XMessage) (models.JobMessage, error) {
	var msg models.JobMessage
	raw, ok := m.Values[payloadField].(string)
	if !ok {
		return msg, fmt.Errorf("missing %q field", payloadField)
	}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return msg, fmt.Errorf("decode job message: %w", err)
	}
	return msg, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
