package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/querydesk/internal/agent"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "querydesk:steps:"

// StreamKey returns the Redis stream holding a session's step events.
func StreamKey(sessionID string) string { return streamPrefix + sessionID }

// Record is one step event as stored on the stream.
type Record struct {
	ID        string      `json:"id"`
	StreamID  string      `json:"-"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Event     agent.Event `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
}

// Bus publishes step events to per-session Redis Streams.
type Bus struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewBus connects to Redis and verifies the connection.
func NewBus(redisURL string, maxLen int64, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewBusWithClient(rdb, maxLen, logger), nil
}

// NewBusWithClient wraps an existing client. maxLen caps each stream
// approximately; 0 leaves streams uncapped.
func NewBusWithClient(rdb *redis.Client, maxLen int64, logger *zap.Logger) *Bus {
	return &Bus{rdb: rdb, maxLen: maxLen, logger: logger}
}

// Publish appends ev to the session stream. Token events are not stored.
func (b *Bus) Publish(ctx context.Context, sessionID, turnID string, ev agent.Event) error {
	if ev.Type == agent.EventToken {
		return nil
	}
	rec := Record{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		TurnID:    turnID,
		Event:     ev,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	stream := StreamKey(sessionID)
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"type": string(ev.Type),
			"data": string(data),
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if _, err := b.rdb.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	b.logger.Debug("published step event",
		zap.String("session", sessionID),
		zap.String("turn", turnID),
		zap.String("type", string(ev.Type)))
	return nil
}

// History returns up to count of the most recent records, oldest first.
func (b *Bus) History(ctx context.Context, sessionID string, count int64) ([]*Record, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, StreamKey(sessionID), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", StreamKey(sessionID), err)
	}
	out := make([]*Record, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if rec, ok := decode(msgs[i]); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Subscribe follows a session stream from new entries on.
// Cancel the context to stop; the channel is closed afterwards.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) <-chan *Record {
	ch := make(chan *Record, 16)
	stream := StreamKey(sessionID)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("read step stream", zap.String("stream", stream), zap.Error(err))
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					rec, ok := decode(msg)
					if !ok {
						continue
					}
					select {
					case ch <- rec:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Delete drops a session stream.
func (b *Bus) Delete(ctx context.Context, sessionID string) error {
	return b.rdb.Del(ctx, StreamKey(sessionID)).Err()
}

func decode(msg redis.XMessage) (*Record, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, false
	}
	var rec Record
	if json.Unmarshal([]byte(data), &rec) != nil {
		return nil, false
	}
	rec.StreamID = msg.ID
	return &rec, true
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
