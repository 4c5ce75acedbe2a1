package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "nuka:workflow:"

// StreamKey is the Redis stream holding a workflow's events.
func StreamKey(workflowID string) string { return streamPrefix + workflowID }

// RedisPublisher appends events to one Redis stream per workflow.
type RedisPublisher struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewRedisPublisher connects to redisURL and pings it.
func NewRedisPublisher(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisPublisher{rdb: rdb, maxLen: 1000, logger: logger}, nil
}

// Publish appends ev to the workflow's stream, trimming it to about maxLen
// entries.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	stream := StreamKey(ev.WorkflowID)
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{"type": string(ev.Type), "data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	p.logger.Debug("published progress event",
		zap.String("stream", stream), zap.String("type", string(ev.Type)))
	return nil
}

// Watch streams a workflow's events from the beginning until ctx is done or
// the workflow completes. The channel is closed on return.
func (p *RedisPublisher) Watch(ctx context.Context, workflowID string) <-chan Event {
	ch := make(chan Event, 16)
	stream := StreamKey(workflowID)

	go func() {
		defer close(ch)
		lastID := "0"
		for ctx.Err() == nil {
			results, err := p.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   50,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("read progress stream failed", zap.String("stream", stream), zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
					if ev.Type == EventWorkflowCompleted {
						return
					}
				}
			}
		}
	}()
	return ch
}

// Close shuts down the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
