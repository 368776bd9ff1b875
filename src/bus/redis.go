package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// DefaultStream is the Redis stream events are mirrored to.
const DefaultStream = "agentexec.events"

// StreamAdder is the slice of the Redis client the sink needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink mirrors events into a capped Redis stream. A circuit
// breaker stops hammering Redis when it is unreachable.
type RedisStreamSink struct {
	client  StreamAdder
	stream  string
	maxLen  int64
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// NewRedisStreamSink builds a sink writing to stream (DefaultStream if empty).
func NewRedisStreamSink(client StreamAdder, stream string) *RedisStreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamSink{
		client:  client,
		stream:  stream,
		maxLen:  10000,
		timeout: 2 * time.Second,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "redis-stream:" + stream,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// OpenRedis parses a redis:// URL into a client.
func OpenRedis(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return redis.NewClient(opt), nil
}

// Name implements Sink.
func (s *RedisStreamSink) Name() string { return "redis:" + s.stream }

// State exposes the breaker state for diagnostics.
func (s *RedisStreamSink) State() string { return s.breaker.State().String() }

// Write implements Sink.
func (s *RedisStreamSink) Write(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("redis sink: encode data: %w", err)
	}
	_, err = s.breaker.Execute(func() (interface{}, error) {
		c, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.client.XAdd(c, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"id":     event.ID,
				"type":   event.Type,
				"source": event.SourceAgent,
				"ts":     event.Timestamp.Format(time.RFC3339Nano),
				"data":   string(payload),
			},
		}).Result()
	})
	return err
}
