package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultStream = "vai-home:audit"

// RedisConfig holds the stream sink connection settings.
type RedisConfig struct {
	URL    string // redis://host:port/db
	Stream string
	MaxLen int64
}

// RedisStreamSink appends entries to a Redis stream with XADD.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink connects and pings the server before returning.
func NewRedisStreamSink(ctx context.Context, cfg RedisConfig) (*RedisStreamSink, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("audit: invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	c := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("audit: redis ping: %w", err)
	}
	return NewRedisStreamSinkFromClient(c, cfg.Stream, cfg.MaxLen), nil
}

func NewRedisStreamSinkFromClient(c *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStreamSink{client: c, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Record(ctx context.Context, e Entry) error {
	args, err := json.Marshal(e.Args)
	if err != nil {
		return fmt.Errorf("audit: encode args: %w", err)
	}
	values := map[string]any{
		"seq":         strconv.FormatUint(e.Seq, 10),
		"session_id":  e.SessionID,
		"time":        e.Time.UTC().Format(time.RFC3339Nano),
		"tool":        e.Tool,
		"call_id":     e.CallID,
		"args":        string(args),
		"local":       strconv.FormatBool(e.Local),
		"outcome":     e.Outcome,
		"duration_ms": strconv.FormatInt(e.Duration.Milliseconds(), 10),
	}
	if e.Error != "" {
		values["error_code"] = e.ErrorCode
		values["error"] = e.Error
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
}

func (s *RedisStreamSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
