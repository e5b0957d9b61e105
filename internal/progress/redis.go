package progress

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// DefaultChannelPrefix is prepended to the job id to form the channel name.
const DefaultChannelPrefix = "extraction:jobs"

// redisClient is the subset of *goredis.Client the publisher uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *goredis.IntCmd
	Close() error
}

// RedisPublisher publishes events on a per-job Redis channel.
type RedisPublisher struct {
	rdb    redisClient
	prefix string
}

// NewRedisPublisher connects to addr and verifies the connection.
func NewRedisPublisher(ctx context.Context, addr, prefix string) (*RedisPublisher, error) {
	if addr == "" {
		return nil, eris.New("progress: redis address is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrap(err, "progress: redis ping")
	}
	return newRedisPublisher(rdb, prefix), nil
}

func newRedisPublisher(rdb redisClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{rdb: rdb, prefix: prefix}
}

// Channel returns the channel name for a job.
func (r *RedisPublisher) Channel(jobID string) string {
	return r.prefix + ":" + jobID
}

// Publish sends {"job_id", "type", ...payload} as JSON.
func (r *RedisPublisher) Publish(ctx context.Context, jobID, eventType string, payload map[string]any) error {
	body := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["job_id"] = jobID
	body["type"] = eventType

	raw, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "progress: marshal event")
	}
	if err := r.rdb.Publish(ctx, r.Channel(jobID), raw).Err(); err != nil {
		return eris.Wrapf(err, "progress: publish %s", eventType)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisPublisher) Close() error {
	return r.rdb.Close()
}
