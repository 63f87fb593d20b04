package audit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream    = "comms-router:audit"
	defaultStreamLen = 100000
)

// RedisRepo appends events to a Redis stream. The stream is trimmed
// approximately to MaxLen entries.
type RedisRepo struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

func NewRedisRepo(rdb *redis.Client, stream string, maxLen int64) *RedisRepo {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = defaultStreamLen
	}
	return &RedisRepo{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (r *RedisRepo) Append(ctx context.Context, e Event) error {
	if r.rdb == nil {
		return errors.New("audit: redis client is nil")
	}
	return r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: streamValues(e),
	}).Err()
}

// streamValues flattens an event into stream fields. Empty fields are omitted.
func streamValues(e Event) map[string]any {
	v := map[string]any{
		"id":         e.ID,
		"router_id":  e.RouterID,
		"type":       string(e.Type),
		"created_at": e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	for k, s := range map[string]string{
		"task_id":  e.TaskID,
		"agent_id": e.AgentID,
		"queue_id": e.QueueID,
		"route_id": e.RouteID,
		"message":  e.Message,
	} {
		if s != "" {
			v[k] = s
		}
	}
	return v
}
