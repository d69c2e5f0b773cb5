package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "corruptor:session:"
	createdField       = "_created"
)

// RedisStore implements Store with one Redis hash per session. Counters are
// hash fields incremented with HINCRBY, so concurrent proxy instances share
// them safely. Every write refreshes the session TTL.
type RedisStore struct {
	client *redis.Client
	log    *slog.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store. A non-positive ttl defaults to
// one hour.
func NewRedisStore(client *redis.Client, log *slog.Logger, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{
		client: client,
		log:    log,
		prefix: defaultRedisPrefix,
		ttl:    ttl,
	}
}

func (r *RedisStore) key(token string) string {
	return r.prefix + token
}

// Create implements Store.Create.
func (r *RedisStore) Create(ctx context.Context) (string, error) {
	token := NewToken()
	key := r.key(token)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, createdField, time.Now().Unix())
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	r.log.Debug("session created", slog.String("session", token))
	return token, nil
}

// incrementScript bumps a counter of an existing session hash and refreshes
// its TTL. It returns -1 when the session does not exist.
var incrementScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
redis.call("EXPIRE", KEYS[1], ARGV[2])
return n
`)

// IncrementRetry implements Store.IncrementRetry.
func (r *RedisStore) IncrementRetry(ctx context.Context, token string, index int64) (int64, error) {
	ttl := int64(r.ttl / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	n, err := incrementScript.Run(ctx, r.client, []string{r.key(token)}, strconv.FormatInt(index, 10), ttl).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}
	if n < 0 {
		return 0, ErrSessionNotFound
	}
	return n, nil
}

// RetryCounts implements Store.RetryCounts.
func (r *RedisStore) RetryCounts(ctx context.Context, token string) (map[int64]int64, error) {
	fields, err := r.client.HGetAll(ctx, r.key(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}

	out := make(map[int64]int64, len(fields))
	for field, value := range fields {
		if field == createdField {
			continue
		}
		index, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			r.log.Warn("skipping malformed session field",
				slog.String("session", token),
				slog.String("field", field))
			continue
		}
		count, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed retry count for segment %d: %w", index, err)
		}
		out[index] = count
	}
	return out, nil
}

// Len implements Store.Len.
func (r *RedisStore) Len(ctx context.Context) (int, error) {
	n := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}
