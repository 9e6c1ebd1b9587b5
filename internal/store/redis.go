package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/stash/pkg/record"
	"github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 3 * time.Second

// searchPageSize is how many index entries Search loads per round trip.
const searchPageSize = 100

// RedisStore persists envelopes as Redis hashes with a per-collection ZSET
// recency index. All keys are namespaced. The store is thread-safe and can be
// used concurrently from multiple goroutines.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisStore creates a store over a new Redis client.
// Returns an error if namespace is empty.
func NewRedisStore(redisOpts *redis.Options, namespace string) (*RedisStore, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	return &RedisStore{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
	}, nil
}

// DialRedis parses uri, connects and pings. The context deadline bounds the
// initial ping and the dial timeout of pooled connections.
func DialRedis(ctx context.Context, uri, namespace string) (*RedisStore, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	opts.DialTimeout = timeoutFrom(ctx, defaultRedisTimeout)
	opts.ReadTimeout = defaultRedisTimeout
	opts.WriteTimeout = defaultRedisTimeout

	s, err := NewRedisStore(opts, namespace)
	if err != nil {
		return nil, err
	}

	if err := s.Ping(ctx); err != nil {
		s.rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return s, nil
}

// Insert implements Store.
func (s *RedisStore) Insert(ctx context.Context, env record.Envelope) error {
	return s.write(ctx, env, false)
}

// Upsert implements Store. The previous hash is removed first so fields
// absent from the new payload do not survive the replacement.
func (s *RedisStore) Upsert(ctx context.Context, env record.Envelope) error {
	return s.write(ctx, env, true)
}

func (s *RedisStore) write(ctx context.Context, env record.Envelope, replace bool) error {
	if env.ID == "" {
		return fmt.Errorf("%w: write requires an id", record.ErrMalformedEnvelope)
	}

	hash, err := EnvelopeToHash(env)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}

	key := DocumentKey(s.namespace, env.Collection, env.ID)
	index := IndexKey(s.namespace, env.Collection)

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if replace {
			pipe.Del(ctx, key)
		}
		pipe.HSet(ctx, key, hash)
		pipe.ZAdd(ctx, index, redis.Z{
			Score:  float64(env.CreatedAt.UnixMilli()),
			Member: env.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %s/%s to Redis: %w", env.Collection, env.ID, err)
	}

	return nil
}

// Find implements Store. Records sharing the boundary timestamp are all
// loaded before truncation so that ties are broken by insertion order rather
// than by ZSET member order.
func (s *RedisStore) Find(ctx context.Context, collection string, limit int) ([]record.Envelope, error) {
	index := IndexKey(s.namespace, collection)

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	entries, err := s.rdb.ZRevRangeWithScores(ctx, index, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s index: %w", collection, err)
	}

	ids := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, z := range entries {
		id := z.Member.(string)
		ids = append(ids, id)
		seen[id] = true
	}

	if limit > 0 && len(entries) == limit {
		boundary := strconv.FormatFloat(entries[len(entries)-1].Score, 'f', -1, 64)
		ties, err := s.rdb.ZRangeByScore(ctx, index, &redis.ZRangeBy{Min: boundary, Max: boundary}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s index ties: %w", collection, err)
		}
		for _, id := range ties {
			if !seen[id] {
				ids = append(ids, id)
				seen[id] = true
			}
		}
	}

	envs, err := s.load(ctx, collection, ids)
	if err != nil {
		return nil, err
	}

	record.SortByRecency(envs)
	if limit > 0 && len(envs) > limit {
		envs = envs[:limit]
	}
	return envs, nil
}

// Search implements Store. Redis has no secondary indexes here, so the
// recency index is walked newest first in pages and each record is matched
// in memory until limit records are found.
func (s *RedisStore) Search(ctx context.Context, collection string, fields []string, query string, limit int) ([]record.Envelope, error) {
	out := []record.Envelope{}
	if len(fields) == 0 {
		return out, nil
	}

	index := IndexKey(s.namespace, collection)
	needle := strings.ToLower(query)

	for start := int64(0); ; start += searchPageSize {
		ids, err := s.rdb.ZRevRange(ctx, index, start, start+searchPageSize-1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s index: %w", collection, err)
		}

		envs, err := s.load(ctx, collection, ids)
		if err != nil {
			return nil, err
		}
		record.SortByRecency(envs)

		for _, env := range envs {
			if !matchesAny(env, fields, needle) {
				continue
			}
			out = append(out, env)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}

		if len(ids) < searchPageSize {
			return out, nil
		}
	}
}

// matchesAny reports whether one of fields is a string containing needle.
// needle must already be lower case.
func matchesAny(env record.Envelope, fields []string, needle string) bool {
	for _, field := range fields {
		v, ok := env.Payload[field].(string)
		if ok && strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}

// load fetches the hashes for ids in one round trip. Ids whose hash has gone
// missing are skipped.
func (s *RedisStore) load(ctx context.Context, collection string, ids []string) ([]record.Envelope, error) {
	if len(ids) == 0 {
		return []record.Envelope{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, DocumentKey(s.namespace, collection, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s documents: %w", collection, err)
	}

	envs := make([]record.Envelope, 0, len(ids))
	for i, cmd := range cmds {
		hash := cmd.Val()
		if len(hash) == 0 {
			continue
		}
		env, err := HashToEnvelope(hash)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize %s/%s: %w", collection, ids[i], err)
		}
		env.Collection = collection
		envs = append(envs, env)
	}
	return envs, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, collection, id string) (int64, error) {
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, DocumentKey(s.namespace, collection, id))
		pipe.ZRem(ctx, IndexKey(s.namespace, collection), id)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s/%s from Redis: %w", collection, id, err)
	}
	return del.Val(), nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close(_ context.Context) error {
	return s.rdb.Close()
}
