package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "sessiongate"

// RedisStore keeps one hash of id -> JSON record plus a sorted set that
// remembers first-insertion order.
type RedisStore struct {
	client   *redis.Client
	hashKey  string
	orderKey string
	seqKey   string
}

var _ Store = (*RedisStore)(nil)

// OpenRedis connects to the redis URL and verifies the connection.
func OpenRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("store: redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: connect redis: %w", err)
	}
	return NewRedis(client, prefix), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client:   client,
		hashKey:  prefix + ":sessions",
		orderKey: prefix + ":sessions:order",
		seqKey:   prefix + ":sessions:seq",
	}
}

func (s *RedisStore) Load(ctx context.Context) ([]Record, error) {
	ids, err := s.client.ZRange(ctx, s.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: read session order: %w", err)
	}
	all, err := s.client.HGetAll(ctx, s.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store: read sessions: %w", err)
	}

	records := make([]Record, 0, len(all))
	seen := make(map[string]struct{}, len(all))
	appendRaw := func(id, raw string) error {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("%w: redis record %q: %v", ErrCorrupt, id, err)
		}
		records = append(records, rec)
		seen[id] = struct{}{}
		return nil
	}
	for _, id := range ids {
		raw, ok := all[id]
		if !ok {
			continue
		}
		if err := appendRaw(id, raw); err != nil {
			return nil, err
		}
	}
	rest := make([]string, 0)
	for id := range all {
		if _, ok := seen[id]; !ok {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		if err := appendRaw(id, all[id]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (s *RedisStore) Save(ctx context.Context, records []Record) error {
	records = dedupe(records)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.hashKey, s.orderKey)
		for i, rec := range records {
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, s.hashKey, rec.ID, raw)
			pipe.ZAdd(ctx, s.orderKey, redis.Z{Score: float64(i + 1), Member: rec.ID})
		}
		pipe.Set(ctx, s.seqKey, len(records), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: save sessions: %w", err)
	}
	return nil
}

func (s *RedisStore) Upsert(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode session %q: %w", rec.ID, err)
	}
	seq, err := s.client.Incr(ctx, s.seqKey).Result()
	if err != nil {
		return fmt.Errorf("store: next sequence: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.hashKey, rec.ID, raw)
		pipe.ZAddNX(ctx, s.orderKey, redis.Z{Score: float64(seq), Member: rec.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: upsert session %q: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.hashKey, id)
		pipe.ZRem(ctx, s.orderKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: remove session %q: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, bool, error) {
	raw, err := s.client.HGet(ctx, s.hashKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("store: get session %q: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("%w: redis record %q: %v", ErrCorrupt, id, err)
	}
	return rec, true, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
