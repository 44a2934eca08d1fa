package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the keys written by [RedisBackend].
const DefaultRedisPrefix = "certflow:"

// RedisBackend stores each run as a JSON document at <prefix>run:<id> and tracks run
// ids in the set <prefix>runs.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend creates a [RedisBackend]. An empty prefix means [DefaultRedisPrefix].
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) runKey(runID string) string {
	return b.prefix + "run:" + runID
}

func (b *RedisBackend) indexKey() string {
	return b.prefix + "runs"
}

// Save writes the record and indexes its id in one transaction.
func (b *RedisBackend) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", rec.RunID, err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.runKey(rec.RunID), data, 0)
		pipe.SAdd(ctx, b.indexKey(), rec.RunID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", rec.RunID, err)
	}
	return nil
}

// Load reads the record of runID.
func (b *RedisBackend) Load(ctx context.Context, runID string) (*Record, error) {
	data, err := b.client.Get(ctx, b.runKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse run %s: %w", runID, err)
	}
	if rec.Stages == nil {
		rec.Stages = make(map[string]*StageRecord)
	}
	return &rec, nil
}

// List returns the indexed run ids, sorted.
func (b *RedisBackend) List(ctx context.Context) ([]string, error) {
	ids, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}
