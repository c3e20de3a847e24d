package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stagehand-ci/stagehand/pkg/types"
)

// RedisStore persists artifacts in Redis hashes, one hash per run. Write-once
// semantics come from HSETNX: the first writer of a field wins and later
// writes are rejected without touching the stored value.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed artifact store sharing an existing
// client. prefix defaults to "artifacts"; ttl of 0 keeps artifacts forever.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "artifacts"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) runKey(runID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, runID)
}

// Put records an artifact, enforcing write-once per key.
func (s *RedisStore) Put(ctx context.Context, runID string, art types.Artifact) error {
	if art.Key == "" {
		return fmt.Errorf("artifact key is required")
	}
	data, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("marshal artifact %s: %w", art.Key, err)
	}

	key := s.runKey(runID)
	set, err := s.client.HSetNX(ctx, key, art.Key, data).Result()
	if err != nil {
		return fmt.Errorf("hsetnx %s/%s: %w", key, art.Key, err)
	}
	if !set {
		return fmt.Errorf("%w: %s (run %s)", ErrDuplicateArtifact, art.Key, runID)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return nil
}

// Get returns one artifact by key.
func (s *RedisStore) Get(ctx context.Context, runID, key string) (types.Artifact, error) {
	data, err := s.client.HGet(ctx, s.runKey(runID), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Artifact{}, fmt.Errorf("%w: %s (run %s)", ErrNotFound, key, runID)
	}
	if err != nil {
		return types.Artifact{}, fmt.Errorf("hget %s: %w", key, err)
	}
	var art types.Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return types.Artifact{}, fmt.Errorf("unmarshal artifact %s: %w", key, err)
	}
	return art, nil
}

// List returns all artifacts for a run, sorted by key.
func (s *RedisStore) List(ctx context.Context, runID string) ([]types.Artifact, error) {
	fields, err := s.client.HGetAll(ctx, s.runKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.runKey(runID), err)
	}
	out := make([]types.Artifact, 0, len(fields))
	for key, data := range fields {
		var art types.Artifact
		if err := json.Unmarshal([]byte(data), &art); err != nil {
			return nil, fmt.Errorf("unmarshal artifact %s: %w", key, err)
		}
		out = append(out, art)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DropRun discards all artifacts for a run.
func (s *RedisStore) DropRun(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, s.runKey(runID)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", s.runKey(runID), err)
	}
	return nil
}

// Close is a no-op; the shared client is owned by the caller.
func (s *RedisStore) Close() error { return nil }
