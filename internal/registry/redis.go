package registry

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

const (
	// Key patterns for Redis storage
	pipelineKeyPrefix = "stagehand:pipeline:"
	pipelineIndexKey  = "stagehand:pipelines:all"
)

// RedisRegistry implements PipelineRegistry using Redis for persistence.
type RedisRegistry struct {
	client *redis.Client
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisRegistry creates a new Redis-backed pipeline registry.
func NewRedisRegistry(cfg *RedisConfig) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisRegistry{client: client}, nil
}

// NewRedisRegistryFromClient creates a registry sharing an existing client.
func NewRedisRegistryFromClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func pipelineKey(name string) string {
	return pipelineKeyPrefix + name
}

// Create registers a new pipeline.
func (r *RedisRegistry) Create(ctx context.Context, spec *types.PipelineSpec) (*Pipeline, error) {
	if spec == nil || spec.Name == "" {
		return nil, errors.New("pipeline name is required")
	}

	now := time.Now().UTC()
	p := &Pipeline{
		Name:      spec.Name,
		Spec:      spec,
		Version:   1,
		Labels:    spec.Labels,
		CreatedAt: now,
		UpdatedAt: now,
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}

	// SetNX makes the existence check and write atomic across replicas.
	set, err := r.client.SetNX(ctx, pipelineKey(spec.Name), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	if !set {
		return nil, ErrPipelineExists
	}

	if err := r.client.SAdd(ctx, pipelineIndexKey, spec.Name).Err(); err != nil {
		return nil, fmt.Errorf("index pipeline: %w", err)
	}

	return p, nil
}

// Get retrieves a pipeline by name.
func (r *RedisRegistry) Get(ctx context.Context, name string) (*Pipeline, error) {
	data, err := r.client.Get(ctx, pipelineKey(name)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrPipelineNotFound
		}
		return nil, fmt.Errorf("get pipeline: %w", err)
	}

	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	return &p, nil
}

// Update replaces an existing definition and bumps its version.
func (r *RedisRegistry) Update(ctx context.Context, name string, spec *types.PipelineSpec) (*Pipeline, error) {
	if spec == nil {
		return nil, errors.New("pipeline spec is required")
	}
	if spec.Name != "" && spec.Name != name {
		return nil, errors.New("pipeline name cannot change on update")
	}

	p, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	p.Spec = spec
	p.Labels = spec.Labels
	p.Version++
	p.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}
	if err := r.client.Set(ctx, pipelineKey(name), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("update pipeline: %w", err)
	}

	return p, nil
}

// Delete removes a pipeline.
func (r *RedisRegistry) Delete(ctx context.Context, name string) error {
	key := pipelineKey(name)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists == 0 {
		return ErrPipelineNotFound
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, pipelineIndexKey, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	return nil
}

// List returns all pipelines matching the options, sorted by name.
func (r *RedisRegistry) List(ctx context.Context, opts *ListOptions) ([]*Pipeline, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	names, err := r.client.SMembers(ctx, pipelineIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list pipeline names: %w", err)
	}
	if len(names) == 0 {
		return []*Pipeline{}, nil
	}
	sort.Strings(names)

	var pipelines []*Pipeline
	for _, name := range names {
		p, err := r.Get(ctx, name)
		if err != nil {
			if errors.Is(err, ErrPipelineNotFound) {
				// Clean up stale index entry
				r.client.SRem(ctx, pipelineIndexKey, name)
				continue
			}
			return nil, err
		}
		if len(opts.Labels) > 0 && !hasAllLabels(p.Labels, opts.Labels) {
			continue
		}
		pipelines = append(pipelines, p)
	}

	return paginate(pipelines, opts), nil
}

// Exists checks whether a pipeline with the given name is registered.
func (r *RedisRegistry) Exists(ctx context.Context, name string) (bool, error) {
	exists, err := r.client.Exists(ctx, pipelineKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("check exists: %w", err)
	}
	return exists > 0, nil
}

// Close releases Redis connection resources.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
