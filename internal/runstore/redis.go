package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stagehand-ci/stagehand/pkg/types"
)

// RedisStore implements RunStore backed by Redis.
// Uses Redis Streams for events and hashes for run metadata and stage state.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.Mutex
	closed bool

	// Subscriber management
	subsMu sync.RWMutex
	subs   map[string]map[chan *types.Event]struct{} // runID -> set of channels
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "runs")
	Prefix string

	// TTL for run data (default: 7 days)
	TTL time.Duration

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "runs",
		TTL:          7 * 24 * time.Hour,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed RunStore.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "runs"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		subs:   make(map[string]map[chan *types.Event]struct{}),
	}, nil
}

// Client exposes the underlying client so sibling stores (artifacts, the
// pipeline registry) can share the connection pool.
func (s *RedisStore) Client() *redis.Client { return s.client }

// Key helpers
func (s *RedisStore) keyMeta(runID string) string   { return fmt.Sprintf("%s:%s:meta", s.prefix, runID) }
func (s *RedisStore) keyStages(runID string) string { return fmt.Sprintf("%s:%s:stages", s.prefix, runID) }
func (s *RedisStore) keyEvents(runID string) string { return fmt.Sprintf("%s:%s:events", s.prefix, runID) }
func (s *RedisStore) keySeq(runID string) string    { return fmt.Sprintf("%s:%s:seq", s.prefix, runID) }

// setTTL refreshes TTL on all keys for a run.
func (s *RedisStore) setTTL(ctx context.Context, runID string) error {
	if s.ttl <= 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(runID), s.ttl)
	pipe.Expire(ctx, s.keyStages(runID), s.ttl)
	pipe.Expire(ctx, s.keyEvents(runID), s.ttl)
	pipe.Expire(ctx, s.keySeq(runID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// CreateRun creates a new run record with all stages pending.
func (s *RedisStore) CreateRun(ctx context.Context, pipeline string, trig types.Trigger, stages []string, order []string) (string, error) {
	runID := uuid.NewString()
	now := time.Now().UTC()

	trigJSON, err := json.Marshal(trig)
	if err != nil {
		return "", fmt.Errorf("marshal trigger: %w", err)
	}
	orderJSON, _ := json.Marshal(order)

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyMeta(runID), map[string]interface{}{
		"runId":      runID,
		"pipeline":   pipeline,
		"status":     string(types.RunStatusPending),
		"trigger":    string(trigJSON),
		"order":      string(orderJSON),
		"error":      "",
		"startedAt":  "",
		"finishedAt": "",
		"createdAt":  now.Format(time.RFC3339),
		"updatedAt":  now.Format(time.RFC3339),
		"cancelled":  "false",
	})
	for _, name := range stages {
		result := &types.StageResult{Name: name, Status: types.StageStatusPending}
		data, _ := json.Marshal(result)
		pipe.HSet(ctx, s.keyStages(runID), name, string(data))
	}
	pipe.Set(ctx, s.keySeq(runID), "0", 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	if err := s.setTTL(ctx, runID); err != nil {
		slog.Warn("failed to set TTL for run", slog.String("run_id", runID), slog.Any("error", err))
	}

	return runID, nil
}

func metaTimestamps(meta map[string]string, started, finished **time.Time, created, updated *time.Time) {
	if meta["startedAt"] != "" {
		if t, err := time.Parse(time.RFC3339, meta["startedAt"]); err == nil {
			*started = &t
		}
	}
	if meta["finishedAt"] != "" {
		if t, err := time.Parse(time.RFC3339, meta["finishedAt"]); err == nil {
			*finished = &t
		}
	}
	if t, err := time.Parse(time.RFC3339, meta["createdAt"]); err == nil {
		*created = t
	}
	if t, err := time.Parse(time.RFC3339, meta["updatedAt"]); err == nil {
		*updated = t
	}
}

// GetRunMeta returns lightweight run metadata.
func (s *RedisStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	meta, err := s.client.HGetAll(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get run meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, ErrRunNotFound
	}

	result := &types.RunMeta{
		ID:       runID,
		Pipeline: meta["pipeline"],
		Status:   types.RunStatus(meta["status"]),
		Error:    meta["error"],
	}
	if meta["trigger"] != "" {
		json.Unmarshal([]byte(meta["trigger"]), &result.Trigger)
	}
	metaTimestamps(meta, &result.StartedAt, &result.FinishedAt, &result.CreatedAt, &result.UpdatedAt)
	return result, nil
}

// GetRun returns the full run including all stage results.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.PipelineRun, error) {
	pipe := s.client.Pipeline()
	metaCmd := pipe.HGetAll(ctx, s.keyMeta(runID))
	stagesCmd := pipe.HGetAll(ctx, s.keyStages(runID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get run: %w", err)
	}

	meta, err := metaCmd.Result()
	if err != nil || len(meta) == 0 {
		return nil, ErrRunNotFound
	}

	run := &types.PipelineRun{
		ID:       runID,
		Pipeline: meta["pipeline"],
		Status:   types.RunStatus(meta["status"]),
		Error:    meta["error"],
		Stages:   make(map[string]*types.StageResult),
	}
	if meta["trigger"] != "" {
		json.Unmarshal([]byte(meta["trigger"]), &run.Trigger)
	}
	if meta["order"] != "" {
		json.Unmarshal([]byte(meta["order"]), &run.Order)
	}
	metaTimestamps(meta, &run.StartedAt, &run.FinishedAt, &run.CreatedAt, &run.UpdatedAt)

	stageFields, _ := stagesCmd.Result()
	for name, data := range stageFields {
		var result types.StageResult
		if err := json.Unmarshal([]byte(data), &result); err != nil {
			return nil, fmt.Errorf("unmarshal stage %s: %w", name, err)
		}
		run.Stages[name] = &result
	}

	return run, nil
}

// ListRuns returns all run IDs.
func (s *RedisStore) ListRuns(ctx context.Context) ([]string, error) {
	pattern := fmt.Sprintf("%s:*:meta", s.prefix)
	var runIDs []string
	var cursor uint64

	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan runs: %w", err)
		}
		for _, key := range keys {
			// prefix:runID:meta
			parts := strings.Split(key, ":")
			if len(parts) >= 3 {
				runIDs = append(runIDs, parts[len(parts)-2])
			}
		}
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return runIDs, nil
}

// UpdateRunStatus moves the run through its lifecycle.
func (s *RedisStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, runErr string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	fields := map[string]interface{}{
		"status":    string(status),
		"updatedAt": now,
	}
	if runErr != "" {
		fields["error"] = runErr
	}
	if status == types.RunStatusRunning {
		started, err := s.client.HGet(ctx, s.keyMeta(runID), "startedAt").Result()
		if err == nil && started == "" {
			fields["startedAt"] = now
		}
	}
	if status.Terminal() {
		fields["finishedAt"] = now
	}

	if err := s.client.HSet(ctx, s.keyMeta(runID), fields).Err(); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	s.setTTL(ctx, runID)
	return nil
}

// CancelRun flags the run for cancellation.
func (s *RedisStore) CancelRun(ctx context.Context, runID string) error {
	meta, err := s.client.HGetAll(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return fmt.Errorf("get run meta: %w", err)
	}
	if len(meta) == 0 {
		return ErrRunNotFound
	}
	if types.RunStatus(meta["status"]).Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, meta["status"])
	}

	fields := map[string]interface{}{
		"cancelled": "true",
		"updatedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.client.HSet(ctx, s.keyMeta(runID), fields).Err(); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}

// UpdateStageResult writes one stage's state.
func (s *RedisStore) UpdateStageResult(ctx context.Context, runID string, result *types.StageResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal stage %s: %w", result.Name, err)
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyStages(runID), result.Name, string(data))
	pipe.HSet(ctx, s.keyMeta(runID), "updatedAt", time.Now().UTC().Format(time.RFC3339))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update stage %s: %w", result.Name, err)
	}
	s.setTTL(ctx, runID)
	return nil
}

// GetStageResult retrieves one stage's state.
func (s *RedisStore) GetStageResult(ctx context.Context, runID, stage string) (*types.StageResult, error) {
	data, err := s.client.HGet(ctx, s.keyStages(runID), stage).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("stage %s not found in run %s", stage, runID)
		}
		return nil, fmt.Errorf("get stage %s: %w", stage, err)
	}
	var result types.StageResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("unmarshal stage %s: %w", stage, err)
	}
	return &result, nil
}

// AppendEvent adds an event to the run's stream.
func (s *RedisStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	seq, err := s.client.Incr(ctx, s.keySeq(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	now := time.Now().UTC()
	eventID := strconv.FormatInt(seq, 10)

	dataBytes, _ := json.Marshal(input.Data)

	event := &types.Event{
		ID:        eventID,
		RunID:     runID,
		Type:      input.Type,
		Stage:     input.Stage,
		Step:      input.Step,
		Timestamp: now,
		Data:      dataBytes,
	}

	streamFields := map[string]interface{}{
		"seq":   eventID,
		"ts":    now.Format(time.RFC3339),
		"type":  string(input.Type),
		"data":  string(dataBytes),
		"stage": input.Stage,
		"step":  input.Step,
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(runID),
		MaxLen: 5000,
		Approx: true,
		Values: streamFields,
	}).Err(); err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}

	s.setTTL(ctx, runID)
	s.notifySubscribers(runID, event)

	return event, nil
}

func eventFromStreamValues(runID string, values map[string]interface{}) *types.Event {
	seqStr, _ := values["seq"].(string)
	ts, _ := values["ts"].(string)
	timestamp, _ := time.Parse(time.RFC3339, ts)
	eventType, _ := values["type"].(string)
	data, _ := values["data"].(string)
	stage, _ := values["stage"].(string)
	step, _ := values["step"].(string)

	return &types.Event{
		ID:        seqStr,
		RunID:     runID,
		Type:      types.EventType(eventType),
		Stage:     stage,
		Step:      step,
		Timestamp: timestamp,
		Data:      json.RawMessage(data),
	}
}

// GetEventsSince returns events after the given event ID.
func (s *RedisStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyEvents(runID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	var events []*types.Event
	for _, entry := range entries {
		evt := eventFromStreamValues(runID, entry.Values)
		seq, _ := strconv.ParseInt(evt.ID, 10, 64)
		if lastSeq > 0 && seq <= lastSeq {
			continue
		}
		events = append(events, evt)
	}

	return events, nil
}

// Subscribe returns a channel that receives new events.
func (s *RedisStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return nil, nil, ErrRunNotFound
	}

	ch := make(chan *types.Event, 100)

	s.subsMu.Lock()
	if s.subs[runID] == nil {
		s.subs[runID] = make(map[chan *types.Event]struct{})
	}
	s.subs[runID][ch] = struct{}{}
	s.subsMu.Unlock()

	go s.streamReader(ctx, runID, ch)

	cleanup := func() {
		s.subsMu.Lock()
		delete(s.subs[runID], ch)
		if len(s.subs[runID]) == 0 {
			delete(s.subs, runID)
		}
		s.subsMu.Unlock()
		close(ch)
	}

	return ch, cleanup, nil
}

// streamReader reads from the Redis Stream and pushes to the channel.
func (s *RedisStore) streamReader(ctx context.Context, runID string, ch chan *types.Event) {
	lastID := "$" // Start from latest

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyEvents(runID), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				event := eventFromStreamValues(runID, entry.Values)

				select {
				case ch <- event:
				case <-ctx.Done():
					return
				default:
					// Channel full, skip event
				}
			}
		}
	}
}

// notifySubscribers sends an event to all subscribers for a run.
func (s *RedisStore) notifySubscribers(runID string, event *types.Event) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for ch := range s.subs[runID] {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

// IsCancelled checks if the run has been flagged for cancellation.
func (s *RedisStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	val, err := s.client.HGet(ctx, s.keyMeta(runID), "cancelled").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("get cancelled: %w", err)
	}
	return val == "true", nil
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)

	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
				"stale_conn": poolStats.StaleConns,
			},
		},
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.client.Close()
}

// Ensure RedisStore implements RunStore
var _ RunStore = (*RedisStore)(nil)
