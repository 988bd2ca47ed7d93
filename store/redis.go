package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/openagency/conductor/core"
)

const (
	jobKeyPrefix  = "conductor:jobs:"
	pendingSetKey = "conductor:jobs:pending"
	allSetKey     = "conductor:jobs:all"
)

// RedisStore is a Redis-backed core.JobStore. Jobs are serialized JSON
// values; pending jobs are additionally indexed in a sorted set scored by
// creation time so polling returns them oldest-first.
type RedisStore struct {
	client *redis.Client
	logger core.Logger
	now    func() time.Time
}

// NewRedisStore connects to Redis using a redis:// URL.
func NewRedisStore(redisURL string, logger core.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/store")
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", core.ErrConnectionFailed)
	}

	return &RedisStore{client: client, logger: logger, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Create inserts a new job and indexes it.
func (s *RedisStore) Create(ctx context.Context, job *core.Job) error {
	clone := *job
	if clone.Status == "" {
		clone.Status = core.JobPending
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.now().UTC()
	}
	clone.UpdatedAt = s.now().UTC()

	if err := s.write(ctx, &clone); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, allSetKey, &redis.Z{Score: float64(clone.CreatedAt.UnixNano()), Member: clone.ID})
	if clone.Status == core.JobPending {
		pipe.ZAdd(ctx, pendingSetKey, &redis.Z{Score: float64(clone.CreatedAt.UnixNano()), Member: clone.ID})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetPending returns pending jobs oldest-first.
func (s *RedisStore) GetPending(ctx context.Context) ([]*core.Job, error) {
	ids, err := s.client.ZRange(ctx, pendingSetKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending index: %w", err)
	}

	var jobs []*core.Job
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			// Index entry without a job record; drop it.
			s.client.ZRem(ctx, pendingSetKey, id)
			continue
		}
		if job.Status != core.JobPending {
			s.client.ZRem(ctx, pendingSetKey, id)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Get returns a job by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*core.Job, error) {
	data, err := s.client.Get(ctx, jobKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", id, err)
	}

	var job core.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job %s: %w", id, err)
	}
	return &job, nil
}

// UpdateStatus transitions a job and maintains the pending index.
func (s *RedisStore) UpdateStatus(ctx context.Context, id string, status core.JobStatus, update *core.JobUpdate) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	job.Status = status
	job.UpdatedAt = s.now().UTC()
	if update != nil {
		if update.CompletedAt != nil {
			job.CompletedAt = update.CompletedAt
		}
		if update.CostUSD != nil {
			job.CostUSD = *update.CostUSD
		}
		if update.Error != "" {
			job.Error = update.Error
		}
	}

	if err := s.write(ctx, job); err != nil {
		return err
	}

	if status == core.JobPending {
		return s.client.ZAdd(ctx, pendingSetKey, &redis.Z{
			Score:  float64(job.CreatedAt.UnixNano()),
			Member: id,
		}).Err()
	}
	return s.client.ZRem(ctx, pendingSetKey, id).Err()
}

// List returns up to limit jobs, newest first.
func (s *RedisStore) List(ctx context.Context, limit int) ([]*core.Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, allSetKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job index: %w", err)
	}

	var jobs []*core.Job
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) write(ctx context.Context, job *core.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job %s: %w", job.ID, err)
	}
	return s.client.Set(ctx, jobKeyPrefix+job.ID, data, 0).Err()
}
