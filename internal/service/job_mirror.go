package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/studio/internal/model"
)

const jobMirrorTTL = 24 * time.Hour

// ErrJobNotFound is returned when no snapshot is stored for a job.
var ErrJobNotFound = errors.New("job not found")

// redisKV is the slice of the Redis client the mirror uses.
type redisKV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// JobMirror copies job snapshots to Redis so other instances and restarts
// can still answer for finished jobs.
type JobMirror struct {
	redis redisKV
}

func NewJobMirror(redisClient redisKV) *JobMirror {
	return &JobMirror{redis: redisClient}
}

// JobUpdated implements the orchestrator observer.
func (m *JobMirror) JobUpdated(ctx context.Context, job model.Job) {
	if err := m.Save(ctx, job); err != nil {
		log.Printf("[Mirror] ✗ Failed to save job %s: %v", job.ID, err)
	}
}

func (m *JobMirror) Save(ctx context.Context, job model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return m.redis.Set(ctx, jobKey(job.ID), data, jobMirrorTTL).Err()
}

func (m *JobMirror) Get(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := m.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (m *JobMirror) Delete(ctx context.Context, jobID string) error {
	return m.redis.Del(ctx, jobKey(jobID)).Err()
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}
