package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/makeasinger/studio/internal/artifact"
	"github.com/makeasinger/studio/internal/client"
	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/store"
)

const (
	TaskTypePublish = "artifact:publish"
	QueuePublish    = "publish"

	maxParallelUploads = 3
)

// Enqueuer is the asynq client surface used to schedule publishing.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// SongUpdater records where a song's audio was published.
type SongUpdater interface {
	SetRemoteURL(ctx context.Context, audioURL, remoteURL string) error
}

// NewPublishTask builds the task that copies a job's audio to object storage.
func NewPublishTask(payload *model.PublishJobPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePublish, data), nil
}

// Scheduler enqueues a publish task for every succeeded job.
type Scheduler struct {
	client Enqueuer
}

func NewScheduler(client Enqueuer) *Scheduler {
	return &Scheduler{client: client}
}

// JobUpdated implements the orchestrator observer.
func (s *Scheduler) JobUpdated(_ context.Context, job model.Job) {
	if job.Status != model.JobStatusSucceeded || job.Result == nil || len(job.Result.AudioURLs) == 0 {
		return
	}
	task, err := NewPublishTask(&model.PublishJobPayload{
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		Files:   job.Result.AudioURLs,
	})
	if err != nil {
		log.Printf("[Publish] ✗ Failed to create task for job %s: %v", job.ID, err)
		return
	}
	_, err = s.client.Enqueue(task,
		asynq.Queue(QueuePublish),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		log.Printf("[Publish] ✗ Failed to enqueue job %s: %v", job.ID, err)
		return
	}
	log.Printf("[Publish] → Enqueued %d files for job %s", len(job.Result.AudioURLs), job.ID)
}

// PublishWorker uploads a job's local audio files to object storage and
// records the remote URLs on the stored songs. Files already in the bucket
// are not uploaded again, so retried tasks only finish what is missing.
type PublishWorker struct {
	storage client.ObjectStore
	songs   SongUpdater
	paths   *artifact.Paths
}

// NewPublishWorker creates a new publish worker
func NewPublishWorker(storage client.ObjectStore, songs SongUpdater, paths *artifact.Paths) *PublishWorker {
	return &PublishWorker{storage: storage, songs: songs, paths: paths}
}

// ProcessTask handles publish task processing
func (w *PublishWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.PublishJobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal publish payload: %v: %w", err, asynq.SkipRetry)
	}

	log.Printf("[Publish] Starting job %s (%d files)", payload.JobID, len(payload.Files))
	start := time.Now()

	var (
		mu        sync.Mutex
		published = make(map[string]string, len(payload.Files))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUploads)

	for _, audioURL := range payload.Files {
		audioURL := audioURL
		local, ok := w.paths.LocalPath(audioURL)
		if !ok {
			log.Printf("[Publish] Skipping non-local file %s", audioURL)
			continue
		}
		g.Go(func() error {
			name := filepath.Base(local)
			remote, uploaded, err := client.Publish(gctx, w.storage, client.SongKey(payload.OwnerID, name), local, artifact.MimeType(name))
			if err != nil {
				return fmt.Errorf("failed to publish %s: %w", name, err)
			}
			if !uploaded {
				log.Printf("[Publish] %s already published", name)
			}
			mu.Lock()
			published[audioURL] = remote
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("[Publish] ✗ Job %s failed: %v", payload.JobID, err)
		return err
	}

	for audioURL, remote := range published {
		if err := w.songs.SetRemoteURL(ctx, audioURL, remote); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.Printf("[Publish] No song recorded for %s", audioURL)
				continue
			}
			return fmt.Errorf("failed to record remote url: %w", err)
		}
	}

	log.Printf("[Publish] ← Job %s published %d files in %s", payload.JobID, len(published), time.Since(start).Round(time.Millisecond))
	return nil
}
