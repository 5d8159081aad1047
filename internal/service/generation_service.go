package service

import (
	"context"
	"log"

	"github.com/makeasinger/studio/internal/model"
)

// JobQueue is the orchestrator surface the service drives.
type JobQueue interface {
	Submit(req *model.GenerationRequest, ownerID string) string
	Job(id string) (model.Job, bool)
	Status(ctx context.Context, id string) model.JobStatusResponse
	Cleanup(id string) bool
}

// GenerationService handles generation job management
type GenerationService struct {
	queue  JobQueue
	mirror *JobMirror
}

// NewGenerationService creates the service. mirror may be nil.
func NewGenerationService(queue JobQueue, mirror *JobMirror) *GenerationService {
	return &GenerationService{queue: queue, mirror: mirror}
}

// Generate queues a new generation job
func (s *GenerationService) Generate(ctx context.Context, req *model.GenerationRequest, ownerID string) *model.GenerateResponse {
	jobID := s.queue.Submit(req, ownerID)

	resp := &model.GenerateResponse{JobID: jobID, Status: model.JobStatusQueued}
	if job, ok := s.queue.Job(jobID); ok {
		resp.Status = job.Status
		resp.QueuePosition = job.QueuePosition
	}
	log.Printf("[Generate] Queued job %s for owner %s (position %d)", jobID, ownerID, resp.QueuePosition)
	return resp
}

// Snapshot returns a job known to this instance or the mirror.
func (s *GenerationService) Snapshot(ctx context.Context, jobID string) (*model.Job, bool) {
	if job, ok := s.queue.Job(jobID); ok {
		return &job, true
	}
	if s.mirror != nil {
		if job, err := s.mirror.Get(ctx, jobID); err == nil {
			return job, true
		}
	}
	return nil, false
}

// GetStatus returns the current status of a job. Finished jobs that were
// swept from memory are answered from the Redis mirror.
func (s *GenerationService) GetStatus(ctx context.Context, jobID string) model.JobStatusResponse {
	if _, ok := s.queue.Job(jobID); ok || s.mirror == nil {
		return s.queue.Status(ctx, jobID)
	}

	job, err := s.mirror.Get(ctx, jobID)
	if err != nil || !job.Status.IsTerminal() {
		return s.queue.Status(ctx, jobID)
	}
	return mirroredStatus(job)
}

// Cleanup forgets a job locally and in the mirror. It is idempotent.
func (s *GenerationService) Cleanup(ctx context.Context, jobID string) {
	s.queue.Cleanup(jobID)
	if s.mirror != nil {
		if err := s.mirror.Delete(ctx, jobID); err != nil {
			log.Printf("[Generate] Failed to delete mirrored job %s: %v", jobID, err)
		}
	}
}

func mirroredStatus(job *model.Job) model.JobStatusResponse {
	resp := model.JobStatusResponse{JobID: job.ID, Status: job.Status, Stage: job.Stage}
	if job.Status == model.JobStatusSucceeded {
		progress := 1.0
		resp.Progress = &progress
		resp.Result = job.Result
	} else if job.Error != nil {
		resp.Error = *job.Error
	}
	return resp
}
