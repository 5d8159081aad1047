package orchestrator

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/makeasinger/studio/internal/engine"
	"github.com/makeasinger/studio/internal/model"
)

const progressQueryTimeout = 3 * time.Second

// Status returns the polling view of a job. It never fails: unknown ids
// are reported as a failed job.
func (o *Orchestrator) Status(ctx context.Context, id string) model.JobStatusResponse {
	o.mu.Lock()
	j, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return model.JobStatusResponse{JobID: id, Status: model.JobStatusFailed, Error: "Job not found"}
	}
	snap := j.snapshot()
	o.mu.Unlock()

	resp := model.JobStatusResponse{JobID: id, Status: snap.Status, Stage: snap.Stage}

	switch snap.Status {
	case model.JobStatusSucceeded:
		progress := 1.0
		resp.Progress = &progress
		resp.Result = snap.Result
	case model.JobStatusFailed:
		if snap.Error != nil {
			resp.Error = *snap.Error
		}
	case model.JobStatusQueued:
		pos := snap.QueuePosition
		eta := float64(pos) * o.cfg.PerJobEstimate.Seconds()
		progress := 0.0
		resp.QueuePosition = &pos
		resp.EtaSeconds = &eta
		resp.Progress = &progress
	case model.JobStatusRunning:
		if snap.TaskID != "" && o.tasks != nil {
			o.refreshProgress(ctx, j, snap.TaskID)
			o.mu.Lock()
			snap = j.snapshot()
			o.mu.Unlock()
			resp.Status = snap.Status
			resp.Stage = snap.Stage
		}
		progress := snap.Progress
		eta := EstimateETA(o.now().Sub(snap.CreatedAt), progress, o.cfg.PerJobEstimate)
		resp.Progress = &progress
		resp.EtaSeconds = &eta
		if snap.Status == model.JobStatusSucceeded {
			resp.Result = snap.Result
		}
	}
	return resp
}

// refreshProgress pulls progress from the task API. Failures are logged
// and ignored.
func (o *Orchestrator) refreshProgress(ctx context.Context, j *job, taskID string) {
	ctx, cancel := context.WithTimeout(ctx, progressQueryTimeout)
	defer cancel()

	status, err := o.tasks.Query(ctx, taskID)
	if err != nil {
		log.Printf("[Orchestrator] Progress query for task %s failed: %v", taskID, err)
		return
	}
	if status.Progress == nil {
		return
	}
	o.setProgress(j, engine.NormalizeProgress(*status.Progress), status.Stage)
}

// EstimateETA extrapolates the remaining seconds linearly from elapsed time
// and fractional progress. Outside (0, 1) it returns the coarse estimate.
func EstimateETA(elapsed time.Duration, progress float64, estimate time.Duration) float64 {
	if progress > 0 && progress < 1 {
		e := elapsed.Seconds()
		return math.Max(0, e/progress-e)
	}
	return estimate.Seconds()
}
