package orchestrator

import (
	"strings"
	"time"

	"github.com/makeasinger/studio/internal/model"
)

// job is the mutable record behind a model.Job snapshot. All fields are
// guarded by Orchestrator.mu.
type job struct {
	id       string
	ownerID  string
	req      *model.GenerationRequest
	status   model.JobStatus
	progress float64
	stage    string
	position int
	taskID   string
	result   *model.GenerationResult
	err      string

	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
}

func (j *job) terminal() bool {
	return j.status.IsTerminal()
}

// applyProgress clamps progress to [0, 1] and only ever raises it.
func (j *job) applyProgress(progress float64, stage string) bool {
	if j.terminal() {
		return false
	}
	changed := false
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	if progress > j.progress {
		j.progress = progress
		changed = true
	}
	if s := strings.TrimSpace(stage); s != "" && s != j.stage {
		j.stage = s
		changed = true
	}
	return changed
}

func (j *job) snapshot() model.Job {
	snap := model.Job{
		ID:          j.id,
		OwnerID:     j.ownerID,
		Title:       j.req.Title,
		Status:      j.status,
		Progress:    j.progress,
		Stage:       j.stage,
		TaskID:      j.taskID,
		Result:      j.result,
		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
	}
	if j.status == model.JobStatusQueued {
		snap.QueuePosition = j.position
	}
	if j.err != "" {
		msg := j.err
		snap.Error = &msg
	}
	return snap
}
