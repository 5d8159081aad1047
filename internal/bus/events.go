package bus

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/makeasinger/studio/internal/model"
)

// Publisher sends a JSON-encoded value to a subject.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// JobEvent is published whenever a job changes state.
type JobEvent struct {
	JobID   string                  `json:"jobId"`
	OwnerID string                  `json:"ownerId,omitempty"`
	Status  model.JobStatus         `json:"status"`
	Error   string                  `json:"error,omitempty"`
	Result  *model.GenerationResult `json:"result,omitempty"`
}

// Events publishes job lifecycle transitions as <prefix>.<status>.
// Progress ticks within a state are not published.
type Events struct {
	pub    Publisher
	prefix string

	mu   sync.Mutex
	last map[string]model.JobStatus
}

func NewEvents(pub Publisher, prefix string) *Events {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "generation.jobs"
	}
	return &Events{pub: pub, prefix: prefix, last: make(map[string]model.JobStatus)}
}

// Subject returns the subject for a job status.
func (e *Events) Subject(status model.JobStatus) string {
	return e.prefix + "." + string(status)
}

// JobUpdated implements the orchestrator observer.
func (e *Events) JobUpdated(_ context.Context, job model.Job) {
	e.mu.Lock()
	if e.last[job.ID] == job.Status {
		e.mu.Unlock()
		return
	}
	if job.Status.IsTerminal() {
		delete(e.last, job.ID)
	} else {
		e.last[job.ID] = job.Status
	}
	e.mu.Unlock()

	ev := JobEvent{JobID: job.ID, OwnerID: job.OwnerID, Status: job.Status, Result: job.Result}
	if job.Error != nil {
		ev.Error = *job.Error
	}
	subject := e.Subject(job.Status)
	if err := e.pub.PublishJSON(subject, ev); err != nil {
		log.Printf("[Bus] ✗ Failed to publish %s for job %s: %v", subject, job.ID, err)
		return
	}
	log.Printf("[Bus] → %s (job=%s)", subject, job.ID)
}
