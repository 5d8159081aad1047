package handler

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/makeasinger/studio/internal/service"
	ws "github.com/makeasinger/studio/internal/websocket"
)

// JobsSocket streams job events to websocket subscribers.
type JobsSocket struct {
	hub     *ws.Hub
	service *service.GenerationService
}

func NewJobsSocket(hub *ws.Hub, svc *service.GenerationService) *JobsSocket {
	return &JobsSocket{hub: hub, service: svc}
}

// Handle serves GET /ws/jobs/:jobId. The current state of a known job is
// sent first so late subscribers do not wait for the next update; a job
// that already finished gets its final message and a close.
func (s *JobsSocket) Handle(c *websocket.Conn) {
	jobID := c.Params("jobId")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	var initial []byte
	finished := false
	if job, ok := s.service.Snapshot(ctx, jobID); ok {
		initial = ws.JobMessage(*job)
		finished = job.Status.IsTerminal()
	}
	cancel()

	s.hub.HandleConnection(c, jobID, initial, finished)
}
