package model

import "time"

// Job is a point-in-time snapshot of a generation job. Snapshots are what
// leaves the orchestrator: status responses, websocket events, the Redis
// mirror and the event bus all carry this shape.
type Job struct {
	ID            string            `json:"id"`
	OwnerID       string            `json:"ownerId,omitempty"`
	Title         string            `json:"title,omitempty"`
	Status        JobStatus         `json:"status"`
	Progress      float64           `json:"progress"`
	Stage         string            `json:"stage,omitempty"`
	QueuePosition int               `json:"queuePosition,omitempty"`
	TaskID        string            `json:"taskId,omitempty"`
	Error         *string           `json:"error,omitempty"`
	Result        *GenerationResult `json:"result,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

// PublishJobPayload is the payload of an artifact publish task.
type PublishJobPayload struct {
	JobID   string   `json:"jobId"`
	OwnerID string   `json:"ownerId"`
	Files   []string `json:"files"`
}
