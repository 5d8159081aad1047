package model

// Message types on the job socket.
const (
	SocketProgress = "progress"
	SocketComplete = "complete"
	SocketError    = "error"
	SocketPing     = "ping"
	SocketPong     = "pong"
)

// SocketFrame is the envelope every socket message shares; clients only
// ever send ping frames.
type SocketFrame struct {
	Type string `json:"type"`
}

// JobProgressEvent is pushed while a job is queued or running. Progress is
// a fraction in [0, 1]; QueuePosition is 1-based and omitted once running.
type JobProgressEvent struct {
	SocketFrame
	JobID         string    `json:"jobId"`
	Status        JobStatus `json:"status"`
	Progress      float64   `json:"progress"`
	Stage         string    `json:"stage,omitempty"`
	QueuePosition int       `json:"queuePosition,omitempty"`
}

// JobCompleteEvent is the last message for a succeeded job.
type JobCompleteEvent struct {
	SocketFrame
	JobID  string            `json:"jobId"`
	Result *GenerationResult `json:"result"`
}

// JobFailedEvent is the last message for a failed job.
type JobFailedEvent struct {
	SocketFrame
	JobID string        `json:"jobId"`
	Error FailureDetail `json:"error"`
}

type FailureDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
