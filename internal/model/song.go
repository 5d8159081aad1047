package model

import "time"

// Song is one stored audio artifact produced by a generation job.
type Song struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	JobID         string    `json:"jobId"`
	Title         string    `json:"title"`
	AudioURL      string    `json:"audioUrl"`
	RemoteURL     string    `json:"remoteUrl,omitempty"`
	Duration      float64   `json:"duration"`
	BPM           *int      `json:"bpm,omitempty"`
	KeyScale      string    `json:"keyScale,omitempty"`
	TimeSignature string    `json:"timeSignature,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SongListResponse wraps a page of songs.
type SongListResponse struct {
	Songs []Song `json:"songs"`
	Total int    `json:"total"`
}
