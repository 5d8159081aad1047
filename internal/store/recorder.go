package store

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/makeasinger/studio/internal/model"
)

// Recorder saves a song row for every file of a succeeded job.
type Recorder struct {
	songs *SongStore
}

func NewRecorder(songs *SongStore) *Recorder {
	return &Recorder{songs: songs}
}

// JobUpdated implements the orchestrator observer.
func (r *Recorder) JobUpdated(ctx context.Context, job model.Job) {
	if job.Status != model.JobStatusSucceeded || job.Result == nil {
		return
	}
	songs := SongsFromJob(job)
	if len(songs) == 0 {
		return
	}
	if err := r.songs.CreateSongs(ctx, songs); err != nil {
		log.Printf("[Store] ✗ Failed to record %d songs for job %s: %v", len(songs), job.ID, err)
		return
	}
	log.Printf("[Store] ← Recorded %d songs for job %s", len(songs), job.ID)
}

// SongsFromJob maps a succeeded job onto song rows.
func SongsFromJob(job model.Job) []model.Song {
	if job.Result == nil {
		return nil
	}
	title := job.Title
	if title == "" {
		title = "Untitled"
	}
	created := time.Now().UTC()
	if job.CompletedAt != nil {
		created = job.CompletedAt.UTC()
	}

	songs := make([]model.Song, 0, len(job.Result.AudioURLs))
	for _, url := range job.Result.AudioURLs {
		songs = append(songs, model.Song{
			ID:            uuid.New().String(),
			OwnerID:       job.OwnerID,
			JobID:         job.ID,
			Title:         title,
			AudioURL:      url,
			Duration:      job.Result.Duration,
			BPM:           job.Result.BPM,
			KeyScale:      job.Result.KeyScale,
			TimeSignature: job.Result.TimeSignature,
			CreatedAt:     created,
		})
	}
	return songs
}
