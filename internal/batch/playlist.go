package batch

import (
	"context"

	"github.com/book-expert/narration-service/internal/core"
)

// PlaylistEntry is one narrated item in reading order.
type PlaylistEntry struct {
	Index           int              `json:"index"`
	Title           string           `json:"title"`
	Outcome         core.ItemOutcome `json:"outcome"`
	Fingerprint     core.Fingerprint `json:"fingerprint"`
	BlobRef         string           `json:"blob_ref"`
	DurationSeconds float64          `json:"duration_seconds"`
}

// Playlist lists the audio produced for a job, ordered by item index.
// Complete is false while items are outstanding or when some failed.
type Playlist struct {
	JobID                string          `json:"job_id"`
	Status               core.JobStatus  `json:"status"`
	Complete             bool            `json:"complete"`
	Entries              []PlaylistEntry `json:"entries"`
	TotalDurationSeconds float64         `json:"total_duration_seconds"`
}

// Playlist builds the playlist of a job from its persisted results.
func (o *Orchestrator) Playlist(ctx context.Context, id string) (Playlist, error) {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return Playlist{}, err
	}

	return BuildPlaylist(job), nil
}

// BuildPlaylist collects the succeeded items of job.
func BuildPlaylist(job *core.BatchJob) Playlist {
	playlist := Playlist{
		JobID:                job.ID,
		Status:               job.Status,
		Complete:             job.Status == core.JobCompleted,
		Entries:              []PlaylistEntry{},
		TotalDurationSeconds: 0,
	}

	for i, result := range job.Results {
		if !result.Succeeded() {
			continue
		}

		title := ""
		if i < len(job.Items) {
			title = job.Items[i].Title
		}

		playlist.Entries = append(playlist.Entries, PlaylistEntry{
			Index:           i,
			Title:           title,
			Outcome:         result.Outcome,
			Fingerprint:     result.Fingerprint,
			BlobRef:         result.BlobRef,
			DurationSeconds: result.DurationSeconds,
		})
		playlist.TotalDurationSeconds += result.DurationSeconds
	}

	return playlist
}
