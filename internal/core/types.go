package core

import (
	"time"
)

// SynthesisRequest is one logical request for narrated audio. It is never
// persisted; only its fingerprint and the resulting asset are.
type SynthesisRequest struct {
	Text         string  `json:"text"`
	VoiceID      string  `json:"voice_id"`
	ModelID      string  `json:"model_id"`
	SpeakingRate float64 `json:"speaking_rate"`
	Format       string  `json:"format"`
}

// Fingerprint is the hex-encoded content hash of a canonicalized SynthesisRequest.
type Fingerprint string

func (f Fingerprint) String() string {
	return string(f)
}

// Short returns the first 12 characters, for log lines.
func (f Fingerprint) Short() string {
	const shortLen = 12
	if len(f) <= shortLen {
		return string(f)
	}

	return string(f[:shortLen])
}

// AudioAsset is the cached result of one synthesis, identified by its fingerprint.
type AudioAsset struct {
	Fingerprint     Fingerprint `json:"fingerprint"       bson:"_id"`
	BlobRef         string      `json:"blob_ref"          bson:"blob_ref"`
	DurationSeconds float64     `json:"duration_seconds"  bson:"duration_seconds"`
	WordCount       int         `json:"word_count"        bson:"word_count"`
	SizeBytes       int64       `json:"size_bytes"        bson:"size_bytes"`
	Provider        string      `json:"provider"          bson:"provider"`
	VoiceID         string      `json:"voice_id"          bson:"voice_id"`
	ModelID         string      `json:"model_id"          bson:"model_id"`
	Format          string      `json:"format"            bson:"format"`
	CreatedAt       time.Time   `json:"created_at"        bson:"created_at"`
	LastAccessedAt  time.Time   `json:"last_accessed_at"  bson:"last_accessed_at"`
	AccessCount     int64       `json:"access_count"      bson:"access_count"`
}

// RegistryStats aggregates the asset registry for the ledger.
type RegistryStats struct {
	TotalAssets      int64            `json:"total_assets"`
	TotalAccessCount int64            `json:"total_access_count"`
	TotalBytes       int64            `json:"total_bytes"`
	ProviderCounts   map[string]int64 `json:"provider_counts"`
}

// Add folds a single asset into the stats.
func (s *RegistryStats) Add(asset AudioAsset) {
	if s.ProviderCounts == nil {
		s.ProviderCounts = make(map[string]int64)
	}

	s.TotalAssets++
	s.TotalAccessCount += asset.AccessCount
	s.TotalBytes += asset.SizeBytes
	s.ProviderCounts[asset.Provider]++
}

// Synthesis is what a provider returns for one request.
type Synthesis struct {
	Audio           []byte
	DurationSeconds float64
	WordCount       int
	Provider        string
}

// JobKind names what a batch job narrates.
type JobKind string

const (
	JobKindBook   JobKind = "book"
	JobKindCourse JobKind = "course"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	return k == JobKindBook || k == JobKindCourse
}

// Priority orders competing jobs.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to a comparable value; higher runs first. Unknown values
// rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// JobStatus is the batch job state machine.
type JobStatus string

const (
	JobQueued              JobStatus = "queued"
	JobProcessing          JobStatus = "processing"
	JobCompleted           JobStatus = "completed"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobFailed              JobStatus = "failed"
)

// Terminal reports whether s can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCompletedWithErrors || s == JobFailed
}

// ItemOutcome is the per-item result of a batch job.
type ItemOutcome string

const (
	OutcomePending  ItemOutcome = ""
	OutcomeSuccess  ItemOutcome = "success"
	OutcomeCacheHit ItemOutcome = "cache_hit"
	OutcomeFailed   ItemOutcome = "failed"
)

// ItemSpec is one chapter or lesson of a job. Text may be given inline or as a
// key into the blob store.
type ItemSpec struct {
	Title   string `json:"title"              bson:"title"`
	Text    string `json:"text,omitempty"     bson:"text,omitempty"`
	TextKey string `json:"text_key,omitempty" bson:"text_key,omitempty"`
}

// ItemResult records how an item resolved.
type ItemResult struct {
	Index           int         `json:"index"                 bson:"index"`
	Outcome         ItemOutcome `json:"outcome"               bson:"outcome"`
	Fingerprint     Fingerprint `json:"fingerprint,omitempty" bson:"fingerprint,omitempty"`
	BlobRef         string      `json:"blob_ref,omitempty"    bson:"blob_ref,omitempty"`
	DurationSeconds float64     `json:"duration_seconds"      bson:"duration_seconds"`
	Error           string      `json:"error,omitempty"       bson:"error,omitempty"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
}

// Resolved reports whether the item has a final outcome.
func (r ItemResult) Resolved() bool {
	return r.Outcome != OutcomePending
}

// Succeeded reports whether the item produced audio.
func (r ItemResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess || r.Outcome == OutcomeCacheHit
}

// Voice carries the synthesis parameters shared by all items of a job.
type Voice struct {
	VoiceID      string  `json:"voice_id"      bson:"voice_id"`
	ModelID      string  `json:"model_id"      bson:"model_id"`
	SpeakingRate float64 `json:"speaking_rate" bson:"speaking_rate"`
	Format       string  `json:"format"        bson:"format"`
}

// Request builds the synthesis request for text with these parameters.
func (v Voice) Request(text string) SynthesisRequest {
	return SynthesisRequest{
		Text:         text,
		VoiceID:      v.VoiceID,
		ModelID:      v.ModelID,
		SpeakingRate: v.SpeakingRate,
		Format:       v.Format,
	}
}

// JobSpec is a submission to the batch orchestrator.
type JobSpec struct {
	Kind       JobKind    `json:"kind"`
	TargetID   string     `json:"target_id"`
	TargetName string     `json:"target_name"`
	Priority   Priority   `json:"priority"`
	Voice      Voice      `json:"voice"`
	Items      []ItemSpec `json:"items"`
}

// BatchJob is the persisted state of a multi-item generation job.
type BatchJob struct {
	ID                string       `json:"id"                     bson:"_id"`
	Kind              JobKind      `json:"kind"                   bson:"kind"`
	TargetID          string       `json:"target_id"              bson:"target_id"`
	TargetName        string       `json:"target_name"            bson:"target_name"`
	Priority          Priority     `json:"priority"               bson:"priority"`
	Voice             Voice        `json:"voice"                  bson:"voice"`
	Items             []ItemSpec   `json:"items"                  bson:"items"`
	Status            JobStatus    `json:"status"                 bson:"status"`
	CompletedCount    int          `json:"completed_count"        bson:"completed_count"`
	FailedCount       int          `json:"failed_count"           bson:"failed_count"`
	CacheHitCount     int          `json:"cache_hit_count"        bson:"cache_hit_count"`
	Results           []ItemResult `json:"results"                bson:"results"`
	CostSavedEstimate float64      `json:"cost_saved_estimate"    bson:"cost_saved_estimate"`
	Cancelled         bool         `json:"cancelled"              bson:"cancelled"`
	Sequence          uint64       `json:"sequence"               bson:"sequence"`
	SubmittedAt       time.Time    `json:"submitted_at"           bson:"submitted_at"`
	StartedAt         *time.Time   `json:"started_at,omitempty"   bson:"started_at,omitempty"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *BatchJob) Clone() *BatchJob {
	if j == nil {
		return nil
	}

	clone := *j
	clone.Items = append([]ItemSpec(nil), j.Items...)
	clone.Results = append([]ItemResult(nil), j.Results...)

	if j.StartedAt != nil {
		startedAt := *j.StartedAt
		clone.StartedAt = &startedAt
	}

	if j.CompletedAt != nil {
		completedAt := *j.CompletedAt
		clone.CompletedAt = &completedAt
	}

	return &clone
}

// ResolvedCount is the number of items with a final outcome.
func (j *BatchJob) ResolvedCount() int {
	return j.CompletedCount + j.FailedCount
}

// JobFilter narrows job listings. Zero values match everything.
type JobFilter struct {
	Status   JobStatus
	TargetID string
	Since    time.Time
	Until    time.Time
}

// Match reports whether job passes the filter. Since/Until bound SubmittedAt.
func (f JobFilter) Match(job *BatchJob) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}

	if f.TargetID != "" && job.TargetID != f.TargetID {
		return false
	}

	if !f.Since.IsZero() && job.SubmittedAt.Before(f.Since) {
		return false
	}

	if !f.Until.IsZero() && !job.SubmittedAt.Before(f.Until) {
		return false
	}

	return true
}
