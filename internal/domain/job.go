package domain

import "time"

// TargetKind enumerates the persisted entities a generation outcome can be
// written into.
type TargetKind string

const (
	TargetKindScene TargetKind = "scene"
	TargetKindFrame TargetKind = "frame"
)

// TargetRef identifies the persisted entity a job's result is propagated to.
type TargetRef struct {
	Kind TargetKind
	ID   string
}

// JobStatus enumerates job lifecycle states. Transitions are monotonic:
// pending -> processing -> {completed, failed}.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// GenerateParams carries the normalized generation inputs passed to any
// provider. Providers translate these into their own request schemas.
type GenerateParams struct {
	Prompt          string
	DurationSeconds int
	AspectRatio     string
	Model           string
	RequestID       string
}

// Job is an in-memory unit of work for one generation request. Jobs are not
// persisted; only the propagated write to the target entity survives a
// restart.
type Job struct {
	ID           string
	ProjectID    string
	Target       TargetRef
	Provider     string
	Params       GenerateParams
	Status       JobStatus
	ErrorMessage string
	CreatedAt    time.Time
}

// Artifact is the provider-normalized successful outcome of a generation:
// a remote reference (URL), a storage key, or raw bytes that still need to
// be persisted.
type Artifact struct {
	URL        string
	StorageKey string
	Format     string
	Length     int
	Data       []byte
}

// Ref returns the reference recorded on the target entity, preferring a
// stable storage key over a provider-hosted URL.
func (a *Artifact) Ref() string {
	if a == nil {
		return ""
	}
	if a.StorageKey != "" {
		return a.StorageKey
	}
	return a.URL
}

// TargetUpdate is the field set the propagator writes into the target
// entity. Status is always written; ArtifactRef, Format and Error only
// overwrite existing columns when non-empty.
type TargetUpdate struct {
	Status      JobStatus
	ArtifactRef string
	Format      string
	Error       string
}
