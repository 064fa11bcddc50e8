// Package jobqueue owns the in-process generation pipeline: a FIFO pending
// queue, a bounded in-flight set, and the propagation of provider outcomes
// into the persisted target entities. Jobs live only in memory; the write to
// the target entity is the sole durable trace of a job.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/providers"
	"server/internal/providers/lro"
)

// MaxConcurrency is the hard cap on simultaneously in-flight jobs. The
// backends are rate-limited and expensive; a slot is held for the whole job
// lifetime, poll waits included.
const MaxConcurrency = 2

// Persistence is the sink a job outcome is written into. Implemented by the
// repo layer over the scenes/frames tables.
type Persistence interface {
	UpdateTarget(ctx context.Context, ref domain.TargetRef, update domain.TargetUpdate) error
}

// ArtifactStore persists raw artifact bytes returned by synchronous
// providers and returns the canonical storage key.
type ArtifactStore interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// Options configures a Queue. Registry and Persistence are mandatory.
type Options struct {
	Registry    *providers.Registry
	Persistence Persistence
	Artifacts   ArtifactStore
	Poller      *lro.Poller
	Logger      *zerolog.Logger

	// MaxConcurrency overrides the default cap; zero keeps MaxConcurrency.
	MaxConcurrency int

	// PropagationSleep replaces the wait between persistence retries in
	// tests; nil uses a real timer.
	PropagationSleep func(ctx context.Context, d time.Duration) error
}

// SubmitRequest is the enqueue contract surfaced to the rest of the
// application.
type SubmitRequest struct {
	ProjectID string
	Target    domain.TargetRef
	Provider  string
	Params    domain.GenerateParams
}

// Stats is the aggregate queue projection. Per-entity status is read back
// through the persisted entity itself, never through the queue.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Total      int `json:"total"`
}

// JobSummary is the externally visible slice of a pending job.
type JobSummary struct {
	ID        string           `json:"id"`
	ProjectID string           `json:"project_id"`
	Target    domain.TargetRef `json:"target"`
	Provider  string           `json:"provider"`
	Status    domain.JobStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// Queue dispatches generation jobs to providers under a concurrency cap.
// All queue state is guarded by a single mutex; drain is the only procedure
// that moves jobs from pending to in-flight.
type Queue struct {
	registry  *providers.Registry
	store     Persistence
	artifacts ArtifactStore
	poller    *lro.Poller
	logger    zerolog.Logger
	prop      *propagator
	limit     int

	mu       sync.Mutex
	pending  []*domain.Job
	inFlight map[string]*domain.Job
	draining bool

	wg sync.WaitGroup
}

// New constructs a Queue. It refuses to build an unconfigured dispatcher:
// the persistence sink and a non-empty provider registry are constructor
// injected so no code path can reach a nil-sink write.
func New(opts Options) (*Queue, error) {
	if opts.Registry == nil || opts.Registry.Len() == 0 {
		return nil, errors.New("jobqueue: provider registry is required")
	}
	if opts.Persistence == nil {
		return nil, errors.New("jobqueue: persistence sink is required")
	}
	logger := zerolog.New(io.Discard)
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	poller := opts.Poller
	if poller == nil {
		poller = lro.NewPoller(lro.Options{Logger: &logger})
	}
	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = MaxConcurrency
	}
	return &Queue{
		registry:  opts.Registry,
		store:     opts.Persistence,
		artifacts: opts.Artifacts,
		poller:    poller,
		logger:    logger,
		prop:      newPropagator(opts.Persistence, logger, opts.PropagationSleep),
		limit:     limit,
		inFlight:  make(map[string]*domain.Job),
	}, nil
}

// Enqueue validates the request, appends a pending job and kicks the drain
// loop. It returns synchronously; generation happens out of band. Overlapping
// submissions against the same target are not deduplicated; the final
// persisted write is last-writer-wins.
func (q *Queue) Enqueue(req SubmitRequest) (string, error) {
	if req.Target.ID == "" || req.Target.Kind == "" {
		return "", errors.New("jobqueue: target reference is required")
	}
	if strings.TrimSpace(req.Params.Prompt) == "" {
		return "", errors.New("jobqueue: prompt is required")
	}
	provider, err := q.registry.Lookup(req.Provider)
	if err != nil {
		return "", err
	}
	if checker, ok := provider.(providers.CredentialChecker); ok && !checker.HasCredentials() {
		return "", fmt.Errorf("%w: %q", domain.ErrMissingCredentials, req.Provider)
	}

	job := &domain.Job{
		ID:        uuid.NewString(),
		ProjectID: req.ProjectID,
		Target:    req.Target,
		Provider:  req.Provider,
		Params:    req.Params,
		Status:    domain.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if job.Params.RequestID == "" {
		job.Params.RequestID = job.ID
	}

	q.mu.Lock()
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	q.logger.Info().
		Str("job_id", job.ID).
		Str("provider", job.Provider).
		Str("target_kind", string(job.Target.Kind)).
		Str("target_id", job.Target.ID).
		Msg("jobqueue: enqueued")

	q.drain()
	return job.ID, nil
}

// drain moves jobs from pending into the in-flight set while capacity
// allows. The draining flag keeps completion callbacks from stacking drain
// passes; only one pass runs at a time.
func (q *Queue) drain() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true

	var started []*domain.Job
	for len(q.pending) > 0 && len(q.inFlight) < q.limit {
		job := q.pending[0]
		q.pending = q.pending[1:]
		job.Status = domain.JobStatusProcessing
		q.inFlight[job.ID] = job
		started = append(started, job)
	}

	q.draining = false
	q.mu.Unlock()

	for _, job := range started {
		q.wg.Add(1)
		go q.run(job)
	}
}

// run executes one job to a terminal state. A failure here never touches
// other in-flight or pending jobs; the deferred re-drain keeps the pipeline
// moving regardless of outcome.
func (q *Queue) run(job *domain.Job) {
	defer q.wg.Done()
	ctx := context.Background()

	artifact, genErr := q.process(ctx, job)

	update := domain.TargetUpdate{Status: domain.JobStatusCompleted}
	if genErr != nil {
		update.Status = domain.JobStatusFailed
		update.Error = genErr.Error()
	} else {
		update.ArtifactRef = artifact.Ref()
		update.Format = artifact.Format
	}

	terminal := update.Status
	errorMessage := update.Error
	if propErr := q.prop.propagate(ctx, job.Target, update); propErr != nil {
		// The generated artifact may be orphaned here; the provider outcome
		// could not be recorded, so the job counts as failed either way.
		terminal = domain.JobStatusFailed
		errorMessage = propErr.Error()
	}

	q.mu.Lock()
	job.Status = terminal
	job.ErrorMessage = errorMessage
	delete(q.inFlight, job.ID)
	q.mu.Unlock()

	event := q.logger.Info()
	if terminal == domain.JobStatusFailed {
		event = q.logger.Error().Str("error", errorMessage)
	}
	event.
		Str("job_id", job.ID).
		Str("provider", job.Provider).
		Str("status", string(terminal)).
		Msg("jobqueue: job finished")

	q.drain()
}

// process invokes the provider and, for async backends, waits out the
// long-running operation. Raw bytes from synchronous providers are written
// to the artifact store so the propagated reference is stable.
func (q *Queue) process(ctx context.Context, job *domain.Job) (*domain.Artifact, error) {
	provider, err := q.registry.Lookup(job.Provider)
	if err != nil {
		return nil, err
	}

	var artifact *domain.Artifact
	switch p := provider.(type) {
	case providers.Synchronous:
		artifact, err = p.Generate(ctx, job.Params)
	case providers.AsyncTask:
		var handle string
		handle, err = p.Submit(ctx, job.Params)
		if err == nil {
			artifact, err = q.poller.Await(ctx, p, handle)
		}
	default:
		err = fmt.Errorf("%w: %q has no usable capability", domain.ErrUnknownProvider, job.Provider)
	}
	if err != nil {
		return nil, err
	}
	if artifact == nil || artifact.Ref() == "" && len(artifact.Data) == 0 {
		return nil, fmt.Errorf("%w: provider %q returned no artifact", domain.ErrProviderFailure, job.Provider)
	}

	if len(artifact.Data) > 0 && artifact.StorageKey == "" && q.artifacts != nil {
		key, werr := q.artifacts.Write(ctx, artifactKey(job, artifact.Format), artifact.Data)
		if werr != nil {
			return nil, fmt.Errorf("%w: store artifact: %v", domain.ErrProviderFailure, werr)
		}
		artifact.StorageKey = key
	}
	return artifact, nil
}

// Stats returns the aggregate pending/processing counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:    len(q.pending),
		Processing: len(q.inFlight),
		Total:      len(q.pending) + len(q.inFlight),
	}
}

// PendingFor returns the still-pending jobs owned by projectID, in queue
// order.
func (q *Queue) PendingFor(projectID string) []JobSummary {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []JobSummary
	for _, job := range q.pending {
		if job.ProjectID != projectID {
			continue
		}
		out = append(out, JobSummary{
			ID:        job.ID,
			ProjectID: job.ProjectID,
			Target:    job.Target,
			Provider:  job.Provider,
			Status:    job.Status,
			CreatedAt: job.CreatedAt,
		})
	}
	return out
}

// Wait blocks until every dispatched job has reached a terminal state. Used
// on shutdown; there is no cancellation primitive, a dispatched job runs to
// completion or process exit.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func artifactKey(job *domain.Job, format string) string {
	category := "frames"
	name := "frame"
	if job.Target.Kind == domain.TargetKindScene {
		category = "scenes"
		name = "video"
	}
	return fmt.Sprintf("generated/%s/%s/%s%s", category, job.ID, name, extensionForFormat(format))
}

func extensionForFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	default:
		return ".bin"
	}
}
