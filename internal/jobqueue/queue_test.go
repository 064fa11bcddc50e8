package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"server/internal/domain"
	"server/internal/providers"
	"server/internal/providers/lro"
)

type recordedUpdate struct {
	ref    domain.TargetRef
	update domain.TargetUpdate
}

type fakeStore struct {
	mu       sync.Mutex
	updates  []recordedUpdate
	attempts int
	failures int
}

func (s *fakeStore) UpdateTarget(_ context.Context, ref domain.TargetRef, update domain.TargetUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failures > 0 {
		s.failures--
		return errors.New("storage unavailable")
	}
	s.updates = append(s.updates, recordedUpdate{ref: ref, update: update})
	return nil
}

func (s *fakeStore) recorded() []recordedUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedUpdate, len(s.updates))
	copy(out, s.updates)
	return out
}

func (s *fakeStore) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// gatedProvider blocks each Generate call until the test releases it, and
// tracks the highest number of concurrent invocations.
type gatedProvider struct {
	release   chan struct{}
	mu        sync.Mutex
	active    int
	maxActive int
	calls     int
	err       error
}

func newGatedProvider() *gatedProvider {
	return &gatedProvider{release: make(chan struct{})}
}

func (p *gatedProvider) Generate(_ context.Context, _ domain.GenerateParams) (*domain.Artifact, error) {
	p.mu.Lock()
	p.active++
	p.calls++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	p.mu.Unlock()

	<-p.release

	p.mu.Lock()
	p.active--
	p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	return &domain.Artifact{URL: "https://cdn.example.com/out.mp4", Format: "video/mp4"}, nil
}

func (p *gatedProvider) stats() (maxActive, calls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive, p.calls
}

type instantProvider struct {
	artifact *domain.Artifact
	err      error
}

func (p *instantProvider) Generate(_ context.Context, _ domain.GenerateParams) (*domain.Artifact, error) {
	return p.artifact, p.err
}

type unconfiguredProvider struct{}

func (p *unconfiguredProvider) Generate(_ context.Context, _ domain.GenerateParams) (*domain.Artifact, error) {
	return nil, errors.New("unreachable")
}

func (p *unconfiguredProvider) HasCredentials() bool { return false }

// scriptedAsync reports pending a fixed number of times before settling.
type scriptedAsync struct {
	mu         sync.Mutex
	pendingFor int
	checks     int
	artifact   *domain.Artifact
}

func (p *scriptedAsync) Submit(_ context.Context, _ domain.GenerateParams) (string, error) {
	return "task-1", nil
}

func (p *scriptedAsync) CheckStatus(_ context.Context, _ string) (providers.TaskStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks++
	if p.checks <= p.pendingFor {
		return providers.TaskStatus{State: providers.TaskStatePending}, nil
	}
	return providers.TaskStatus{State: providers.TaskStateSucceeded, Artifact: p.artifact}, nil
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func newTestQueue(t *testing.T, store *fakeStore, registered map[string]any) *Queue {
	t.Helper()
	registry := providers.NewRegistry()
	for id, provider := range registered {
		if err := registry.Register(id, provider); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	queue, err := New(Options{
		Registry:         registry,
		Persistence:      store,
		Poller:           lro.NewPoller(lro.Options{Interval: time.Millisecond, Sleep: noSleep}),
		PropagationSleep: noSleep,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return queue
}

func submitFor(target domain.TargetRef, provider string) SubmitRequest {
	return SubmitRequest{
		ProjectID: "project-1",
		Target:    target,
		Provider:  provider,
		Params:    domain.GenerateParams{Prompt: "a storm over the harbor"},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRequiresDependencies(t *testing.T) {
	registry := providers.NewRegistry()
	if err := registry.Register("sync", &instantProvider{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := New(Options{Registry: registry}); err == nil {
		t.Fatalf("expected error without persistence")
	}
	if _, err := New(Options{Persistence: &fakeStore{}}); err == nil {
		t.Fatalf("expected error without registry")
	}
	if _, err := New(Options{Registry: providers.NewRegistry(), Persistence: &fakeStore{}}); err == nil {
		t.Fatalf("expected error for empty registry")
	}
}

func TestEnqueueRejectsUnknownProvider(t *testing.T) {
	queue := newTestQueue(t, &fakeStore{}, map[string]any{"sync": &instantProvider{}})
	_, err := queue.Enqueue(submitFor(domain.TargetRef{Kind: domain.TargetKindScene, ID: "s1"}, "nope"))
	if !errors.Is(err, domain.ErrUnknownProvider) {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}
}

func TestEnqueueRejectsMissingCredentials(t *testing.T) {
	queue := newTestQueue(t, &fakeStore{}, map[string]any{"sync": &unconfiguredProvider{}})
	_, err := queue.Enqueue(submitFor(domain.TargetRef{Kind: domain.TargetKindScene, ID: "s1"}, "sync"))
	if !errors.Is(err, domain.ErrMissingCredentials) {
		t.Fatalf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestEnqueueValidatesRequest(t *testing.T) {
	queue := newTestQueue(t, &fakeStore{}, map[string]any{"sync": &instantProvider{}})
	if _, err := queue.Enqueue(SubmitRequest{Provider: "sync", Params: domain.GenerateParams{Prompt: "x"}}); err == nil {
		t.Fatalf("expected error for missing target")
	}
	req := submitFor(domain.TargetRef{Kind: domain.TargetKindScene, ID: "s1"}, "sync")
	req.Params.Prompt = "   "
	if _, err := queue.Enqueue(req); err == nil {
		t.Fatalf("expected error for empty prompt")
	}
}

func TestSyncJobWritesResultExactlyOnce(t *testing.T) {
	store := &fakeStore{}
	provider := &instantProvider{artifact: &domain.Artifact{URL: "https://cdn.example.com/frame.png", Format: "image/png"}}
	queue := newTestQueue(t, store, map[string]any{"sync": provider})

	jobID, err := queue.Enqueue(submitFor(domain.TargetRef{Kind: domain.TargetKindFrame, ID: "f1"}, "sync"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if jobID == "" {
		t.Fatalf("expected job id")
	}
	queue.Wait()

	updates := store.recorded()
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	got := updates[0]
	if got.ref.ID != "f1" || got.ref.Kind != domain.TargetKindFrame {
		t.Fatalf("ref = %+v", got.ref)
	}
	if got.update.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", got.update.Status)
	}
	if got.update.ArtifactRef != "https://cdn.example.com/frame.png" {
		t.Fatalf("artifact ref = %q", got.update.ArtifactRef)
	}
}

func TestFailedJobRecordsProviderError(t *testing.T) {
	store := &fakeStore{}
	provider := &instantProvider{err: fmt.Errorf("%w: model overloaded", domain.ErrProviderFailure)}
	queue := newTestQueue(t, store, map[string]any{"sync": provider})

	if _, err := queue.Enqueue(submitFor(domain.TargetRef{Kind: domain.TargetKindScene, ID: "s1"}, "sync")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	queue.Wait()

	updates := store.recorded()
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	if updates[0].update.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", updates[0].update.Status)
	}
	if !strings.Contains(updates[0].update.Error, "model overloaded") {
		t.Fatalf("error = %q", updates[0].update.Error)
	}
}

func TestConcurrencyCapHoldsForFiveJobs(t *testing.T) {
	store := &fakeStore{}
	provider := newGatedProvider()
	queue := newTestQueue(t, store, map[string]any{"video": provider})

	for i := 0; i < 5; i++ {
		target := domain.TargetRef{Kind: domain.TargetKindScene, ID: fmt.Sprintf("s%d", i+1)}
		if _, err := queue.Enqueue(submitFor(target, "video")); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	// The first two jobs occupy both slots immediately; the rest stay queued.
	waitFor(t, "two jobs in flight", func() bool {
		stats := queue.Stats()
		return stats.Processing == 2 && stats.Pending == 3
	})

	// Freeing one slot admits exactly one queued job.
	provider.release <- struct{}{}
	waitFor(t, "third job dispatched", func() bool {
		stats := queue.Stats()
		return stats.Processing == 2 && stats.Pending == 2
	})

	for i := 0; i < 4; i++ {
		provider.release <- struct{}{}
	}
	queue.Wait()

	maxActive, calls := provider.stats()
	if maxActive > MaxConcurrency {
		t.Fatalf("max concurrent generations = %d, want <= %d", maxActive, MaxConcurrency)
	}
	if calls != 5 {
		t.Fatalf("calls = %d, want 5", calls)
	}
	if got := len(store.recorded()); got != 5 {
		t.Fatalf("updates = %d, want 5", got)
	}
	stats := queue.Stats()
	if stats.Total != 0 {
		t.Fatalf("queue not drained: %+v", stats)
	}
}

func TestFailingJobDoesNotBlockOthers(t *testing.T) {
	store := &fakeStore{}
	failing := &instantProvider{err: errors.New("backend exploded")}
	ok := &instantProvider{artifact: &domain.Artifact{URL: "https://cdn.example.com/v.mp4", Format: "video/mp4"}}
	queue := newTestQueue(t, store, map[string]any{"bad": failing, "good": ok})

	for i := 0; i < 3; i++ {
		provider := "good"
		if i == 0 {
			provider = "bad"
		}
		target := domain.TargetRef{Kind: domain.TargetKindScene, ID: fmt.Sprintf("s%d", i+1)}
		if _, err := queue.Enqueue(submitFor(target, provider)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	queue.Wait()

	updates := store.recorded()
	if len(updates) != 3 {
		t.Fatalf("updates = %d, want 3", len(updates))
	}
	var completed, failed int
	for _, u := range updates {
		switch u.update.Status {
		case domain.JobStatusCompleted:
			completed++
		case domain.JobStatusFailed:
			failed++
		}
	}
	if completed != 2 || failed != 1 {
		t.Fatalf("completed = %d failed = %d, want 2/1", completed, failed)
	}
}

func TestAsyncJobPollsUntilCompleted(t *testing.T) {
	store := &fakeStore{}
	provider := &scriptedAsync{
		pendingFor: 3,
		artifact:   &domain.Artifact{URL: "https://cdn.example.com/scene.mp4", Format: "video/mp4"},
	}
	queue := newTestQueue(t, store, map[string]any{"video": provider})

	if _, err := queue.Enqueue(submitFor(domain.TargetRef{Kind: domain.TargetKindScene, ID: "s1"}, "video")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	queue.Wait()

	updates := store.recorded()
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	if updates[0].update.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", updates[0].update.Status)
	}
	if updates[0].update.ArtifactRef != "https://cdn.example.com/scene.mp4" {
		t.Fatalf("artifact ref = %q", updates[0].update.ArtifactRef)
	}
	if provider.checks != 4 {
		t.Fatalf("status checks = %d, want 4", provider.checks)
	}
}

func TestPersistenceRetrySucceedsKeepsGenerationOutcome(t *testing.T) {
	store := &fakeStore{failures: 2}
	provider := &instantProvider{artifact: &domain.Artifact{URL: "https://cdn.example.com/v.mp4", Format: "video/mp4"}}
	queue := newTestQueue(t, store, map[string]any{"sync": provider})

	if _, err := queue.Enqueue(submitFor(domain.TargetRef{Kind: domain.TargetKindScene, ID: "s1"}, "sync")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	queue.Wait()

	updates := store.recorded()
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	if updates[0].update.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed despite two write failures", updates[0].update.Status)
	}
	if store.attemptCount() != 3 {
		t.Fatalf("write attempts = %d, want 3", store.attemptCount())
	}
}

func TestPersistenceExhaustionDropsOutcome(t *testing.T) {
	store := &fakeStore{failures: propagationAttempts}
	provider := &instantProvider{artifact: &domain.Artifact{URL: "https://cdn.example.com/v.mp4", Format: "video/mp4"}}
	queue := newTestQueue(t, store, map[string]any{"sync": provider})

	if _, err := queue.Enqueue(submitFor(domain.TargetRef{Kind: domain.TargetKindScene, ID: "s1"}, "sync")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	queue.Wait()

	if got := len(store.recorded()); got != 0 {
		t.Fatalf("updates = %d, want 0 after exhausted retries", got)
	}
	if store.attemptCount() != propagationAttempts {
		t.Fatalf("write attempts = %d, want %d", store.attemptCount(), propagationAttempts)
	}
}

func TestPendingForFiltersByProject(t *testing.T) {
	store := &fakeStore{}
	provider := newGatedProvider()
	queue := newTestQueue(t, store, map[string]any{"video": provider})

	// Fill both slots so later submissions stay pending.
	for i := 0; i < 2; i++ {
		target := domain.TargetRef{Kind: domain.TargetKindScene, ID: fmt.Sprintf("busy%d", i)}
		if _, err := queue.Enqueue(submitFor(target, "video")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitFor(t, "slots occupied", func() bool { return queue.Stats().Processing == 2 })

	mine := submitFor(domain.TargetRef{Kind: domain.TargetKindScene, ID: "s-mine"}, "video")
	mine.ProjectID = "project-a"
	theirs := submitFor(domain.TargetRef{Kind: domain.TargetKindFrame, ID: "f-theirs"}, "video")
	theirs.ProjectID = "project-b"
	if _, err := queue.Enqueue(mine); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := queue.Enqueue(theirs); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	jobs := queue.PendingFor("project-a")
	if len(jobs) != 1 {
		t.Fatalf("pending jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Target.ID != "s-mine" || jobs[0].Status != domain.JobStatusPending {
		t.Fatalf("unexpected summary %+v", jobs[0])
	}

	close(provider.release)
	queue.Wait()
}
