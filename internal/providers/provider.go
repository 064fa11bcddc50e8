package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"server/internal/domain"
)

// Synchronous is implemented by backends that return the finished artifact
// in a single call, e.g. an image API answering with inline bytes.
type Synchronous interface {
	Generate(ctx context.Context, params domain.GenerateParams) (*domain.Artifact, error)
}

// AsyncTask is implemented by backends that accept a generation request and
// hand back an opaque handle (operation name, task id) whose completion must
// be discovered by polling.
type AsyncTask interface {
	Submit(ctx context.Context, params domain.GenerateParams) (string, error)
	CheckStatus(ctx context.Context, handle string) (TaskStatus, error)
}

// CredentialChecker is optionally implemented by providers that can tell at
// registration time whether they hold usable credentials. The queue rejects
// submissions against unconfigured providers synchronously.
type CredentialChecker interface {
	HasCredentials() bool
}

// TaskState is the normalized polling state shared by all async backends.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
)

// TaskStatus is the normalized answer to a status check. Artifact is set
// only for TaskStateSucceeded, Reason only for TaskStateFailed.
type TaskStatus struct {
	State    TaskState
	Artifact *domain.Artifact
	Reason   string
}

// Registry maps provider identifiers to implementations. Providers register
// once at startup; the dispatcher looks them up by id and never needs to
// change when a backend is added.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]any
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]any)}
}

// Register binds id to a provider. The provider must implement Synchronous
// or AsyncTask; anything else is rejected.
func (r *Registry) Register(id string, provider any) error {
	switch provider.(type) {
	case Synchronous, AsyncTask:
	default:
		return fmt.Errorf("provider %q implements neither Synchronous nor AsyncTask", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.providers[id] = provider
	return nil
}

// Lookup returns the provider registered under id.
func (r *Registry) Lookup(id string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, id)
	}
	return provider, nil
}

// IDs returns the registered provider identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len reports the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
