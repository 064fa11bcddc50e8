package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/http/handlers"
	"server/internal/http/httpapi"
	"server/internal/jobqueue"
	"server/internal/providers"
	"server/internal/providers/lro"
)

type memoryStore struct {
	mu      sync.Mutex
	updates []domain.TargetUpdate
}

func (s *memoryStore) UpdateTarget(_ context.Context, _ domain.TargetRef, update domain.TargetUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
	return nil
}

type stubProvider struct{}

func (stubProvider) Generate(_ context.Context, _ domain.GenerateParams) (*domain.Artifact, error) {
	return &domain.Artifact{URL: "https://cdn.example.com/out.mp4", Format: "video/mp4"}, nil
}

type keylessProvider struct{ stubProvider }

func (keylessProvider) HasCredentials() bool { return false }

func newTestServer(t *testing.T) (*httptest.Server, *jobqueue.Queue) {
	t.Helper()
	registry := providers.NewRegistry()
	if err := registry.Register("veo", stubProvider{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register("unconfigured", keylessProvider{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	queue, err := jobqueue.New(jobqueue.Options{
		Registry:    registry,
		Persistence: &memoryStore{},
		Poller:      lro.NewPoller(lro.Options{Sleep: func(_ context.Context, _ time.Duration) error { return nil }}),
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	logger := zerolog.New(io.Discard)
	server := httptest.NewServer(httpapi.NewRouter(handlers.NewApp(queue, logger), logger))
	t.Cleanup(server.Close)
	return server, queue
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func TestSceneVideoGenerateAccepted(t *testing.T) {
	server, queue := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/scenes/scene-1/video", map[string]any{
		"project_id": "project-1",
		"provider":   "veo",
		"prompt":     "sunrise over the bay",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var decoded struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.JobID == "" || decoded.Status != "pending" {
		t.Fatalf("response = %+v", decoded)
	}
	queue.Wait()
}

func TestGenerateRejectsUnknownProvider(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/frames/frame-1/image", map[string]any{
		"provider": "nope",
		"prompt":   "a frame",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var decoded map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["message"] != "unsupported provider" {
		t.Fatalf("message = %q", decoded["message"])
	}
}

func TestGenerateConflictsOnMissingCredentials(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/scenes/scene-1/video", map[string]any{
		"provider": "unconfigured",
		"prompt":   "anything",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	var decoded map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["error"] != "provider_unconfigured" {
		t.Fatalf("error = %q", decoded["error"])
	}
}

func TestGenerateRejectsInvalidBody(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Post(server.URL+"/api/v1/scenes/scene-1/video", "application/json", bytes.NewReader([]byte("{")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestQueueStatusCounters(t *testing.T) {
	server, queue := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/v1/jobs/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var stats jobqueue.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("total = %d, want 0", stats.Total)
	}
	queue.Wait()
}

func TestProjectPendingJobsEmptyList(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/v1/projects/project-1/jobs/pending")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var decoded struct {
		Jobs []jobqueue.JobSummary `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Jobs == nil || len(decoded.Jobs) != 0 {
		t.Fatalf("jobs = %v, want empty array", decoded.Jobs)
	}
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
