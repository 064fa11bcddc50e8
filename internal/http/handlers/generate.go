package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
	"server/internal/jobqueue"
)

type generateRequest struct {
	ProjectID       string `json:"project_id"`
	Provider        string `json:"provider"`
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
	AspectRatio     string `json:"aspect_ratio"`
	Model           string `json:"model"`
}

type enqueueResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// SceneVideoGenerate enqueues a video generation job targeting a scene. The
// response is 202 Accepted; progress is observed through the scene's own
// video_status column.
func (a *App) SceneVideoGenerate(w http.ResponseWriter, r *http.Request) {
	sceneID := chi.URLParam(r, "scene_id")
	if sceneID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "scene_id required")
		return
	}
	a.enqueue(w, r, domain.TargetRef{Kind: domain.TargetKindScene, ID: sceneID})
}

// FrameImageGenerate enqueues an image generation job targeting a storyboard
// frame.
func (a *App) FrameImageGenerate(w http.ResponseWriter, r *http.Request) {
	frameID := chi.URLParam(r, "frame_id")
	if frameID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "frame_id required")
		return
	}
	a.enqueue(w, r, domain.TargetRef{Kind: domain.TargetKindFrame, ID: frameID})
}

func (a *App) enqueue(w http.ResponseWriter, r *http.Request, target domain.TargetRef) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	jobID, err := a.Queue.Enqueue(jobqueue.SubmitRequest{
		ProjectID: req.ProjectID,
		Target:    target,
		Provider:  req.Provider,
		Params: domain.GenerateParams{
			Prompt:          req.Prompt,
			DurationSeconds: req.DurationSeconds,
			AspectRatio:     req.AspectRatio,
			Model:           req.Model,
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownProvider):
			a.error(w, http.StatusBadRequest, "bad_request", "unsupported provider")
		case errors.Is(err, domain.ErrMissingCredentials):
			a.error(w, http.StatusConflict, "provider_unconfigured", "provider credentials are not configured")
		default:
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		}
		return
	}

	a.json(w, http.StatusAccepted, enqueueResponse{JobID: jobID, Status: string(domain.JobStatusPending)})
}

// QueueStatus reports the aggregate pending/processing counters.
func (a *App) QueueStatus(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, a.Queue.Stats())
}

// ProjectPendingJobs lists the still-pending jobs owned by a project.
func (a *App) ProjectPendingJobs(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	if projectID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "project_id required")
		return
	}
	jobs := a.Queue.PendingFor(projectID)
	if jobs == nil {
		jobs = []jobqueue.JobSummary{}
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": jobs})
}
