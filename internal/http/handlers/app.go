package handlers

import (
	"encoding/json"
	"net/http"

	"server/internal/infra"
	"server/internal/jobqueue"
)

// App bundles the dependencies the submission surface needs. The queue is
// the only collaborator; entity reads belong to the CRUD layer, not here.
type App struct {
	Queue  *jobqueue.Queue
	Logger infra.Logger
}

func NewApp(queue *jobqueue.Queue, logger infra.Logger) *App {
	return &App{Queue: queue, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]string{"error": code, "message": message})
}
