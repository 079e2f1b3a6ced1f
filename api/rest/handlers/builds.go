package handlers

import (
	"encoding/json"
	"net/http"

	"phone-orchestrator/core/models"
	"phone-orchestrator/core/pipeline"
	"phone-orchestrator/core/repository"
)

// BuildHandler handles build-event and dispatch-history HTTP requests.
type BuildHandler struct {
	pipeline   *pipeline.Pipeline
	dispatches *repository.DispatchRepository
}

// NewBuildHandler creates a new build handler. dispatches may be nil when
// no database is configured.
func NewBuildHandler(pipe *pipeline.Pipeline, dispatches *repository.DispatchRepository) *BuildHandler {
	return &BuildHandler{pipeline: pipe, dispatches: dispatches}
}

// PostBuildEvent accepts a build-ready event, the same payload the feed
// client consumes. The job pipeline runs asynchronously; the handler
// replies 202 as soon as the event is accepted.
func (h *BuildHandler) PostBuildEvent(w http.ResponseWriter, r *http.Request) {
	event := &models.BuildEvent{}
	if err := json.NewDecoder(r.Body).Decode(event); err != nil {
		http.Error(w, "bad build event: "+err.Error(), http.StatusBadRequest)
		return
	}
	go h.pipeline.OnBuildEvent(event)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// GetDispatches returns the most recent job dispatch records. Without a
// database it returns 404.
func (h *BuildHandler) GetDispatches(w http.ResponseWriter, r *http.Request) {
	if h.dispatches == nil {
		http.Error(w, "dispatch history is not configured", http.StatusNotFound)
		return
	}
	records, err := h.dispatches.List(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dispatches": records})
}
