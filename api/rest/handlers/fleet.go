package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"phone-orchestrator/core/fleet"
	"phone-orchestrator/core/models"
	"phone-orchestrator/core/repository"
)

// FleetHandler handles fleet-related HTTP requests.
type FleetHandler struct {
	registry *fleet.Registry
	events   *repository.FleetEventRepository
}

// NewFleetHandler creates a new fleet handler. events may be nil when no
// database is configured.
func NewFleetHandler(registry *fleet.Registry, events *repository.FleetEventRepository) *FleetHandler {
	return &FleetHandler{registry: registry, events: events}
}

// PhoneStatus is one device's entry in the fleet status response.
type PhoneStatus struct {
	PhoneID      string       `json:"phoneid"`
	Serial       string       `json:"serial"`
	IP           string       `json:"ip"`
	DebugLevel   int          `json:"debug_level"`
	Alive        bool         `json:"alive"`
	Crashes      int          `json:"crashes_in_window"`
	CurrentBuild string       `json:"current_build,omitempty"`
	Status       *StatusEntry `json:"status,omitempty"`
	StatusSince  *time.Time   `json:"status_since,omitempty"`
	Previous     *StatusEntry `json:"previous_status,omitempty"`
}

// StatusEntry is one rendered status message.
type StatusEntry struct {
	Status    models.PhoneStatus `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
	Message   string             `json:"msg,omitempty"`
}

// GetStatus returns the per-device fleet status as JSON. It renders the
// same data as the command protocol's status command.
func (h *FleetHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	phones := make([]PhoneStatus, 0)
	for _, worker := range h.registry.Workers() {
		cfg := worker.PhoneCfg()
		p := PhoneStatus{
			PhoneID:    cfg.PhoneID,
			Serial:     cfg.Serial,
			IP:         cfg.IP,
			DebugLevel: cfg.Debug,
			Alive:      worker.IsAlive(),
			Crashes:    worker.Crashes().Count(),
		}
		if last := worker.LastStatus(); last != nil {
			p.CurrentBuild = last.CurrentBuild
			p.Status = &StatusEntry{Status: last.Status, Timestamp: last.Timestamp, Message: last.Message}
		}
		if first := worker.FirstStatusOfType(); first != nil {
			t := first.Timestamp
			p.StatusSince = &t
		}
		if prev := worker.LastStatusOfPreviousType(); prev != nil {
			p.Previous = &StatusEntry{Status: prev.Status, Timestamp: prev.Timestamp, Message: prev.Message}
		}
		phones = append(phones, p)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"phones": phones})
}

// GetEvents returns the most recent fleet events. Without a database it
// returns 404.
func (h *FleetHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		http.Error(w, "fleet history is not configured", http.StatusNotFound)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := h.events.List(r.URL.Query().Get("phoneid"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
