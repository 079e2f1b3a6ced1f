package routes

import (
	"phone-orchestrator/api/rest/handlers"
	"phone-orchestrator/core/fleet"
	"phone-orchestrator/core/pipeline"
	"phone-orchestrator/core/repository"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes. db may be nil; history endpoints
// then report not configured.
func SetupRoutes(r *mux.Router, registry *fleet.Registry, pipe *pipeline.Pipeline, db *repository.DB) {
	var events *repository.FleetEventRepository
	var dispatches *repository.DispatchRepository
	if db != nil {
		events = repository.NewFleetEventRepository(db)
		dispatches = repository.NewDispatchRepository(db)
	}
	fleetHandler := handlers.NewFleetHandler(registry, events)
	buildHandler := handlers.NewBuildHandler(pipe, dispatches)

	api := r.PathPrefix("/v1").Subrouter()

	// Fleet endpoints
	api.HandleFunc("/fleet/status", fleetHandler.GetStatus).Methods("GET")
	api.HandleFunc("/fleet/events", fleetHandler.GetEvents).Methods("GET")

	// Build endpoints
	api.HandleFunc("/builds/events", buildHandler.PostBuildEvent).Methods("POST")
	api.HandleFunc("/builds/dispatches", buildHandler.GetDispatches).Methods("GET")
}
