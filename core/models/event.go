package models

import "time"

// FleetEventKind classifies an entry in the fleet's operational history.
type FleetEventKind string

const (
	EventRegister FleetEventKind = "register"
	EventCrash    FleetEventKind = "crash"
	EventDisable  FleetEventKind = "disable"
	EventEnable   FleetEventKind = "enable"
	EventDispatch FleetEventKind = "dispatch"
)

// FleetEvent records one operational event for a device (or, for dispatch
// events, for the whole fleet). Stored in the database when one is
// configured; the orchestrator runs fine without it.
type FleetEvent struct {
	ID      int64
	PhoneID string
	At      time.Time
	Kind    FleetEventKind
	Detail  string
	Meta    map[string]interface{}
}

// DispatchRecord records one job fan-out: which build was dispatched and to
// how many workers.
type DispatchRecord struct {
	ID        int64
	JobID     string
	Tree      string
	Revision  string
	BuildID   string
	BuildType string
	Version   string
	Workers   int
	At        time.Time
}
