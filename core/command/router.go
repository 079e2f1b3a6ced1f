package command

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"phone-orchestrator/core/fleet"
	"phone-orchestrator/core/models"
	"phone-orchestrator/core/pipeline"
)

// phoneOp is one per-device worker operation reachable over the protocol.
type phoneOp func(w fleet.Worker, params string) error

// phoneOps is the closed mapping from command name to worker operation.
// Commands listed here take a device id as their first parameter.
var phoneOps = map[string]phoneOp{
	"disable": func(w fleet.Worker, _ string) error { return w.Disable() },
	"enable":  func(w fleet.Worker, _ string) error { return w.Enable() },
	"ping":    func(w fleet.Worker, _ string) error { return w.Ping() },
	"debug": func(w fleet.Worker, params string) error {
		level, err := strconv.Atoi(strings.TrimSpace(params))
		if err != nil {
			return fmt.Errorf("bad debug level %q", params)
		}
		return w.Debug(level)
	},
}

// eventKinds maps state-affecting per-device commands to their history
// event kind.
var eventKinds = map[string]models.FleetEventKind{
	"disable": models.EventDisable,
	"enable":  models.EventEnable,
}

// Router parses and executes protocol commands. Execution is serialized by
// a single exclusive lock shared across all connections: one command body
// runs at a time, fleet-wide. Replies are synchronous and local; worker
// activity a command triggers is asynchronous and unreported on the
// connection.
type Router struct {
	cmdMu    sync.Mutex
	registry *fleet.Registry
	pipeline *pipeline.Pipeline
	stop     func()
}

// NewRouter creates a router. stop begins orchestrator shutdown when the
// stop command arrives.
func NewRouter(registry *fleet.Registry, pipe *pipeline.Pipeline, stop func()) *Router {
	return &Router{registry: registry, pipeline: pipe, stop: stop}
}

// Route executes one command line and returns its reply (without trailing
// newline).
func (r *Router) Route(line string) string {
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()

	cmd, params, _ := strings.Cut(strings.TrimSpace(line), " ")
	cmd = strings.ToLower(cmd)
	params = strings.TrimSpace(params)

	switch cmd {
	case "stop":
		r.stop()
		return "ok"
	case "log":
		log.Print(params)
		return "ok"
	case "triggerjobs":
		if err := r.pipeline.TriggerJobs(params); err != nil {
			log.Printf("triggerjobs %s failed: %v", params, err)
		}
		return "ok"
	case "register":
		if err := r.registry.RegisterFromQuery(params); err != nil {
			log.Printf("Failed to register phone: %v", err)
			return fmt.Sprintf("error: %v", err)
		}
		return "ok"
	case "status":
		return r.registry.StatusReport(time.Now()) + "ok"
	case "disable", "enable", "debug", "ping":
		return r.phoneCommand(cmd, params)
	default:
		return fmt.Sprintf("Unknown command %q", cmd)
	}
}

// phoneCommand resolves a device by serial or phone id and invokes the
// matching worker operation, persisting the registry snapshot afterward.
func (r *Router) phoneCommand(cmd, params string) string {
	phoneID, rest, _ := strings.Cut(params, " ")
	worker, err := r.registry.Lookup(phoneID)
	if err != nil {
		return "error: phone not found"
	}
	if err := phoneOps[cmd](worker, rest); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if kind, ok := eventKinds[cmd]; ok {
		r.registry.RecordEvent(worker.PhoneCfg().PhoneID, kind, "operator "+cmd)
	}
	if err := r.registry.SaveSnapshot(); err != nil {
		log.Printf("Failed to persist registry snapshot: %v", err)
	}
	return "ok"
}
