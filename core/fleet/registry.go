package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"phone-orchestrator/core/models"
	"phone-orchestrator/core/repository"
)

// ErrPhoneNotFound is returned when a per-device operation names an unknown
// device.
var ErrPhoneNotFound = errors.New("phone not found")

// WorkerFactory constructs the supervised worker handle for a registered
// device.
type WorkerFactory func(cfg *models.PhoneConfig) Worker

// Registry holds one supervised worker per registered device, keyed by
// phone id, and owns the persisted snapshot file. All mutations and the
// snapshot write are guarded by one mutex; workers are disabled, never
// removed, when they misbehave, and destroyed only on shutdown.
type Registry struct {
	mu           sync.Mutex
	workers      map[string]Worker
	order        []string
	snapshotPath string
	callbackIP   string
	newWorker    WorkerFactory
	events       *repository.FleetEventRepository
}

// NewRegistry creates an empty registry persisting to snapshotPath. events
// may be nil when no database is configured.
func NewRegistry(snapshotPath, callbackIP string, newWorker WorkerFactory, events *repository.FleetEventRepository) *Registry {
	return &Registry{
		workers:      make(map[string]Worker),
		snapshotPath: snapshotPath,
		callbackIP:   callbackIP,
		newWorker:    newWorker,
		events:       events,
	}
}

// Register creates, starts, and records a worker for cfg. Registering a
// known phone id is a no-op, so first contact and snapshot reload share
// this path.
func (r *Registry) Register(cfg *models.PhoneConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(cfg)
}

func (r *Registry) registerLocked(cfg *models.PhoneConfig) error {
	if _, ok := r.workers[cfg.PhoneID]; ok {
		log.Printf("Registering known phone: %s", cfg.PhoneID)
		return nil
	}
	if cfg.CallbackIP == "" {
		cfg.CallbackIP = r.callbackIP
	}
	worker := r.newWorker(cfg)
	if err := worker.Start(models.StatusIdle); err != nil {
		return fmt.Errorf("starting worker for %s: %w", cfg.PhoneID, err)
	}
	r.workers[cfg.PhoneID] = worker
	r.order = append(r.order, cfg.PhoneID)
	log.Printf("Registered phone %s.", cfg.PhoneID)
	r.recordEvent(cfg.PhoneID, models.EventRegister, "phone registered")
	return nil
}

// RegisterFromQuery registers a device from the url-encoded facts it sent,
// then persists the snapshot.
func (r *Registry) RegisterFromQuery(data string) error {
	cfg, err := models.PhoneConfigFromQuery(data, r.callbackIP)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.registerLocked(cfg); err != nil {
		return err
	}
	return r.saveSnapshotLocked()
}

// snapshot is the persisted registry file layout.
type snapshot struct {
	Phones []*models.PhoneConfig `json:"phones"`
}

// LoadSnapshot reloads the fleet from the persisted snapshot. A missing or
// malformed file is an empty registry, not an error.
func (r *Registry) LoadSnapshot() error {
	data, err := os.ReadFile(r.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Printf("Ignoring malformed registry snapshot %s: %v", r.snapshotPath, err)
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cfg := range snap.Phones {
		if err := r.registerLocked(cfg); err != nil {
			log.Printf("Failed to restore phone %s: %v", cfg.PhoneID, err)
		}
	}
	return nil
}

// SaveSnapshot persists the current registry as a whole-file replace.
func (r *Registry) SaveSnapshot() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveSnapshotLocked()
}

func (r *Registry) saveSnapshotLocked() error {
	snap := snapshot{Phones: make([]*models.PhoneConfig, 0, len(r.order))}
	for _, id := range r.order {
		snap.Phones = append(snap.Phones, r.workers[id].PhoneCfg())
	}
	data, err := json.Marshal(&snap)
	if err != nil {
		return err
	}
	// Write-to-temp plus rename so readers never see a partial snapshot.
	tmp, err := os.CreateTemp(filepath.Dir(r.snapshotPath), ".registry-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), r.snapshotPath)
}

// ClearSnapshot removes the persisted snapshot file.
func (r *Registry) ClearSnapshot() error {
	err := os.Remove(r.snapshotPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Lookup resolves a device by serial or phone id.
func (r *Registry) Lookup(id string) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		cfg := w.PhoneCfg()
		if cfg.Serial == id || cfg.PhoneID == id {
			return w, nil
		}
	}
	return nil, ErrPhoneNotFound
}

// Get returns the worker for an exact phone id.
func (r *Registry) Get(phoneID string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[phoneID]
	return w, ok
}

// Workers returns the registered workers in registration order.
func (r *Registry) Workers() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id])
	}
	return out
}

// Size returns the number of registered devices.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// FanOut dispatches a job to every registered worker.
func (r *Registry) FanOut(job *models.JobDescriptor) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.order {
		log.Printf("Starting job on phone: %s", id)
		if err := r.workers[id].AddJob(job); err != nil {
			log.Printf("Failed to add job on phone %s: %v", id, err)
			continue
		}
		n++
	}
	return n
}

// RebootAll reboots every registered device, used at startup after a
// snapshot reload.
func (r *Registry) RebootAll() {
	log.Println("Resetting phones...")
	for _, w := range r.Workers() {
		if err := w.Reboot(); err != nil {
			log.Printf("Failed to reboot %s: %v", w.PhoneCfg().PhoneID, err)
		}
	}
}

// StopAll stops every worker; called only on orchestrator shutdown.
func (r *Registry) StopAll() {
	for _, w := range r.Workers() {
		w.Stop()
	}
}

// StatusReport renders the per-device status block served by the command
// protocol's status command (without the trailing ok line).
func (r *Registry) StatusReport(now time.Time) string {
	now = now.Truncate(time.Second)
	var b strings.Builder
	for _, w := range r.Workers() {
		cfg := w.PhoneCfg()
		fmt.Fprintf(&b, "phone %s (%s):\n", cfg.PhoneID, cfg.IP)
		fmt.Fprintf(&b, "  debug level %d\n", cfg.Debug)
		last := w.LastStatus()
		if last == nil {
			b.WriteString("  no updates\n")
			continue
		}
		if last.CurrentBuild != "" {
			fmt.Fprintf(&b, "  current build: %s\n", last.CurrentBuild)
		} else {
			b.WriteString("  no build loaded\n")
		}
		fmt.Fprintf(&b, "  last update %s ago:\n    %s\n",
			now.Sub(last.Timestamp).Truncate(time.Second), last.ShortDesc())
		if first := w.FirstStatusOfType(); first != nil {
			fmt.Fprintf(&b, "  %s for %s\n",
				last.Status, now.Sub(first.Timestamp).Truncate(time.Second))
		}
		if prev := w.LastStatusOfPreviousType(); prev != nil {
			fmt.Fprintf(&b, "  previous state %s ago:\n    %s\n",
				now.Sub(prev.Timestamp).Truncate(time.Second), prev.ShortDesc())
		}
	}
	return b.String()
}

// recordEvent writes to the operational history, best-effort.
func (r *Registry) recordEvent(phoneID string, kind models.FleetEventKind, detail string) {
	if r.events == nil {
		return
	}
	if err := r.events.Create(phoneID, kind, detail, nil); err != nil {
		log.Printf("Failed to record %s event for %s: %v", kind, phoneID, err)
	}
}

// RecordEvent exposes event recording to the command layer and supervisor.
func (r *Registry) RecordEvent(phoneID string, kind models.FleetEventKind, detail string) {
	r.recordEvent(phoneID, kind, detail)
}
