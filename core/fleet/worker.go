// Package fleet supervises the per-device worker fleet: registration,
// snapshot persistence, liveness sweeps, and crash-based recovery.
package fleet

import (
	"sync"
	"time"

	"phone-orchestrator/core/models"
)

// Worker is the handle to one supervised device worker. The worker itself
// runs in its own process; the orchestrator talks to it only through this
// handle and the shared status channel.
type Worker interface {
	// Start launches the worker process in the given initial state.
	Start(initial models.PhoneStatus) error

	// Stop terminates the worker process.
	Stop()

	// IsAlive reports whether the worker process is still running.
	IsAlive() bool

	// AddJob hands the worker a build to test.
	AddJob(job *models.JobDescriptor) error

	// ProcessMsg records a status message reported by the worker.
	ProcessMsg(msg *models.StatusMessage)

	Reboot() error
	Enable() error
	Disable() error
	Debug(level int) error
	Ping() error

	// PhoneCfg returns the device registration record, current as of the
	// call. Debug updates the record's Debug field, so implementations
	// may hand out a copy rather than the live struct.
	PhoneCfg() *models.PhoneConfig

	// Crashes returns the worker's crash accounting.
	Crashes() *CrashCounter

	// LastStatus returns the most recent status message, or nil if the
	// worker has never reported.
	LastStatus() *models.StatusMessage

	// FirstStatusOfType returns the first message of the current status
	// run, used for time-in-state reporting.
	FirstStatusOfType() *models.StatusMessage

	// LastStatusOfPreviousType returns the final message of the prior
	// status run, or nil.
	LastStatusOfPreviousType() *models.StatusMessage
}

const (
	// DefaultCrashWindow is the sliding window over which crashes count
	// toward the disable threshold.
	DefaultCrashWindow = 30 * time.Minute

	// DefaultCrashLimit is how many crashes inside the window a worker
	// survives before it is restarted disabled.
	DefaultCrashLimit = 5
)

// CrashCounter tracks worker process deaths inside a sliding window and
// decides when a worker has crashed too often to keep reconnecting.
type CrashCounter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	times  []time.Time
}

// NewCrashCounter creates a counter; zero window or limit select the
// defaults.
func NewCrashCounter(window time.Duration, limit int) *CrashCounter {
	if window <= 0 {
		window = DefaultCrashWindow
	}
	if limit <= 0 {
		limit = DefaultCrashLimit
	}
	return &CrashCounter{window: window, limit: limit}
}

// AddCrash records a crash at the current time.
func (c *CrashCounter) AddCrash() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.times = append(c.times, time.Now())
	c.prune()
}

// TooManyCrashes reports whether the crash count inside the window exceeds
// the limit.
func (c *CrashCounter) TooManyCrashes() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	return len(c.times) > c.limit
}

// Count returns the number of crashes currently inside the window.
func (c *CrashCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	return len(c.times)
}

func (c *CrashCounter) prune() {
	cutoff := time.Now().Add(-c.window)
	for len(c.times) > 0 && c.times[0].Before(cutoff) {
		c.times = c.times[1:]
	}
}

// statusTracker keeps the last/first-of-type/last-of-previous-type status
// messages a worker handle must expose for reporting.
type statusTracker struct {
	mu          sync.Mutex
	last        *models.StatusMessage
	firstOfType *models.StatusMessage
	lastOfPrev  *models.StatusMessage
}

func (t *statusTracker) record(msg *models.StatusMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.firstOfType == nil || t.firstOfType.Status != msg.Status {
		t.lastOfPrev = t.last
		t.firstOfType = msg
	}
	t.last = msg
}

func (t *statusTracker) lastStatus() *models.StatusMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *statusTracker) firstStatusOfType() *models.StatusMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstOfType
}

func (t *statusTracker) lastStatusOfPreviousType() *models.StatusMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastOfPrev
}
