package fleet

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"phone-orchestrator/core/models"
	"phone-orchestrator/core/notify"
	"phone-orchestrator/storage"
)

// DefaultPollInterval bounds how long the event loop waits for a status
// message before re-running the liveness sweep, which caps worst-case
// crash-detection latency.
const DefaultPollInterval = 5 * time.Second

// Supervisor runs the orchestrator event loop: it alternates between a
// liveness sweep over the fleet and a bounded wait on the worker status
// channel, and applies the crash-based disable policy when a worker
// process dies.
type Supervisor struct {
	registry     *Registry
	mailer       notify.Mailer
	uploader     *storage.LogUploader
	msgCh        chan *models.StatusMessage
	pollInterval time.Duration
	logPrefix    string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSupervisor creates the event loop over registry. msgCh is the shared
// channel workers report status on. uploader may be nil; crash logs are
// then not archived.
func NewSupervisor(registry *Registry, mailer notify.Mailer, uploader *storage.LogUploader, msgCh chan *models.StatusMessage, pollInterval time.Duration, logPrefix string) *Supervisor {
	if mailer == nil {
		mailer = notify.LogMailer{}
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Supervisor{
		registry:     registry,
		mailer:       mailer,
		uploader:     uploader,
		msgCh:        msgCh,
		pollInterval: pollInterval,
		logPrefix:    logPrefix,
		stopCh:       make(chan struct{}),
	}
}

// MsgCh returns the status channel workers report on.
func (s *Supervisor) MsgCh() chan *models.StatusMessage { return s.msgCh }

// Run executes the event loop until Stop is called. Status messages from a
// given worker are processed in receipt order; no ordering holds across
// workers.
func (s *Supervisor) Run() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.CheckDeadWorkers()
		select {
		case msg := <-s.msgCh:
			s.dispatchMsg(msg)
		case <-time.After(s.pollInterval):
		case <-s.stopCh:
			return
		}
	}
}

// Stop makes Run return. Safe to call more than once and from any
// goroutine.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Supervisor) dispatchMsg(msg *models.StatusMessage) {
	if msg == nil {
		return
	}
	w, ok := s.registry.Get(msg.PhoneID)
	if !ok {
		log.Printf("Status message from unknown phone %s", msg.PhoneID)
		return
	}
	w.ProcessMsg(msg)
}

// CheckDeadWorkers is the liveness sweep: every worker whose process has
// died is restarted, into the disabled state once it has crashed too many
// times, into the disconnected state otherwise. The operator is notified
// either way; notification failures are logged, never fatal.
func (s *Supervisor) CheckDeadWorkers() {
	for _, w := range s.registry.Workers() {
		if w.IsAlive() {
			continue
		}
		phoneID := w.PhoneCfg().PhoneID
		log.Printf("Worker %s died!", phoneID)
		w.Stop()
		w.Crashes().AddCrash()
		s.registry.RecordEvent(phoneID, models.EventCrash,
			fmt.Sprintf("worker process died (crash %d in window)", w.Crashes().Count()))

		subject := fmt.Sprintf("Worker for phone %s died", phoneID)
		body := fmt.Sprintf("Hello, this is the phone orchestrator. Just to let you know, "+
			"the worker process\nfor phone %s died.\n", phoneID)

		initial := models.StatusDisconnected
		if w.Crashes().TooManyCrashes() {
			initial = models.StatusDisabled
			subject += " and was disabled"
			body += "It looks really crashy, so I disabled it. Sorry about that.\n"
			s.registry.RecordEvent(phoneID, models.EventDisable, "disabled after repeated crashes")
		}

		s.archiveCrashLog(phoneID)

		if err := w.Start(initial); err != nil {
			log.Printf("Failed to restart worker %s: %v", phoneID, err)
		}

		log.Println("Sending notification...")
		if err := s.mailer.Send(subject, body); err != nil {
			log.Printf("Failed to send dead-phone notification: %v", err)
		} else {
			log.Println("Sent.")
		}
	}
}

// archiveCrashLog uploads the dead worker's logfile for post-mortem,
// best-effort.
func (s *Supervisor) archiveCrashLog(phoneID string) {
	if s.uploader == nil || s.logPrefix == "" {
		return
	}
	path := fmt.Sprintf("%s-%s.log", s.logPrefix, phoneID)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.uploader.UploadLog(ctx, phoneID, path); err != nil {
		log.Printf("Failed to archive crash log for %s: %v", phoneID, err)
	}
}
