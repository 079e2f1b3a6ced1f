package fleet

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"phone-orchestrator/core/models"
)

// workerCommand is one control message written to the worker process on its
// stdin, line-delimited JSON. This mirrors the status messages the worker
// writes on its stdout.
type workerCommand struct {
	Cmd   string                 `json:"cmd"`
	Level int                    `json:"level,omitempty"`
	Job   *models.JobDescriptor  `json:"job,omitempty"`
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// ProcessWorker supervises one device-worker subprocess. The subprocess
// owns all device I/O and test execution; it reports status as JSON lines
// on stdout, which the handle forwards onto the shared status channel, and
// accepts JSON command lines on stdin. Process death is the crash-detection
// signal the liveness sweep relies on, so the worker must run as a real OS
// process, not an in-process task.
type ProcessWorker struct {
	cfg       *models.PhoneConfig
	command   string
	logPrefix string
	msgCh     chan<- *models.StatusMessage
	crashes   *CrashCounter

	statusTracker

	procMu sync.Mutex
	cmd    *exec.Cmd
	stdin  *json.Encoder
	done   chan struct{}
	logOut *os.File
}

// NewProcessWorker creates a worker handle for cfg. command is the worker
// binary to spawn; logPrefix names the per-device logfile
// (<logPrefix>-<phoneid>.log). Status messages are forwarded to msgCh.
func NewProcessWorker(cfg *models.PhoneConfig, command, logPrefix string, crashes *CrashCounter, msgCh chan<- *models.StatusMessage) *ProcessWorker {
	if crashes == nil {
		crashes = NewCrashCounter(0, 0)
	}
	return &ProcessWorker{
		cfg:       cfg,
		command:   command,
		logPrefix: logPrefix,
		msgCh:     msgCh,
		crashes:   crashes,
	}
}

// Start launches the worker subprocess in the given initial state. A
// worker that is already running is stopped first.
func (w *ProcessWorker) Start(initial models.PhoneStatus) error {
	w.Stop()

	w.procMu.Lock()
	defer w.procMu.Unlock()

	logPath := fmt.Sprintf("%s-%s.log", w.logPrefix, w.cfg.PhoneID)
	logOut, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening worker log %s: %w", logPath, err)
	}

	cmd := exec.Command(w.command,
		"--phoneid", w.cfg.PhoneID,
		"--serial", w.cfg.Serial,
		"--ip", w.cfg.IP,
		"--cmdport", strconv.Itoa(w.cfg.CmdPort),
		"--callback", w.cfg.CallbackIP,
		"--debug", strconv.Itoa(w.cfg.Debug),
		"--initial-state", string(initial),
	)
	cmd.Stderr = logOut

	stdin, err := cmd.StdinPipe()
	if err != nil {
		logOut.Close()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logOut.Close()
		return err
	}
	if err := cmd.Start(); err != nil {
		logOut.Close()
		return fmt.Errorf("starting worker for %s: %w", w.cfg.PhoneID, err)
	}

	done := make(chan struct{})
	w.cmd = cmd
	w.stdin = json.NewEncoder(stdin)
	w.done = done
	w.logOut = logOut

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			msg := &models.StatusMessage{}
			if err := json.Unmarshal(line, msg); err != nil {
				log.Printf("Worker %s wrote unparseable status: %q", w.cfg.PhoneID, line)
				continue
			}
			if msg.PhoneID == "" {
				msg.PhoneID = w.cfg.PhoneID
			}
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			w.msgCh <- msg
		}
	}()
	go func() {
		cmd.Wait()
		logOut.Close()
		close(done)
	}()
	return nil
}

// Stop terminates the worker subprocess and waits for it to exit.
func (w *ProcessWorker) Stop() {
	w.procMu.Lock()
	cmd, done, stdin := w.cmd, w.done, w.stdin
	w.cmd = nil
	w.stdin = nil
	w.done = nil
	w.procMu.Unlock()

	if cmd == nil {
		return
	}
	select {
	case <-done:
		return
	default:
	}
	if stdin != nil && stdin.Encode(workerCommand{Cmd: "stop"}) == nil {
		select {
		case <-done:
			return
		case <-time.After(5 * time.Second):
		}
	}
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	<-done
}

// IsAlive reports whether the worker subprocess is still running.
func (w *ProcessWorker) IsAlive() bool {
	w.procMu.Lock()
	done := w.done
	w.procMu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// AddJob hands the worker a build to test.
func (w *ProcessWorker) AddJob(job *models.JobDescriptor) error {
	return w.sendLocked(workerCommand{Cmd: "job", Job: job})
}

// ProcessMsg records a status message reported by this worker.
func (w *ProcessWorker) ProcessMsg(msg *models.StatusMessage) {
	w.record(msg)
}

// Reboot asks the worker to reboot its device.
func (w *ProcessWorker) Reboot() error {
	return w.sendLocked(workerCommand{Cmd: "reboot"})
}

// Enable re-enables a disabled worker.
func (w *ProcessWorker) Enable() error {
	return w.sendLocked(workerCommand{Cmd: "enable"})
}

// Disable stops the worker from taking jobs; it keeps running and keeps
// getting pinged.
func (w *ProcessWorker) Disable() error {
	return w.sendLocked(workerCommand{Cmd: "disable"})
}

// Debug sets the worker's debug verbosity and records it in the phone
// config so it survives snapshot round-trips.
func (w *ProcessWorker) Debug(level int) error {
	w.procMu.Lock()
	defer w.procMu.Unlock()
	w.cfg.Debug = level
	if w.stdin == nil {
		return fmt.Errorf("worker %s is not running", w.cfg.PhoneID)
	}
	return w.stdin.Encode(workerCommand{Cmd: "debug", Level: level})
}

// Ping asks the worker to check its device is responsive.
func (w *ProcessWorker) Ping() error {
	return w.sendLocked(workerCommand{Cmd: "ping"})
}

// PhoneCfg returns a copy of the device registration record. Debug mutates
// the record concurrently with snapshot writes and status reports, so
// readers never get the live struct.
func (w *ProcessWorker) PhoneCfg() *models.PhoneConfig {
	w.procMu.Lock()
	defer w.procMu.Unlock()
	cfg := *w.cfg
	return &cfg
}

// Crashes returns the worker's crash accounting.
func (w *ProcessWorker) Crashes() *CrashCounter { return w.crashes }

// LastStatus returns the most recent status message, or nil.
func (w *ProcessWorker) LastStatus() *models.StatusMessage { return w.lastStatus() }

// FirstStatusOfType returns the first message of the current status run.
func (w *ProcessWorker) FirstStatusOfType() *models.StatusMessage { return w.firstStatusOfType() }

// LastStatusOfPreviousType returns the final message of the prior status
// run, or nil.
func (w *ProcessWorker) LastStatusOfPreviousType() *models.StatusMessage {
	return w.lastStatusOfPreviousType()
}

func (w *ProcessWorker) sendLocked(c workerCommand) error {
	w.procMu.Lock()
	defer w.procMu.Unlock()
	if w.stdin == nil {
		return fmt.Errorf("worker %s is not running", w.cfg.PhoneID)
	}
	return w.stdin.Encode(c)
}
