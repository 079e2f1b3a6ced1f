package command

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"phone-orchestrator/core/builds"
	"phone-orchestrator/core/fleet"
	"phone-orchestrator/core/models"
	"phone-orchestrator/core/pipeline"
)

// protoWorker is a minimal worker for protocol tests.
type protoWorker struct {
	cfg        *models.PhoneConfig
	pings      int
	debugLevel int
	disabled   bool
}

func (w *protoWorker) Start(models.PhoneStatus) error   { return nil }
func (w *protoWorker) Stop()                            {}
func (w *protoWorker) IsAlive() bool                    { return true }
func (w *protoWorker) AddJob(*models.JobDescriptor) error {
	return nil
}
func (w *protoWorker) ProcessMsg(*models.StatusMessage) {}
func (w *protoWorker) Reboot() error                    { return nil }
func (w *protoWorker) Enable() error                    { w.disabled = false; return nil }
func (w *protoWorker) Disable() error                   { w.disabled = true; return nil }
func (w *protoWorker) Debug(level int) error            { w.debugLevel = level; return nil }
func (w *protoWorker) Ping() error                      { w.pings++; return nil }
func (w *protoWorker) PhoneCfg() *models.PhoneConfig    { return w.cfg }
func (w *protoWorker) Crashes() *fleet.CrashCounter     { return fleet.NewCrashCounter(0, 0) }
func (w *protoWorker) LastStatus() *models.StatusMessage {
	return nil
}
func (w *protoWorker) FirstStatusOfType() *models.StatusMessage {
	return nil
}
func (w *protoWorker) LastStatusOfPreviousType() *models.StatusMessage {
	return nil
}

type testHarness struct {
	addr     string
	server   *Server
	worker   *protoWorker
	registry *fleet.Registry
	stopped  chan struct{}
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{stopped: make(chan struct{})}

	h.registry = fleet.NewRegistry(filepath.Join(t.TempDir(), "snap.json"), "10.0.0.99", func(cfg *models.PhoneConfig) fleet.Worker {
		w := &protoWorker{cfg: cfg}
		if h.worker == nil {
			h.worker = w
		}
		return w
	}, nil)
	if err := h.registry.Register(&models.PhoneConfig{
		PhoneID:  "phone_one_nexus_s",
		Serial:   "ABCD1234",
		IP:       "10.0.0.1",
		Hardware: "nexus_s",
		Debug:    3,
	}); err != nil {
		t.Fatal(err)
	}

	cache, err := builds.NewCache(t.TempDir(), "", false)
	if err != nil {
		t.Fatal(err)
	}
	finder := builds.NewFinder("http://archive.invalid/pub/mobile/", []string{"mozilla-central"},
		func(string) ([]string, error) { return nil, errors.New("archive unreachable") })
	pipe := pipeline.New(cache, finder, h.registry, false, nil, nil, nil)

	router := NewRouter(h.registry, pipe, func() { close(h.stopped) })
	h.server = NewServer(router)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	h.addr = ln.Addr().String()
	go h.server.Serve(ln)
	t.Cleanup(h.server.Close)
	return h
}

// dial connects to the harness server and consumes the greeting.
func (h *testHarness) dial(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", h.addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	r := bufio.NewReader(conn)
	greeting, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(greeting) != Greeting {
		t.Fatalf("greeting = %q, want %q", greeting, Greeting)
	}
	return conn, r
}

// roundTrip sends one command and returns the one-line reply.
func roundTrip(t *testing.T, conn net.Conn, r *bufio.Reader, cmd string) string {
	t.Helper()
	if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
		t.Fatal(err)
	}
	reply, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading reply to %q: %v", cmd, err)
	}
	return strings.TrimSpace(reply)
}

func TestQuitClosesConnection(t *testing.T) {
	h := newHarness(t)
	for _, cmd := range []string{"quit", "exit"} {
		conn, r := h.dial(t)
		if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
			t.Fatal(err)
		}
		if _, err := r.ReadString('\n'); err == nil {
			t.Errorf("connection still open after %s", cmd)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	conn, r := h.dial(t)

	reply := roundTrip(t, conn, r, "frobnicate phone_one_nexus_s")
	if reply != `Unknown command "frobnicate"` {
		t.Errorf("reply = %q", reply)
	}
}

func TestBlankLinesAreIgnored(t *testing.T) {
	h := newHarness(t)
	conn, r := h.dial(t)

	if _, err := fmt.Fprint(conn, "\n   \nlog hello\n"); err != nil {
		t.Fatal(err)
	}
	reply, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(reply) != "ok" {
		t.Errorf("reply = %q, want ok", reply)
	}
}

func TestPhoneCommands(t *testing.T) {
	h := newHarness(t)
	conn, r := h.dial(t)

	if reply := roundTrip(t, conn, r, "ping phone_one_nexus_s"); reply != "ok" {
		t.Errorf("ping reply = %q", reply)
	}
	if h.worker.pings != 1 {
		t.Errorf("pings = %d, want 1", h.worker.pings)
	}

	// Devices resolve by serial too.
	if reply := roundTrip(t, conn, r, "disable ABCD1234"); reply != "ok" {
		t.Errorf("disable reply = %q", reply)
	}
	if !h.worker.disabled {
		t.Error("disable did not reach the worker")
	}
	if reply := roundTrip(t, conn, r, "enable phone_one_nexus_s"); reply != "ok" {
		t.Errorf("enable reply = %q", reply)
	}
	if h.worker.disabled {
		t.Error("enable did not reach the worker")
	}

	if reply := roundTrip(t, conn, r, "debug phone_one_nexus_s 5"); reply != "ok" {
		t.Errorf("debug reply = %q", reply)
	}
	if h.worker.debugLevel != 5 {
		t.Errorf("debug level = %d, want 5", h.worker.debugLevel)
	}
	reply := roundTrip(t, conn, r, "debug phone_one_nexus_s loud")
	if !strings.HasPrefix(reply, "error:") {
		t.Errorf("bad debug level reply = %q, want an error", reply)
	}
}

func TestPhoneNotFound(t *testing.T) {
	h := newHarness(t)
	conn, r := h.dial(t)

	for _, cmd := range []string{"ping nonesuch", "disable nonesuch", "enable nonesuch", "debug nonesuch 5"} {
		if reply := roundTrip(t, conn, r, cmd); reply != "error: phone not found" {
			t.Errorf("%s reply = %q, want phone-not-found error", cmd, reply)
		}
	}
}

func TestStatusCommand(t *testing.T) {
	h := newHarness(t)
	conn, r := h.dial(t)

	if _, err := fmt.Fprint(conn, "status\n"); err != nil {
		t.Fatal(err)
	}
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading status block: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "ok" {
			break
		}
		lines = append(lines, line)
	}
	block := strings.Join(lines, "\n")
	for _, want := range []string{
		"phone phone_one_nexus_s (10.0.0.1):",
		"  debug level 3",
		"  no updates",
	} {
		if !strings.Contains(block, want) {
			t.Errorf("status block %q missing %q", block, want)
		}
	}
}

func TestRegisterCommand(t *testing.T) {
	h := newHarness(t)
	conn, r := h.dial(t)

	reply := roundTrip(t, conn, r,
		"register name=00:11:22:33:44:55&hardware=nexus_s&pool=efgh5678&ipaddr=10.0.0.5&cmdport=20701&os=4.1.2")
	if reply != "ok" {
		t.Fatalf("register reply = %q", reply)
	}
	if _, err := h.registry.Lookup("00_11_22_33_44_55_nexus_s"); err != nil {
		t.Errorf("registered phone not in registry: %v", err)
	}

	reply = roundTrip(t, conn, r, "register hardware=nexus_s")
	if !strings.HasPrefix(reply, "error:") {
		t.Errorf("bad registration reply = %q, want an error", reply)
	}
}

func TestTriggerJobsAlwaysAcknowledges(t *testing.T) {
	h := newHarness(t)
	conn, r := h.dial(t)

	// Discovery failures are logged on the server, not reported to the
	// client.
	if reply := roundTrip(t, conn, r, "triggerjobs nightly"); reply != "ok" {
		t.Errorf("triggerjobs reply = %q, want ok", reply)
	}
}

func TestCloseReturnsWhileClientsStayConnected(t *testing.T) {
	h := newHarness(t)
	conn, r := h.dial(t)

	// The session that asked for shutdown is typically still open when
	// Close runs; it must not be able to wedge the shutdown sequence.
	if reply := roundTrip(t, conn, r, "log shutting down"); reply != "ok" {
		t.Fatalf("reply = %q", reply)
	}

	done := make(chan struct{})
	go func() {
		h.server.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return while a control connection stayed open")
	}

	// The open session was disconnected by Close.
	if _, err := r.ReadString('\n'); err == nil {
		t.Error("connection still open after Close")
	}
}

func TestStopCommand(t *testing.T) {
	h := newHarness(t)
	conn, r := h.dial(t)

	if reply := roundTrip(t, conn, r, "stop"); reply != "ok" {
		t.Errorf("stop reply = %q", reply)
	}
	select {
	case <-h.stopped:
	case <-time.After(time.Second):
		t.Error("stop command did not invoke the shutdown hook")
	}
}
