package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/lightsync/internal/button"
	"github.com/sweeney/lightsync/internal/channel"
	"github.com/sweeney/lightsync/internal/config"
	"github.com/sweeney/lightsync/internal/engine"
	"github.com/sweeney/lightsync/internal/gpio"
	"github.com/sweeney/lightsync/internal/logic"
	"github.com/sweeney/lightsync/internal/mqtt"
	"github.com/sweeney/lightsync/internal/status"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants, not the other way around.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pi-helper.env")
	content := `NETWORK_TYPE=wifi
NETWORK_IP=192.168.1.100
NETWORK_STATUS=connected
NETWORK_GATEWAY=192.168.1.1
NETWORK_WIFI_STATUS=connected
NETWORK_WIFI_SSID="My Network"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	info := readNetworkInfo(path)
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}
	want := status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "My Network",
	}
	if *info != want {
		t.Errorf("got %+v, want %+v", *info, want)
	}
}

func TestReadNetworkInfoFallsBackToEnvironment(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkIP, "10.0.0.5")

	info := readNetworkInfo(filepath.Join(t.TempDir(), "missing.env"))
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo when NETWORK_STATUS is set")
	}
	if info.IP != "10.0.0.5" {
		t.Errorf("IP: got %q, want 10.0.0.5", info.IP)
	}
	if info.Type != "" {
		t.Errorf("Type: got %q, want empty", info.Type)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	if info := readNetworkInfo(""); info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}
}

// --- runLoop tests ---

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Not safe for concurrent use (only called from runLoop's goroutine).
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

// fakePublisher records system events. When holdHeartbeat is set, HEARTBEAT
// publishes wait until it is closed.
type fakePublisher struct {
	mu            sync.Mutex
	err           error
	events        []mqtt.SystemEvent
	holdHeartbeat chan struct{}
}

func (p *fakePublisher) PublishSystem(ev mqtt.SystemEvent) error {
	if ev.Event == "HEARTBEAT" && p.holdHeartbeat != nil {
		<-p.holdHeartbeat
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Event)
	}
	return out
}

type harness struct {
	engine  *engine.Engine
	chip    *gpio.FakeChip
	tracker *status.Tracker
	pub     *fakePublisher
	d       *daemon
}

func newHarness(t *testing.T, heartbeat, step time.Duration) *harness {
	t.Helper()
	reg, err := channel.NewRegistry([]channel.Definition{
		{Index: 0, Name: "Kitchen", Inputs: []int{32}, Outputs: []int{23}},
		{Index: 1, Name: "Hall", Inputs: []int{33}, Outputs: []int{22}},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	chip := gpio.NewFakeChip()
	eng, err := engine.New(reg, chip, gpio.ActiveLow)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := status.NewTracker(start, status.Config{Device: "test"}, eng.Snapshot())
	eng.AddSink(tracker)

	pub := &fakePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &harness{
		engine:  eng,
		chip:    chip,
		tracker: tracker,
		pub:     pub,
		d: &daemon{
			poller:    button.NewPoller(eng.Channels(), chip, eng, 50*time.Millisecond, false, button.WithLogger(logger)),
			publisher: pub,
			tracker:   tracker,
			heartbeat: heartbeat,
			now:       fakeClock(start, step),
			logger:    logger,
		},
	}
}

// run drives runLoop for nTicks and then delivers signal.
func (h *harness) run(t *testing.T, nTicks int, signal os.Signal) error {
	t.Helper()
	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.d.runLoop(tick, sig)
	}()

	for i := 0; i < nTicks; i++ {
		tick <- time.Time{}
	}
	sig <- signal

	return <-errCh
}

func TestRunLoopNoToggleAtBaseline(t *testing.T) {
	h := newHarness(t, 0, 30*time.Millisecond)

	if err := h.run(t, 6, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	for _, st := range h.engine.Snapshot() {
		if st.State != logic.StateOff {
			t.Errorf("channel %d: got %q, want OFF", st.Index, st.State)
		}
	}
	if got := h.pub.names(); len(got) != 1 || got[0] != "SHUTDOWN" {
		t.Errorf("system events: got %v, want [SHUTDOWN]", got)
	}
}

func TestRunLoopButtonPressToggles(t *testing.T) {
	h := newHarness(t, 0, 30*time.Millisecond)
	// Released for three polls (baseline), then held down.
	h.chip.Script(32, true, true, true, false)

	if err := h.run(t, 8, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if st, _ := h.engine.State(0); st != logic.StateOn {
		t.Errorf("channel 0: got %q, want ON", st)
	}
	if st, _ := h.engine.State(1); st != logic.StateOff {
		t.Errorf("channel 1: got %q, want OFF", st)
	}
	// Active-low relay: ON drives the pin low.
	if level, ok := h.chip.Output(23); !ok || level {
		t.Error("expected pin 23 driven low")
	}
	if n := h.tracker.Snapshot().Counts[logic.SourceButton]; n != 1 {
		t.Errorf("button count: got %d, want 1", n)
	}
}

func TestRunLoopBounceRejection(t *testing.T) {
	h := newHarness(t, 0, 30*time.Millisecond)
	// One low sample is shorter than the debounce window.
	h.chip.Script(32, true, true, true, false, true)

	if err := h.run(t, 8, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if st, _ := h.engine.State(0); st != logic.StateOff {
		t.Errorf("channel 0: got %q, want OFF (bounce rejected)", st)
	}
}

func TestRunLoopGPIOReadError(t *testing.T) {
	h := newHarness(t, 0, 30*time.Millisecond)
	h.chip.ReadError = errors.New("gpio fault")

	if err := h.run(t, 4, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if got := h.pub.names(); len(got) != 1 || got[0] != "SHUTDOWN" {
		t.Errorf("expected SHUTDOWN after GPIO errors, got %v", got)
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	// Clock calls: t0 (loop start), then +5m per tick.
	// Ticks at 5m, 10m, 15m (heartbeat), 20m.
	h := newHarness(t, 15*time.Minute, 5*time.Minute)

	if err := h.run(t, 4, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	got := h.pub.names()
	if len(got) != 2 || got[0] != "HEARTBEAT" || got[1] != "SHUTDOWN" {
		t.Fatalf("system events: got %v, want [HEARTBEAT SHUTDOWN]", got)
	}

	hb := h.pub.events[0]
	if hb.Retained {
		t.Error("heartbeat should not be retained")
	}
	var parsed status.StatusJSON
	if err := json.Unmarshal(hb.RawPayload, &parsed); err != nil {
		t.Fatalf("heartbeat payload: %v", err)
	}
	if parsed.Status.Event != "HEARTBEAT" {
		t.Errorf("payload event: got %q", parsed.Status.Event)
	}
	if len(parsed.Status.Channels) != 2 {
		t.Errorf("payload channels: got %d, want 2", len(parsed.Status.Channels))
	}
}

func TestRunLoopKeepsPollingWhileHeartbeatStalls(t *testing.T) {
	// Ticks every 5m; the heartbeat is due on the sixth tick, in the same
	// poll that accepts the press. Polls continue while it is held.
	h := newHarness(t, 30*time.Minute, 5*time.Minute)
	h.pub.holdHeartbeat = make(chan struct{})
	h.chip.Script(32, true, true, true, true, false)

	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.d.runLoop(tick, sig)
	}()

	for i := 0; i < 8; i++ {
		select {
		case tick <- time.Time{}:
		case <-time.After(time.Second):
			t.Fatalf("tick %d not accepted while the heartbeat publish is stalled", i)
		}
	}
	// The loop is back at select, so the last Poll has returned.
	select {
	case tick <- time.Time{}:
	case <-time.After(time.Second):
		t.Fatal("poll loop blocked")
	}

	if st, _ := h.engine.State(0); st != logic.StateOn {
		t.Errorf("channel 0: got %q, want ON while the heartbeat is stalled", st)
	}

	close(h.pub.holdHeartbeat)
	sig <- syscall.SIGTERM
	if err := <-errCh; err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if got := h.pub.names(); len(got) != 2 || got[0] != "HEARTBEAT" || got[1] != "SHUTDOWN" {
		t.Errorf("system events: got %v, want [HEARTBEAT SHUTDOWN]", got)
	}
}

func TestRunLoopHeartbeatDisabled(t *testing.T) {
	h := newHarness(t, 0, 5*time.Minute)

	if err := h.run(t, 10, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	for _, name := range h.pub.names() {
		if name == "HEARTBEAT" {
			t.Error("heartbeat published while disabled")
		}
	}
}

func TestRunLoopPublishError(t *testing.T) {
	h := newHarness(t, 15*time.Minute, 5*time.Minute)
	h.pub.err = errors.New("broker unavailable")
	h.chip.Script(32, true, true, true, false)

	if err := h.run(t, 8, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	// Lifecycle publish failures never stop the button path.
	if st, _ := h.engine.State(0); st != logic.StateOn {
		t.Errorf("channel 0: got %q, want ON", st)
	}
}

func TestRunLoopWithoutPublisher(t *testing.T) {
	h := newHarness(t, 15*time.Minute, 5*time.Minute)
	h.d.publisher = nil

	if err := h.run(t, 4, syscall.SIGINT); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
}

func TestRunLoopShutdownReason(t *testing.T) {
	for _, tt := range []struct {
		sig  os.Signal
		want string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGHUP, "UNKNOWN"},
	} {
		h := newHarness(t, 0, 30*time.Millisecond)
		if err := h.run(t, 1, tt.sig); err != nil {
			t.Fatalf("runLoop returned error: %v", err)
		}
		if len(h.pub.events) != 1 {
			t.Fatalf("%v: expected 1 system event, got %d", tt.sig, len(h.pub.events))
		}
		ev := h.pub.events[0]
		if ev.Event != "SHUTDOWN" || ev.Reason != tt.want || !ev.Retained {
			t.Errorf("%v: got %+v", tt.sig, ev)
		}
	}
}

// --- CLI output tests ---

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
device_name: garage-pi
gpio:
  output_active: low
channels:
  - index: 0
    name: Kitchen
    inputs: [32]
    outputs: [23]
  - index: 1
    name: Stairs
    inputs: [26, 27]
    outputs: [19, 18]
    default: on
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path, "")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestCheckConfig(t *testing.T) {
	cfg := testConfig(t)

	var buf bytes.Buffer
	if err := checkConfig(&buf, cfg); err != nil {
		t.Fatalf("checkConfig: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"garage-pi", "output_active: low", "press_level: LOW", "26,27", "19,18", "configuration OK"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteInputState(t *testing.T) {
	cfg := testConfig(t)
	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	chip := gpio.NewFakeChip()
	chip.SetInput(27, false)

	var buf bytes.Buffer
	if err := writeInputState(&buf, reg.All(), chip, cfg.PressLevel()); err != nil {
		t.Fatalf("writeInputState: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header + 3 pins, got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "32") || !strings.Contains(lines[1], "HIGH") || !strings.HasSuffix(strings.TrimSpace(lines[1]), "no") {
		t.Errorf("pin 32 line: %q", lines[1])
	}
	if !strings.Contains(lines[3], "27") || !strings.Contains(lines[3], "LOW") || !strings.HasSuffix(strings.TrimSpace(lines[3]), "yes") {
		t.Errorf("pin 27 line: %q", lines[3])
	}
}

func TestWriteInputStateReadError(t *testing.T) {
	cfg := testConfig(t)
	reg, _ := cfg.Registry()
	chip := gpio.NewFakeChip()
	chip.ReadError = errors.New("boom")

	if err := writeInputState(io.Discard, reg.All(), chip, false); err == nil {
		t.Error("expected read error")
	}
}

func TestStatusConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.MQTT.Enabled = true
	cfg.MQTT.Broker = "tcp://broker:1883"

	sc := statusConfig(cfg)
	if sc.Device != "garage-pi" || sc.OutputActive != "low" {
		t.Errorf("got %+v", sc)
	}
	if sc.Broker != "tcp://broker:1883" || sc.HeartbeatMs != (15*time.Minute).Milliseconds() {
		t.Errorf("mqtt fields: got %+v", sc)
	}
	if sc.NATSURL != "" {
		t.Errorf("NATS disabled, got URL %q", sc.NATSURL)
	}
	if sc.PollMs != 30 || sc.DebounceMs != 50 {
		t.Errorf("timing: got poll=%d debounce=%d", sc.PollMs, sc.DebounceMs)
	}
}
