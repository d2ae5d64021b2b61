package main

import (
	"bytes"
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/treat-dispenser/internal/clock"
	"github.com/sweeney/treat-dispenser/internal/config"
	"github.com/sweeney/treat-dispenser/internal/controller"
	"github.com/sweeney/treat-dispenser/internal/events"
	"github.com/sweeney/treat-dispenser/internal/motor"
	"github.com/sweeney/treat-dispenser/internal/mqtt"
	"github.com/sweeney/treat-dispenser/internal/pins"
	"github.com/sweeney/treat-dispenser/internal/status"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

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
		assert.Equal(t, canonical, got)
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo()
	require.NotNil(t, info)
	assert.Equal(t, status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "MyNetwork",
	}, *info)
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	assert.Nil(t, readNetworkInfo())
}

func TestReadNetworkInfoPartial(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkType, "")
	t.Setenv(envNetworkIP, "")

	info := readNetworkInfo()
	require.NotNil(t, info)
	assert.Equal(t, "connected", info.Status)
	assert.Empty(t, info.Type)
	assert.Empty(t, info.IP)
}

func TestOpenBus(t *testing.T) {
	bus, err := openBus(config.BusConfig{Kind: config.BusFake})
	require.NoError(t, err)
	assert.IsType(t, &pins.FakeBus{}, bus)
	require.NoError(t, bus.Close())

	_, err = openBus(config.BusConfig{Kind: "spi"})
	assert.ErrorContains(t, err, "unknown bus kind")
}

func TestOpenAudioDisabled(t *testing.T) {
	player, closeFn := openAudio(config.AudioConfig{}, nil)
	assert.NotNil(t, player)
	closeFn()
}

func TestPrintState(t *testing.T) {
	bus := pins.NewFakeBus()
	bus.SetAsserted(pins.Button, true)
	port := pins.NewPort(bus, nil)

	var out bytes.Buffer
	require.NoError(t, printState(&out, port))
	s := out.String()
	assert.Contains(t, s, "cached=")
	assert.Contains(t, s, pins.Button.String())
	assert.Regexp(t, pins.Button.String()+`\s+\S+\s+asserted=true`, s)
	assert.Regexp(t, pins.IRRx.String()+`\s+\S+\s+asserted=false`, s)
}

func TestCommandHandler(t *testing.T) {
	q := controller.NewQueue(1, nil)
	h := commandHandler(q, nil)

	h("bogus", "")
	h("set_hours", "x")
	h("set_hours", "4")
	h("schedule_start", "") // queue full, dropped

	j := <-q.Jobs()
	assert.Equal(t, controller.Request{Command: controller.CmdSetHours, Value: 4}, j.Request)
	select {
	case j := <-q.Jobs():
		t.Fatalf("unexpected job %v", j.Request)
	default:
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

type harness struct {
	deps  loopDeps
	pub   *mqtt.FakePublisher
	bus   *pins.FakeBus
	queue *controller.Queue
}

func newHarness(t *testing.T, heartbeat time.Duration) *harness {
	t.Helper()
	bus := pins.NewFakeBus()
	port := pins.NewPort(bus, nil)
	require.NoError(t, port.Initialize())

	pub := mqtt.NewFakePublisher()
	tracker := status.NewTracker(t0, status.Config{})
	mot := motor.New(port, clock.NewFake(t0), motor.Config{Timeout: 200 * time.Millisecond}, nil)
	ctrl := controller.New(controller.Deps{
		Port:    port,
		Motor:   mot,
		Display: tracker,
		Events: events.Fanout{tracker, events.NotifierFunc(func(e events.Event) {
			_ = pub.Publish(e)
		})},
	}, controller.Config{TreatsPerHour: 2, Hours: 1})

	return &harness{
		deps: loopDeps{
			ctrl:      ctrl,
			port:      port,
			publisher: pub,
			conn:      pub,
			tracker:   tracker,
			heartbeat: heartbeat,
		},
		pub:   pub,
		bus:   bus,
		queue: controller.NewQueue(4, ctrl.RequestCancel),
	}
}

// run drives runLoop for nTicks, runs between (if set) while the loop is
// live, then delivers signal.
func (h *harness) run(t *testing.T, now func() time.Time, nTicks int, between func(), signal os.Signal) error {
	t.Helper()
	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(h.deps, now, tick, h.queue.Jobs(), sig)
	}()

	for i := 0; i < nTicks; i++ {
		tick <- time.Time{}
	}
	if between != nil {
		between()
	}
	sig <- signal

	return <-errCh
}

func systemEventNames(pub *mqtt.FakePublisher) []string {
	var out []string
	for _, se := range pub.System() {
		out = append(out, se.Event)
	}
	return out
}

func TestRunLoopShutdownSIGTERM(t *testing.T) {
	h := newHarness(t, 0)
	err := h.run(t, fakeClock(t0, 50*time.Millisecond), 4, nil, syscall.SIGTERM)
	require.NoError(t, err)

	assert.Empty(t, h.pub.Published())
	sys := h.pub.System()
	require.Len(t, sys, 1)
	assert.Equal(t, "SHUTDOWN", sys[0].Event)
	assert.Equal(t, "SIGTERM", sys[0].Reason)
	assert.True(t, sys[0].Retained)
	assert.Contains(t, string(sys[0].RawPayload), `"event":"SHUTDOWN"`)
	assert.Contains(t, string(sys[0].RawPayload), `"reason":"SIGTERM"`)
}

func TestRunLoopShutdownSIGINT(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.run(t, fakeClock(t0, 50*time.Millisecond), 1, nil, syscall.SIGINT))

	sys := h.pub.System()
	require.Len(t, sys, 1)
	assert.Equal(t, "SIGINT", sys[0].Reason)
}

func TestRunLoopShutdownPublishError(t *testing.T) {
	h := newHarness(t, 0)
	h.pub.PublishSystemError = assert.AnError
	assert.NoError(t, h.run(t, fakeClock(t0, 50*time.Millisecond), 2, nil, syscall.SIGTERM))
}

func TestRunLoopHeartbeat(t *testing.T) {
	// Clock calls: lastBeat=t0, ticks at +5m, +10m, +15m (fires), +20m.
	h := newHarness(t, 15*time.Minute)
	h.pub.Connected = true
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkIP, "10.0.0.9")

	require.NoError(t, h.run(t, fakeClock(t0, 5*time.Minute), 4, nil, syscall.SIGTERM))

	assert.Equal(t, []string{"HEARTBEAT", "SHUTDOWN"}, systemEventNames(h.pub))
	hb := h.pub.System()[0]
	assert.Equal(t, t0.Add(15*time.Minute), hb.Timestamp)
	assert.Contains(t, string(hb.RawPayload), `"event":"HEARTBEAT"`)
	assert.Contains(t, string(hb.RawPayload), `"ip":"10.0.0.9"`)
	assert.Contains(t, string(hb.RawPayload), `"connected":true`)
}

func TestRunLoopHeartbeatDisabled(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.run(t, fakeClock(t0, time.Hour), 5, nil, syscall.SIGTERM))
	assert.Equal(t, []string{"SHUTDOWN"}, systemEventNames(h.pub))
}

func TestRunLoopExecutesQueuedCommand(t *testing.T) {
	h := newHarness(t, 0)
	var submitErr error
	between := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		submitErr = h.queue.Submit(ctx, controller.Request{Command: controller.CmdStartManualDispense})
	}

	require.NoError(t, h.run(t, fakeClock(t0, 50*time.Millisecond), 2, between, syscall.SIGTERM))
	require.NoError(t, submitErr)

	published := h.pub.Published()
	require.Len(t, published, 1)
	assert.Equal(t, events.Dispensed, published[0].Type)
	assert.Equal(t, events.Manual, published[0].Source)
	assert.Equal(t, 1, h.deps.tracker.Snapshot().View.TotalDispensed)
}

func TestRunLoopShutdownStopsSchedule(t *testing.T) {
	h := newHarness(t, 0)
	between := func() {
		require.NoError(t, h.queue.Submit(context.Background(), controller.Request{Command: controller.CmdScheduleStart}))
	}

	require.NoError(t, h.run(t, fakeClock(t0, 50*time.Millisecond), 2, between, syscall.SIGTERM))

	var types []events.Type
	for _, e := range h.pub.Published() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []events.Type{events.ScheduleStarted, events.Dispensed, events.ScheduleStopped}, types)

	snap := h.deps.tracker.Snapshot()
	assert.False(t, snap.Schedule.Running)
	assert.Contains(t, string(h.pub.System()[0].RawPayload), `"running":false`)
	assert.False(t, h.bus.Asserted(pins.MotorIN1))
}
