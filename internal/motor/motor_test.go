package motor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/treat-dispenser/internal/clock"
	"github.com/sweeney/treat-dispenser/internal/pins"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

const ms = time.Millisecond

// sensors returns the rotary (home) and beam (broken) state at elapsed time.
type sensors func(elapsed time.Duration) (home, broken bool)

func newRig(t *testing.T, cfg Config, fn sensors) (*Supervisor, *pins.FakeBus, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	bus := pins.NewFakeBus()
	bus.ReadFunc = func() uint8 {
		home, broken := fn(clk.Now().Sub(t0))
		v := pins.Released
		if !home {
			v &^= 1 << pins.Rotary
		}
		if broken {
			v &^= 1 << pins.IRRx
		}
		return v
	}
	port := pins.NewPort(bus, nil)
	require.NoError(t, port.Initialize())
	return New(port, clk, cfg, nil), bus, clk
}

func assertAllOff(t *testing.T, bus *pins.FakeBus) {
	t.Helper()
	assert.False(t, bus.Asserted(pins.MotorIN1), "motor IN1 left on")
	assert.False(t, bus.Asserted(pins.MotorIN2), "motor IN2 left on")
	assert.False(t, bus.Asserted(pins.IRTx), "beam emitter left on")
	assert.False(t, bus.Asserted(pins.LED), "indicator left on")
}

func fastConfig() Config {
	return Config{Timeout: time.Second, Poll: 10 * ms}
}

func TestRunTimeoutWhenNothingHappens(t *testing.T) {
	sup, bus, _ := newRig(t, fastConfig(), func(time.Duration) (bool, bool) { return true, false })

	res := sup.Run(0, nil)
	assert.Equal(t, Timeout, res.Reason)
	assert.InDelta(t, float64(time.Second), float64(res.Elapsed), float64(10*ms))
	assert.False(t, res.BeamBroken)
	assertAllOff(t, bus)
}

func TestRunTimeoutExplicitBound(t *testing.T) {
	sup, _, _ := newRig(t, fastConfig(), func(time.Duration) (bool, bool) { return false, false })

	res := sup.Run(250*ms, nil)
	assert.Equal(t, Timeout, res.Reason)
	assert.InDelta(t, float64(250*ms), float64(res.Elapsed), float64(10*ms))
}

func TestRunTimeoutCapped(t *testing.T) {
	sup, _, _ := newRig(t, Config{Poll: 100 * ms}, func(time.Duration) (bool, bool) { return true, false })

	res := sup.Run(time.Hour, nil)
	assert.Equal(t, Timeout, res.Reason)
	assert.InDelta(t, float64(MaxTimeout), float64(res.Elapsed), float64(100*ms))
}

func TestRunTreatDetectedStopsAtNextHome(t *testing.T) {
	sup, bus, _ := newRig(t, fastConfig(), func(el time.Duration) (bool, bool) {
		broken := el >= 100*ms && el < 150*ms
		home := el < 200*ms || el >= 300*ms
		return home, broken
	})

	res := sup.Run(0, nil)
	assert.Equal(t, TreatDetectedStoppedAtHome, res.Reason)
	assert.True(t, res.BeamBroken)
	assert.Equal(t, 300*ms, res.Elapsed)
	assertAllOff(t, bus)
}

func TestRunTreatWhileLowStopsAtFirstHigh(t *testing.T) {
	sup, _, _ := newRig(t, fastConfig(), func(el time.Duration) (bool, bool) {
		broken := el >= 100*ms && el < 150*ms
		home := el >= 180*ms
		return home, broken
	})

	res := sup.Run(0, nil)
	assert.Equal(t, TreatDetectedStoppedAtHome, res.Reason)
	assert.Equal(t, 180*ms, res.Elapsed)
}

func TestRunTreatWithSustainedHighDoesNotStop(t *testing.T) {
	sup, bus, _ := newRig(t, fastConfig(), func(el time.Duration) (bool, bool) {
		return true, el >= 100*ms && el < 150*ms
	})

	res := sup.Run(0, nil)
	assert.Equal(t, Timeout, res.Reason, "must not stop mid-break without seeing a low first")
	assert.True(t, res.BeamBroken)
	assertAllOff(t, bus)
}

func TestRunTreatWithSustainedHighStopsAfterLow(t *testing.T) {
	sup, _, _ := newRig(t, fastConfig(), func(el time.Duration) (bool, bool) {
		broken := el >= 100*ms && el < 150*ms
		home := el < 500*ms || el >= 520*ms
		return home, broken
	})

	res := sup.Run(0, nil)
	assert.Equal(t, TreatDetectedStoppedAtHome, res.Reason)
	assert.Equal(t, 520*ms, res.Elapsed)
}

func TestRunNoTreatStopsAfterThreeTransitions(t *testing.T) {
	// Rotary low for 50ms, high for 50ms, starting low: rising edges at 50, 150, 250.
	sup, bus, _ := newRig(t, fastConfig(), func(el time.Duration) (bool, bool) {
		return (el/(50*ms))%2 == 1, false
	})

	res := sup.Run(0, nil)
	assert.Equal(t, NoTreatStoppedAtHome, res.Reason)
	assert.Equal(t, 3, res.Transitions)
	assert.Equal(t, 250*ms, res.Elapsed)
	assertAllOff(t, bus)
}

func TestRunTreatResetsTransitionCount(t *testing.T) {
	// Two rising edges, then a treat, then more edges: must stop on the
	// treat path, not the no-treat path.
	sup, _, _ := newRig(t, fastConfig(), func(el time.Duration) (bool, bool) {
		home := (el/(50*ms))%2 == 1
		broken := el >= 170*ms && el < 190*ms
		return home, broken
	})

	res := sup.Run(0, nil)
	assert.Equal(t, TreatDetectedStoppedAtHome, res.Reason)
	assert.Equal(t, 2, res.Transitions)
	// Beam breaks at 170 while home (150-200 high); low at 200, high again at 250.
	assert.Equal(t, 250*ms, res.Elapsed)
}

func TestRunCancelled(t *testing.T) {
	var cancel atomic.Bool
	sup, bus, clk := newRig(t, fastConfig(), func(time.Duration) (bool, bool) { return true, false })
	clk.OnSleep = func(now time.Time) {
		if now.Sub(t0) >= 100*ms {
			cancel.Store(true)
		}
	}

	res := sup.Run(0, &cancel)
	assert.Equal(t, ExternallyCancelled, res.Reason)
	assert.Equal(t, 100*ms, res.Elapsed)
	assertAllOff(t, bus)
}

func TestRunCancelledBeforeStartNeverDrivesMotor(t *testing.T) {
	var cancel atomic.Bool
	cancel.Store(true)
	sup, bus, _ := newRig(t, fastConfig(), func(time.Duration) (bool, bool) { return true, false })

	res := sup.Run(0, &cancel)
	assert.Equal(t, ExternallyCancelled, res.Reason)
	for _, w := range bus.Writes {
		assert.False(t, pins.Levels(w).Asserted(pins.MotorIN1))
	}
}

func TestRunDrivesMotorAndEmitter(t *testing.T) {
	var seen bool
	sup, bus, clk := newRig(t, fastConfig(), func(time.Duration) (bool, bool) { return true, false })
	clk.OnSleep = func(time.Time) {
		if bus.Asserted(pins.MotorIN1) && !bus.Asserted(pins.MotorIN2) && bus.Asserted(pins.IRTx) {
			seen = true
		}
	}
	sup.Run(50*ms, nil)
	assert.True(t, seen, "motor and emitter should be on while running")
	for _, w := range bus.Writes {
		assert.Equal(t, pins.InputMask, w&pins.InputMask)
	}
}

func TestRunBeamSettleNotCountedInTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.BeamSettle = 150 * ms
	sup, _, clk := newRig(t, cfg, func(time.Duration) (bool, bool) { return true, false })

	res := sup.Run(500*ms, nil)
	assert.Equal(t, Timeout, res.Reason)
	assert.Equal(t, 500*ms, res.Elapsed)
	assert.Equal(t, 650*ms, clk.Now().Sub(t0))
}

type fakeCurrent struct{ amps float64 }

func (f fakeCurrent) Amps() (float64, error) { return f.amps, nil }

func TestRunJamIsAdvisory(t *testing.T) {
	sup, _, _ := newRig(t, fastConfig(), func(time.Duration) (bool, bool) { return true, false })
	sup.SetCurrentSensor(fakeCurrent{amps: 6.2})

	res := sup.Run(100*ms, nil)
	assert.Equal(t, Timeout, res.Reason)
	assert.True(t, res.JamWarning)
	assert.InDelta(t, 6.2, res.PeakAmps, 0.001)
}

func TestFullStopSingleTransaction(t *testing.T) {
	sup, bus, _ := newRig(t, fastConfig(), func(time.Duration) (bool, bool) { return true, false })
	require.NoError(t, sup.port.Apply(pins.Assert(pins.MotorIN1), pins.Assert(pins.LED), pins.Assert(pins.IRTx)))
	before := bus.WriteCount()

	sup.FullStop()
	assert.Equal(t, before+1, bus.WriteCount())
	assertAllOff(t, bus)
}

func TestStopReasonString(t *testing.T) {
	assert.Equal(t, "TREAT_DETECTED", TreatDetectedStoppedAtHome.String())
	assert.Equal(t, "NO_TREAT", NoTreatStoppedAtHome.String())
	assert.Equal(t, "TIMEOUT", Timeout.String())
	assert.Equal(t, "CANCELLED", ExternallyCancelled.String())
	assert.Equal(t, "JAMMED", Jammed.String())
	assert.Equal(t, "UNKNOWN", StopReason(42).String())
}
