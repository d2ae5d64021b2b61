package pins

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalPolarity(t *testing.T) {
	tests := []struct {
		sig       Signal
		input     bool
		activeLow bool
	}{
		{MotorIN1, false, false},
		{MotorIN2, false, false},
		{Rotary, true, false},
		{Button, true, true},
		{LED, false, true},
		{IRTx, false, true},
		{IRRx, true, true},
		{RemoteRx, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.sig.String(), func(t *testing.T) {
			assert.Equal(t, tt.input, tt.sig.IsInput())
			assert.Equal(t, tt.activeLow, tt.sig.ActiveLow())
			assert.Equal(t, tt.input, InputMask&(1<<tt.sig) != 0)
		})
	}
}

func TestLevelsAsserted(t *testing.T) {
	l := Levels(0xFF)
	assert.True(t, l.Asserted(Rotary), "rotary high = home")
	assert.False(t, l.Asserted(Button), "button released when high")
	assert.False(t, l.Asserted(IRRx), "beam intact when high")

	l = Levels(0xFF &^ (1<<Button | 1<<IRRx | 1<<Rotary))
	assert.False(t, l.Asserted(Rotary))
	assert.True(t, l.Asserted(Button))
	assert.True(t, l.Asserted(IRRx))
}

func TestInitializeWritesIdleOnce(t *testing.T) {
	bus := NewFakeBus()
	p := NewPort(bus, nil)

	require.NoError(t, p.Initialize())
	require.Equal(t, 1, bus.WriteCount())
	v, _ := bus.LastWrite()
	assert.Equal(t, Idle, v)
	assert.False(t, bus.Asserted(MotorIN1))
	assert.False(t, bus.Asserted(MotorIN2))
	assert.False(t, bus.Asserted(LED))
	assert.False(t, bus.Asserted(IRTx))

	// Initialize always reaches the bus, even if the cache already matches.
	require.NoError(t, p.Initialize())
	assert.Equal(t, 2, bus.WriteCount())
}

func TestWriteElidesUnchanged(t *testing.T) {
	bus := NewFakeBus()
	p := NewPort(bus, nil)
	require.NoError(t, p.Initialize())

	require.NoError(t, p.Write(LED, true))
	require.NoError(t, p.Write(LED, true))
	require.NoError(t, p.Write(LED, true))
	assert.Equal(t, 2, bus.WriteCount())
	assert.True(t, bus.Asserted(LED))

	require.NoError(t, p.Write(LED, false))
	assert.Equal(t, 3, bus.WriteCount())
	assert.False(t, bus.Asserted(LED))
}

func TestApplyIsOneTransaction(t *testing.T) {
	bus := NewFakeBus()
	p := NewPort(bus, nil)
	require.NoError(t, p.Initialize())

	require.NoError(t, p.Apply(Assert(MotorIN1), Deassert(MotorIN2), Assert(IRTx), Assert(LED)))
	require.Equal(t, 2, bus.WriteCount())
	assert.True(t, bus.Asserted(MotorIN1))
	assert.False(t, bus.Asserted(MotorIN2))
	assert.True(t, bus.Asserted(IRTx))
	assert.True(t, bus.Asserted(LED))
}

func TestInputSignalsNeverDrivenLow(t *testing.T) {
	bus := NewFakeBus()
	p := NewPort(bus, nil)
	require.NoError(t, p.Initialize())

	// Asserting the button would mean driving it low.
	err := p.Write(Button, true)
	assert.ErrorIs(t, err, ErrInputSignal)
	err = p.Apply(Assert(LED), Assert(IRRx), Assert(RemoteRx))
	assert.ErrorIs(t, err, ErrInputSignal)
	assert.True(t, bus.Asserted(LED), "valid changes in the same call are still applied")

	for i, w := range bus.Writes {
		assert.Equal(t, InputMask, w&InputMask, "write %d drove an input low: %08b", i, w)
	}
}

func TestReadFailureIsReleased(t *testing.T) {
	bus := NewFakeBus()
	bus.SetAsserted(Button, true)
	p := NewPort(bus, nil)
	assert.True(t, p.Read(Button))

	bus.ReadError = errors.New("nack")
	assert.False(t, p.Read(Button), "failed read must look released")
	assert.True(t, p.Read(Rotary), "failed read reports high (home)")
	assert.False(t, p.Read(IRRx), "failed read reports beam intact")

	reads, fails := p.Stats()
	assert.Equal(t, 4, reads)
	assert.Equal(t, 3, fails)
}

func TestWriteFailureRetriesSameValue(t *testing.T) {
	bus := NewFakeBus()
	p := NewPort(bus, nil)
	require.NoError(t, p.Initialize())

	bus.WriteError = errors.New("bus busy")
	assert.Error(t, p.Write(LED, true))
	assert.Equal(t, 1, bus.WriteCount())

	bus.WriteError = nil
	require.NoError(t, p.Write(LED, true))
	assert.Equal(t, 2, bus.WriteCount(), "value must be rewritten after a failed write")
	assert.True(t, bus.Asserted(LED))
}

func TestDump(t *testing.T) {
	bus := NewFakeBus()
	p := NewPort(bus, nil)
	require.NoError(t, p.Initialize())
	require.NoError(t, p.Write(LED, true))
	bus.SetAsserted(Button, true)

	cached, live, err := p.Dump()
	require.NoError(t, err)
	assert.Equal(t, Idle&^(1<<LED), cached)
	assert.False(t, Levels(live).High(Button))
	assert.False(t, Levels(live).High(LED))
}

func TestRestoreInputsRewritesCache(t *testing.T) {
	bus := NewFakeBus()
	p := NewPort(bus, nil)
	require.NoError(t, p.Initialize())
	require.NoError(t, p.Write(LED, true))
	require.Equal(t, 2, bus.WriteCount())

	require.NoError(t, p.RestoreInputs())
	assert.Equal(t, 3, bus.WriteCount(), "restore writes even when the cache is unchanged")
	v, err := bus.LastWrite()
	require.NoError(t, err)
	assert.Equal(t, p.Cached(), v)
	assert.Equal(t, InputMask, v&InputMask)

	require.NoError(t, p.RestoreInputs())
	assert.Equal(t, 4, bus.WriteCount())
}

func TestRestoreInputsRetriesAfterFailure(t *testing.T) {
	bus := NewFakeBus()
	p := NewPort(bus, nil)
	require.NoError(t, p.Initialize())

	bus.WriteError = assert.AnError
	assert.ErrorIs(t, p.RestoreInputs(), assert.AnError)
	bus.WriteError = nil
	require.NoError(t, p.RestoreInputs())
	v, _ := bus.LastWrite()
	assert.Equal(t, Idle, v)
}
