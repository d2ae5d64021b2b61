package pins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeBusSamplesRepeatLast(t *testing.T) {
	f := NewFakeBus()
	f.Samples = []uint8{0xFF, 0xFB}

	v, err := f.ReadPort()
	require.NoError(t, err)
	assert.Equal(t, uint8(0xFF), v)

	for i := 0; i < 3; i++ {
		v, err = f.ReadPort()
		require.NoError(t, err)
		assert.Equal(t, uint8(0xFB), v)
	}
	assert.Equal(t, 4, f.Reads)
}

func TestFakeBusMergesOutputs(t *testing.T) {
	f := NewFakeBus()
	require.NoError(t, f.WritePort(0x00))

	v, err := f.ReadPort()
	require.NoError(t, err)
	assert.Equal(t, InputMask, v, "outputs read back latched low, inputs from Live")
}

func TestFakeBusReset(t *testing.T) {
	f := NewFakeBus()
	f.Samples = []uint8{0x01, 0x02}
	f.ReadPort()
	require.NoError(t, f.WritePort(0xFF))
	f.Reset()

	assert.Equal(t, 0, f.WriteCount())
	v, _ := f.ReadPort()
	assert.Equal(t, uint8(0x01)&InputMask|^InputMask, v)
}
