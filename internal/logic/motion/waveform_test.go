package motion

import (
	"testing"

	"github.com/cjeanneret/telecine/internal/hw/wave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_ReferenceSpeed(t *testing.T) {
	tx := newRecordingTx(0)
	c, err := NewCompiler(tx, 21)
	require.NoError(t, err)

	h, err := c.Compile(1600)
	require.NoError(t, err)
	assert.Equal(t, 1600, h.Frequency)
	assert.Equal(t, 312, h.OnMicros)
	assert.Equal(t, 312, h.OffMicros)

	pulses, err := tx.store.Get(h.ID)
	require.NoError(t, err)
	assert.Equal(t, []wave.Pulse{
		{OnMask: 1 << 21, Delay: 312},
		{OffMask: 1 << 21, Delay: 312},
	}, pulses)
}

func TestCompile_EqualPhasesForAnyFrequency(t *testing.T) {
	tx := newRecordingTx(0)
	c, err := NewCompiler(tx, 4)
	require.NoError(t, err)

	for _, f := range []int{1, 3, 7, 800, 1600, 3333, 250000, 500000} {
		h, err := c.Compile(f)
		require.NoError(t, err, "frequency %d", f)
		assert.Equal(t, 500000/f, h.OnMicros, "frequency %d", f)
		assert.Equal(t, h.OnMicros, h.OffMicros, "frequency %d", f)
		require.NoError(t, tx.Clear())
	}
}

func TestCompile_InvalidFrequencyMakesNoHardwareCall(t *testing.T) {
	tx := newRecordingTx(0)
	c, err := NewCompiler(tx, 4)
	require.NoError(t, err)

	for _, f := range []int{0, -1, -1600, 500001} {
		_, err := c.Compile(f)
		assert.ErrorIs(t, err, ErrInvalidParameter, "frequency %d", f)
	}
	adds, _, _ := tx.counts()
	assert.Zero(t, adds)
	assert.Zero(t, tx.store.Len())
}

func TestCompile_StoreExhaustedIsMotionFault(t *testing.T) {
	tx := newRecordingTx(2)
	c, err := NewCompiler(tx, 4)
	require.NoError(t, err)

	_, err = c.Compile(100)
	require.NoError(t, err)
	_, err = c.Compile(200)
	require.NoError(t, err)

	_, err = c.Compile(300)
	assert.ErrorIs(t, err, ErrMotionFault)
	assert.ErrorIs(t, err, wave.ErrStoreExhausted)
}

func TestNewCompiler_PinRange(t *testing.T) {
	tx := newRecordingTx(0)
	_, err := NewCompiler(tx, -1)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = NewCompiler(tx, 32)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = NewCompiler(tx, 31)
	assert.NoError(t, err)
}

func TestCompileMerged_InterleavesPins(t *testing.T) {
	tx := newRecordingTx(0)
	c, err := NewCompiler(tx, 21)
	require.NoError(t, err)

	h, err := c.CompileMerged(1600, 2, []Track{{Pin: 6, HalfPeriod: 624, Steps: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1600, h.Frequency)
	assert.Equal(t, 624, h.OnMicros)

	pulses, err := tx.store.Get(h.ID)
	require.NoError(t, err)
	assert.Equal(t, []wave.Pulse{
		{OnMask: 1<<21 | 1<<6, Delay: 312},
		{OffMask: 1 << 21, Delay: 312},
		{OnMask: 1 << 21, OffMask: 1 << 6, Delay: 312},
		{OffMask: 1 << 21, Delay: 312},
	}, pulses)
}

func TestCompileMerged_LongerTrackSetsLength(t *testing.T) {
	tx := newRecordingTx(0)
	c, err := NewCompiler(tx, 21)
	require.NoError(t, err)

	h, err := c.CompileMerged(1600, 1, []Track{{Pin: 6, HalfPeriod: 400, Steps: 1}, {Pin: 7}})
	require.NoError(t, err)

	pulses, err := tx.store.Get(h.ID)
	require.NoError(t, err)
	var total uint32
	for _, p := range pulses {
		total += p.Delay
	}
	assert.Equal(t, uint32(800), total)
	assert.Equal(t, uint32(1<<21|1<<6), wave.Mask(pulses))
}

func TestCompileMerged_Invalid(t *testing.T) {
	tx := newRecordingTx(0)
	c, err := NewCompiler(tx, 21)
	require.NoError(t, err)

	_, err = c.CompileMerged(0, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = c.CompileMerged(1600, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = c.CompileMerged(1600, 1, []Track{{Pin: 40, HalfPeriod: 10, Steps: 1}})
	assert.ErrorIs(t, err, ErrInvalidParameter)

	adds, _, _ := tx.counts()
	assert.Zero(t, adds)
}
