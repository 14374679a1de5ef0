package wave

import (
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/telecine/internal/hw/gpio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChain_RepeatAndForever(t *testing.T) {
	segs, err := DecodeChain([]byte{
		255, 0, 3, 255, 1, 0xC8, 0x00, // wave 3 x 200
		255, 0, 4, 255, 3, // wave 4 forever
	})
	require.NoError(t, err)
	require.Len(t, segs, 2)

	assert.Equal(t, []ID{3}, segs[0].Waves)
	assert.Equal(t, 200, segs[0].Repeat)
	assert.False(t, segs[0].Forever)

	assert.Equal(t, []ID{4}, segs[1].Waves)
	assert.True(t, segs[1].Forever)
}

func TestDecodeChain_RepeatCountUsesBothBytes(t *testing.T) {
	segs, err := DecodeChain([]byte{255, 0, 1, 255, 1, 0xF4, 0x01})
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, 500, segs[0].Repeat)
}

func TestDecodeChain_PlainWavesAndDelay(t *testing.T) {
	segs, err := DecodeChain([]byte{1, 2, 255, 2, 0x10, 0x27, 5})
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, []ID{1, 2}, segs[0].Waves)
	assert.Equal(t, 1, segs[0].Repeat)
	assert.Equal(t, uint32(10000), segs[1].DelayUS)
	assert.Equal(t, []ID{5}, segs[2].Waves)
}

func TestDecodeChain_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"truncated escape":     {255},
		"nested loop":          {255, 0, 1, 255, 0, 2, 255, 1, 1, 0, 255, 1, 1, 0},
		"end without start":    {1, 255, 1, 2, 0},
		"truncated count":      {255, 0, 1, 255, 1, 2},
		"forever not last":     {255, 0, 1, 255, 3, 2},
		"unterminated loop":    {255, 0, 1},
		"unknown command":      {255, 9},
		"wave id out of range": {250},
	}
	for name, prog := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeChain(prog)
			assert.ErrorIs(t, err, ErrBadChain)
		})
	}
}

func TestStore_CapacityAndClear(t *testing.T) {
	s := NewStore(2)
	for i := 0; i < 2; i++ {
		s.Add([]Pulse{{OnMask: 1, Delay: 10}})
		id, err := s.Create()
		require.NoError(t, err)
		assert.Equal(t, ID(i), id)
	}

	s.Add([]Pulse{{OnMask: 1, Delay: 10}})
	_, err := s.Create()
	assert.ErrorIs(t, err, ErrStoreExhausted)

	s.Clear()
	assert.Equal(t, 0, s.Len())
	_, err = s.Get(0)
	assert.ErrorIs(t, err, ErrUnknownWave)

	s.Add([]Pulse{{OnMask: 1, Delay: 10}})
	id, err := s.Create()
	require.NoError(t, err)
	assert.Equal(t, ID(0), id)
}

func TestStore_CreateWithoutPulses(t *testing.T) {
	_, err := NewStore(0).Create()
	assert.ErrorIs(t, err, ErrEmptyWave)
}

func TestStore_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, NewStore(0).Capacity())
	assert.Equal(t, DefaultCapacity, NewStore(10000).Capacity())
	assert.Equal(t, 8, NewStore(8).Capacity())
}

// countingDriver counts rising writes per pin.
type countingDriver struct {
	gpio.Driver
	mu     sync.Mutex
	levels map[int]gpio.Level
	rises  map[int]int
}

func newCountingDriver() *countingDriver {
	return &countingDriver{
		Driver: gpio.NewMockDriver(),
		levels: make(map[int]gpio.Level),
		rises:  make(map[int]int),
	}
}

func (d *countingDriver) WritePin(pin int, level gpio.Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if level == gpio.High && d.levels[pin] == gpio.Low {
		d.rises[pin]++
	}
	d.levels[pin] = level
	return nil
}

func (d *countingDriver) risesOn(pin int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rises[pin]
}

func squareWave(t *testing.T, tx Transmitter, pin int, micros uint32) ID {
	t.Helper()
	require.NoError(t, tx.AddGeneric([]Pulse{
		{OnMask: 1 << pin, Delay: micros},
		{OffMask: 1 << pin, Delay: micros},
	}))
	id, err := tx.CreateWave()
	require.NoError(t, err)
	return id
}

func TestSoftTransmitter_PlaysRepeatCount(t *testing.T) {
	drv := newCountingDriver()
	tx := NewSoftTransmitter(drv, SoftOptions{CPU: -1})

	a := squareWave(t, tx, 21, 5)
	b := squareWave(t, tx, 21, 5)
	require.NoError(t, tx.Chain([]byte{
		255, 0, byte(a), 255, 1, 10, 0,
		255, 0, byte(b), 255, 1, 15, 0,
	}))
	tx.Wait()

	assert.Equal(t, 25, drv.risesOn(21))
	busy, err := tx.Busy()
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestSoftTransmitter_ForeverUntilHalt(t *testing.T) {
	drv := newCountingDriver()
	tx := NewSoftTransmitter(drv, SoftOptions{CPU: -1})

	id := squareWave(t, tx, 6, 20)
	require.NoError(t, tx.Chain([]byte{255, 0, byte(id), 255, 3}))

	time.Sleep(10 * time.Millisecond)
	busy, _ := tx.Busy()
	assert.True(t, busy)

	require.NoError(t, tx.Halt())
	require.NoError(t, tx.Halt()) // idempotent
	tx.Wait()

	busy, _ = tx.Busy()
	assert.False(t, busy)
	assert.Positive(t, drv.risesOn(6))
}

func TestSoftTransmitter_ClearDoesNotInterruptPlayback(t *testing.T) {
	drv := newCountingDriver()
	tx := NewSoftTransmitter(drv, SoftOptions{CPU: -1})

	id := squareWave(t, tx, 21, 5)
	require.NoError(t, tx.Chain([]byte{255, 0, byte(id), 255, 1, 20, 0}))
	require.NoError(t, tx.Clear())
	tx.Wait()

	assert.Equal(t, 20, drv.risesOn(21))
	assert.Equal(t, 0, tx.Store().Len())
}

func TestSoftTransmitter_UnknownWave(t *testing.T) {
	tx := NewSoftTransmitter(newCountingDriver(), SoftOptions{CPU: -1})
	err := tx.Chain([]byte{255, 0, 7, 255, 3})
	assert.ErrorIs(t, err, ErrUnknownWave)
}

func TestSoftTransmitter_OverlappingChainReplaces(t *testing.T) {
	drv := newCountingDriver()
	tx := NewSoftTransmitter(drv, SoftOptions{CPU: -1})

	forever := squareWave(t, tx, 21, 20)
	other := squareWave(t, tx, 6, 20)
	require.NoError(t, tx.Chain([]byte{255, 0, byte(forever), 255, 3}))
	require.NoError(t, tx.Chain([]byte{255, 0, byte(other), 255, 3}))

	// Disjoint pins: both play.
	time.Sleep(5 * time.Millisecond)
	tx.mu.Lock()
	assert.Len(t, tx.active, 2)
	tx.mu.Unlock()

	// Same pin as the first chain: replaces it.
	again := squareWave(t, tx, 21, 5)
	require.NoError(t, tx.Chain([]byte{255, 0, byte(again), 255, 3}))
	tx.mu.Lock()
	assert.Len(t, tx.active, 2)
	tx.mu.Unlock()

	require.NoError(t, tx.Halt())
	tx.Wait()
}

func TestSoftTransmitter_SingleChainReplacesDisjointChain(t *testing.T) {
	drv := newCountingDriver()
	tx := NewSoftTransmitter(drv, SoftOptions{CPU: -1, SingleChain: true})
	assert.True(t, PlaysOneChain(tx))
	assert.False(t, PlaysOneChain(NewSoftTransmitter(drv, SoftOptions{CPU: -1})))

	feed := squareWave(t, tx, 21, 20)
	takeup := squareWave(t, tx, 6, 20)
	require.NoError(t, tx.Chain([]byte{255, 0, byte(feed), 255, 3}))
	require.NoError(t, tx.Chain([]byte{255, 0, byte(takeup), 255, 3}))

	tx.mu.Lock()
	require.Len(t, tx.active, 1)
	for pb := range tx.active {
		assert.Equal(t, uint32(1<<6), pb.mask)
	}
	tx.mu.Unlock()

	require.NoError(t, tx.Halt())
	tx.Wait()
}
