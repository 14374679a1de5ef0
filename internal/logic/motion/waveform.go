package motion

import (
	"maps"
	"slices"

	"github.com/cjeanneret/telecine/internal/debug"
	"github.com/cjeanneret/telecine/internal/hw/wave"
	"github.com/cjeanneret/telecine/internal/logic/geometry"
)

// Handle references a compiled pulse train in the waveform store. It is
// only valid until the store is next cleared.
type Handle struct {
	ID        wave.ID
	Frequency int // Hz
	OnMicros  int
	OffMicros int
}

// Compiler turns step frequencies into square-wave pulse trains on one
// pulse pin.
//
// Compiling accumulates store usage: clear the store, compile a batch,
// submit the chain. Handles from before a clear must not be reused.
type Compiler struct {
	tx   wave.Transmitter
	pin  int
	mask uint32
}

// NewCompiler creates a compiler for pulsePin (BCM 0-31).
func NewCompiler(tx wave.Transmitter, pulsePin int) (*Compiler, error) {
	if pulsePin < 0 || pulsePin > 31 {
		return nil, invalidf("pulse pin %d out of range 0-31", pulsePin)
	}
	return &Compiler{tx: tx, pin: pulsePin, mask: 1 << uint(pulsePin)}, nil
}

// Compile registers a waveform of frequency Hz with equal on and off
// phases of 500000/frequency µs.
func (c *Compiler) Compile(frequency int) (Handle, error) {
	if frequency <= 0 {
		return Handle{}, invalidf("frequency must be > 0, got %d Hz", frequency)
	}
	hp := geometry.HalfPeriodMicros(frequency)
	if hp == 0 {
		return Handle{}, invalidf("frequency %d Hz exceeds %d Hz", frequency, geometry.MicrosPerHalfSecond)
	}

	pulses := []wave.Pulse{
		{OnMask: c.mask, Delay: uint32(hp)},
		{OffMask: c.mask, Delay: uint32(hp)},
	}
	if err := c.tx.AddGeneric(pulses); err != nil {
		return Handle{}, fault("add pulses", err)
	}
	id, err := c.tx.CreateWave()
	if err != nil {
		return Handle{}, fault("create waveform", err)
	}

	debug.Verbose("Compiled waveform %d on pin %d: %d Hz, %dµs on/off", id, c.pin, frequency, hp)
	return Handle{ID: id, Frequency: frequency, OnMicros: hp, OffMicros: hp}, nil
}

// Track is one more pulse pin stepped by a merged waveform: Steps square
// periods with HalfPeriod µs phases, starting with the compiler's own pin.
type Track struct {
	Pin        int
	HalfPeriod int
	Steps      int
}

// CompileMerged registers a single waveform that plays steps periods at
// frequency on the compiler's pin and every track alongside. The waveform
// lasts as long as its longest track. The handle's timing is that of the
// compiler's pin, so it repeats like a run of steps plain steps.
func (c *Compiler) CompileMerged(frequency, steps int, tracks []Track) (Handle, error) {
	if frequency <= 0 {
		return Handle{}, invalidf("frequency must be > 0, got %d Hz", frequency)
	}
	hp := geometry.HalfPeriodMicros(frequency)
	if hp == 0 {
		return Handle{}, invalidf("frequency %d Hz exceeds %d Hz", frequency, geometry.MicrosPerHalfSecond)
	}
	if steps < 1 {
		return Handle{}, invalidf("merged waveform needs >= 1 step, got %d", steps)
	}
	all := append([]Track{{Pin: c.pin, HalfPeriod: hp, Steps: steps}}, tracks...)
	for _, tr := range all {
		if tr.Pin < 0 || tr.Pin > 31 || tr.HalfPeriod < 0 || tr.Steps < 0 {
			return Handle{}, invalidf("bad track on pin %d: %dµs x %d", tr.Pin, tr.HalfPeriod, tr.Steps)
		}
	}

	if err := c.tx.AddGeneric(mergeTracks(all)); err != nil {
		return Handle{}, fault("add pulses", err)
	}
	id, err := c.tx.CreateWave()
	if err != nil {
		return Handle{}, fault("create waveform", err)
	}

	debug.Verbose("Compiled merged waveform %d: %d steps at %d Hz on pin %d, %d other track(s)", id, steps, frequency, c.pin, len(tracks))
	return Handle{ID: id, Frequency: frequency, OnMicros: steps * hp, OffMicros: steps * hp}, nil
}

// mergeTracks lays every track on a common timeline: one pulse per
// instant at which any pin changes level.
func mergeTracks(tracks []Track) []wave.Pulse {
	at := make(map[int]wave.Pulse)
	end := 0
	for _, tr := range tracks {
		if tr.HalfPeriod == 0 || tr.Steps == 0 {
			continue
		}
		mask := uint32(1) << uint(tr.Pin)
		for k := 0; k < 2*tr.Steps; k++ {
			t := k * tr.HalfPeriod
			p := at[t]
			if k%2 == 0 {
				p.OnMask |= mask
			} else {
				p.OffMask |= mask
			}
			at[t] = p
		}
		end = max(end, 2*tr.Steps*tr.HalfPeriod)
	}

	times := slices.Sorted(maps.Keys(at))
	pulses := make([]wave.Pulse, 0, len(times))
	for i, t := range times {
		next := end
		if i+1 < len(times) {
			next = times[i+1]
		}
		p := at[t]
		p.Delay = uint32(next - t)
		pulses = append(pulses, p)
	}
	return pulses
}
