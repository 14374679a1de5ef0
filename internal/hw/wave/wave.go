// Package wave models the hardware waveform engine used to drive stepper
// pulse pins: a finite store of pulse-train waveforms and a transmitter
// that plays chains of them.
//
// Chains use the pigpio wave_chain byte format so that the same program
// runs on pigpiod and on the software transmitter:
//
//	255 0          loop start
//	255 1 x y      loop end, repeat x + 256*y times
//	255 2 x y      delay x + 256*y microseconds
//	255 3          loop forever (must end the chain)
//	n              play waveform n
package wave

import (
	"errors"
	"fmt"
)

// Chain control bytes.
const (
	ChainEscape    = 255
	ChainLoopStart = 0
	ChainLoopEnd   = 1
	ChainDelay     = 2
	ChainForever   = 3
)

// MaxChainWaveID is the highest waveform id that can appear in a chain.
const MaxChainWaveID = 249

var (
	// ErrStoreExhausted is returned when the waveform memory is full.
	ErrStoreExhausted = errors.New("waveform store exhausted")
	// ErrUnknownWave is returned when a chain references a missing waveform.
	ErrUnknownWave = errors.New("unknown waveform id")
	// ErrEmptyWave is returned when a waveform is created without pulses.
	ErrEmptyWave = errors.New("no pulses accumulated")
	// ErrBadChain is returned for malformed chain programs.
	ErrBadChain = errors.New("malformed chain")
)

// ID identifies a waveform in the store.
type ID uint8

// Pulse sets the bits of OnMask high, the bits of OffMask low, then holds
// for Delay microseconds. Masks are indexed by BCM pin number.
type Pulse struct {
	OnMask  uint32
	OffMask uint32
	Delay   uint32
}

// Transmitter is the waveform engine consumed by the motion core.
type Transmitter interface {
	// AddGeneric accumulates pulses for the next CreateWave.
	AddGeneric(pulses []Pulse) error
	// CreateWave turns the accumulated pulses into a stored waveform.
	CreateWave() (ID, error)
	// Clear empties the store; all IDs become invalid.
	Clear() error
	// Chain starts asynchronous playback of an encoded chain program.
	Chain(program []byte) error
	// Busy reports whether a chain is being transmitted.
	Busy() (bool, error)
	// Halt stops all transmission. Idempotent.
	Halt() error
}

// SingleChain is implemented by transmitters that can describe how they
// schedule chains. pigpiod plays one chain at a time, so a second Chain
// replaces the first whatever pins it drives.
type SingleChain interface {
	SingleChain() bool
}

// PlaysOneChain reports whether a Chain on t ends any chain already
// playing. Transmitters without the capability are assumed to play chains
// on disjoint pins concurrently.
func PlaysOneChain(t Transmitter) bool {
	s, ok := t.(SingleChain)
	return ok && s.SingleChain()
}

// Segment is one decoded unit of a chain: a run of waveforms played
// Repeat times (Forever for an endless loop), or a pure delay.
type Segment struct {
	Waves   []ID
	Repeat  int
	Forever bool
	DelayUS uint32
}

// DecodeChain parses a chain program into flat segments. Nested loops are
// not supported.
func DecodeChain(program []byte) ([]Segment, error) {
	var (
		segs   []Segment
		inLoop bool
		cur    []ID
	)
	flush := func() {
		if len(cur) > 0 {
			segs = append(segs, Segment{Waves: cur, Repeat: 1})
			cur = nil
		}
	}

	for i := 0; i < len(program); i++ {
		b := program[i]
		if b != ChainEscape {
			if b > MaxChainWaveID {
				return nil, fmt.Errorf("%w: wave id %d at %d", ErrBadChain, b, i)
			}
			cur = append(cur, ID(b))
			continue
		}
		if i+1 >= len(program) {
			return nil, fmt.Errorf("%w: truncated command at %d", ErrBadChain, i)
		}
		i++
		switch program[i] {
		case ChainLoopStart:
			if inLoop {
				return nil, fmt.Errorf("%w: nested loop at %d", ErrBadChain, i)
			}
			flush()
			inLoop = true
		case ChainLoopEnd:
			if !inLoop {
				return nil, fmt.Errorf("%w: loop end without start at %d", ErrBadChain, i)
			}
			if i+2 >= len(program) {
				return nil, fmt.Errorf("%w: truncated repeat count at %d", ErrBadChain, i)
			}
			n := int(program[i+1]) | int(program[i+2])<<8
			i += 2
			segs = append(segs, Segment{Waves: cur, Repeat: n})
			cur = nil
			inLoop = false
		case ChainDelay:
			if i+2 >= len(program) {
				return nil, fmt.Errorf("%w: truncated delay at %d", ErrBadChain, i)
			}
			flush()
			d := uint32(program[i+1]) | uint32(program[i+2])<<8
			i += 2
			segs = append(segs, Segment{DelayUS: d, Repeat: 1})
		case ChainForever:
			if i != len(program)-1 {
				return nil, fmt.Errorf("%w: loop forever must end the chain", ErrBadChain)
			}
			segs = append(segs, Segment{Waves: cur, Forever: true})
			cur = nil
			inLoop = false
		default:
			return nil, fmt.Errorf("%w: unknown command %d at %d", ErrBadChain, program[i], i)
		}
	}
	if inLoop {
		return nil, fmt.Errorf("%w: unterminated loop", ErrBadChain)
	}
	flush()
	return segs, nil
}

// Mask returns the union of the pin bits touched by pulses.
func Mask(pulses []Pulse) uint32 {
	var m uint32
	for _, p := range pulses {
		m |= p.OnMask | p.OffMask
	}
	return m
}
