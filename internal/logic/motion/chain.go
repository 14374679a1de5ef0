package motion

import (
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/telecine/internal/hw/wave"
	"github.com/cjeanneret/telecine/internal/logic/geometry"
)

// Op is a chain instruction kind.
type Op int

const (
	OpPlayOnce Op = iota
	OpRepeat
	OpLoopForever
)

func (o Op) String() string {
	switch o {
	case OpPlayOnce:
		return "play"
	case OpRepeat:
		return "repeat"
	case OpLoopForever:
		return "forever"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Instruction plays one compiled waveform.
type Instruction struct {
	Op    Op
	Wave  Handle
	Count uint16 // OpRepeat only
}

// Program is an ordered chain of instructions for one channel.
type Program struct {
	instructions []Instruction
}

// PlayOnce appends a single play of h.
func (p *Program) PlayOnce(h Handle) {
	p.instructions = append(p.instructions, Instruction{Op: OpPlayOnce, Wave: h})
}

// Repeat appends steps plays of h. Counts above 65535 are split over
// several instructions; a zero count appends nothing.
func (p *Program) Repeat(h Handle, steps int) error {
	if steps < 0 {
		return invalidf("step count must be >= 0, got %d", steps)
	}
	for steps > 0 {
		n := min(steps, math.MaxUint16)
		p.instructions = append(p.instructions, Instruction{Op: OpRepeat, Wave: h, Count: uint16(n)})
		steps -= n
	}
	return nil
}

// LoopForever appends an endless loop of h. It must be the last instruction.
func (p *Program) LoopForever(h Handle) {
	p.instructions = append(p.instructions, Instruction{Op: OpLoopForever, Wave: h})
}

// Instructions returns a copy of the program.
func (p *Program) Instructions() []Instruction {
	out := make([]Instruction, len(p.instructions))
	copy(out, p.instructions)
	return out
}

// Len returns the number of instructions.
func (p *Program) Len() int {
	return len(p.instructions)
}

// Endless reports whether the program ends in a loop forever.
func (p *Program) Endless() bool {
	n := len(p.instructions)
	return n > 0 && p.instructions[n-1].Op == OpLoopForever
}

// Validate checks that the program is non-empty and that a loop forever,
// if present, is the single terminal instruction.
func (p *Program) Validate() error {
	if len(p.instructions) == 0 {
		return invalidf("empty chain program")
	}
	for i, in := range p.instructions {
		if in.Op == OpLoopForever && i != len(p.instructions)-1 {
			return invalidf("loop forever at %d is not the last instruction", i)
		}
		if in.Op == OpRepeat && in.Count == 0 {
			return invalidf("repeat at %d has zero count", i)
		}
	}
	return nil
}

// Encode renders the program in the wave_chain byte format.
func (p *Program) Encode() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(p.instructions)*7)
	for _, in := range p.instructions {
		if in.Wave.ID > wave.MaxChainWaveID {
			return nil, fault("encode chain", fmt.Errorf("waveform id %d not addressable in a chain", in.Wave.ID))
		}
		id := byte(in.Wave.ID)
		switch in.Op {
		case OpPlayOnce:
			buf = append(buf, id)
		case OpRepeat:
			buf = append(buf,
				wave.ChainEscape, wave.ChainLoopStart, id,
				wave.ChainEscape, wave.ChainLoopEnd, byte(in.Count&0xFF), byte(in.Count>>8))
		case OpLoopForever:
			buf = append(buf,
				wave.ChainEscape, wave.ChainLoopStart, id,
				wave.ChainEscape, wave.ChainForever)
		}
	}
	return buf, nil
}

// Estimate returns the playing time of the finite part of the program,
// counting one half-period per step.
func (p *Program) Estimate() time.Duration {
	var us int64
	for _, in := range p.instructions {
		switch in.Op {
		case OpPlayOnce:
			us += int64(in.Wave.OnMicros)
		case OpRepeat:
			us += int64(in.Count) * int64(in.Wave.OnMicros)
		}
	}
	return time.Duration(us) * time.Microsecond
}

// RampLevel is one step of a ramp: Steps pulses at Frequency Hz.
type RampLevel struct {
	Frequency int `json:"frequency" yaml:"frequency"`
	Steps     int `json:"steps" yaml:"steps"`
}

// RampSpec is an ordered list of ramp levels.
type RampSpec []RampLevel

// Builder assembles chain programs for one channel.
type Builder struct {
	compiler *Compiler
	frame    geometry.Frame
	merged   []follower
}

// follower is a channel stepped by the leader's waveforms.
type follower struct {
	pin   int
	frame geometry.Frame
}

// NewBuilder creates a builder compiling on c with the geometry f.
func NewBuilder(c *Compiler, f geometry.Frame) *Builder {
	return &Builder{compiler: c, frame: f}
}

// Merge makes every waveform b compiles also step the pulse pins of
// others at their own rate for the same film speed, so one chain drives
// all the channels. Merged waveforms hold an eighth of a revolution of
// this channel; shorter runs get a waveform of their own.
func (b *Builder) Merge(others ...*Channel) {
	for _, ch := range others {
		b.merged = append(b.merged, follower{pin: ch.cfg.PulsePin, frame: ch.frame})
	}
}

// Merged reports whether b compiles for more than its own channel.
func (b *Builder) Merged() bool {
	return len(b.merged) > 0
}

func (b *Builder) block() int {
	return max(1, b.frame.StepsPerRev()/8)
}

// tracks returns the follower pulse trains lasting as long as steps
// periods of frequency on this channel. speed is the film speed that
// frequency stands for.
func (b *Builder) tracks(frequency int, speed float64, steps int) []Track {
	span := 2 * steps * geometry.HalfPeriodMicros(frequency)
	out := make([]Track, 0, len(b.merged))
	for _, f := range b.merged {
		tr := Track{Pin: f.pin, HalfPeriod: geometry.HalfPeriodMicros(f.frame.StepFrequency(speed))}
		if tr.HalfPeriod > 0 {
			tr.Steps = (span + tr.HalfPeriod) / (2 * tr.HalfPeriod)
		}
		out = append(out, tr)
	}
	return out
}

// repeat appends steps plays at frequency, which stands for speed.
func (b *Builder) repeat(p *Program, frequency int, speed float64, steps int) error {
	if !b.Merged() {
		h, err := b.compiler.Compile(frequency)
		if err != nil {
			return err
		}
		return p.Repeat(h, steps)
	}
	if steps < 0 {
		return invalidf("step count must be >= 0, got %d", steps)
	}
	block := b.block()
	full, rest := steps/block, steps%block
	if full > 0 || rest == 0 {
		h, err := b.compiler.CompileMerged(frequency, block, b.tracks(frequency, speed, block))
		if err != nil {
			return err
		}
		if err := p.Repeat(h, full); err != nil {
			return err
		}
	}
	if rest > 0 {
		h, err := b.compiler.CompileMerged(frequency, rest, b.tracks(frequency, speed, rest))
		if err != nil {
			return err
		}
		p.PlayOnce(h)
	}
	return nil
}

// loop appends an endless loop at frequency, which stands for speed.
func (b *Builder) loop(p *Program, frequency int, speed float64) error {
	var (
		h   Handle
		err error
	)
	if b.Merged() {
		h, err = b.compiler.CompileMerged(frequency, b.block(), b.tracks(frequency, speed, b.block()))
	} else {
		h, err = b.compiler.Compile(frequency)
	}
	if err != nil {
		return err
	}
	p.LoopForever(h)
	return nil
}

func (b *Builder) repeatSpeed(p *Program, speed float64, steps int) error {
	return b.repeat(p, b.frame.StepFrequency(speed), speed, steps)
}

func (b *Builder) loopSpeed(p *Program, speed float64) error {
	return b.loop(p, b.frame.StepFrequency(speed), speed)
}

// Ramp accelerates through even speeds 2, 4, ... below speed, one
// revolution each, then loops forever at speed.
func (b *Builder) Ramp(speed float64) (*Program, error) {
	if speed <= 0 {
		return nil, invalidf("speed must be > 0, got %g", speed)
	}
	spr := b.frame.StepsPerRev()
	p := &Program{}
	for s := 2.0; s < speed; s += 2 {
		if err := b.repeatSpeed(p, s, spr); err != nil {
			return nil, err
		}
	}
	if err := b.loopSpeed(p, speed); err != nil {
		return nil, err
	}
	return p, nil
}

// Counted moves count revolutions: half a revolution at speed/2, then the
// remainder at speed.
func (b *Builder) Counted(speed float64, count int) (*Program, error) {
	if speed <= 0 {
		return nil, invalidf("speed must be > 0, got %g", speed)
	}
	if count < 1 {
		return nil, invalidf("count must be >= 1, got %d", count)
	}
	start := b.frame.StepsPerRev() / 2

	p := &Program{}
	if err := b.repeatSpeed(p, speed/2, start); err != nil {
		return nil, err
	}
	if err := b.repeatSpeed(p, speed, b.frame.StepsForFrames(count)-start); err != nil {
		return nil, err
	}
	return p, nil
}

// FreeRun runs an eighth of a revolution at speed/2, then loops forever at
// speed. It stands in for trigger-synchronised advance in open loop.
func (b *Builder) FreeRun(speed float64) (*Program, error) {
	if speed <= 0 {
		return nil, invalidf("speed must be > 0, got %g", speed)
	}
	p := &Program{}
	if err := b.repeatSpeed(p, speed/2, b.frame.StepsPerRev()/8); err != nil {
		return nil, err
	}
	if err := b.loopSpeed(p, speed); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks every level without touching hardware.
func (r RampSpec) Validate() error {
	if len(r) == 0 {
		return invalidf("empty ramp")
	}
	total := 0
	for i, lvl := range r {
		if lvl.Frequency <= 0 {
			return invalidf("ramp level %d: frequency must be > 0, got %d", i, lvl.Frequency)
		}
		if geometry.HalfPeriodMicros(lvl.Frequency) == 0 {
			return invalidf("ramp level %d: frequency %d Hz too high", i, lvl.Frequency)
		}
		if lvl.Steps < 0 {
			return invalidf("ramp level %d: steps must be >= 0, got %d", i, lvl.Steps)
		}
		total += lvl.Steps
	}
	if total == 0 {
		return invalidf("ramp has no steps")
	}
	return nil
}

// FromRamp plays each level of r once, in order. Levels with zero steps
// are compiled but emit no instruction.
func (b *Builder) FromRamp(r RampSpec) (*Program, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	p := &Program{}
	for _, lvl := range r {
		// film speed the level stands for, which merged channels follow
		speed := float64(lvl.Frequency) * b.frame.PulleyRatio() / float64(b.frame.StepsPerRev())
		if err := b.repeat(p, lvl.Frequency, speed, lvl.Steps); err != nil {
			return nil, err
		}
	}
	return p, nil
}
