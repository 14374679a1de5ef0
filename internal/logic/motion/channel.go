package motion

import (
	"fmt"
	"sync/atomic"

	"github.com/cjeanneret/telecine/internal/hw/gpio"
	"github.com/cjeanneret/telecine/internal/hw/wave"
	"github.com/cjeanneret/telecine/internal/logic/geometry"
)

// Direction of film travel.
type Direction int32

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// Sign is the frame counter increment for one edge in this direction.
func (d Direction) Sign() int64 {
	if d == Reverse {
		return -1
	}
	return 1
}

// ParseDirection converts "forward"/"reverse" into a Direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "forward":
		return Forward, nil
	case "reverse":
		return Reverse, nil
	default:
		return Forward, fmt.Errorf("%w: unknown direction %q", ErrInvalidParameter, s)
	}
}

// directionState is the direction shared between the control goroutine
// and the trigger callback.
type directionState struct {
	v atomic.Int32
}

func (d *directionState) Get() Direction  { return Direction(d.v.Load()) }
func (d *directionState) Set(v Direction) { d.v.Store(int32(v)) }

// ChannelConfig describes one stepper driver.
type ChannelConfig struct {
	Name         string
	DirPin       int
	PulsePin     int
	SleepPin     int // 0 = not wired
	StepsPerRev  int
	PulleyRatio  float64
	ForwardLevel gpio.Level // DIR level that moves film forward
}

// Channel is one stepper motor with its compiler and chain builder.
// Pins and geometry never change after construction.
type Channel struct {
	cfg      ChannelConfig
	frame    geometry.Frame
	compiler *Compiler
	builder  *Builder
}

// NewChannel validates cfg and binds the channel to tx.
func NewChannel(cfg ChannelConfig, tx wave.Transmitter) (*Channel, error) {
	frame, err := geometry.NewFrame(cfg.StepsPerRev, cfg.PulleyRatio)
	if err != nil {
		return nil, fmt.Errorf("%w: channel %s: %w", ErrInvalidParameter, cfg.Name, err)
	}
	if cfg.DirPin == cfg.PulsePin {
		return nil, invalidf("channel %s: dir and pulse pins must differ (both %d)", cfg.Name, cfg.DirPin)
	}
	compiler, err := NewCompiler(tx, cfg.PulsePin)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", cfg.Name, err)
	}
	return &Channel{
		cfg:      cfg,
		frame:    frame,
		compiler: compiler,
		builder:  NewBuilder(compiler, frame),
	}, nil
}

// Name returns the channel label used in logs.
func (c *Channel) Name() string {
	return c.cfg.Name
}

// Config returns the channel configuration.
func (c *Channel) Config() ChannelConfig {
	return c.cfg
}

// Frame returns the channel geometry.
func (c *Channel) Frame() geometry.Frame {
	return c.frame
}

// Builder returns the chain builder bound to this channel's pulse pin.
func (c *Channel) Builder() *Builder {
	return c.builder
}

// DirectionLevel returns the DIR pin level for d.
func (c *Channel) DirectionLevel(d Direction) gpio.Level {
	if d == Forward {
		return c.cfg.ForwardLevel
	}
	return !c.cfg.ForwardLevel
}
