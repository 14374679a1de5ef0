package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/telecine/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Pull selects the internal pull resistor of an input pin.
type Pull int

const (
	PullOff Pull = iota
	PullDown
	PullUp
)

func (p Pull) String() string {
	switch p {
	case PullDown:
		return "down"
	case PullUp:
		return "up"
	default:
		return "off"
	}
}

// Edge selects which transition of an input pin raises an event.
type Edge int

const (
	FallingEdge Edge = iota
	RisingEdge
)

func (e Edge) String() string {
	if e == RisingEdge {
		return "rising"
	}
	return "falling"
}

// ParseEdge converts "falling"/"rising" into an Edge.
func ParseEdge(s string) (Edge, error) {
	switch s {
	case "falling", "":
		return FallingEdge, nil
	case "rising":
		return RisingEdge, nil
	default:
		return FallingEdge, fmt.Errorf("unknown edge %q (want falling or rising)", s)
	}
}

// IdlePull returns the pull resistor that keeps the line at the level
// opposite to the edge, so the idle level is defined.
func (e Edge) IdlePull() Pull {
	if e == RisingEdge {
		return PullDown
	}
	return PullUp
}

// Matches reports whether a transition to level is this edge.
func (e Edge) Matches(level Level) bool {
	if e == RisingEdge {
		return level == High
	}
	return level == Low
}

// EdgeEvent describes one detected transition.
type EdgeEvent struct {
	Pin   int
	Level Level
	Tick  uint32 // microseconds, wraps; only differences are meaningful
}

// EdgeHandler is invoked for each detected edge. It runs on a goroutine
// owned by the driver, never on the goroutine that registered it.
type EdgeHandler func(EdgeEvent)

// Subscription is a registered edge callback. Cancel is idempotent and
// safe on a nil Subscription.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// NewSubscription wraps a cancel function.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Cancel unregisters the callback.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	SetPull(pin int, pull Pull) error
	WatchEdge(pin int, edge Edge, handler EdgeHandler) (*Subscription, error)
	Close() error
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool, opts RPiOptions) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	}
	return NewRPiRealDriver(opts)
}
