package gpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/telecine/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiOptions tunes the real driver.
type RPiOptions struct {
	// EdgePoll is the interval at which the edge detect status register is
	// sampled. 0 means 200µs.
	EdgePoll time.Duration
}

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
type RPiDriver struct {
	mu      sync.Mutex
	pins    map[int]rpio.Pin
	watches map[int]*rpioWatch
	poll    time.Duration
	start   time.Time
}

type rpioWatch struct {
	done chan struct{}
	exit chan struct{}
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver(opts RPiOptions) (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	poll := opts.EdgePoll
	if poll <= 0 {
		poll = 200 * time.Microsecond
	}

	return &RPiDriver{
		pins:    make(map[int]rpio.Pin),
		watches: make(map[int]*rpioWatch),
		poll:    poll,
		start:   time.Now(),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setupLocked(pin, mode)
}

func (r *RPiDriver) setupLocked(pin int, mode PinMode) error {
	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	r.pins[pin] = p
	return nil
}

// pin returns the rpio pin, configuring it with mode if not set up yet.
func (r *RPiDriver) pin(pin int, mode PinMode) (rpio.Pin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pins[pin]
	if !ok {
		if err := r.setupLocked(pin, mode); err != nil {
			return 0, err
		}
		p = r.pins[pin]
	}
	return p, nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	p, err := r.pin(pin, Output)
	if err != nil {
		return err
	}
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	p, err := r.pin(pin, Input)
	if err != nil {
		return Low, err
	}
	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

func (r *RPiDriver) SetPull(pin int, pull Pull) error {
	debug.GPIO("SetPull", pin, pull)

	p, err := r.pin(pin, Input)
	if err != nil {
		return err
	}
	switch pull {
	case PullUp:
		p.PullUp()
	case PullDown:
		p.PullDown()
	case PullOff:
		p.PullOff()
	default:
		return fmt.Errorf("unknown pull: %d", pull)
	}
	return nil
}

// WatchEdge arms the BCM edge detector on pin and polls its event status
// from a dedicated goroutine; handler runs on that goroutine.
// Only one watch per pin is supported; a new watch replaces the old one.
func (r *RPiDriver) WatchEdge(pin int, edge Edge, handler EdgeHandler) (*Subscription, error) {
	debug.GPIO("WatchEdge", pin, edge)

	p, err := r.pin(pin, Input)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	old := r.watches[pin]
	r.mu.Unlock()
	if old != nil {
		close(old.done)
		<-old.exit
	}

	detect := rpio.FallEdge
	level := Low
	if edge == RisingEdge {
		detect = rpio.RiseEdge
		level = High
	}
	p.Detect(detect)

	w := &rpioWatch{done: make(chan struct{}), exit: make(chan struct{})}
	r.mu.Lock()
	r.watches[pin] = w
	r.mu.Unlock()

	go func() {
		defer close(w.exit)
		ticker := time.NewTicker(r.poll)
		defer ticker.Stop()
		for {
			select {
			case <-w.done:
				return
			case <-ticker.C:
				if p.EdgeDetected() {
					handler(EdgeEvent{
						Pin:   pin,
						Level: level,
						Tick:  uint32(time.Since(r.start).Microseconds()),
					})
				}
			}
		}
	}()

	return NewSubscription(func() {
		r.mu.Lock()
		cur := r.watches[pin]
		if cur == w {
			delete(r.watches, pin)
		}
		r.mu.Unlock()
		if cur == w {
			close(w.done)
			<-w.exit
			p.Detect(rpio.NoEdge)
		}
	}), nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	r.mu.Lock()
	watches := r.watches
	r.watches = make(map[int]*rpioWatch)
	r.mu.Unlock()
	for pin, w := range watches {
		close(w.done)
		<-w.exit
		rpio.Pin(pin).Detect(rpio.NoEdge)
	}

	// Reset all pins to input (safe state)
	r.mu.Lock()
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Input()
	}
	r.mu.Unlock()

	return rpio.Close()
}
