package gpio

import (
	"sync"
	"time"

	"github.com/cjeanneret/telecine/internal/debug"
)

// MockDriver is a test implementation that logs actions and keeps pin levels
// in memory. Edges can be injected with SimulateEdge, or generated from
// pulse writes with CouplePulses to stand in for an optical frame sensor.
type MockDriver struct {
	mu       sync.Mutex
	modes    map[int]PinMode
	levels   map[int]Level
	pulls    map[int]Pull
	watches  map[int][]*mockWatch
	couplers map[int]*coupler
	start    time.Time
}

type mockWatch struct {
	edge    Edge
	handler EdgeHandler
	events  chan EdgeEvent
	done    chan struct{}
	once    sync.Once
}

func (w *mockWatch) stop() {
	w.once.Do(func() { close(w.done) })
}

type coupler struct {
	every      int
	triggerPin int
	count      int
}

// NewMockDriver creates an in-memory driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		modes:    make(map[int]PinMode),
		levels:   make(map[int]Level),
		pulls:    make(map[int]Pull),
		watches:  make(map[int][]*mockWatch),
		couplers: make(map[int]*coupler),
		start:    time.Now(),
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[pin] = mode
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	prev := m.levels[pin]
	m.levels[pin] = level
	fire := -1
	if c, ok := m.couplers[pin]; ok && level == High && prev == Low {
		c.count++
		if c.count >= c.every {
			c.count = 0
			fire = c.triggerPin
		}
	}
	m.mu.Unlock()

	if fire >= 0 {
		m.pulseLine(fire)
	}
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin], nil
}

func (m *MockDriver) SetPull(pin int, pull Pull) error {
	debug.GPIO("SetPull", pin, pull)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulls[pin] = pull
	switch pull {
	case PullUp:
		m.levels[pin] = High
	case PullDown:
		m.levels[pin] = Low
	}
	return nil
}

// WatchEdge registers handler for edges on pin. Events are delivered in
// order on a dedicated goroutine.
func (m *MockDriver) WatchEdge(pin int, edge Edge, handler EdgeHandler) (*Subscription, error) {
	debug.GPIO("WatchEdge", pin, edge)
	w := &mockWatch{
		edge:    edge,
		handler: handler,
		events:  make(chan EdgeEvent, 64),
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.watches[pin] = append(m.watches[pin], w)
	m.mu.Unlock()

	go func() {
		for {
			select {
			case evt := <-w.events:
				w.handler(evt)
			case <-w.done:
				return
			}
		}
	}()

	return NewSubscription(func() {
		m.mu.Lock()
		list := m.watches[pin]
		for i, x := range list {
			if x == w {
				m.watches[pin] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		w.stop()
	}), nil
}

// Pull returns the pull resistor last configured on pin.
func (m *MockDriver) Pull(pin int) Pull {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pulls[pin]
}

// Mode returns the mode last configured on pin.
func (m *MockDriver) Mode(pin int) (PinMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.modes[pin]
	return mode, ok
}

// Watching returns the number of active edge subscriptions on pin.
func (m *MockDriver) Watching(pin int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches[pin])
}

// SimulateEdge drives pin to level and notifies subscribers whose edge
// matches the transition.
func (m *MockDriver) SimulateEdge(pin int, level Level) {
	m.mu.Lock()
	prev := m.levels[pin]
	m.levels[pin] = level
	tick := uint32(time.Since(m.start).Microseconds())
	var targets []*mockWatch
	if prev != level {
		for _, w := range m.watches[pin] {
			if w.edge.Matches(level) {
				targets = append(targets, w)
			}
		}
	}
	m.mu.Unlock()

	debug.GPIO("SimulateEdge", pin, level)
	for _, w := range targets {
		select {
		case w.events <- EdgeEvent{Pin: pin, Level: level, Tick: tick}:
		case <-w.done:
		}
	}
}

// CouplePulses makes every n-th rising write on pulsePin toggle triggerPin
// away from and back to its idle level, producing one active edge.
// n <= 0 removes the coupling.
func (m *MockDriver) CouplePulses(pulsePin, n, triggerPin int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		delete(m.couplers, pulsePin)
		return
	}
	m.couplers[pulsePin] = &coupler{every: n, triggerPin: triggerPin}
}

// pulseLine produces a full pulse on pin relative to its idle pull.
func (m *MockDriver) pulseLine(pin int) {
	idle := High
	if m.Pull(pin) == PullDown {
		idle = Low
	}
	m.SimulateEdge(pin, !idle)
	m.SimulateEdge(pin, idle)
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	m.mu.Lock()
	var all []*mockWatch
	for pin, list := range m.watches {
		all = append(all, list...)
		delete(m.watches, pin)
	}
	m.mu.Unlock()
	for _, w := range all {
		w.stop()
	}
	return nil
}
