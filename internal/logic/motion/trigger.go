package motion

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cjeanneret/telecine/internal/debug"
	"github.com/cjeanneret/telecine/internal/hw/gpio"
)

// Halter is the only hardware capability available to the edge callback.
// Waveform compilation and store clearing are deliberately out of reach.
type Halter interface {
	Busy() (bool, error)
	Halt() error
}

// TriggerConfig selects the frame sensor input. Pin 0 disables it.
type TriggerConfig struct {
	Pin  int
	Edge gpio.Edge
}

// wakeEvent is a broadcast signal that resets itself: each Signal releases
// the current waiters and installs a fresh channel for the next wait.
type wakeEvent struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWakeEvent() *wakeEvent {
	return &wakeEvent{ch: make(chan struct{})}
}

// C returns the channel closed by the next Signal.
func (e *wakeEvent) C() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

func (e *wakeEvent) Signal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	close(e.ch)
	e.ch = make(chan struct{})
}

// TriggerMonitor counts frame sensor edges and stops a triggered advance.
type TriggerMonitor struct {
	cfg    TriggerConfig
	halter Halter
	dir    *directionState

	counter   atomic.Int64
	missed    atomic.Int64
	triggered atomic.Bool
	wake      *wakeEvent

	subMu sync.Mutex
	sub   *gpio.Subscription
}

func newTriggerMonitor(cfg TriggerConfig, h Halter, dir *directionState) *TriggerMonitor {
	return &TriggerMonitor{
		cfg:    cfg,
		halter: h,
		dir:    dir,
		wake:   newWakeEvent(),
	}
}

// Enabled reports whether a trigger pin is configured.
func (m *TriggerMonitor) Enabled() bool {
	return m.cfg.Pin != 0
}

// Arm (re)registers the edge callback, cancelling any previous one. The
// pull resistor is set opposite to the active edge.
func (m *TriggerMonitor) Arm(g gpio.Driver) error {
	m.Disarm()
	if !m.Enabled() {
		return nil
	}
	if err := g.SetupPin(m.cfg.Pin, gpio.Input); err != nil {
		return fmt.Errorf("setup trigger pin %d: %w", m.cfg.Pin, err)
	}
	if err := g.SetPull(m.cfg.Pin, m.cfg.Edge.IdlePull()); err != nil {
		return fmt.Errorf("pull trigger pin %d: %w", m.cfg.Pin, err)
	}
	sub, err := g.WatchEdge(m.cfg.Pin, m.cfg.Edge, m.onEdge)
	if err != nil {
		return fmt.Errorf("watch trigger pin %d: %w", m.cfg.Pin, err)
	}

	m.subMu.Lock()
	m.sub = sub
	m.subMu.Unlock()
	debug.Verbose("Trigger armed on pin %d (%s edge, pull %s)", m.cfg.Pin, m.cfg.Edge, m.cfg.Edge.IdlePull())
	return nil
}

// Disarm cancels the edge callback. Safe to call repeatedly.
func (m *TriggerMonitor) Disarm() {
	m.subMu.Lock()
	sub := m.sub
	m.sub = nil
	m.subMu.Unlock()
	sub.Cancel()
}

// Armed reports whether an edge callback is registered.
func (m *TriggerMonitor) Armed() bool {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return m.sub != nil
}

// SetTriggered sets whether the next edge halts transmission.
func (m *TriggerMonitor) SetTriggered(on bool) {
	m.triggered.Store(on)
}

// Triggered reports whether triggered stop is armed.
func (m *TriggerMonitor) Triggered() bool {
	return m.triggered.Load()
}

// Count returns the frame counter.
func (m *TriggerMonitor) Count() int64 {
	return m.counter.Load()
}

// Missed returns the number of edges dropped because of a fault.
func (m *TriggerMonitor) Missed() int64 {
	return m.missed.Load()
}

// Reset zeroes the frame counter.
func (m *TriggerMonitor) Reset() {
	m.counter.Store(0)
}

// Signal returns a channel closed on the next counted edge.
func (m *TriggerMonitor) Signal() <-chan struct{} {
	return m.wake.C()
}

// onEdge runs on the driver's edge goroutine. It may only touch atomics,
// the halter and the wake event.
func (m *TriggerMonitor) onEdge(evt gpio.EdgeEvent) {
	var delta int64
	defer func() {
		if r := recover(); r != nil {
			m.drop(evt, delta, fmt.Errorf("panic: %v", r))
		}
	}()

	delta = m.dir.Get().Sign()
	m.counter.Add(delta)

	if err := m.haltIfTriggered(); err != nil {
		m.drop(evt, delta, err)
		return
	}

	m.wake.Signal()
	debug.Live("Trigger edge on pin %d at tick %d: frame %d", evt.Pin, evt.Tick, m.counter.Load())
}

func (m *TriggerMonitor) haltIfTriggered() error {
	if !m.triggered.Load() {
		return nil
	}
	busy, err := m.halter.Busy()
	if err != nil {
		return fmt.Errorf("query transmitter: %w", err)
	}
	if !busy {
		return nil
	}
	if err := m.halter.Halt(); err != nil {
		return fmt.Errorf("halt transmitter: %w", err)
	}
	return nil
}

// drop rolls back a counted edge after a fault.
func (m *TriggerMonitor) drop(evt gpio.EdgeEvent, delta int64, err error) {
	m.counter.Add(-delta)
	m.missed.Add(1)
	debug.Error(fmt.Errorf("trigger: edge on pin %d treated as missed frame: %w", evt.Pin, err))
}
