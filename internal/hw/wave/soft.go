package wave

import (
	"fmt"
	"math/bits"
	"runtime"
	"sync"
	"time"

	"github.com/cjeanneret/telecine/internal/debug"
	"github.com/cjeanneret/telecine/internal/hw/gpio"
	"github.com/cjeanneret/telecine/internal/hw/rt"
)

// spinThreshold is the remaining wait below which playback busy-waits
// instead of sleeping.
const spinThreshold = time.Millisecond

// SoftOptions configures a SoftTransmitter.
type SoftOptions struct {
	Capacity int // waveform store size, see NewStore
	// CPU pins playback goroutines to this CPU when >= 0.
	CPU int
	// SingleChain makes every Chain replace whatever is playing, as
	// pigpiod does.
	SingleChain bool
}

// SoftTransmitter plays chains by writing GPIO levels from goroutines.
// Chains driving disjoint pin sets play concurrently unless SingleChain
// is set; a chain touching a pin already in use replaces the chain using
// it.
type SoftTransmitter struct {
	gpio  gpio.Driver
	store *Store
	cpu   int
	one   bool

	mu     sync.Mutex
	active map[*playback]struct{}
	wg     sync.WaitGroup
}

type playback struct {
	mask uint32
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

func (p *playback) halt() {
	p.once.Do(func() { close(p.stop) })
}

func (p *playback) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

type resolvedSegment struct {
	pulses  []Pulse
	repeat  int
	forever bool
	delay   time.Duration
}

// NewSoftTransmitter creates a software waveform engine on top of g.
func NewSoftTransmitter(g gpio.Driver, opts SoftOptions) *SoftTransmitter {
	return &SoftTransmitter{
		gpio:   g,
		store:  NewStore(opts.Capacity),
		cpu:    opts.CPU,
		one:    opts.SingleChain,
		active: make(map[*playback]struct{}),
	}
}

// Store exposes the underlying waveform memory.
func (t *SoftTransmitter) Store() *Store {
	return t.store
}

func (t *SoftTransmitter) AddGeneric(pulses []Pulse) error {
	t.store.Add(pulses)
	return nil
}

func (t *SoftTransmitter) CreateWave() (ID, error) {
	return t.store.Create()
}

// Clear empties the store. Chains already playing keep their own copy of
// the pulses and are not interrupted.
func (t *SoftTransmitter) Clear() error {
	t.store.Clear()
	return nil
}

func (t *SoftTransmitter) Chain(program []byte) error {
	segs, err := DecodeChain(program)
	if err != nil {
		return err
	}

	resolved := make([]resolvedSegment, 0, len(segs))
	var mask uint32
	for _, seg := range segs {
		rs := resolvedSegment{
			repeat:  seg.Repeat,
			forever: seg.Forever,
			delay:   time.Duration(seg.DelayUS) * time.Microsecond,
		}
		for _, id := range seg.Waves {
			pulses, err := t.store.Get(id)
			if err != nil {
				return err
			}
			rs.pulses = append(rs.pulses, pulses...)
		}
		mask |= Mask(rs.pulses)
		resolved = append(resolved, rs)
	}

	t.mu.Lock()
	var replaced []*playback
	for pb := range t.active {
		if t.one || pb.mask&mask != 0 {
			pb.halt()
			delete(t.active, pb)
			replaced = append(replaced, pb)
		}
	}
	t.mu.Unlock()
	for _, pb := range replaced {
		<-pb.done
	}

	pb := &playback{
		mask: mask,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	t.mu.Lock()
	t.active[pb] = struct{}{}
	t.mu.Unlock()

	debug.Trace("wave: chain of %d segments on mask %#x", len(resolved), mask)
	t.wg.Add(1)
	go t.run(pb, resolved)
	return nil
}

// SingleChain reports whether a chain replaces every other one.
func (t *SoftTransmitter) SingleChain() bool {
	return t.one
}

func (t *SoftTransmitter) Busy() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active) > 0, nil
}

// Halt stops every chain without waiting for playback goroutines to exit,
// so it is safe to call from an edge handler.
func (t *SoftTransmitter) Halt() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pb := range t.active {
		pb.halt()
		delete(t.active, pb)
	}
	return nil
}

// Wait blocks until every playback goroutine has exited. It never returns
// while a loop-forever chain is playing and has not been halted.
func (t *SoftTransmitter) Wait() {
	t.wg.Wait()
}

func (t *SoftTransmitter) run(pb *playback, segs []resolvedSegment) {
	defer func() {
		t.mu.Lock()
		delete(t.active, pb)
		t.mu.Unlock()
		close(pb.done)
		t.wg.Done()
	}()

	if t.cpu >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := rt.LockThread(t.cpu); err != nil {
			debug.Error(fmt.Errorf("wave: pin playback thread: %w", err))
		}
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	next := time.Now()
	for _, seg := range segs {
		if seg.delay > 0 {
			next = next.Add(seg.delay)
			if !t.waitUntil(pb, timer, next) {
				return
			}
			continue
		}
		if len(seg.pulses) == 0 {
			continue
		}
		for n := 0; seg.forever || n < seg.repeat; n++ {
			for _, p := range seg.pulses {
				if pb.stopped() {
					return
				}
				t.apply(p)
				next = next.Add(time.Duration(p.Delay) * time.Microsecond)
				if !t.waitUntil(pb, timer, next) {
					return
				}
			}
		}
	}
}

func (t *SoftTransmitter) apply(p Pulse) {
	for m := p.OnMask; m != 0; m &= m - 1 {
		pin := bits.TrailingZeros32(m)
		if err := t.gpio.WritePin(pin, gpio.High); err != nil {
			debug.Error(fmt.Errorf("wave: write pin %d: %w", pin, err))
		}
	}
	for m := p.OffMask; m != 0; m &= m - 1 {
		pin := bits.TrailingZeros32(m)
		if err := t.gpio.WritePin(pin, gpio.Low); err != nil {
			debug.Error(fmt.Errorf("wave: write pin %d: %w", pin, err))
		}
	}
}

// waitUntil sleeps, then spins, until deadline. It returns false if the
// playback was halted meanwhile.
func (t *SoftTransmitter) waitUntil(pb *playback, timer *time.Timer, deadline time.Time) bool {
	for {
		d := time.Until(deadline)
		if d <= 0 {
			return !pb.stopped()
		}
		if d > spinThreshold {
			timer.Reset(d - spinThreshold)
			select {
			case <-pb.stop:
				return false
			case <-timer.C:
			}
			continue
		}
		if pb.stopped() {
			return false
		}
		runtime.Gosched()
	}
}
