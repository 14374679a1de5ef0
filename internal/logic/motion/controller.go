// Package motion drives the film transport: it compiles step waveforms,
// builds chain programs for one or two stepper channels and stops on
// frame sensor edges.
package motion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/cjeanneret/telecine/internal/debug"
	"github.com/cjeanneret/telecine/internal/hw/gpio"
	"github.com/cjeanneret/telecine/internal/hw/wave"
	"github.com/cjeanneret/telecine/internal/logic/geometry"
)

// State is the logical motion state. The transmitter runs asynchronously,
// so Running means a chain was submitted, not that steps are being emitted.
type State int32

const (
	StateIdle State = iota
	StateRamping
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRamping:
		return "ramping"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds the controller settings.
type Config struct {
	Primary   ChannelConfig
	Secondary *ChannelConfig // take-up motor, optional
	Trigger   TriggerConfig
	Speed     float64 // frames per second for counted and triggered advances

	// SyncDelay separates the primary and secondary submissions. It is
	// unused when the transmitter plays one chain and the channels share it.
	SyncDelay time.Duration
	// TriggerTimeout bounds AdvanceUntilTrigger; 0 waits for ctx only.
	TriggerTimeout time.Duration
}

// Hardware groups the collaborators the controller drives.
type Hardware struct {
	GPIO gpio.Driver
	Wave wave.Transmitter
}

type waiter struct {
	cancel context.CancelCauseFunc
}

// Controller is the motion state machine for a pair of stepper channels.
type Controller struct {
	gpio     gpio.Driver
	tx       wave.Transmitter
	channels []*Channel
	trigger  *TriggerMonitor
	dir      directionState

	syncDelay      time.Duration
	triggerTimeout time.Duration

	// merged is set when the transmitter plays one chain at a time: the
	// primary's waveforms then step every channel.
	merged bool

	// mu serialises everything that touches the transmitter from the
	// control side. It is never held while waiting for motion.
	mu     sync.Mutex
	on     bool
	settle *time.Timer

	speed atomic.Uint64 // float64 bits
	state atomic.Int32
	gen   atomic.Uint64 // bumped on every submission and stop

	waitMu sync.Mutex
	waiter *waiter

	sleep func(ctx context.Context, d time.Duration) error
}

// New validates cfg and creates a controller in the Stopped state.
func New(cfg Config, hw Hardware) (*Controller, error) {
	if hw.GPIO == nil || hw.Wave == nil {
		return nil, invalidf("gpio driver and wave transmitter are required")
	}
	if cfg.Speed <= 0 {
		return nil, invalidf("speed must be > 0, got %g", cfg.Speed)
	}
	if cfg.Trigger.Pin < 0 {
		return nil, invalidf("trigger pin must be >= 0, got %d", cfg.Trigger.Pin)
	}
	if cfg.SyncDelay < 0 || cfg.TriggerTimeout < 0 {
		return nil, invalidf("delays must be >= 0")
	}

	primary, err := NewChannel(cfg.Primary, hw.Wave)
	if err != nil {
		return nil, err
	}
	channels := []*Channel{primary}
	if cfg.Secondary != nil {
		secondary, err := NewChannel(*cfg.Secondary, hw.Wave)
		if err != nil {
			return nil, err
		}
		channels = append(channels, secondary)
	}
	if err := checkPins(channels, cfg.Trigger.Pin); err != nil {
		return nil, err
	}

	c := &Controller{
		gpio:           hw.GPIO,
		tx:             hw.Wave,
		channels:       channels,
		syncDelay:      cfg.SyncDelay,
		triggerTimeout: cfg.TriggerTimeout,
		merged:         len(channels) > 1 && wave.PlaysOneChain(hw.Wave),
		sleep:          sleepContext,
	}
	if c.merged {
		primary.Builder().Merge(channels[1:]...)
		debug.Verbose("Transmitter plays one chain: %d channels merged into the %s chain", len(channels), primary.Name())
	}
	c.trigger = newTriggerMonitor(cfg.Trigger, hw.Wave, &c.dir)
	c.speed.Store(math.Float64bits(cfg.Speed))
	c.state.Store(int32(StateStopped))
	if err := c.checkSpeed(cfg.Speed); err != nil {
		return nil, err
	}
	return c, nil
}

func checkPins(channels []*Channel, triggerPin int) error {
	used := map[int]string{}
	claim := func(pin int, owner string) error {
		if pin == 0 {
			return nil
		}
		if prev, ok := used[pin]; ok {
			return invalidf("pin %d used by both %s and %s", pin, prev, owner)
		}
		used[pin] = owner
		return nil
	}
	for _, ch := range channels {
		cfg := ch.Config()
		for _, p := range []struct {
			pin  int
			role string
		}{{cfg.DirPin, "dir"}, {cfg.PulsePin, "pulse"}, {cfg.SleepPin, "sleep"}} {
			if err := claim(p.pin, ch.Name()+" "+p.role); err != nil {
				return err
			}
		}
	}
	return claim(triggerPin, "trigger")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return context.Cause(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// On configures the channel pins, wakes the drivers, resets the frame
// counter and (re)arms the trigger callback.
func (c *Controller) On() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.State(); s == StateRamping || s == StateRunning {
		c.stopLocked()
	}

	d := c.dir.Get()
	for _, ch := range c.channels {
		if err := c.setupChannel(ch, d); err != nil {
			return fault("setup "+ch.Name(), err)
		}
	}
	c.trigger.Reset()
	if err := c.trigger.Arm(c.gpio); err != nil {
		return fault("arm trigger", err)
	}

	c.on = true
	c.state.Store(int32(StateIdle))
	debug.Info("Motors on: %d channel(s), trigger pin %d, direction %s", len(c.channels), c.trigger.cfg.Pin, d)
	return nil
}

func (c *Controller) setupChannel(ch *Channel, d Direction) error {
	cfg := ch.Config()
	err := multierr.Combine(
		c.gpio.SetupPin(cfg.DirPin, gpio.Output),
		c.gpio.SetupPin(cfg.PulsePin, gpio.Output),
		c.gpio.WritePin(cfg.PulsePin, gpio.Low),
	)
	if cfg.SleepPin != 0 {
		err = multierr.Append(err, c.gpio.SetupPin(cfg.SleepPin, gpio.Output))
		err = multierr.Append(err, c.gpio.WritePin(cfg.SleepPin, gpio.High))
	}
	if err != nil {
		return err
	}
	return c.gpio.WritePin(cfg.DirPin, ch.DirectionLevel(d))
}

// Off stops motion, cancels the trigger callback, puts the drivers to
// sleep and releases the step and direction pins. It never fails; pin
// errors are logged.
func (c *Controller) Off() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != StateStopped {
		c.stopLocked()
	}
	c.trigger.Disarm()

	var err error
	for _, ch := range c.channels {
		cfg := ch.Config()
		if cfg.SleepPin != 0 {
			err = multierr.Append(err, c.gpio.WritePin(cfg.SleepPin, gpio.Low))
		}
		err = multierr.Append(err, c.gpio.SetupPin(cfg.PulsePin, gpio.Input))
		err = multierr.Append(err, c.gpio.SetupPin(cfg.DirPin, gpio.Input))
	}
	if err != nil {
		debug.Error(fmt.Errorf("motors off: %w", err))
	}
	c.on = false
	debug.Info("Motors off")
}

// Close stops and powers down the motors.
func (c *Controller) Close() {
	c.Stop()
	c.Off()
}

// Stop halts transmission and clears the waveform store. It is valid in
// any state, always ends in Stopped and releases a blocked
// AdvanceUntilTrigger with ErrStopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	c.gen.Add(1)
	c.cancelSettleLocked()
	c.trigger.SetTriggered(false)
	if err := multierr.Combine(c.tx.Halt(), c.tx.Clear()); err != nil {
		debug.Error(fmt.Errorf("stop: %w", err))
	}
	c.state.Store(int32(StateStopped))
	c.cancelWaiter(ErrStopped)
	debug.Live("Motion stopped")
}

// AdvanceContinuous ramps every channel up to speed and keeps running
// until Stop. It returns once the chains are submitted.
func (c *Controller) AdvanceContinuous(speed float64) error {
	if err := c.checkSpeed(speed); err != nil {
		return err
	}
	est, gen, err := c.begin(false, StateRamping, func(b *Builder) (*Program, error) {
		return b.Ramp(speed)
	})
	if err != nil {
		return err
	}
	debug.Advance("continuous", speed, c.Direction().String())
	c.settleAfter(est, gen, StateRamping, StateRunning)
	return nil
}

// AdvanceCounted moves count frames at the configured speed and blocks
// for the estimated playing time. Cancelling ctx stops the motors.
func (c *Controller) AdvanceCounted(ctx context.Context, count int) error {
	if count < 1 {
		return invalidf("count must be >= 1, got %d", count)
	}
	speed := c.Speed()
	if err := c.checkSpeed(speed); err != nil {
		return err
	}
	est, gen, err := c.begin(false, StateRunning, func(b *Builder) (*Program, error) {
		return b.Counted(speed, count)
	})
	if err != nil {
		return err
	}
	debug.Advance(fmt.Sprintf("counted(%d)", count), speed, c.Direction().String())
	debug.Verbose("Counted advance estimated at %s", est)

	if err := c.sleep(ctx, est); err != nil {
		c.Stop()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen.Load() != gen {
		return ErrStopped
	}
	c.state.Store(int32(StateIdle))
	return nil
}

// AdvanceUntilTrigger advances to the next frame sensor edge.
//
// Without a trigger pin it submits a short free-run program and returns
// at once. With one it arms triggered stop, submits ramp + loop forever
// and blocks until the edge, ctx is done, the trigger timeout elapses or
// Stop is called. On anything but the edge the motors are stopped and
// the cause is returned (ErrTriggerTimeout, ErrStopped or ctx's).
func (c *Controller) AdvanceUntilTrigger(ctx context.Context) error {
	speed := c.Speed()
	if err := c.checkSpeed(speed); err != nil {
		return err
	}

	if !c.trigger.Enabled() {
		_, _, err := c.begin(false, StateRunning, func(b *Builder) (*Program, error) {
			return b.FreeRun(speed)
		})
		if err == nil {
			debug.Advance("free-run", speed, c.Direction().String())
		}
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if c.triggerTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, c.triggerTimeout, ErrTriggerTimeout)
		defer cancelTimeout()
	}
	w := &waiter{cancel: cancel}
	c.setWaiter(w)
	defer c.releaseWaiter(w)

	// Captured before submission so an early edge is not lost.
	wake := c.trigger.Signal()

	_, gen, err := c.begin(true, StateRunning, func(b *Builder) (*Program, error) {
		return b.Ramp(speed)
	})
	if err != nil {
		return err
	}
	debug.Advance("until trigger", speed, c.Direction().String())

	select {
	case <-wake:
		c.mu.Lock()
		if c.gen.Load() == gen {
			c.trigger.SetTriggered(false)
			c.haltLateChain()
			c.state.Store(int32(StateStopped))
		}
		c.mu.Unlock()
		debug.Frame(c.FrameCount(), c.Direction().String())
		return nil
	case <-ctx.Done():
		cause := context.Cause(ctx)
		if !errors.Is(cause, ErrStopped) {
			c.Stop()
		}
		return cause
	}
}

// RunRamp plays an explicit ramp on every channel and returns once the
// chains are submitted.
func (c *Controller) RunRamp(r RampSpec) error {
	if err := r.Validate(); err != nil {
		return err
	}
	est, gen, err := c.begin(false, StateRunning, func(b *Builder) (*Program, error) {
		return b.FromRamp(r)
	})
	if err != nil {
		return err
	}
	debug.Live("Ramp of %d levels submitted, %s", len(r), est)
	c.settleAfter(est, gen, StateRunning, StateIdle)
	return nil
}

// begin prepares the pins, clears the store, builds one program per
// channel and submits them. It returns the longest finite playing time
// and the submission generation.
func (c *Controller) begin(triggered bool, next State, build func(*Builder) (*Program, error)) (time.Duration, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.on {
		return 0, 0, ErrNotReady
	}
	est, err := c.submitLocked(triggered, build)
	if err != nil {
		if errors.Is(err, ErrMotionFault) {
			c.stopLocked()
		}
		return 0, 0, err
	}
	c.state.Store(int32(next))
	return est, c.gen.Load(), nil
}

func (c *Controller) submitLocked(triggered bool, build func(*Builder) (*Program, error)) (time.Duration, error) {
	c.trigger.SetTriggered(triggered)

	d := c.dir.Get()
	for _, ch := range c.channels {
		if err := c.gpio.WritePin(ch.Config().DirPin, ch.DirectionLevel(d)); err != nil {
			return 0, fault("write direction "+ch.Name(), err)
		}
	}
	if err := c.tx.Clear(); err != nil {
		return 0, fault("clear waveform store", err)
	}

	chained := c.channels
	if c.merged {
		chained = c.channels[:1]
	}
	programs := make([][]byte, len(chained))
	sizes := make([]int, len(chained))
	var est time.Duration
	for i, ch := range chained {
		p, err := build(ch.Builder())
		if err != nil {
			return 0, err
		}
		buf, err := p.Encode()
		if err != nil {
			return 0, err
		}
		programs[i] = buf
		sizes[i] = p.Len()
		est = max(est, p.Estimate())
		debug.Verbose("Channel %s program: endless=%t, finite part %s", ch.Name(), p.Endless(), p.Estimate())
	}

	c.cancelSettleLocked()
	c.gen.Add(1)
	for i, ch := range chained {
		if i > 0 && c.syncDelay > 0 {
			if err := c.sleep(context.Background(), c.syncDelay); err != nil {
				return 0, err
			}
		}
		if err := c.tx.Chain(programs[i]); err != nil {
			return 0, fault("submit chain "+ch.Name(), err)
		}
		debug.Chain(ch.Name(), sizes[i], len(programs[i]))
	}
	return est, nil
}

// haltLateChain halts a chain submitted after the edge that ended a
// triggered advance: the edge handler only stops what is playing when the
// edge lands.
func (c *Controller) haltLateChain() {
	busy, err := c.tx.Busy()
	if err == nil && !busy {
		return
	}
	if err = multierr.Append(err, c.tx.Halt()); err != nil {
		debug.Error(fmt.Errorf("halt after trigger: %w", err))
		return
	}
	debug.Live("Chain submitted after the trigger edge halted")
}

// settleAfter moves from one state to the next once d has elapsed,
// unless another submission or stop happened meanwhile. The pending timer
// is stopped by the next submission or stop.
func (c *Controller) settleAfter(d time.Duration, gen uint64, from, to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen.Load() != gen {
		return
	}
	if d <= 0 {
		c.state.CompareAndSwap(int32(from), int32(to))
		return
	}
	c.settle = time.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen.Load() == gen {
			c.state.CompareAndSwap(int32(from), int32(to))
			c.settle = nil
		}
	})
}

func (c *Controller) cancelSettleLocked() {
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
}

func (c *Controller) checkSpeed(speed float64) error {
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return invalidf("speed must be > 0, got %g", speed)
	}
	lowest := math.Min(speed/2, 2)
	for _, ch := range c.channels {
		f := ch.Frame()
		if f.StepFrequency(lowest) <= 0 {
			return invalidf("speed %g too low for channel %s", speed, ch.Name())
		}
		if geometry.HalfPeriodMicros(f.StepFrequency(speed)) == 0 {
			return invalidf("speed %g too high for channel %s", speed, ch.Name())
		}
	}
	return nil
}

func (c *Controller) setWaiter(w *waiter) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	if c.waiter != nil {
		c.waiter.cancel(ErrStopped)
	}
	c.waiter = w
}

func (c *Controller) releaseWaiter(w *waiter) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	if c.waiter == w {
		c.waiter = nil
	}
}

func (c *Controller) cancelWaiter(cause error) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	if c.waiter != nil {
		c.waiter.cancel(cause)
		c.waiter = nil
	}
}

// Direction returns the current direction.
func (c *Controller) Direction() Direction {
	return c.dir.Get()
}

// SetDirection changes the sign of subsequent frame counts at once; the
// DIR pins follow on the next advance.
func (c *Controller) SetDirection(d Direction) {
	c.dir.Set(d)
	debug.Verbose("Direction set to %s", d)
}

// FrameCount returns the signed frame counter.
func (c *Controller) FrameCount() int64 {
	return c.trigger.Count()
}

// MissedFrames returns the number of edges dropped by a callback fault.
func (c *Controller) MissedFrames() int64 {
	return c.trigger.Missed()
}

// FrameSignal returns a channel closed on the next counted edge.
func (c *Controller) FrameSignal() <-chan struct{} {
	return c.trigger.Signal()
}

// TriggerEnabled reports whether a frame sensor is configured.
func (c *Controller) TriggerEnabled() bool {
	return c.trigger.Enabled()
}

// State returns the current motion state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Speed returns the speed used by counted and triggered advances.
func (c *Controller) Speed() float64 {
	return math.Float64frombits(c.speed.Load())
}

// SetSpeed changes the speed used by counted and triggered advances.
func (c *Controller) SetSpeed(speed float64) error {
	if err := c.checkSpeed(speed); err != nil {
		return err
	}
	c.speed.Store(math.Float64bits(speed))
	return nil
}
