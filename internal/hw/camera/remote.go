package camera

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/cjeanneret/telecine/internal/debug"
	"github.com/cjeanneret/telecine/internal/hw/gpio"
)

// RemoteConfig describes a wired remote release (2.5mm jack or 3-pin
// connector) driven through opto-couplers:
// - FOCUS: half-press, optional (pin 0) since film is focused once
// - SHUTTER: full press
type RemoteConfig struct {
	FocusPin     int
	ShutterPin   int
	FocusDelay   time.Duration // half-press before the shutter
	ShutterDelay time.Duration // shutter hold time
	// ActiveLow is true when a LOW level closes the contact.
	ActiveLow bool
}

// RemoteRelease is a Camera released through GPIO lines.
//
// Release sequence:
// 1. FOCUS active (if wired)
// 2. Wait FocusDelay
// 3. SHUTTER active
// 4. Hold ShutterDelay
// 5. SHUTTER then FOCUS back to idle
type RemoteRelease struct {
	gpio   gpio.Driver
	cfg    RemoteConfig
	active gpio.Level
	idle   gpio.Level
}

// NewRemoteRelease configures the release lines as idle outputs.
func NewRemoteRelease(g gpio.Driver, cfg RemoteConfig) (*RemoteRelease, error) {
	if cfg.ShutterPin <= 0 {
		return nil, fmt.Errorf("camera: shutter pin must be > 0, got %d", cfg.ShutterPin)
	}
	if cfg.FocusPin == cfg.ShutterPin {
		return nil, fmt.Errorf("camera: focus and shutter share pin %d", cfg.ShutterPin)
	}
	r := &RemoteRelease{gpio: g, cfg: cfg, active: gpio.High, idle: gpio.Low}
	if cfg.ActiveLow {
		r.active, r.idle = gpio.Low, gpio.High
	}

	for _, pin := range r.pins() {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("camera: setup pin %d: %w", pin, err)
		}
		if err := g.WritePin(pin, r.idle); err != nil {
			return nil, fmt.Errorf("camera: idle pin %d: %w", pin, err)
		}
	}
	return r, nil
}

func (r *RemoteRelease) pins() []int {
	if r.cfg.FocusPin > 0 {
		return []int{r.cfg.FocusPin, r.cfg.ShutterPin}
	}
	return []int{r.cfg.ShutterPin}
}

// Shoot presses and releases the remote. Lines are always returned to
// idle, even when ctx is cancelled mid-press.
func (r *RemoteRelease) Shoot(ctx context.Context) (err error) {
	debug.Live("Camera: release (focus=%d, shutter=%d)", r.cfg.FocusPin, r.cfg.ShutterPin)

	if r.cfg.FocusPin > 0 {
		debug.Verbose("Camera: FOCUS pin %d active", r.cfg.FocusPin)
		if err := r.gpio.WritePin(r.cfg.FocusPin, r.active); err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, r.gpio.WritePin(r.cfg.FocusPin, r.idle))
		}()
		if err := wait(ctx, r.cfg.FocusDelay); err != nil {
			return err
		}
	}

	debug.Verbose("Camera: SHUTTER pin %d active for %v", r.cfg.ShutterPin, r.cfg.ShutterDelay)
	if err := r.gpio.WritePin(r.cfg.ShutterPin, r.active); err != nil {
		return err
	}
	holdErr := wait(ctx, r.cfg.ShutterDelay)
	if err := multierr.Append(holdErr, r.gpio.WritePin(r.cfg.ShutterPin, r.idle)); err != nil {
		return err
	}

	debug.Verbose("Camera: released")
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
