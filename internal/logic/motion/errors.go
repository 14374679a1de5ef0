package motion

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameter reports a bad argument; no hardware call was made
	// on its behalf.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrMotionFault reports a hardware-side failure (e.g. waveform store
	// exhausted). The controller is left Stopped.
	ErrMotionFault = errors.New("motion fault")
	// ErrNotReady is returned when advancing before On.
	ErrNotReady = errors.New("motor not on")
	// ErrStopped is returned by a blocked advance released by Stop.
	ErrStopped = errors.New("motion stopped")
	// ErrTriggerTimeout is returned when no trigger edge arrived in time.
	ErrTriggerTimeout = errors.New("trigger timeout")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}

func fault(op string, err error) error {
	if errors.Is(err, ErrMotionFault) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrMotionFault, op, err)
}
