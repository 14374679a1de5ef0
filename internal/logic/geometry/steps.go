package geometry

import "fmt"

// MicrosPerHalfSecond converts a frequency in Hz into a half-period in µs.
const MicrosPerHalfSecond = 500000

// Frame converts film-advance speeds into motor step rates for one
// stepper channel.
type Frame struct {
	stepsPerRev int
	pulleyRatio float64 // motor revolutions per frame revolution
}

// NewFrame validates and creates a frame geometry.
func NewFrame(stepsPerRev int, pulleyRatio float64) (Frame, error) {
	if stepsPerRev <= 0 {
		return Frame{}, fmt.Errorf("steps_per_rev must be > 0, got %d", stepsPerRev)
	}
	if pulleyRatio <= 0 {
		return Frame{}, fmt.Errorf("pulley_ratio must be > 0, got %g", pulleyRatio)
	}
	return Frame{stepsPerRev: stepsPerRev, pulleyRatio: pulleyRatio}, nil
}

// StepsPerRev returns the motor steps in one revolution.
func (f Frame) StepsPerRev() int {
	return f.stepsPerRev
}

// PulleyRatio returns the motor/frame gearing.
func (f Frame) PulleyRatio() float64 {
	return f.pulleyRatio
}

// StepFrequency returns the pulse frequency in Hz for a speed expressed in
// revolutions per second, truncated to an integer.
// For example, 200 steps/rev at speed 8 with ratio 1 gives 1600 Hz.
func (f Frame) StepFrequency(speed float64) int {
	return int(float64(f.stepsPerRev) * speed / f.pulleyRatio)
}

// StepsForFrames returns the number of steps in n frame advances.
func (f Frame) StepsForFrames(n int) int {
	return n * f.stepsPerRev
}

// HalfPeriodMicros returns the duration of one phase of a square wave at
// frequency Hz, truncated. It returns 0 for non-positive frequencies.
func HalfPeriodMicros(frequency int) int {
	if frequency <= 0 {
		return 0
	}
	return MicrosPerHalfSecond / frequency
}
