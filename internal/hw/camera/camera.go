package camera

import "context"

// Camera is the high-level interface used by the scan loop. It represents
// an abstract still camera pointed at the film gate, regardless of how it
// is released (wired remote, USB, network protocol, etc.).
type Camera interface {
	// Shoot takes one exposure of the frame currently in the gate.
	Shoot(ctx context.Context) error
}

// None is used when no camera is wired: the film is moved and counted but
// nothing is exposed.
type None struct{}

func (None) Shoot(ctx context.Context) error {
	return ctx.Err()
}
