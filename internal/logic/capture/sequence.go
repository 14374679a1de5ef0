package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/telecine/internal/debug"
	"github.com/cjeanneret/telecine/internal/hw/camera"
	"github.com/cjeanneret/telecine/internal/logic/motion"
)

// ErrBusy is returned when a scan is started while another one runs.
var ErrBusy = errors.New("scan already running")

// MaxFrameRecords bounds the frame records a session keeps. Older records
// are dropped once a scan passes it; OnFrame still sees every frame.
const MaxFrameRecords = 1000

// Mover is the part of the motion controller a scan drives.
type Mover interface {
	AdvanceUntilTrigger(ctx context.Context) error
	AdvanceCounted(ctx context.Context, count int) error
	TriggerEnabled() bool
	FrameCount() int64
	Direction() motion.Direction
	Stop()
}

var _ Mover = (*motion.Controller)(nil)

// Frame records one scanned film frame.
type Frame struct {
	Index     int       `json:"index"`   // position in this session, from 0
	Counter   int64     `json:"counter"` // frame counter after the advance
	Direction string    `json:"direction"`
	Exposures int       `json:"exposures"`
	At        time.Time `json:"at"`
}

// ScanParams defines one scan run.
type ScanParams struct {
	Frames        int           // frames to scan; 0 runs until ctx is done
	ShotsPerFrame int           // exposures per frame (bracketing); 0 means 1
	SettleDelay   time.Duration // gate stabilisation before the first shot
	PostShotDelay time.Duration // delay after the last shot before moving

	// OnFrame, if set, is called after each frame is recorded.
	OnFrame func(Frame)
}

// Session scans film frame by frame: advance to the next frame, let the
// gate settle, expose, repeat. Frame records belong to the session and are
// cleared when a new scan starts.
type Session struct {
	motion Mover
	camera camera.Camera
	keep   int

	mu      sync.Mutex
	running bool
	frames  []Frame
	scanned int
}

func NewSession(m Mover, c camera.Camera) *Session {
	return &Session{
		motion: m,
		camera: c,
		keep:   MaxFrameRecords,
	}
}

// Running reports whether a scan is in progress.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Frames returns a copy of the most recent frames recorded by the current
// or last scan, oldest first.
func (s *Session) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Scanned returns how many frames the current or last scan recorded,
// including those no longer kept.
func (s *Session) Scanned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanned
}

// Run performs a scan. With a frame sensor each frame is reached with a
// triggered advance; without one the film is moved one counted frame.
// The motors are stopped whenever the scan ends early.
func (s *Session) Run(ctx context.Context, p ScanParams) error {
	if p.Frames < 0 {
		return fmt.Errorf("frames must be >= 0, got %d", p.Frames)
	}
	shots := max(p.ShotsPerFrame, 1)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrBusy
	}
	s.running = true
	s.frames = nil
	s.scanned = 0
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.run(ctx, p, shots); err != nil {
		s.motion.Stop()
		return err
	}
	debug.Info("Scan complete: %d frames", s.Scanned())
	return nil
}

func (s *Session) run(ctx context.Context, p ScanParams, shots int) error {
	debug.Section("Scan")
	if p.Frames > 0 {
		debug.Value("Frames", p.Frames)
	} else {
		debug.Value("Frames", "until stopped")
	}
	debug.Value("Shots per frame", shots)
	debug.Value("Frame sensor", s.motion.TriggerEnabled())

	for i := 0; p.Frames == 0 || i < p.Frames; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.advance(ctx); err != nil {
			return fmt.Errorf("frame %d: advance: %w", i, err)
		}
		if err := sleep(ctx, p.SettleDelay); err != nil {
			return err
		}
		for n := 0; n < shots; n++ {
			if err := s.camera.Shoot(ctx); err != nil {
				return fmt.Errorf("frame %d: shot %d: %w", i, n+1, err)
			}
		}

		f := Frame{
			Index:     i,
			Counter:   s.motion.FrameCount(),
			Direction: s.motion.Direction().String(),
			Exposures: shots,
			At:        time.Now(),
		}
		s.record(f)
		debug.Frame(f.Counter, f.Direction)
		if p.OnFrame != nil {
			p.OnFrame(f)
		}

		if err := sleep(ctx, p.PostShotDelay); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) record(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) >= s.keep {
		n := copy(s.frames, s.frames[len(s.frames)-s.keep+1:])
		s.frames = s.frames[:n]
	}
	s.frames = append(s.frames, f)
	s.scanned++
}

func (s *Session) advance(ctx context.Context) error {
	if s.motion.TriggerEnabled() {
		return s.motion.AdvanceUntilTrigger(ctx)
	}
	return s.motion.AdvanceCounted(ctx, 1)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
