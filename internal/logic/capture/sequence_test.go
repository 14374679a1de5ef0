package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/telecine/internal/hw/gpio"
	"github.com/cjeanneret/telecine/internal/hw/wave"
	"github.com/cjeanneret/telecine/internal/logic/motion"
)

// mockCamera records Shoot calls.
type mockCamera struct {
	mu    sync.Mutex
	shots int
	err   error
}

func (m *mockCamera) Shoot(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.shots++
	return nil
}

func (m *mockCamera) shotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shots
}

// fakeMover advances the frame counter by one per advance.
type fakeMover struct {
	mu         sync.Mutex
	trigger    bool
	triggered  int
	counted    int
	stops      int
	count      int64
	advanceErr error
}

func (f *fakeMover) AdvanceUntilTrigger(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advanceErr != nil {
		return f.advanceErr
	}
	f.triggered++
	f.count++
	return ctx.Err()
}

func (f *fakeMover) AdvanceCounted(ctx context.Context, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advanceErr != nil {
		return f.advanceErr
	}
	f.counted++
	f.count += int64(count)
	return ctx.Err()
}

func (f *fakeMover) TriggerEnabled() bool { return f.trigger }

func (f *fakeMover) FrameCount() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *fakeMover) Direction() motion.Direction { return motion.Forward }

func (f *fakeMover) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func TestRun_TriggeredFrames(t *testing.T) {
	mv := &fakeMover{trigger: true}
	cam := &mockCamera{}
	s := NewSession(mv, cam)

	var seen []Frame
	err := s.Run(context.Background(), ScanParams{
		Frames:      3,
		SettleDelay: time.Microsecond,
		OnFrame:     func(f Frame) { seen = append(seen, f) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if mv.triggered != 3 || mv.counted != 0 {
		t.Errorf("advances: triggered=%d counted=%d, want 3/0", mv.triggered, mv.counted)
	}
	if cam.shotCount() != 3 {
		t.Errorf("shots = %d, want 3", cam.shotCount())
	}
	frames := s.Frames()
	if len(frames) != 3 || len(seen) != 3 {
		t.Fatalf("frames = %d, callbacks = %d, want 3", len(frames), len(seen))
	}
	for i, f := range frames {
		if f.Index != i || f.Counter != int64(i+1) || f.Direction != "forward" {
			t.Errorf("frame %d = %+v", i, f)
		}
	}
	if mv.stops != 0 {
		t.Errorf("stops = %d, want 0 after a complete scan", mv.stops)
	}
}

func TestRun_OpenLoopUsesCountedAdvance(t *testing.T) {
	mv := &fakeMover{}
	cam := &mockCamera{}
	s := NewSession(mv, cam)

	if err := s.Run(context.Background(), ScanParams{Frames: 4}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if mv.counted != 4 || mv.triggered != 0 {
		t.Errorf("advances: counted=%d triggered=%d, want 4/0", mv.counted, mv.triggered)
	}
}

func TestRun_BracketedShots(t *testing.T) {
	mv := &fakeMover{trigger: true}
	cam := &mockCamera{}
	s := NewSession(mv, cam)

	if err := s.Run(context.Background(), ScanParams{Frames: 2, ShotsPerFrame: 3}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cam.shotCount() != 6 {
		t.Errorf("shots = %d, want 6 (2 frames x 3)", cam.shotCount())
	}
	if f := s.Frames()[1]; f.Exposures != 3 {
		t.Errorf("exposures = %d, want 3", f.Exposures)
	}
}

func TestRun_FramesClearedPerSession(t *testing.T) {
	mv := &fakeMover{trigger: true}
	s := NewSession(mv, &mockCamera{})

	if err := s.Run(context.Background(), ScanParams{Frames: 5}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := s.Run(context.Background(), ScanParams{Frames: 2}); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	frames := s.Frames()
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2 from the second session only", len(frames))
	}
	if frames[0].Index != 0 || frames[0].Counter != 6 {
		t.Errorf("first frame of second session = %+v", frames[0])
	}
}

func TestRun_UnboundedScanKeepsRecentFrames(t *testing.T) {
	mv := &fakeMover{trigger: true}
	s := NewSession(mv, &mockCamera{})
	s.keep = 4

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := 0
	err := s.Run(ctx, ScanParams{OnFrame: func(Frame) {
		seen++
		if seen == 10 {
			cancel()
		}
	}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}

	frames := s.Frames()
	if len(frames) != 4 {
		t.Fatalf("frames = %d, want the last 4", len(frames))
	}
	for i, f := range frames {
		if f.Index != 6+i {
			t.Errorf("frames[%d].Index = %d, want %d", i, f.Index, 6+i)
		}
	}
	if s.Scanned() != 10 || seen != 10 {
		t.Errorf("scanned = %d, callbacks = %d, want 10", s.Scanned(), seen)
	}
}

func TestNewSession_DefaultRecordLimit(t *testing.T) {
	s := NewSession(&fakeMover{}, &mockCamera{})
	if s.keep != MaxFrameRecords {
		t.Errorf("keep = %d, want %d", s.keep, MaxFrameRecords)
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	mv := &fakeMover{trigger: true}
	cam := &mockCamera{}
	s := NewSession(mv, cam)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx, ScanParams{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if cam.shotCount() != 0 {
		t.Errorf("shots = %d, want 0", cam.shotCount())
	}
	if mv.stops != 1 {
		t.Errorf("stops = %d, want 1", mv.stops)
	}
}

func TestRun_ContextCancelMidScan(t *testing.T) {
	mv := &fakeMover{trigger: true}
	cam := &mockCamera{}
	s := NewSession(mv, cam)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, ScanParams{PostShotDelay: 10 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want deadline exceeded", err)
	}
	shots := cam.shotCount()
	if shots == 0 || shots >= 100 {
		t.Errorf("shots = %d, want some but not many before the deadline", shots)
	}
	if s.Running() {
		t.Error("session still marked running")
	}
}

func TestRun_AdvanceErrorStopsScan(t *testing.T) {
	mv := &fakeMover{trigger: true, advanceErr: motion.ErrTriggerTimeout}
	cam := &mockCamera{}
	s := NewSession(mv, cam)

	err := s.Run(context.Background(), ScanParams{Frames: 3})
	if !errors.Is(err, motion.ErrTriggerTimeout) {
		t.Fatalf("Run error = %v, want trigger timeout", err)
	}
	if cam.shotCount() != 0 || mv.stops != 1 {
		t.Errorf("shots=%d stops=%d, want 0/1", cam.shotCount(), mv.stops)
	}
}

func TestRun_CameraErrorStopsScan(t *testing.T) {
	mv := &fakeMover{trigger: true}
	cam := &mockCamera{err: errors.New("card full")}
	s := NewSession(mv, cam)

	if err := s.Run(context.Background(), ScanParams{Frames: 3}); !errors.Is(err, cam.err) {
		t.Fatalf("Run error = %v, want %v", err, cam.err)
	}
	if len(s.Frames()) != 0 {
		t.Errorf("frames recorded despite camera failure")
	}
}

func TestRun_RejectsConcurrentScan(t *testing.T) {
	mv := &fakeMover{trigger: true}
	s := NewSession(mv, &mockCamera{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, ScanParams{PostShotDelay: time.Millisecond}) }()

	deadline := time.Now().Add(time.Second)
	for !s.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := s.Run(context.Background(), ScanParams{Frames: 1}); !errors.Is(err, ErrBusy) {
		t.Errorf("second Run error = %v, want ErrBusy", err)
	}
	cancel()
	<-done
}

func TestRun_NegativeFrames(t *testing.T) {
	s := NewSession(&fakeMover{}, &mockCamera{})
	if err := s.Run(context.Background(), ScanParams{Frames: -1}); err == nil {
		t.Error("expected error for negative frame count")
	}
}

func TestRun_WithMotionController(t *testing.T) {
	drv := gpio.NewMockDriver()
	defer drv.Close()
	tx := wave.NewSoftTransmitter(drv, wave.SoftOptions{CPU: -1})

	ctrl, err := motion.New(motion.Config{
		Primary: motion.ChannelConfig{
			Name: "feed", DirPin: 20, PulsePin: 21, SleepPin: 16,
			StepsPerRev: 200, PulleyRatio: 1, ForwardLevel: gpio.High,
		},
		Trigger: motion.TriggerConfig{Pin: 17, Edge: gpio.FallingEdge},
		Speed:   2,
	}, motion.Hardware{GPIO: drv, Wave: tx})
	if err != nil {
		t.Fatalf("motion.New: %v", err)
	}
	if err := ctrl.On(); err != nil {
		t.Fatalf("On: %v", err)
	}
	defer ctrl.Close()
	drv.CouplePulses(21, 20, 17)

	cam := &mockCamera{}
	s := NewSession(ctrl, cam)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Run(ctx, ScanParams{Frames: 3}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cam.shotCount() != 3 {
		t.Errorf("shots = %d, want 3", cam.shotCount())
	}
	if got := ctrl.FrameCount(); got != 3 {
		t.Errorf("frame counter = %d, want 3", got)
	}
	tx.Wait()
}
