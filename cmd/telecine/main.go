package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/cjeanneret/telecine/internal/config"
	"github.com/cjeanneret/telecine/internal/debug"
	"github.com/cjeanneret/telecine/internal/hw/camera"
	"github.com/cjeanneret/telecine/internal/hw/gpio"
	"github.com/cjeanneret/telecine/internal/hw/pigpio"
	"github.com/cjeanneret/telecine/internal/hw/rt"
	"github.com/cjeanneret/telecine/internal/hw/wave"
	"github.com/cjeanneret/telecine/internal/logic/capture"
	"github.com/cjeanneret/telecine/internal/logic/geometry"
	"github.com/cjeanneret/telecine/internal/logic/motion"
	"github.com/cjeanneret/telecine/internal/web"
)

// One-shot run modes.
const (
	modeContinuous = "continuous"
	modeCounted    = "counted"
	modeTrigger    = "trigger"
	modeScan       = "scan"
)

// cliOverrides holds the command line values that override the config.
type cliOverrides struct {
	mode       string
	speed      float64 // 0 = config default
	count      int
	frames     int
	debugLevel int // -1 = config default
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	mode := flag.String("mode", modeTrigger, "one-shot run: continuous, counted, trigger or scan")
	count := flag.Int("count", 1, "frames to advance in counted mode")
	speed := flag.Float64("speed", 0, "override speed in frames per second")
	frames := flag.Int("frames", 0, "frames to scan in scan mode; 0 scans until interrupted")
	reverse := flag.Bool("reverse", false, "move the film backwards")
	debugLevel := flag.Int("debug", -1, "override debug level (0-4)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	overrides := cliOverrides{
		mode:       *mode,
		speed:      *speed,
		count:      *count,
		frames:     *frames,
		debugLevel: *debugLevel,
	}
	if err := validateCLIOverrides(overrides); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	applyOverrides(cfg, overrides)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	if cfg.Hardware.Realtime {
		applyRealtime()
	}

	// Hardware backend
	debug.Step(1, "Opening hardware backend")
	hw, err := openHardware(ctx, cfg)
	if err != nil {
		log.Fatalf("init hardware failed: %v", err)
	}
	defer func() {
		if err := hw.Close(); err != nil {
			log.Printf("closing hardware failed: %v", err)
		}
	}()

	// Motion controller
	debug.Step(2, "Initializing motion controller")
	debug.PrintStruct("Feed stepper config", cfg.FeedStepper)
	if cfg.HasTakeup() {
		debug.PrintStruct("Take-up stepper config", cfg.TakeupStepper)
	}
	ctrl, err := motion.New(cfg.Motion(), motion.Hardware{GPIO: hw.gpio, Wave: hw.wave})
	if err != nil {
		log.Fatalf("init motion controller failed: %v", err)
	}
	defer ctrl.Close()
	if *reverse {
		ctrl.SetDirection(motion.Reverse)
	}

	// Camera
	debug.Step(3, "Initializing camera")
	cam, err := newCameraFromConfig(hw.gpio, cfg)
	if err != nil {
		log.Fatalf("init camera failed: %v", err)
	}
	debug.Value("Camera type", cfg.Camera.Type)
	session := capture.NewSession(ctrl, cam)

	if err := ctrl.On(); err != nil {
		log.Fatalf("motor on failed: %v", err)
	}

	if port := webPort.port(); port > 0 {
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		runScan := func(ctx context.Context, req web.ScanRequest) error {
			return session.Run(ctx, scanParams(cfg, req.Frames, broadcaster.BroadcastFrame))
		}
		handlers := web.NewHandlers(broadcaster, ctrl, runScan)
		srv := web.NewServer(fmt.Sprintf(":%d", port), handlers)
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	if err := runOnce(ctx, ctrl, session, cfg, overrides); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("%s failed: %v", overrides.mode, err)
	}
	debug.Summary("Frame counter")
	debug.Info("Frame counter %d, missed %d", ctrl.FrameCount(), ctrl.MissedFrames())
}

// runOnce performs one CLI mode run and returns when it is done or ctx ends.
func runOnce(ctx context.Context, ctrl *motion.Controller, session *capture.Session, cfg *config.Config, o cliOverrides) error {
	debug.Section("Run: " + o.mode)
	switch o.mode {
	case modeContinuous:
		if err := ctrl.AdvanceContinuous(cfg.Defaults.Speed); err != nil {
			return err
		}
		// Runs until interrupted.
		<-ctx.Done()
		ctrl.Stop()
		return nil
	case modeCounted:
		return ctrl.AdvanceCounted(ctx, o.count)
	case modeTrigger:
		return ctrl.AdvanceUntilTrigger(ctx)
	case modeScan:
		return session.Run(ctx, scanParams(cfg, o.frames, nil))
	default:
		return fmt.Errorf("unknown mode %q", o.mode)
	}
}

// scanParams builds scan parameters from the config.
func scanParams(cfg *config.Config, frames int, onFrame func(capture.Frame)) capture.ScanParams {
	return capture.ScanParams{
		Frames:        frames,
		ShotsPerFrame: cfg.Camera.ShotsPerFrame,
		SettleDelay:   cfg.SettleDelay(),
		PostShotDelay: cfg.PostShotDelay(),
		OnFrame:       onFrame,
	}
}

// validateCLIOverrides checks the command line values.
// Zero speed and a negative debug level mean "use config default".
func validateCLIOverrides(o cliOverrides) error {
	switch o.mode {
	case modeContinuous, modeCounted, modeTrigger, modeScan:
	default:
		return fmt.Errorf("mode must be %s, %s, %s or %s, got %q", modeContinuous, modeCounted, modeTrigger, modeScan, o.mode)
	}
	if o.speed != 0 {
		if math.IsNaN(o.speed) || math.IsInf(o.speed, 0) || o.speed < 0 {
			return fmt.Errorf("speed must be a positive number, got %g", o.speed)
		}
	}
	if o.mode == modeCounted && o.count < 1 {
		return fmt.Errorf("count must be >= 1, got %d", o.count)
	}
	if o.frames < 0 {
		return fmt.Errorf("frames must be >= 0, got %d", o.frames)
	}
	if o.debugLevel > debug.LevelTrace {
		return fmt.Errorf("debug level must be between 0 and %d, got %d", debug.LevelTrace, o.debugLevel)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only set values are applied.
func applyOverrides(cfg *config.Config, o cliOverrides) {
	if o.speed > 0 {
		cfg.Defaults.Speed = o.speed
	}
	if o.debugLevel >= 0 {
		cfg.Defaults.DebugLevel = o.debugLevel
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

// hardware is the GPIO driver and waveform transmitter pair the motors run on.
type hardware struct {
	gpio    gpio.Driver
	wave    wave.Transmitter
	closeFn func() error
}

func (h *hardware) Close() error { return h.closeFn() }

// openHardware selects the backend. pigpiod must answer at startup; there is
// no fallback to software timing when it is configured but unreachable.
func openHardware(ctx context.Context, cfg *config.Config) (*hardware, error) {
	if !cfg.Defaults.MockGPIO && cfg.Hardware.Backend == config.BackendPigpio {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := pigpio.Dial(dialCtx, cfg.Hardware.PigpioAddr, pigpio.Options{})
		if err != nil {
			return nil, fmt.Errorf("connect to pigpiod at %s: %w", cfg.Hardware.PigpioAddr, err)
		}
		debug.Value("Backend", "pigpio "+cfg.Hardware.PigpioAddr)
		debug.Value("Hardware revision", fmt.Sprintf("%#x", c.HardwareRevision()))
		return &hardware{gpio: c, wave: c, closeFn: c.Close}, nil
	}

	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	g, err := gpio.NewDriver(cfg.Defaults.MockGPIO, gpio.RPiOptions{EdgePoll: cfg.EdgePoll()})
	if err != nil {
		return nil, err
	}
	if m, ok := g.(*gpio.MockDriver); ok && cfg.Trigger.Pin > 0 {
		// Simulated frame sensor: one edge per frame of feed steps.
		frame, err := geometry.NewFrame(cfg.FeedStepper.StepsPerRev, cfg.FeedStepper.PulleyRatio)
		if err != nil {
			return nil, multierr.Append(err, g.Close())
		}
		m.CouplePulses(cfg.FeedStepper.PulsePin, frame.StepsForFrames(1), cfg.Trigger.Pin)
	}

	cpu := -1
	if cfg.Hardware.Realtime {
		cpu = cfg.Hardware.CPU
	}
	tx := wave.NewSoftTransmitter(g, wave.SoftOptions{Capacity: cfg.Hardware.WaveformCapacity, CPU: cpu})
	debug.Value("Backend", "soft")
	return &hardware{
		gpio: g,
		wave: tx,
		closeFn: func() error {
			err := tx.Halt()
			tx.Wait()
			return multierr.Append(err, g.Close())
		},
	}, nil
}

// applyRealtime locks memory and raises priority. Failures (usually
// missing privileges) are logged and ignored.
func applyRealtime() {
	if err := rt.LockMemory(); err != nil {
		log.Printf("realtime: %v", err)
	}
	if err := rt.RaisePriority(-10); err != nil {
		log.Printf("realtime: %v", err)
	}
}

// newCameraFromConfig selects a camera implementation based on configuration.
func newCameraFromConfig(g gpio.Driver, cfg *config.Config) (camera.Camera, error) {
	switch cfg.Camera.Type {
	case config.CameraRemoteRelease:
		return camera.NewRemoteRelease(g, camera.RemoteConfig{
			FocusPin:     cfg.Camera.FocusPin,
			ShutterPin:   cfg.Camera.ShutterPin,
			FocusDelay:   cfg.FocusDelay(),
			ShutterDelay: cfg.ShutterDelay(),
			ActiveLow:    cfg.Camera.ActiveLow,
		})
	case config.CameraNone:
		return camera.None{}, nil
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}
