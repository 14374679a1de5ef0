package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/telecine/internal/hw/gpio"
	"github.com/cjeanneret/telecine/internal/logic/motion"
)

// MaxConfigFileBytes caps the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// Hardware backends.
const (
	BackendPigpio = "pigpio" // pigpiod drives GPIO and waveforms (DMA timing)
	BackendSoft   = "soft"   // go-rpio GPIO + software waveform playback
)

// Camera types.
const (
	CameraNone          = "none"
	CameraRemoteRelease = "remote_release"
)

// StepperConfig holds the configuration for one stepper driver
// (A4988/DRV8825 style: DIR, STEP, SLEEP).
type StepperConfig struct {
	DirPin       int     `yaml:"dir_pin"`
	PulsePin     int     `yaml:"pulse_pin"`     // STEP input. 0 = motor not fitted.
	SleepPin     int     `yaml:"sleep_pin"`     // 0 = not wired. Driver awake when HIGH.
	StepsPerRev  int     `yaml:"steps_per_rev"` // full steps x microstepping
	PulleyRatio  float64 `yaml:"pulley_ratio"`  // motor revolutions per frame
	ForwardLevel string  `yaml:"forward_level"` // "high" or "low": DIR level for forward
}

// TriggerConfig describes the frame sensor input.
type TriggerConfig struct {
	Pin        int    `yaml:"pin"`         // 0 = no sensor (open loop)
	ActiveEdge string `yaml:"active_edge"` // "falling" (default) or "rising"
	TimeoutMs  int    `yaml:"timeout_ms"`  // 0 = wait for the edge indefinitely
}

// CameraConfig describes how the camera is released.
type CameraConfig struct {
	Type            string `yaml:"type"`               // "remote_release" or "none"
	FocusPin        int    `yaml:"focus_pin"`          // 0 = focus line not wired
	ShutterPin      int    `yaml:"shutter_pin"`        // GPIO pin for SHUTTER line
	ActiveLow       bool   `yaml:"active_low"`         // contact closed by a LOW level
	FocusDelayMs    int    `yaml:"focus_delay_ms"`     // half-press before shutter (ms)
	ShutterDelayMs  int    `yaml:"shutter_delay_ms"`   // shutter hold time (ms)
	PostShotDelayMs int    `yaml:"post_shot_delay_ms"` // delay after shot before movement (ms)
	ShotsPerFrame   int    `yaml:"shots_per_frame"`    // exposures per frame (bracketing)
}

// HardwareConfig selects and tunes the hardware backend.
type HardwareConfig struct {
	Backend            string `yaml:"backend"`               // "pigpio" (default) or "soft"
	PigpioAddr         string `yaml:"pigpio_addr"`           // host:port of pigpiod
	WaveformCapacity   int    `yaml:"waveform_capacity"`     // soft backend waveform slots
	ChannelSyncDelayMs int    `yaml:"channel_sync_delay_ms"` // feed -> take-up submission gap
	Realtime           bool   `yaml:"realtime"`              // lock memory, pin playback to CPU
	CPU                int    `yaml:"cpu"`                   // CPU for playback when realtime
	EdgePollUs         int    `yaml:"edge_poll_us"`          // go-rpio edge detector poll period
}

// DefaultsConfig contains generic parameters (speed, etc.).
type DefaultsConfig struct {
	Speed         float64 `yaml:"speed"`           // frames per second
	DebugLevel    int     `yaml:"debug_level"`     // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO      bool    `yaml:"mock_gpio"`       // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	SettleDelayMs int     `yaml:"settle_delay_ms"` // film gate settle time before a shot
}

// Config aggregates all application configuration.
type Config struct {
	FeedStepper   StepperConfig  `yaml:"feed_stepper"`
	TakeupStepper StepperConfig  `yaml:"takeup_stepper"` // optional
	Trigger       TriggerConfig  `yaml:"trigger"`
	Camera        CameraConfig   `yaml:"camera"`
	Hardware      HardwareConfig `yaml:"hardware"`
	Defaults      DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath checks that path names a .yaml file directly inside
// a configs/ directory, without parent-directory components.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	if slices.Contains(strings.Split(filepath.ToSlash(clean), "/"), "..") {
		return fmt.Errorf("config path %q must not contain '..'", path)
	}
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if err := c.FeedStepper.check("feed_stepper", true); err != nil {
		return err
	}
	if err := c.TakeupStepper.check("takeup_stepper", false); err != nil {
		return err
	}

	if c.Trigger.Pin < 0 {
		return fmt.Errorf("trigger.pin must be >= 0, got %d", c.Trigger.Pin)
	}
	if _, err := gpio.ParseEdge(c.Trigger.ActiveEdge); err != nil {
		return fmt.Errorf("trigger.active_edge: %w", err)
	}
	if c.Trigger.TimeoutMs < 0 {
		return fmt.Errorf("trigger.timeout_ms must be >= 0, got %d", c.Trigger.TimeoutMs)
	}

	switch c.Camera.Type {
	case "":
		c.Camera.Type = CameraNone
	case CameraNone:
	case CameraRemoteRelease:
		if c.Camera.ShutterPin <= 0 {
			return errors.New("camera.shutter_pin is required for remote_release")
		}
	default:
		return fmt.Errorf("camera.type %q unknown (want %s or %s)", c.Camera.Type, CameraRemoteRelease, CameraNone)
	}
	// Default values for camera delays
	if c.Camera.ShutterDelayMs <= 0 {
		c.Camera.ShutterDelayMs = 200 // 200ms shutter hold
	}
	if c.Camera.PostShotDelayMs <= 0 {
		c.Camera.PostShotDelayMs = 300 // 300ms after shot before movement
	}
	if c.Camera.ShotsPerFrame <= 0 {
		c.Camera.ShotsPerFrame = 1
	}

	switch c.Hardware.Backend {
	case "":
		c.Hardware.Backend = BackendPigpio
	case BackendPigpio, BackendSoft:
	default:
		return fmt.Errorf("hardware.backend %q unknown (want %s or %s)", c.Hardware.Backend, BackendPigpio, BackendSoft)
	}
	if c.Hardware.PigpioAddr == "" {
		c.Hardware.PigpioAddr = "localhost:8888"
	}
	if c.Hardware.WaveformCapacity < 0 || c.Hardware.WaveformCapacity > 250 {
		return fmt.Errorf("hardware.waveform_capacity must be between 0 and 250, got %d", c.Hardware.WaveformCapacity)
	}
	if c.Hardware.WaveformCapacity == 0 {
		c.Hardware.WaveformCapacity = 250
	}
	if c.Hardware.ChannelSyncDelayMs < 0 {
		return fmt.Errorf("hardware.channel_sync_delay_ms must be >= 0, got %d", c.Hardware.ChannelSyncDelayMs)
	}
	if c.Hardware.EdgePollUs <= 0 {
		c.Hardware.EdgePollUs = 200
	}

	if c.Defaults.Speed < 0 {
		return fmt.Errorf("defaults.speed must be > 0, got %g", c.Defaults.Speed)
	}
	if c.Defaults.Speed == 0 {
		c.Defaults.Speed = 8 // 8 frames per second
	}
	if c.Defaults.SettleDelayMs < 0 {
		return fmt.Errorf("defaults.settle_delay_ms must be >= 0, got %d", c.Defaults.SettleDelayMs)
	}
	return nil
}

func (s *StepperConfig) check(name string, required bool) error {
	if s.PulsePin == 0 && !required {
		return nil
	}
	if s.PulsePin <= 0 || s.PulsePin > 31 {
		return fmt.Errorf("%s.pulse_pin must be between 1 and 31, got %d", name, s.PulsePin)
	}
	if s.DirPin <= 0 || s.DirPin > 31 {
		return fmt.Errorf("%s.dir_pin must be between 1 and 31, got %d", name, s.DirPin)
	}
	if s.StepsPerRev <= 0 {
		return fmt.Errorf("%s.steps_per_rev must be > 0", name)
	}
	if s.PulleyRatio < 0 {
		return fmt.Errorf("%s.pulley_ratio must be > 0, got %g", name, s.PulleyRatio)
	}
	if s.PulleyRatio == 0 {
		s.PulleyRatio = 1
	}
	if _, err := parseLevel(s.ForwardLevel); err != nil {
		return fmt.Errorf("%s.forward_level: %w", name, err)
	}
	return nil
}

func parseLevel(s string) (gpio.Level, error) {
	switch strings.ToLower(s) {
	case "high", "":
		return gpio.High, nil
	case "low":
		return gpio.Low, nil
	default:
		return gpio.Low, fmt.Errorf("unknown level %q (want high or low)", s)
	}
}

func (s StepperConfig) channel(name string) motion.ChannelConfig {
	level, _ := parseLevel(s.ForwardLevel)
	return motion.ChannelConfig{
		Name:         name,
		DirPin:       s.DirPin,
		PulsePin:     s.PulsePin,
		SleepPin:     s.SleepPin,
		StepsPerRev:  s.StepsPerRev,
		PulleyRatio:  s.PulleyRatio,
		ForwardLevel: level,
	}
}

// HasTakeup reports whether a take-up motor is configured.
func (c *Config) HasTakeup() bool {
	return c.TakeupStepper.PulsePin != 0
}

// Motion returns the motion controller settings.
func (c *Config) Motion() motion.Config {
	edge, _ := gpio.ParseEdge(c.Trigger.ActiveEdge)
	mc := motion.Config{
		Primary:        c.FeedStepper.channel("feed"),
		Trigger:        motion.TriggerConfig{Pin: c.Trigger.Pin, Edge: edge},
		Speed:          c.Defaults.Speed,
		SyncDelay:      c.ChannelSyncDelay(),
		TriggerTimeout: c.TriggerTimeout(),
	}
	if c.HasTakeup() {
		takeup := c.TakeupStepper.channel("takeup")
		mc.Secondary = &takeup
	}
	return mc
}

// TriggerTimeout bounds a triggered advance; 0 means no bound.
func (c *Config) TriggerTimeout() time.Duration {
	return time.Duration(c.Trigger.TimeoutMs) * time.Millisecond
}

// ChannelSyncDelay returns the gap between feed and take-up submissions.
func (c *Config) ChannelSyncDelay() time.Duration {
	return time.Duration(c.Hardware.ChannelSyncDelayMs) * time.Millisecond
}

// EdgePoll returns the go-rpio edge detector poll period.
func (c *Config) EdgePoll() time.Duration {
	return time.Duration(c.Hardware.EdgePollUs) * time.Microsecond
}

// SettleDelay returns the film gate settle time before a shot.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Defaults.SettleDelayMs) * time.Millisecond
}

// FocusDelay returns the half-press duration.
func (c *Config) FocusDelay() time.Duration {
	return time.Duration(c.Camera.FocusDelayMs) * time.Millisecond
}

// ShutterDelay returns the shutter hold duration.
func (c *Config) ShutterDelay() time.Duration {
	return time.Duration(c.Camera.ShutterDelayMs) * time.Millisecond
}

// PostShotDelay returns the delay after shot before movement.
func (c *Config) PostShotDelay() time.Duration {
	return time.Duration(c.Camera.PostShotDelayMs) * time.Millisecond
}
