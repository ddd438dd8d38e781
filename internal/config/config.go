package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/BracketGo/internal/logic/converge"
	"github.com/cjeanneret/BracketGo/internal/logic/plan"
)

// MaxConfigFileBytes caps the size of a config file read by Load.
const MaxConfigFileBytes = 64 * 1024

// DefaultPostCaptureDelayMs applies when post_capture_delay_ms is absent.
// An explicit 0 means no pause.
const DefaultPostCaptureDelayMs = 1000

// RailConfig holds the focus rail: its stepper wiring and its mechanics.
type RailConfig struct {
	StepPin          int     `yaml:"step_pin"`
	DirPin           int     `yaml:"dir_pin"`
	EnablePin        int     `yaml:"enable_pin"` // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	StepsPerRev      int     `yaml:"steps_per_rev"`
	Microstepping    int     `yaml:"microstepping"`
	MmPerRev         float64 `yaml:"mm_per_rev"` // lead screw pitch
	MinMm            float64 `yaml:"min_mm"`
	MaxMm            float64 `yaml:"max_mm"`
	SampleIntervalMs int     `yaml:"sample_interval_ms"` // position telemetry period
}

// CameraConfig describes how to communicate with the camera.
// Type selects a concrete implementation (e.g., "nikon_d90_gpio").
type CameraConfig struct {
	Type               string `yaml:"type"`
	FocusPin           int    `yaml:"focus_pin"`             // 0 = focus line not wired
	ShutterPin         int    `yaml:"shutter_pin"`
	FocusDelayMs       int    `yaml:"focus_delay_ms"`        // autofocus delay (ms)
	ShutterDelayMs     int    `yaml:"shutter_delay_ms"`      // shutter hold time (ms)
	PostCaptureDelayMs int    `yaml:"post_capture_delay_ms"` // pause after a shot before the next setpoint
}

// CueConfig is the optional buzzer sounded right before each shot.
type CueConfig struct {
	BuzzerPin  int `yaml:"buzzer_pin"` // 0 = no buzzer
	DurationMs int `yaml:"duration_ms"`
}

// ConvergenceConfig selects how the sequence decides the rail has settled.
type ConvergenceConfig struct {
	Strategy      string  `yaml:"strategy"` // auto, telemetry or ack
	Tolerance     float64 `yaml:"tolerance"`
	TimeoutMs     int     `yaml:"timeout_ms"`
	SettleDelayMs int     `yaml:"settle_delay_ms"` // ack strategy only
	OnTimeout     string  `yaml:"on_timeout"`      // abort or capture
}

// SequenceConfig holds run-level policies.
type SequenceConfig struct {
	OnFailure string `yaml:"on_failure"` // abort or continue
	PlanPath  string `yaml:"plan_path"`  // where the last plan is persisted
}

// DefaultsConfig contains generic parameters (speed, etc.).
type DefaultsConfig struct {
	MoveSpeedMs int  `yaml:"move_speed_ms"` // delay between motor steps
	DebugLevel  int  `yaml:"debug_level"`   // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO    bool `yaml:"mock_gpio"`     // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	Port        int  `yaml:"port"`          // web UI port
}

// Config aggregates all application configuration.
type Config struct {
	Rail        RailConfig        `yaml:"rail"`
	Camera      CameraConfig      `yaml:"camera"`
	Cue         CueConfig         `yaml:"cue"`
	Convergence ConvergenceConfig `yaml:"convergence"`
	Sequence    SequenceConfig    `yaml:"sequence"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files sitting directly in a
// configs/ directory, with no parent references.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
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
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "stat config file %s", path)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file %s is %d bytes, limit is %d", path, info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "read config file %s", path)
	}

	// yaml.v3 leaves fields absent from the file untouched.
	cfg := Config{Camera: CameraConfig{PostCaptureDelayMs: DefaultPostCaptureDelayMs}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, pkgerrors.Wrapf(err, "unmarshal yaml from %s", path)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() error {
	if cfg.Camera.Type == "" {
		return fmt.Errorf("camera.type is required")
	}
	if cfg.Camera.Type != "nikon_d90_gpio" {
		return fmt.Errorf("camera.type %q is not supported", cfg.Camera.Type)
	}
	if cfg.Camera.FocusDelayMs <= 0 {
		cfg.Camera.FocusDelayMs = 500 // 500ms for autofocus
	}
	if cfg.Camera.ShutterDelayMs <= 0 {
		cfg.Camera.ShutterDelayMs = 200 // 200ms shutter hold
	}
	if cfg.Camera.PostCaptureDelayMs < 0 {
		return fmt.Errorf("camera.post_capture_delay_ms must be >= 0, got %d", cfg.Camera.PostCaptureDelayMs)
	}

	if cfg.Rail.StepsPerRev <= 0 {
		cfg.Rail.StepsPerRev = 200
	}
	if cfg.Rail.Microstepping <= 0 {
		cfg.Rail.Microstepping = 16
	}
	if cfg.Rail.MmPerRev <= 0 {
		cfg.Rail.MmPerRev = 8 // T8 lead screw
	}
	if cfg.Rail.MaxMm == 0 && cfg.Rail.MinMm == 0 {
		cfg.Rail.MaxMm = 50
	}
	if cfg.Rail.MaxMm <= cfg.Rail.MinMm {
		return fmt.Errorf("rail.max_mm (%.2f) must be greater than rail.min_mm (%.2f)", cfg.Rail.MaxMm, cfg.Rail.MinMm)
	}
	if cfg.Rail.SampleIntervalMs <= 0 {
		cfg.Rail.SampleIntervalMs = 20
	}

	if cfg.Cue.DurationMs <= 0 {
		cfg.Cue.DurationMs = 80
	}

	switch converge.Strategy(cfg.Convergence.Strategy) {
	case "":
		cfg.Convergence.Strategy = string(converge.StrategyAuto)
	case converge.StrategyAuto, converge.StrategyTelemetry, converge.StrategyAck:
	default:
		return fmt.Errorf("convergence.strategy must be auto, telemetry or ack, got %q", cfg.Convergence.Strategy)
	}
	if cfg.Convergence.Tolerance < 0 {
		return fmt.Errorf("convergence.tolerance must be >= 0, got %g", cfg.Convergence.Tolerance)
	}
	if cfg.Convergence.Tolerance == 0 {
		cfg.Convergence.Tolerance = converge.DefaultTolerance
	}
	// The rail stops on whole steps, up to half a step away from the target.
	// A tolerance at or below that could never be met.
	if cfg.Convergence.Strategy != string(converge.StrategyAck) {
		if half := cfg.StepResolution() / 2; cfg.Convergence.Tolerance <= half {
			return fmt.Errorf("convergence.tolerance (%g mm) must exceed half a rail step (%g mm)", cfg.Convergence.Tolerance, half)
		}
	}
	if cfg.Convergence.TimeoutMs <= 0 {
		cfg.Convergence.TimeoutMs = int(converge.DefaultTimeout / time.Millisecond)
	}
	if cfg.Convergence.SettleDelayMs < 0 {
		cfg.Convergence.SettleDelayMs = 0
	}
	var err error
	if cfg.Convergence.OnTimeout, err = oneOf("convergence.on_timeout", cfg.Convergence.OnTimeout, "abort", "capture"); err != nil {
		return err
	}
	if cfg.Sequence.OnFailure, err = oneOf("sequence.on_failure", cfg.Sequence.OnFailure, "abort", "continue"); err != nil {
		return err
	}
	if cfg.Sequence.PlanPath == "" {
		cfg.Sequence.PlanPath = "plans/last.json"
	}

	if cfg.Defaults.MoveSpeedMs <= 0 {
		cfg.Defaults.MoveSpeedMs = 2 // reasonable default
	}
	if cfg.Defaults.Port <= 0 {
		cfg.Defaults.Port = 8080
	}
	return nil
}

// oneOf returns v, or the first allowed value when v is empty.
func oneOf(field, v string, allowed ...string) (string, error) {
	if v == "" {
		return allowed[0], nil
	}
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), v)
}

// MoveSpeed returns the duration between two motor steps.
func (c *Config) MoveSpeed() time.Duration {
	return time.Duration(c.Defaults.MoveSpeedMs) * time.Millisecond
}

// Bounds returns the usable rail travel in mm.
func (c *Config) Bounds() plan.Bounds {
	return plan.Bounds{Min: c.Rail.MinMm, Max: c.Rail.MaxMm}
}

// StepResolution returns the carriage travel of one (micro)step in mm.
func (c *Config) StepResolution() float64 {
	return c.Rail.MmPerRev / float64(c.Rail.StepsPerRev*c.Rail.Microstepping)
}

// SampleInterval returns the rail telemetry period.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Rail.SampleIntervalMs) * time.Millisecond
}

// FocusDelay returns the autofocus delay duration.
func (c *Config) FocusDelay() time.Duration {
	return time.Duration(c.Camera.FocusDelayMs) * time.Millisecond
}

// ShutterDelay returns the shutter hold duration.
func (c *Config) ShutterDelay() time.Duration {
	return time.Duration(c.Camera.ShutterDelayMs) * time.Millisecond
}

// PostCaptureDelay returns the pause after a shot before the next setpoint.
func (c *Config) PostCaptureDelay() time.Duration {
	return time.Duration(c.Camera.PostCaptureDelayMs) * time.Millisecond
}

// CueDuration returns how long the buzzer sounds.
func (c *Config) CueDuration() time.Duration {
	return time.Duration(c.Cue.DurationMs) * time.Millisecond
}

// ConvergenceTimeout returns the bounded wait for the rail to settle.
func (c *Config) ConvergenceTimeout() time.Duration {
	return time.Duration(c.Convergence.TimeoutMs) * time.Millisecond
}

// Converge returns the settings for converge.ForSurface.
func (c *Config) Converge() converge.Config {
	return converge.Config{
		Strategy:  converge.Strategy(c.Convergence.Strategy),
		Tolerance: c.Convergence.Tolerance,
		Timeout:   c.ConvergenceTimeout(),
		Settle:    time.Duration(c.Convergence.SettleDelayMs) * time.Millisecond,
	}
}
