package main

import (
	"context"
	"fmt"

	"github.com/cjeanneret/BracketGo/internal/config"
	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/hw/camera"
	"github.com/cjeanneret/BracketGo/internal/hw/gpio"
	"github.com/cjeanneret/BracketGo/internal/hw/stepper"
	"github.com/cjeanneret/BracketGo/internal/logic/capture"
	"github.com/cjeanneret/BracketGo/internal/logic/converge"
	"github.com/cjeanneret/BracketGo/internal/logic/motion"
	"github.com/cjeanneret/BracketGo/internal/logic/plan"
)

// bench is the hardware for the process lifetime: one GPIO driver, the
// focus rail, the camera trigger and the optional buzzer.
type bench struct {
	cfg  *config.Config
	gpio gpio.Driver
	rail *motion.Rail
	cam  camera.Camera
	cue  camera.Cue
}

func newBench(cfg *config.Config) (*bench, error) {
	debug.Section("Initialization")

	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	g, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}

	debug.Step(2, "Initializing focus rail")
	motor := stepper.NewStepper(g, stepper.Config{
		StepPin:       cfg.Rail.StepPin,
		DirPin:        cfg.Rail.DirPin,
		EnablePin:     cfg.Rail.EnablePin,
		StepsPerRev:   cfg.Rail.StepsPerRev,
		Microstepping: cfg.Rail.Microstepping,
		StepDelay:     cfg.MoveSpeed() / 2,
	})
	debug.PrintStruct("Rail config", cfg.Rail)
	rail, err := motion.NewRail(motor, motion.RailConfig{
		MmPerRev:       cfg.Rail.MmPerRev,
		Bounds:         cfg.Bounds(),
		SampleInterval: cfg.SampleInterval(),
	})
	if err != nil {
		g.Close()
		return nil, err
	}
	// The carriage is assumed parked at the near end on power-up.
	rail.Home()

	debug.Step(3, "Initializing camera")
	cam, err := newCameraFromConfig(g, cfg)
	if err != nil {
		g.Close()
		return nil, err
	}
	debug.Value("Camera type", cfg.Camera.Type)
	debug.Value("Focus pin", cfg.Camera.FocusPin)
	debug.Value("Shutter pin", cfg.Camera.ShutterPin)

	var cue camera.Cue = camera.NopCue{}
	if cfg.Cue.BuzzerPin > 0 {
		debug.Step(4, "Initializing buzzer")
		cue = camera.NewBuzzer(g, cfg.Cue.BuzzerPin, cfg.CueDuration())
		debug.Value("Buzzer pin", cfg.Cue.BuzzerPin)
	}

	return &bench{cfg: cfg, gpio: g, rail: rail, cam: cam, cue: cue}, nil
}

func (b *bench) Close() {
	if err := b.gpio.Close(); err != nil {
		debug.Warn("closing GPIO driver failed: %v", err)
	}
}

// run performs one bracket run on the rail. Each run gets its own lease on
// the rail and its own runner.
func (b *bench) run(ctx context.Context, p plan.Plan, notify func(capture.Event)) (*capture.Result, error) {
	lease, err := b.rail.Acquire()
	if err != nil {
		return nil, err
	}

	policy := converge.ForSurface(lease, b.cfg.Converge())
	debug.Value("Convergence policy", fmt.Sprintf("%T", policy))

	bounds := b.rail.Bounds()
	runner := capture.NewRunner(lease, b.cam, policy, capture.Options{
		PostCaptureDelay: b.cfg.PostCaptureDelay(),
		OnTimeout:        capture.TimeoutPolicy(b.cfg.Convergence.OnTimeout),
		OnFailure:        capture.FailurePolicy(b.cfg.Sequence.OnFailure),
		Bounds:           &bounds,
		Cue:              b.cue,
		Notify:           notify,
	})

	debug.Summary("Bracket Plan Summary")
	debug.Info("Run %s: %d item(s), %d enabled", runner.ID(), len(p), p.EnabledCount())
	return runner.Run(ctx, p)
}

// newCameraFromConfig selects a camera implementation based on configuration.
func newCameraFromConfig(g gpio.Driver, cfg *config.Config) (camera.Camera, error) {
	switch cfg.Camera.Type {
	case "nikon_d90_gpio":
		return camera.NewNikonD90GPIO(
			g,
			cfg.Camera.FocusPin,
			cfg.Camera.ShutterPin,
			cfg.FocusDelay(),
			cfg.ShutterDelay(),
		), nil
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}
