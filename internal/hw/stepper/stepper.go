package stepper

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/hw/gpio"
)

// Config holds the hardware configuration for a stepper motor.
type Config struct {
	StepPin       int
	DirPin        int
	EnablePin     int // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	StepsPerRev   int
	Microstepping int
	StepDelay     time.Duration // delay per half-cycle of STEP pulse. Total step = 2*StepDelay.
}

// Stepper drives one stepper motor and keeps its absolute position in
// (micro)steps since construction or the last SetPosition.
type Stepper struct {
	gpio     gpio.Driver
	cfg      Config
	delay    time.Duration
	position atomic.Int64
}

// NewStepper creates a new stepper motor controller.
// cfg.StepDelay: if 0, defaults to 1ms.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	delay := cfg.StepDelay
	if delay <= 0 {
		delay = 1 * time.Millisecond
	}

	s := &Stepper{
		gpio:  g,
		cfg:   cfg,
		delay: delay,
	}

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low)
	}

	return s
}

// StepsPerRev returns the number of pulses for one full revolution,
// microstepping included.
func (s *Stepper) StepsPerRev() int {
	micro := s.cfg.Microstepping
	if micro <= 0 {
		micro = 1
	}
	return s.cfg.StepsPerRev * micro
}

// Position returns the absolute position in steps.
func (s *Stepper) Position() int64 {
	return s.position.Load()
}

// SetPosition redefines the current physical position (homing).
func (s *Stepper) SetPosition(steps int64) {
	s.position.Store(steps)
}

// MoveSteps moves the motor by a number of steps (positive or negative).
// The context is checked between pulses; on cancellation the motor stops
// where it is and Position reflects the steps actually taken.
func (s *Stepper) MoveSteps(ctx context.Context, steps int) error {
	if steps == 0 {
		return nil
	}

	var dirLevel gpio.Level
	var direction string
	var unit int64 = 1
	if steps > 0 {
		dirLevel = gpio.High
		direction = "forward"
	} else {
		dirLevel = gpio.Low
		direction = "backward"
		steps = -steps
		unit = -1
	}

	debug.Printf("Stepper: moving %d steps (%s) on pin %d", steps, direction, s.cfg.StepPin)

	if err := s.gpio.WritePin(s.cfg.DirPin, dirLevel); err != nil {
		return err
	}

	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			debug.Verbose("Stepper: interrupted after %d/%d steps", i, steps)
			return err
		}
		if err := s.stepPulse(); err != nil {
			return err
		}
		s.position.Add(unit)
	}
	return nil
}

func (s *Stepper) stepPulse() error {
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(s.delay)
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(s.delay)
	return nil
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motor holds position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). No holding torque.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}
