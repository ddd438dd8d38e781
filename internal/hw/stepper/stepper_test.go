package stepper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/BracketGo/internal/hw/gpio"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	mu    sync.Mutex
	calls []gpioCall
}

type gpioCall struct {
	op    string // "setup", "write"
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) Close() error {
	return nil
}

func (d *recordingDriver) reset() {
	d.mu.Lock()
	d.calls = nil
	d.mu.Unlock()
}

func (d *recordingDriver) writeCallsForPin(pin int) []gpioCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" && (pin < 0 || c.pin == pin) {
			result = append(result, c)
		}
	}
	return result
}

func testConfig(enablePin int) Config {
	return Config{
		StepPin:       17,
		DirPin:        27,
		EnablePin:     enablePin,
		StepsPerRev:   200,
		Microstepping: 16,
		StepDelay:     1 * time.Microsecond,
	}
}

func countPulses(writes []gpioCall, stepPin int) int {
	n := 0
	for _, c := range writes {
		if c.pin == stepPin && c.level == gpio.High {
			n++
		}
	}
	return n
}

func TestStepper_MoveSteps(t *testing.T) {
	cases := []struct {
		name    string
		steps   int
		wantDir gpio.Level
		pulses  int
		pos     int64
	}{
		{"forward", 10, gpio.High, 10, 10},
		{"backward", -5, gpio.Low, 5, -5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			drv := &recordingDriver{}
			s := NewStepper(drv, testConfig(5))
			drv.reset()

			if err := s.MoveSteps(context.Background(), tc.steps); err != nil {
				t.Fatalf("MoveSteps: %v", err)
			}

			writes := drv.writeCallsForPin(-1)
			if len(writes) == 0 {
				t.Fatal("expected GPIO write calls")
			}
			if writes[0].pin != 27 || writes[0].level != tc.wantDir {
				t.Errorf("first write: pin=%d level=%v, want dir pin %v", writes[0].pin, writes[0].level, tc.wantDir)
			}
			if got := countPulses(writes, 17); got != tc.pulses {
				t.Errorf("pulses = %d, want %d", got, tc.pulses)
			}
			if s.Position() != tc.pos {
				t.Errorf("position = %d, want %d", s.Position(), tc.pos)
			}
		})
	}
}

func TestStepper_MoveStepsZero(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig(5))
	drv.reset()

	if err := s.MoveSteps(context.Background(), 0); err != nil {
		t.Fatalf("MoveSteps: %v", err)
	}
	if n := len(drv.writeCallsForPin(-1)); n != 0 {
		t.Errorf("zero steps should produce no GPIO calls, got %d", n)
	}
}

func TestStepper_MoveStepsCancelled(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig(5))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.MoveSteps(ctx, 100)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if s.Position() != 0 {
		t.Errorf("position = %d, want 0 after immediate cancel", s.Position())
	}
}

func TestStepper_SetPosition(t *testing.T) {
	s := NewStepper(&recordingDriver{}, testConfig(0))
	s.SetPosition(320)
	if err := s.MoveSteps(context.Background(), -20); err != nil {
		t.Fatalf("MoveSteps: %v", err)
	}
	if s.Position() != 300 {
		t.Errorf("position = %d, want 300", s.Position())
	}
}

func TestStepper_StepsPerRev(t *testing.T) {
	s := NewStepper(&recordingDriver{}, testConfig(0))
	if s.StepsPerRev() != 3200 {
		t.Errorf("StepsPerRev = %d, want 3200", s.StepsPerRev())
	}

	cfg := testConfig(0)
	cfg.Microstepping = 0
	s = NewStepper(&recordingDriver{}, cfg)
	if s.StepsPerRev() != 200 {
		t.Errorf("StepsPerRev without microstepping = %d, want 200", s.StepsPerRev())
	}
}

func TestStepper_EnableDisable(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig(5))
	drv.reset()

	if err := s.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	enableCalls := drv.writeCallsForPin(5)
	if len(enableCalls) != 1 || enableCalls[0].level != gpio.Low {
		t.Errorf("Enable should write LOW to enable pin, got %v", enableCalls)
	}

	drv.reset()
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	disableCalls := drv.writeCallsForPin(5)
	if len(disableCalls) != 1 || disableCalls[0].level != gpio.High {
		t.Errorf("Disable should write HIGH to enable pin, got %v", disableCalls)
	}
}

func TestStepper_EnableDisable_NoEnablePin(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig(0))
	drv.reset()

	if err := s.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if n := len(drv.writeCallsForPin(-1)); n != 0 {
		t.Errorf("with EnablePin=0, Enable/Disable should produce no GPIO calls, got %d", n)
	}
}

func TestStepper_DefaultStepDelay(t *testing.T) {
	cfg := testConfig(0)
	cfg.StepDelay = 0
	s := NewStepper(&recordingDriver{}, cfg)
	if s.delay != 1*time.Millisecond {
		t.Errorf("default delay = %v, want 1ms", s.delay)
	}
}

func TestStepper_StepPulsePattern(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig(5))
	drv.reset()

	_ = s.MoveSteps(context.Background(), 1)

	stepCalls := drv.writeCallsForPin(17)
	if len(stepCalls) != 2 {
		t.Fatalf("single step should produce 2 writes on step pin, got %d", len(stepCalls))
	}
	if stepCalls[0].level != gpio.High {
		t.Error("first pulse should be HIGH")
	}
	if stepCalls[1].level != gpio.Low {
		t.Error("second pulse should be LOW")
	}
}
