package motion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/hw/stepper"
	"github.com/cjeanneret/BracketGo/internal/logic/converge"
	"github.com/cjeanneret/BracketGo/internal/logic/plan"
)

var (
	ErrBusy       = errors.New("rail: busy")
	ErrReleased   = errors.New("rail: lease released")
	ErrOutOfRange = errors.New("rail: setpoint out of range")
)

// RailConfig describes the mechanics of a lead-screw focus rail.
type RailConfig struct {
	MmPerRev       float64       // carriage travel per motor revolution
	Bounds         plan.Bounds   // usable travel, mm from home
	SampleInterval time.Duration // telemetry period
}

// Rail turns setpoints in mm into stepper moves. It sits between the
// bracket sequence and the low-level stepper/GPIO code.
type Rail struct {
	stepper      *stepper.Stepper
	stepsPerUnit float64
	bounds       plan.Bounds
	interval     time.Duration

	moving sync.Mutex
	leased atomic.Bool
}

func NewRail(s *stepper.Stepper, cfg RailConfig) (*Rail, error) {
	if cfg.MmPerRev <= 0 {
		return nil, fmt.Errorf("rail: mm_per_rev must be > 0, got %g", cfg.MmPerRev)
	}
	if cfg.Bounds.Max < cfg.Bounds.Min {
		return nil, fmt.Errorf("rail: invalid bounds [%g, %g]", cfg.Bounds.Min, cfg.Bounds.Max)
	}
	interval := cfg.SampleInterval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	return &Rail{
		stepper:      s,
		stepsPerUnit: float64(s.StepsPerRev()) / cfg.MmPerRev,
		bounds:       cfg.Bounds,
		interval:     interval,
	}, nil
}

// Bounds returns the usable travel.
func (r *Rail) Bounds() plan.Bounds {
	return r.bounds
}

// Position returns the carriage position in mm.
func (r *Rail) Position() float64 {
	return float64(r.stepper.Position()) / r.stepsPerUnit
}

// Home declares the current carriage position as 0 mm.
func (r *Rail) Home() {
	r.stepper.SetPosition(0)
	debug.Verbose("Rail: homed at current position")
}

// Acquire hands out exclusive use of the rail for one run.
func (r *Rail) Acquire() (*Lease, error) {
	if !r.leased.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	if err := r.stepper.Enable(); err != nil {
		r.leased.Store(false)
		return nil, err
	}
	return &Lease{rail: r}, nil
}

func (r *Rail) apply(ctx context.Context, value float64) error {
	if !r.bounds.Contains(value) {
		return fmt.Errorf("%w: %g not in [%g, %g]", ErrOutOfRange, value, r.bounds.Min, r.bounds.Max)
	}
	if !r.moving.TryLock() {
		return ErrBusy
	}
	defer r.moving.Unlock()

	target := int64(math.Round(value * r.stepsPerUnit))
	delta := target - r.stepper.Position()
	if delta == 0 {
		return nil
	}
	direction := "out"
	if delta < 0 {
		direction = "in"
	}
	debug.Move("rail", int(abs(delta)), direction)
	return r.stepper.MoveSteps(ctx, int(delta))
}

// telemetry samples the tracked position every interval until ctx is done.
// The first sample is sent immediately.
func (r *Rail) telemetry(ctx context.Context) <-chan converge.Sample {
	ch := make(chan converge.Sample)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			s := converge.Sample{Measured: r.Position(), At: time.Now()}
			select {
			case <-ctx.Done():
				return
			case ch <- s:
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}

// Lease is a single-run handle on the rail. It satisfies the sequencer's
// surface contract and reports telemetry.
type Lease struct {
	rail     *Rail
	released atomic.Bool
}

func (l *Lease) Apply(ctx context.Context, value float64) error {
	if l.released.Load() {
		return ErrReleased
	}
	return l.rail.apply(ctx, value)
}

func (l *Lease) Telemetry(ctx context.Context) <-chan converge.Sample {
	return l.rail.telemetry(ctx)
}

// Release disables the driver (no holding torque) and frees the rail for
// the next Acquire. Only the first call has an effect.
func (l *Lease) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	defer l.rail.leased.Store(false)
	debug.Verbose("Rail: released at %.4f mm", l.rail.Position())
	return l.rail.stepper.Disable()
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
