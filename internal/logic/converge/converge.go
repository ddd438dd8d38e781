// Package converge decides when an actuator that has acknowledged a new
// setpoint is settled enough to take a picture.
package converge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/BracketGo/internal/debug"
)

var (
	ErrTimeout      = errors.New("converge: no convergence within timeout")
	ErrStreamClosed = errors.New("converge: telemetry stream ended")
)

const (
	DefaultTolerance = 0.01
	DefaultTimeout   = 5 * time.Second
)

// Sample is one live measurement of the controlled value.
type Sample struct {
	Measured float64
	At       time.Time
}

// Source is implemented by surfaces that can report their measured value.
// Each call starts a fresh stream that runs until ctx is done.
type Source interface {
	Telemetry(ctx context.Context) <-chan Sample
}

// Policy blocks until the hardware is ready for capture at target, the
// bounded wait expires, or ctx is done.
type Policy interface {
	Await(ctx context.Context, target float64) error
}

// Tolerance waits for the first telemetry sample within Tolerance of the
// target.
type Tolerance struct {
	Source    Source
	Tolerance float64
	Timeout   time.Duration
}

func NewTolerance(src Source, tolerance float64, timeout time.Duration) *Tolerance {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tolerance{Source: src, Tolerance: tolerance, Timeout: timeout}
}

func (p *Tolerance) Await(ctx context.Context, target float64) error {
	subCtx, unsubscribe := context.WithCancel(ctx)
	defer unsubscribe()
	samples := p.Source.Telemetry(subCtx)

	timer := time.NewTimer(p.Timeout)
	defer timer.Stop()

	last := math.NaN()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: %v waiting for %g (last sample %g)", ErrTimeout, p.Timeout, target, last)
		case s, ok := <-samples:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return ErrStreamClosed
			}
			last = s.Measured
			debug.Trace("converge: sample %g (target %g)", s.Measured, target)
			if math.Abs(s.Measured-target) < p.Tolerance {
				debug.Verbose("converge: reached %g (target %g, tolerance %g)", s.Measured, target, p.Tolerance)
				return nil
			}
		}
	}
}

// AckDelay treats the acknowledgment as convergence, optionally after a
// fixed settle delay.
type AckDelay struct {
	Settle time.Duration
}

func (p AckDelay) Await(ctx context.Context, _ float64) error {
	if p.Settle <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.Settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Strategy selects a policy.
type Strategy string

const (
	StrategyAuto      Strategy = "auto"
	StrategyTelemetry Strategy = "telemetry"
	StrategyAck       Strategy = "ack"
)

// Config carries the policy settings from the application config.
type Config struct {
	Strategy  Strategy
	Tolerance float64
	Timeout   time.Duration
	Settle    time.Duration
}

// ForSurface picks Tolerance when the surface reports telemetry and the
// strategy allows it, AckDelay otherwise.
func ForSurface(surface any, cfg Config) Policy {
	src, hasTelemetry := surface.(Source)

	switch cfg.Strategy {
	case StrategyAck:
		return AckDelay{Settle: cfg.Settle}
	case StrategyTelemetry:
		if !hasTelemetry {
			debug.Warn("converge: telemetry strategy requested but surface %T has none; using ack+delay", surface)
			return AckDelay{Settle: cfg.Settle}
		}
	}
	if hasTelemetry {
		return NewTolerance(src, cfg.Tolerance, cfg.Timeout)
	}
	return AckDelay{Settle: cfg.Settle}
}
