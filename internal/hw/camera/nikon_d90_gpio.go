package camera

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/hw/gpio"
)

// NikonD90GPIO is a Camera implementation for a Nikon D90
// controlled via the 3-pin remote connector:
// - GND: connected to Raspberry Pi ground
// - FOCUS: autofocus (activate by setting to LOW)
// - SHUTTER: trigger (activate by setting to LOW)
//
// With the lens in manual focus the FOCUS line is only needed to wake the
// camera; focusPin 0 leaves it unused so nothing can refocus mid-bracket.
//
// Trigger sequence:
// 1. FOCUS to LOW (if used), wait focusDelay
// 2. SHUTTER to LOW, hold shutterDelay
// 3. SHUTTER and FOCUS back to HIGH
type NikonD90GPIO struct {
	gpio         gpio.Driver
	focusPin     int
	shutterPin   int
	focusDelay   time.Duration
	shutterDelay time.Duration

	inFlight sync.Mutex
	seq      int
}

// NewNikonD90GPIO creates a GPIO-controlled Nikon D90 trigger.
func NewNikonD90GPIO(g gpio.Driver, focusPin, shutterPin int, focusDelay, shutterDelay time.Duration) *NikonD90GPIO {
	if focusPin > 0 {
		_ = g.SetupPin(focusPin, gpio.Output)
		_ = g.WritePin(focusPin, gpio.High)
	}
	_ = g.SetupPin(shutterPin, gpio.Output)
	_ = g.WritePin(shutterPin, gpio.High)

	return &NikonD90GPIO{
		gpio:         g,
		focusPin:     focusPin,
		shutterPin:   shutterPin,
		focusDelay:   focusDelay,
		shutterDelay: shutterDelay,
	}
}

// Capture triggers one photo on the D90 and returns a handle for it.
// A second concurrent call fails with ErrBusy instead of queueing.
func (n *NikonD90GPIO) Capture(ctx context.Context) (Artifact, error) {
	if !n.inFlight.TryLock() {
		return Artifact{}, ErrBusy
	}
	defer n.inFlight.Unlock()

	debug.Printf("Camera: triggering shot (focus=%d, shutter=%d)", n.focusPin, n.shutterPin)
	fail := func(err error) (Artifact, error) {
		n.releaseLines()
		return Artifact{}, err
	}

	if n.focusPin > 0 {
		debug.Verbose("Camera: activating FOCUS (pin %d -> LOW)", n.focusPin)
		if err := n.gpio.WritePin(n.focusPin, gpio.Low); err != nil {
			return fail(err)
		}
		if err := sleepCtx(ctx, n.focusDelay); err != nil {
			return fail(err)
		}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	debug.Verbose("Camera: activating SHUTTER (pin %d -> LOW)", n.shutterPin)
	if err := n.gpio.WritePin(n.shutterPin, gpio.Low); err != nil {
		return fail(err)
	}
	takenAt := time.Now()

	// The shutter is already open; finish the hold even if ctx ends so the
	// exposure is not cut short.
	time.Sleep(n.shutterDelay)

	debug.Verbose("Camera: releasing SHUTTER (pin %d -> HIGH)", n.shutterPin)
	if err := n.gpio.WritePin(n.shutterPin, gpio.High); err != nil {
		return fail(err)
	}
	if n.focusPin > 0 {
		debug.Verbose("Camera: releasing FOCUS (pin %d -> HIGH)", n.focusPin)
		if err := n.gpio.WritePin(n.focusPin, gpio.High); err != nil {
			return Artifact{}, err
		}
	}

	n.seq++
	art := Artifact{
		ID:      uuid.New().String(),
		Seq:     n.seq,
		TakenAt: takenAt,
	}
	debug.Printf("Camera: shot %d triggered (%s)", art.Seq, art.ID)
	return art, nil
}

// releaseLines puts both lines back to HIGH (inactive) after a failure.
func (n *NikonD90GPIO) releaseLines() {
	_ = n.gpio.WritePin(n.shutterPin, gpio.High)
	if n.focusPin > 0 {
		_ = n.gpio.WritePin(n.focusPin, gpio.High)
	}
}
