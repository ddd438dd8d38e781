package camera

import (
	"context"
	"errors"
	"time"
)

// ErrBusy is returned when a capture is requested while another one is
// still in flight on the same camera.
var ErrBusy = errors.New("camera: capture already in progress")

// Artifact is an opaque handle to one captured image. The image itself
// lives wherever the camera stores it (memory card, tethered host); callers
// only pass the handle along.
type Artifact struct {
	ID      string    `json:"id"`
	Seq     int       `json:"seq"`
	TakenAt time.Time `json:"taken_at"`
}

// Camera is the high-level interface used by the rest of the application.
// It represents an abstract "camera", regardless of how it's controlled
// (GPIO, USB, network protocol, etc.).
type Camera interface {
	// Capture takes exactly one picture and returns its handle.
	Capture(ctx context.Context) (Artifact, error)
}

// Cue is a pre-capture notification (audible beep, LED flash).
// Signal must not block on the effect itself.
type Cue interface {
	Signal() error
}

// NopCue does nothing. Used when no cue hardware is configured.
type NopCue struct{}

func (NopCue) Signal() error { return nil }

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
