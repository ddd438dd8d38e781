package camera

import (
	"sync/atomic"
	"time"

	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/hw/gpio"
)

// Buzzer is an active buzzer on a GPIO pin (HIGH = sounding), used as the
// shutter cue.
type Buzzer struct {
	gpio     gpio.Driver
	pin      int
	duration time.Duration
	playing  atomic.Bool
}

func NewBuzzer(g gpio.Driver, pin int, duration time.Duration) *Buzzer {
	_ = g.SetupPin(pin, gpio.Output)
	_ = g.WritePin(pin, gpio.Low)
	if duration <= 0 {
		duration = 80 * time.Millisecond
	}
	return &Buzzer{gpio: g, pin: pin, duration: duration}
}

// Signal starts a beep and returns immediately. A beep requested while the
// previous one is still sounding is dropped.
func (b *Buzzer) Signal() error {
	if !b.playing.CompareAndSwap(false, true) {
		return nil
	}
	if err := b.gpio.WritePin(b.pin, gpio.High); err != nil {
		b.playing.Store(false)
		return err
	}
	go func() {
		defer b.playing.Store(false)
		time.Sleep(b.duration)
		if err := b.gpio.WritePin(b.pin, gpio.Low); err != nil {
			debug.Error(err)
		}
	}()
	return nil
}
