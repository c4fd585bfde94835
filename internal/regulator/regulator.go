// Package regulator implements the supply rails a panel sequences: rails
// switched by a GPIO enable pin (optionally with an I2C-programmed output
// voltage, as on TPS65132-style bias supplies) and dummy rails for dry runs.
//
// Rails are use-counted the way a kernel regulator consumer is: every
// Enable must be matched by a Disable, and the output only switches on the
// 0->1 and 1->0 transitions.
package regulator

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"

	appLog "dsipanel/internal/log"
)

// Regulator is a switchable supply rail.
type Regulator interface {
	Name() string
	Enable() error
	Disable() error
	IsEnabled() bool
}

// ErrUnbalanced is returned by Disable on a rail with no outstanding Enable.
var ErrUnbalanced = errors.New("regulator: unbalanced disable")

// Pin is the output side of a gpio.PinOut.
type Pin interface {
	Out(l gpio.Level) error
}

// Programmer sets a rail's output voltage after the rail is switched on.
type Programmer interface {
	Program() error
}

// GPIO is a rail whose output is switched by an enable pin.
type GPIO struct {
	name      string
	pin       Pin
	activeLow bool
	prog      Programmer

	mu    sync.Mutex
	count int
}

// NewGPIO returns a rail driven by pin. prog may be nil.
func NewGPIO(name string, pin Pin, activeLow bool, prog Programmer) *GPIO {
	return &GPIO{name: name, pin: pin, activeLow: activeLow, prog: prog}
}

func (r *GPIO) Name() string { return r.name }

func (r *GPIO) level(on bool) gpio.Level {
	if r.activeLow {
		return gpio.Level(!on)
	}
	return gpio.Level(on)
}

func (r *GPIO) Enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count > 0 {
		r.count++
		return nil
	}
	if err := r.pin.Out(r.level(true)); err != nil {
		return fmt.Errorf("regulator: %s: enable pin: %w", r.name, err)
	}
	if r.prog != nil {
		if err := r.prog.Program(); err != nil {
			// Leave the rail off rather than at an unknown voltage.
			if offErr := r.pin.Out(r.level(false)); offErr != nil {
				appLog.Error("failed to switch rail off after program error", offErr, "rail", r.name)
			}
			return fmt.Errorf("regulator: %s: program voltage: %w", r.name, err)
		}
	}
	r.count = 1
	appLog.Debug("rail enabled", "rail", r.name)
	return nil
}

func (r *GPIO) Disable() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.count == 0:
		return fmt.Errorf("%w: %s", ErrUnbalanced, r.name)
	case r.count > 1:
		r.count--
		return nil
	}
	if err := r.pin.Out(r.level(false)); err != nil {
		return fmt.Errorf("regulator: %s: disable pin: %w", r.name, err)
	}
	r.count = 0
	appLog.Debug("rail disabled", "rail", r.name)
	return nil
}

func (r *GPIO) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count > 0
}

// Dummy is a rail with no hardware behind it. It keeps the use count so
// dry runs still catch unbalanced sequencing.
type Dummy struct {
	name string

	mu    sync.Mutex
	count int
}

func NewDummy(name string) *Dummy {
	return &Dummy{name: name}
}

func (d *Dummy) Name() string { return d.name }

func (d *Dummy) Enable() error {
	d.mu.Lock()
	d.count++
	d.mu.Unlock()
	appLog.Info("dummy rail enabled", "rail", d.name)
	return nil
}

func (d *Dummy) Disable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count == 0 {
		return fmt.Errorf("%w: %s", ErrUnbalanced, d.name)
	}
	d.count--
	appLog.Info("dummy rail disabled", "rail", d.name)
	return nil
}

func (d *Dummy) IsEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count > 0
}
