package panel

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"

	appLog "dsipanel/internal/log"
)

// Power-on timing of the LQ079L1SX01. All values are minimums.
const (
	avddSettle     = 12 * time.Millisecond
	vspSettle      = 12 * time.Millisecond
	biasSettle     = 24 * time.Millisecond
	resetHoldMin   = 2 * time.Millisecond
	resetHoldMax   = 3 * time.Millisecond
	postResetDelay = 32 * time.Millisecond
)

var powerOnSequence = []struct {
	rail   string
	settle time.Duration
}{
	{RailVDDIO, 0},
	{RailAVDD, avddSettle},
	{RailVSP, vspSettle},
	{RailVSN, biasSettle},
}

// Rails are released in this order; the panel has no power-off ordering
// requirement once it is held in reset.
var powerOffSequence = []string{RailAVDD, RailVDDIO, RailVSP, RailVSN}

// Prepare powers the panel: vddio, avdd, vsp, vsn with their settle times,
// then a reset pulse. On a rail failure it returns *PowerError and leaves
// the rails enabled so far as they are; Unprepare turns them off again.
func (p *Panel) Prepare() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	if p.state != Unpowered {
		return fmt.Errorf("%w: prepare while %s", ErrInvalidState, p.state)
	}

	for _, step := range powerOnSequence {
		if err := p.enableRail(step.rail); err != nil {
			appLog.Error("failed to enable power supply", err, "rail", step.rail)
			return &PowerError{Rail: step.rail, Err: err}
		}
		if step.settle > 0 {
			p.clk.Sleep(step.settle)
		}
	}

	p.pulseReset()
	p.clk.Sleep(postResetDelay)

	p.state = Prepared
	appLog.Debug("panel prepared", "link1", p.link1.Name())
	return nil
}

// Unprepare puts the panel in reset and releases every rail this panel
// enabled. It never fails: disable errors are logged and skipped.
func (p *Panel) Unprepare() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.unprepare()
}

func (p *Panel) unprepare() {
	p.setReset(gpio.High)

	for _, name := range powerOffSequence {
		r := p.rails[name]
		if r == nil || !r.on {
			continue
		}
		if err := r.r.Disable(); err != nil {
			appLog.Error("failed to disable power supply", err, "rail", name)
		}
		r.on = false
	}

	p.state = Unpowered
	p.linkState = LinkOff
	appLog.Debug("panel unprepared", "link1", p.link1.Name())
}

func (p *Panel) enableRail(name string) error {
	r := p.rails[name]
	if r.on {
		// Left on by an earlier, failed Prepare.
		return nil
	}
	if err := r.r.Enable(); err != nil {
		return err
	}
	r.on = true
	return nil
}

func (p *Panel) pulseReset() {
	if p.reset == nil {
		return
	}
	p.setReset(gpio.High)
	p.clk.SleepRange(resetHoldMin, resetHoldMax)
	p.setReset(gpio.Low)
	p.clk.SleepRange(resetHoldMin, resetHoldMax)
}

func (p *Panel) setReset(l gpio.Level) {
	if p.reset == nil {
		return
	}
	if err := p.reset.Out(l); err != nil {
		appLog.Error("failed to drive reset line", err, "level", l.String())
	}
}
