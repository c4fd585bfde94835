package panel

import (
	"fmt"
	"time"

	"dsipanel/internal/dcs"
	"dsipanel/internal/dsi"
	appLog "dsipanel/internal/log"
)

const (
	wakeDelay       = 120 * time.Millisecond
	displayOffDelay = 100 * time.Millisecond
	sleepInDelay    = 150 * time.Millisecond

	// 0x2c: brightness control, display dimming and backlight on.
	controlDisplayFlags = dcs.CtrlBrightnessOn | dcs.CtrlDimmingOn | dcs.CtrlBacklightOn
)

var enableWrites = []struct {
	stage Stage
	cmd   dcs.Command
}{
	{StageBrightness, dcs.MustNew(dcs.OpSetDisplayBrightness, 0xff)},
	{StagePowerSave, dcs.MustNew(dcs.OpWritePowerSave, dcs.PowerSaveOn)},
	{StageControlDisplay, dcs.MustNew(dcs.OpWriteControlDisplay, controlDisplayFlags)},
}

// Enable wakes both links and turns the display on. Every write goes to
// link1 first, then link2. The first failure aborts with *ProtocolError;
// retrying means calling Enable again from the start.
func (p *Panel) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	if p.state != Prepared && p.state != Disabled {
		return fmt.Errorf("%w: enable while %s", ErrInvalidState, p.state)
	}

	if p.bypassEnable {
		appLog.Warn("enable sequence bypassed", "link1", p.link1.Name())
		p.state = Enabled
		p.linkState = LinkOn
		return nil
	}

	p.linkState = LinkWakingUp

	if err := p.onBoth(StageExitSleep, dcs.ExitSleepMode); err != nil {
		return err
	}
	p.clk.Sleep(wakeDelay)

	for _, w := range enableWrites {
		cmd := w.cmd
		if err := p.onBoth(w.stage, func(l dcs.Writer) error { return dcs.Send(l, cmd) }); err != nil {
			return err
		}
	}

	if err := p.onBoth(StageDisplayOn, dcs.SetDisplayOn); err != nil {
		return err
	}

	p.linkState = LinkOn
	p.state = Enabled
	appLog.Info("panel enabled", "mode", p.mode.String())
	return nil
}

// Disable turns the display off and puts both links to sleep.
func (p *Panel) Disable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	if p.state != Enabled {
		return fmt.Errorf("%w: disable while %s", ErrInvalidState, p.state)
	}

	p.linkState = LinkSleepingDown

	if err := p.onBoth(StageDisplayOff, dcs.SetDisplayOff); err != nil {
		return err
	}
	p.clk.Sleep(displayOffDelay)

	if err := p.onBoth(StageEnterSleep, dcs.EnterSleepMode); err != nil {
		return err
	}
	p.clk.Sleep(sleepInDelay)

	p.linkState = LinkOff
	p.state = Disabled
	appLog.Info("panel disabled")
	return nil
}

// onBoth runs write on link1 then link2, stopping at the first error.
func (p *Panel) onBoth(stage Stage, write func(dcs.Writer) error) error {
	for i, l := range p.links() {
		if err := write(l); err != nil {
			return p.protocolError(stage, i+1, l, err)
		}
	}
	return nil
}

func (p *Panel) protocolError(stage Stage, n int, l dsi.Link, err error) error {
	appLog.Error("panel link write failed", err, "stage", string(stage), "link", n, "endpoint", l.Name())
	return &ProtocolError{Stage: stage, Link: n, Err: err}
}
