// Package panel sequences the Sharp LQ079L1SX01 dual-link DSI panel through
// its lifecycle: Prepare (power rails and reset), Enable (wake both links and
// turn the display on), Disable and Unprepare.
//
// link1 carries the control path; every DCS write is mirrored to link2 in
// the same order so both halves of the panel stay in lockstep.
//
// The display pipeline owner calls the lifecycle operations one at a time,
// in order. Calls are serialized internally so Release, issued by discovery
// when an endpoint disappears, waits for a lifecycle step in progress.
package panel

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"

	"dsipanel/internal/clock"
	"dsipanel/internal/dsi"
	appLog "dsipanel/internal/log"
	"dsipanel/internal/model"
)

// Rail is a supply rail owned by the panel.
type Rail interface {
	Enable() error
	Disable() error
}

// ResetLine drives the panel reset signal. gpio.High asserts reset.
type ResetLine interface {
	Out(l gpio.Level) error
}

// Provider acquires panel resources by name. ResetLine returns (nil, nil)
// when no reset line is configured.
type Provider interface {
	Regulator(name string) (Rail, error)
	ResetLine(name string) (ResetLine, error)
}

// State is the panel lifecycle state.
type State int

const (
	Unpowered State = iota
	Prepared
	Enabled
	Disabled
)

func (s State) String() string {
	switch s {
	case Unpowered:
		return "unpowered"
	case Prepared:
		return "prepared"
	case Enabled:
		return "enabled"
	case Disabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LinkState tracks the protocol side of the link pair.
type LinkState int

const (
	LinkOff LinkState = iota
	LinkWakingUp
	LinkOn
	LinkSleepingDown
)

func (s LinkState) String() string {
	switch s {
	case LinkOff:
		return "off"
	case LinkWakingUp:
		return "waking_up"
	case LinkOn:
		return "on"
	case LinkSleepingDown:
		return "sleeping_down"
	default:
		return fmt.Sprintf("link_state(%d)", int(s))
	}
}

// Rail names, in acquisition order.
const (
	RailAVDD  = "avdd"
	RailVDDIO = "vddio"
	RailVSP   = "vsp"
	RailVSN   = "vsn"

	resetName = "reset"
)

type rail struct {
	name string
	r    Rail
	on   bool
}

// Panel is one registered dual-link panel.
type Panel struct {
	link1 dsi.Link
	link2 dsi.Link

	rails map[string]*rail
	reset ResetLine

	mode *model.Mode
	clk  clock.Clock

	bypassEnable bool

	mu        sync.Mutex
	released  bool
	state     State
	linkState LinkState
}

// Option configures a Panel.
type Option func(*Panel)

// WithClock replaces the wall clock used for settle delays.
func WithClock(c clock.Clock) Option {
	return func(p *Panel) { p.clk = c }
}

// WithEnableBypass makes Enable report success without touching the links,
// for panels whose display path is already brought up by firmware.
func WithEnableBypass(bypass bool) Option {
	return func(p *Panel) { p.bypassEnable = bypass }
}

// New acquires all four rails and the optional reset line from res and
// returns an unpowered Panel driving link1 and link2.
func New(link1, link2 dsi.Link, res Provider, opts ...Option) (*Panel, error) {
	if link1 == nil || link2 == nil {
		return nil, ErrMissingLink
	}

	p := &Panel{
		link1: link1,
		link2: link2,
		rails: make(map[string]*rail, 4),
		mode:  &model.DefaultMode,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.clk == nil {
		p.clk = clock.NewReal()
	}

	for _, name := range []string{RailAVDD, RailVDDIO, RailVSP, RailVSN} {
		r, err := res.Regulator(name)
		if err != nil {
			return nil, fmt.Errorf("panel: acquire %s supply: %w", name, err)
		}
		p.rails[name] = &rail{name: name, r: r}
	}

	reset, err := res.ResetLine(resetName)
	if err != nil {
		return nil, fmt.Errorf("panel: acquire reset line: %w", err)
	}
	p.reset = reset

	if p.bypassEnable {
		appLog.Warn("enable sequence bypassed; display-on is left to firmware",
			"link1", link1.Name(), "link2", link2.Name())
	}
	return p, nil
}

func (p *Panel) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Panel) LinkState() LinkState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linkState
}

func (p *Panel) Link1() dsi.Link { return p.link1 }
func (p *Panel) Link2() dsi.Link { return p.link2 }

// Mode returns the shared, read-only timing descriptor.
func (p *Panel) Mode() *model.Mode { return p.mode }

// RailEnabled reports whether this panel currently holds rail name enabled.
func (p *Panel) RailEnabled(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rails[name]
	return ok && r.on
}

// Released reports whether Release was called.
func (p *Panel) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// Release waits for any lifecycle call in progress, powers the panel down
// if it is still up and retires it. Every later lifecycle call returns
// ErrReleased and Unprepare does nothing. The caller may then hand the
// panel's resources to someone else.
func (p *Panel) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	if p.state != Unpowered || p.anyRailOn() {
		appLog.Warn("releasing powered panel", "link1", p.link1.Name(), "state", p.state.String())
		p.unprepare()
	}
	p.released = true
}

func (p *Panel) anyRailOn() bool {
	for _, r := range p.rails {
		if r.on {
			return true
		}
	}
	return false
}

func (p *Panel) links() [2]dsi.Link {
	return [2]dsi.Link{p.link1, p.link2}
}
