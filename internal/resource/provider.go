// Package resource acquires the hardware a panel owns (supply rails and the
// reset line) by name from the application configuration.
//
// Every resource is exclusively owned: a second acquisition of the same
// name fails with ErrBusy until the first owner releases it.
package resource

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"dsipanel/internal/config"
	appLog "dsipanel/internal/log"
	"dsipanel/internal/panel"
	"dsipanel/internal/regulator"
)

var (
	ErrNotFound = errors.New("resource: not found")
	ErrBusy     = errors.New("resource: busy")
)

// PinFunc resolves a periph pin name. gpioreg.ByName in production.
type PinFunc func(name string) gpio.PinIO

// BiasFunc opens an I2C voltage programmer for a bias rail.
type BiasFunc func(bus string, addr uint16, reg byte, microvolts int) (regulator.Programmer, io.Closer, error)

// Provider implements panel.Provider over periph.io pins.
type Provider struct {
	rails  map[string]config.RailConfig
	reset  *config.ResetConfig
	dryRun bool

	pinByName PinFunc
	openBias  BiasFunc

	mu      sync.Mutex
	held    map[string]bool
	pins    map[string]string // resource key -> gpio key it pinned
	closers map[string]io.Closer
}

var _ panel.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithPins overrides pin lookup.
func WithPins(f PinFunc) Option {
	return func(p *Provider) { p.pinByName = f }
}

// WithBias overrides bias programmer construction.
func WithBias(f BiasFunc) Option {
	return func(p *Provider) { p.openBias = f }
}

// DryRun makes every rail a dummy and the reset line log-only.
func DryRun() Option {
	return func(p *Provider) { p.dryRun = true }
}

// New returns a Provider for cfg. Unless running dry, periph.io host
// drivers are initialized first.
func New(cfg *config.Config, opts ...Option) (*Provider, error) {
	p := &Provider{
		rails:     cfg.Rails,
		reset:     cfg.Reset,
		pinByName: func(name string) gpio.PinIO { return gpioreg.ByName(name) },
		openBias:  openBias,
		held:      map[string]bool{},
		pins:      map[string]string{},
		closers:   map[string]io.Closer{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if !p.dryRun {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("resource: periph host init failed: %w", err)
		}
	}
	return p, nil
}

func openBias(bus string, addr uint16, reg byte, microvolts int) (regulator.Programmer, io.Closer, error) {
	b, err := regulator.OpenBias(bus, addr, reg, microvolts)
	if err != nil {
		return nil, nil, err
	}
	return b, b, nil
}

func railKey(name string) string { return "rail:" + name }

func gpioKey(name string) string { return "gpio:" + name }

// claim marks key as held. Caller holds p.mu.
func (p *Provider) claim(key string) error {
	if p.held[key] {
		return fmt.Errorf("%w: %s", ErrBusy, key)
	}
	p.held[key] = true
	return nil
}

// unclaim drops key and the gpio it pinned. Caller holds p.mu.
func (p *Provider) unclaim(key string) {
	delete(p.held, key)
	if g, ok := p.pins[key]; ok {
		delete(p.held, g)
		delete(p.pins, key)
	}
	if c, ok := p.closers[key]; ok {
		if err := c.Close(); err != nil {
			appLog.Error("failed to close bias programmer", err, "resource", key)
		}
		delete(p.closers, key)
	}
}

// Regulator acquires the rail called name.
func (p *Provider) Regulator(name string) (panel.Rail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rc, ok := p.rails[name]
	if !ok {
		return nil, fmt.Errorf("%w: supply %s", ErrNotFound, name)
	}
	key := railKey(name)
	if err := p.claim(key); err != nil {
		return nil, err
	}

	r, err := p.buildRail(key, name, rc)
	if err != nil {
		p.unclaim(key)
		return nil, err
	}
	return r, nil
}

func (p *Provider) buildRail(key, name string, rc config.RailConfig) (regulator.Regulator, error) {
	if p.dryRun || rc.GPIO == "" {
		if !p.dryRun {
			appLog.Warn("supply has no enable gpio, using dummy regulator", "rail", name)
		}
		return regulator.NewDummy(name), nil
	}

	pin, err := p.pin(key, rc.GPIO)
	if err != nil {
		return nil, fmt.Errorf("supply %s: %w", name, err)
	}

	var prog regulator.Programmer
	if rc.Register != nil {
		pr, closer, err := p.openBias(rc.I2CBus, rc.I2CAddr, *rc.Register, rc.Microvolts)
		if err != nil {
			return nil, fmt.Errorf("supply %s: %w", name, err)
		}
		prog = pr
		if closer != nil {
			p.closers[key] = closer
		}
	}
	return regulator.NewGPIO(name, pin, rc.ActiveLow, prog), nil
}

// pin resolves a gpio and claims it on behalf of owner. Caller holds p.mu.
func (p *Provider) pin(owner, name string) (gpio.PinIO, error) {
	pin := p.pinByName(name)
	if pin == nil {
		return nil, fmt.Errorf("%w: gpio %s", ErrNotFound, name)
	}
	if err := p.claim(gpioKey(name)); err != nil {
		return nil, err
	}
	p.pins[owner] = gpioKey(name)
	return pin, nil
}

// ResetLine acquires the reset gpio. It returns (nil, nil) when none is
// configured, which makes reset a no-op for the panel.
func (p *Provider) ResetLine(name string) (panel.ResetLine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reset == nil || p.reset.GPIO == "" {
		return nil, nil
	}
	key := lineKey(name)
	if err := p.claim(key); err != nil {
		return nil, err
	}
	if p.dryRun {
		return &logLine{name: name}, nil
	}

	pin, err := p.pin(key, p.reset.GPIO)
	if err != nil {
		p.unclaim(key)
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	line := &pinLine{pin: pin, activeLow: p.reset.ActiveLow}
	// Acquired deasserted, like an output requested low.
	if err := line.Out(gpio.Low); err != nil {
		p.unclaim(key)
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return line, nil
}

func lineKey(name string) string { return "line:" + name }

// Release returns the rail or line acquired under name.
func (p *Provider) Release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, key := range []string{railKey(name), lineKey(name)} {
		if p.held[key] {
			p.unclaim(key)
		}
	}
}

// ReleaseAll returns everything this Provider handed out.
func (p *Provider) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key := range p.held {
		if strings.HasPrefix(key, "rail:") || strings.HasPrefix(key, "line:") {
			p.unclaim(key)
		}
	}
}

// Held reports whether the rail or line called name is currently acquired.
func (p *Provider) Held(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held[railKey(name)] || p.held[lineKey(name)]
}

// pinLine adapts a gpio.PinOut to the panel's logical reset level.
type pinLine struct {
	pin       gpio.PinOut
	activeLow bool
}

func (l *pinLine) Out(level gpio.Level) error {
	if l.activeLow {
		level = !level
	}
	return l.pin.Out(level)
}

type logLine struct {
	name string
}

func (l *logLine) Out(level gpio.Level) error {
	appLog.Info("dry-run reset line", "line", l.name, "asserted", bool(level))
	return nil
}
