package main

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"

	"dsipanel/internal/config"
	"dsipanel/internal/discovery"
	"dsipanel/internal/dsi"
	appLog "dsipanel/internal/log"
	"dsipanel/internal/panel"
	"dsipanel/internal/resource"
)

// app wires config, resources and discovery for one invocation.
type app struct {
	cfg     *config.Config
	res     *resource.Provider
	guard   *discovery.Guard
	watcher *discovery.Watcher
}

func newApp(flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !flags.debug {
		appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	}

	if cfg.DeviceTree != "" {
		tree, err := discovery.LoadDeviceTreeFile(cfg.DeviceTree)
		if err != nil {
			return nil, err
		}
		cfg.Endpoints = discovery.MergeEndpoints(cfg.Endpoints, tree)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg, ok := discovery.Lookup(cfg.Compatible)
	if !ok {
		return nil, fmt.Errorf("no panel registered for compatible %q", cfg.Compatible)
	}

	var opts []resource.Option
	if flags.dryRun {
		opts = append(opts, resource.DryRun())
	}
	res, err := resource.New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	appLog.Info("effective config",
		"compatible", cfg.Compatible,
		"endpoints", len(cfg.Endpoints),
		"device_tree", cfg.DeviceTree,
		"spi_hz", cfg.SPIHz,
		"bypass_enable_sequence", cfg.BypassEnableSequence,
		"watch", cfg.Watch,
		"dry_run", flags.dryRun,
	)

	guard := discovery.NewGuard(reg, res, panel.WithEnableBypass(cfg.BypassEnableSequence))
	open := func(ep config.EndpointConfig) (dsi.Device, error) {
		if flags.dryRun {
			return dsi.NewLogLink(ep.ID), nil
		}
		return dsi.OpenSPI(ep.ID, ep.Device, physic.Frequency(cfg.SPIHz)*physic.Hertz, ep.VirtualChannel)
	}

	return &app{
		cfg:     cfg,
		res:     res,
		guard:   guard,
		watcher: discovery.NewWatcher(guard, cfg.Endpoints, open),
	}, nil
}

// discover probes every endpoint that is present now and settles the
// deferred queue once.
func (a *app) discover() {
	a.watcher.Scan()
	if n := a.guard.RetryDeferred(); n > 0 {
		appLog.Info("endpoints waiting on their peer", "deferred", a.guard.Deferred())
	}
}

func (a *app) close() {
	a.watcher.Close()
	a.res.ReleaseAll()
}

// waitPanel blocks until a panel is registered or ctx is done.
func (a *app) waitPanel(ctx context.Context) (*panel.Panel, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p, ok := a.guard.Panel(); ok {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// bringUp powers the panel and turns the display on. A failed Enable
// leaves the panel unpowered.
func bringUp(p *panel.Panel) error {
	if err := p.Prepare(); err != nil {
		p.Unprepare()
		return fmt.Errorf("prepare: %w", err)
	}
	if err := p.Enable(); err != nil {
		p.Unprepare()
		return fmt.Errorf("enable: %w", err)
	}
	appLog.Info("panel on", "mode", p.Mode().String(), "link1", p.Link1().Name(), "link2", p.Link2().Name())
	return nil
}

// tearDown turns the display off and removes power. Disable errors are
// logged; power is removed regardless.
func tearDown(p *panel.Panel) {
	if p.State() == panel.Enabled {
		if err := p.Disable(); err != nil {
			appLog.Error("disable failed", err)
		}
	}
	p.Unprepare()
	appLog.Info("panel off")
}
