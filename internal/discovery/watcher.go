package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"dsipanel/internal/config"
	"dsipanel/internal/dsi"
	appLog "dsipanel/internal/log"
)

// Opener turns a discovered endpoint into a DSI device.
type Opener func(ep config.EndpointConfig) (dsi.Device, error)

// Watcher feeds the guard from the filesystem: an endpoint is discovered
// when its device node exists and removed when the node goes away.
// Endpoints without a device path are discovered on Scan.
type Watcher struct {
	guard     *Guard
	endpoints []config.EndpointConfig
	open      Opener

	mu     sync.Mutex
	opened map[string]bool
}

func NewWatcher(g *Guard, endpoints []config.EndpointConfig, open Opener) *Watcher {
	for _, ep := range endpoints {
		g.Declare(ep.ID, ep.Link2)
	}
	return &Watcher{
		guard:     g,
		endpoints: endpoints,
		open:      open,
		opened:    map[string]bool{},
	}
}

// Scan discovers and probes every endpoint whose device node is present.
func (w *Watcher) Scan() {
	for _, ep := range w.endpoints {
		if ep.Device != "" {
			if _, err := os.Stat(ep.Device); err != nil {
				appLog.Debug("endpoint device not present", "endpoint", ep.ID, "device", ep.Device)
				continue
			}
		}
		w.arrive(ep)
	}
}

func (w *Watcher) arrive(ep config.EndpointConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.opened[ep.ID] {
		return
	}
	dev, err := w.open(ep)
	if err != nil {
		appLog.Error("failed to open endpoint", err, "endpoint", ep.ID, "device", ep.Device)
		return
	}

	if err := w.guard.Discover(ep.ID, dev); err != nil {
		appLog.Error("discover failed", err, "endpoint", ep.ID)
		closeDevice(ep.ID, dev)
		return
	}
	w.opened[ep.ID] = true

	switch err := w.guard.Probe(ep.ID); {
	case err == nil:
		appLog.Info("endpoint probed", "endpoint", ep.ID)
	case errors.Is(err, ErrNotReady):
		appLog.Info("endpoint deferred", "endpoint", ep.ID, "link2", ep.Link2)
	default:
		// Forget the endpoint so the next scan or create event retries it.
		appLog.Error("probe failed", err, "endpoint", ep.ID)
		w.guard.Remove(ep.ID)
		delete(w.opened, ep.ID)
	}
}

// depart hands the endpoint back to the guard, which closes its device
// unless a registered panel still drives it.
func (w *Watcher) depart(ep config.EndpointConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.opened[ep.ID] {
		return
	}
	delete(w.opened, ep.ID)
	w.guard.Remove(ep.ID)
	appLog.Info("endpoint removed", "endpoint", ep.ID)
}

// Close removes every opened endpoint from the guard.
func (w *Watcher) Close() {
	for _, ep := range w.endpoints {
		w.depart(ep)
	}
}

// Run watches the directories holding the endpoint device nodes until ctx
// is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("discovery: failed to create watcher: %w", err)
	}
	defer watcher.Close()

	byPath := map[string]config.EndpointConfig{}
	dirs := map[string]bool{}
	for _, ep := range w.endpoints {
		if ep.Device == "" {
			continue
		}
		path := filepath.Clean(ep.Device)
		byPath[path] = ep
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("discovery: failed to watch %s: %w", dir, err)
		}
	}

	appLog.Info("watching endpoint devices", "dirs", len(dirs), "endpoints", len(byPath))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			ep, ok := byPath[filepath.Clean(event.Name)]
			if !ok {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				w.arrive(ep)
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.depart(ep)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			appLog.Error("endpoint watcher error", err)
		}
	}
}
