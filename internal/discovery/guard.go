// Package discovery pairs the two DSI endpoints of a dual-link panel and
// makes sure exactly one of them registers the panel, whatever order the
// endpoints show up in.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dsipanel/internal/dsi"
	appLog "dsipanel/internal/log"
	"dsipanel/internal/panel"
)

var (
	ErrNotFound = errors.New("discovery: endpoint not found")
	// ErrNotReady means the peer endpoint is known but not discovered yet.
	// The probe is queued and retried later.
	ErrNotReady = errors.New("discovery: peer endpoint not ready")
)

// Binding is a registered panel and the endpoints it was built from.
type Binding struct {
	Panel *panel.Panel
	Link1 string
	Link2 string

	// link2 is the peer device the panel was built with. It may outlive
	// the peer endpoint's own registration.
	link2  dsi.Device
	claims *claims
}

type endpoint struct {
	id   string
	peer string

	dev     dsi.Device
	present bool
	probed  bool

	// owns is set on the endpoint that registered the panel.
	owns *Binding
	// ref is the id of the endpoint holding a reference to this one.
	ref string
}

// Guard is the endpoint arena. It is safe for concurrent use.
//
// Devices handed to Discover belong to the guard from then on: it closes
// them (when they implement io.Closer) once neither their endpoint nor a
// registered panel uses them.
type Guard struct {
	reg  Registration
	res  Resources
	opts []panel.Option

	mu        sync.Mutex
	endpoints map[string]*endpoint
	deferred  map[string]struct{}
	bindings  []*Binding

	kick chan struct{}
}

func NewGuard(reg Registration, res Resources, opts ...panel.Option) *Guard {
	return &Guard{
		reg:       reg,
		res:       res,
		opts:      opts,
		endpoints: map[string]*endpoint{},
		deferred:  map[string]struct{}{},
		kick:      make(chan struct{}, 1),
	}
}

// Declare adds an endpoint to the arena. peer is the id of the endpoint
// it references as link2, or empty. Declaring an existing id updates its
// peer reference as long as it has not been probed.
func (g *Guard) Declare(id, peer string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ep, ok := g.endpoints[id]; ok {
		if !ep.probed {
			ep.peer = peer
		}
		return
	}
	g.endpoints[id] = &endpoint{id: id, peer: peer}
}

// Discover marks a declared endpoint present with the device backing it.
func (g *Guard) Discover(id string, dev dsi.Device) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ep, ok := g.endpoints[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if ep.dev != nil && ep.dev != dev && !g.inUse(ep.dev) {
		closeDevice(id, ep.dev)
	}
	ep.dev = dev
	ep.present = true
	return nil
}

// Probe binds a discovered endpoint. The endpoint that carries a peer
// reference builds and registers the panel once its peer is present;
// every other endpoint only attaches its link.
func (g *Guard) Probe(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	err := g.probe(id)
	switch {
	case err == nil:
		delete(g.deferred, id)
		g.signal()
	case errors.Is(err, ErrNotReady):
		g.deferred[id] = struct{}{}
		// Wake Run so it arms its retry timer.
		g.signal()
	}
	return err
}

func (g *Guard) probe(id string) error {
	ep, ok := g.endpoints[id]
	if !ok || !ep.present {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if ep.probed {
		return nil
	}

	if ep.peer != "" && !g.peerOwned(ep) {
		peer, ok := g.endpoints[ep.peer]
		if !ok {
			return fmt.Errorf("%w: %s: link2 %s", ErrNotFound, id, ep.peer)
		}
		if !peer.present {
			appLog.Debug("deferring probe, peer not present", "endpoint", id, "link2", ep.peer)
			return fmt.Errorf("%s: link2 %s: %w", id, ep.peer, ErrNotReady)
		}

		c := &claims{res: g.res}
		p, err := g.reg.New(ep.dev, peer.dev, c, g.opts...)
		if err != nil {
			c.release()
			return fmt.Errorf("discovery: %s: register %s: %w", id, g.reg.Name, err)
		}
		b := &Binding{Panel: p, Link1: id, Link2: peer.id, link2: peer.dev, claims: c}
		ep.owns = b
		peer.ref = id
		g.bindings = append(g.bindings, b)
		appLog.Info("panel registered", "name", g.reg.Name, "link1", id, "link2", peer.id)
	}

	if err := ep.dev.Attach(g.reg.DeviceConfig); err != nil {
		if ep.owns != nil {
			g.unregister(ep)
		}
		return fmt.Errorf("discovery: %s: attach: %w", id, err)
	}
	ep.probed = true
	return nil
}

// peerOwned reports whether ep's peer already registered a panel with ep
// as its second link. That happens when both endpoints reference each
// other; the one that completed the pair first wins.
func (g *Guard) peerOwned(ep *endpoint) bool {
	peer, ok := g.endpoints[ep.peer]
	return ok && peer.owns != nil && peer.owns.Link2 == ep.id
}

// unregister retires the panel ep owns and returns exactly the resources
// it acquired. Release waits for a lifecycle call in progress, so nothing
// is handed back while the panel is still being driven.
func (g *Guard) unregister(ep *endpoint) {
	b := ep.owns
	b.Panel.Release()
	b.claims.release()

	if peer, ok := g.endpoints[b.Link2]; ok && peer.ref == ep.id {
		peer.ref = ""
		if !peer.present || peer.dev != b.link2 {
			closeDevice(peer.id, b.link2)
			if !peer.present {
				peer.dev = nil
			}
		}
	}
	for i, other := range g.bindings {
		if other == b {
			g.bindings = append(g.bindings[:i], g.bindings[i+1:]...)
			break
		}
	}
	ep.owns = nil
	appLog.Info("panel unregistered", "name", g.reg.Name, "link1", b.Link1)
}

// inUse reports whether a registered panel drives dev as its second link.
func (g *Guard) inUse(dev dsi.Device) bool {
	for _, b := range g.bindings {
		if b.link2 == dev {
			return true
		}
	}
	return false
}

func closeDevice(id string, dev dsi.Device) {
	c, ok := dev.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		appLog.Error("failed to close endpoint device", err, "endpoint", id)
	}
}

// Remove tears down an endpoint. Detach failures are logged. The owning
// endpoint also unregisters the panel; a passive one leaves it alone.
func (g *Guard) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ep, ok := g.endpoints[id]
	if !ok {
		return
	}
	delete(g.deferred, id)

	if ep.probed {
		if err := ep.dev.Detach(); err != nil {
			appLog.Error("dsi detach failed", err, "endpoint", id)
		}
		ep.probed = false
	}
	if ep.owns != nil {
		g.unregister(ep)
	}
	ep.present = false
	// A device a panel still drives stays open until that panel is
	// unregistered.
	if ep.dev != nil && !g.inUse(ep.dev) {
		closeDevice(id, ep.dev)
		ep.dev = nil
	}
}

// RetryDeferred re-probes every endpoint waiting on its peer and returns
// how many are still waiting.
func (g *Guard) RetryDeferred() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]string, 0, len(g.deferred))
	for id := range g.deferred {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		err := g.probe(id)
		switch {
		case err == nil:
			delete(g.deferred, id)
			appLog.Debug("deferred probe succeeded", "endpoint", id)
		case errors.Is(err, ErrNotReady):
		default:
			delete(g.deferred, id)
			appLog.Error("deferred probe failed", err, "endpoint", id)
		}
	}
	return len(g.deferred)
}

// Deferred returns the ids of endpoints waiting on their peer.
func (g *Guard) Deferred() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.deferred))
	for id := range g.deferred {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Bindings returns the registered panels.
func (g *Guard) Bindings() []Binding {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Binding, 0, len(g.bindings))
	for _, b := range g.bindings {
		out = append(out, *b)
	}
	return out
}

// Panel returns the first registered panel.
func (g *Guard) Panel() (*panel.Panel, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.bindings) == 0 {
		return nil, false
	}
	return g.bindings[0].Panel, true
}

// Kick wakes Run so it retries deferred probes immediately.
func (g *Guard) Kick() {
	g.mu.Lock()
	g.signal()
	g.mu.Unlock()
}

func (g *Guard) signal() {
	select {
	case g.kick <- struct{}{}:
	default:
	}
}

// newRetryBackOff doubles the delay from initial up to max with ±20%
// jitter and never gives up.
func newRetryBackOff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run retries deferred probes until ctx is done. Retries back off
// exponentially while endpoints keep waiting; a kick (any probe) retries
// at once and resets the delay.
func (g *Guard) Run(ctx context.Context, initial, max time.Duration) error {
	b := newRetryBackOff(initial, max)
	for {
		var timer <-chan time.Time
		if len(g.Deferred()) > 0 {
			timer = time.After(b.NextBackOff())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.kick:
			b.Reset()
		case <-timer:
		}

		if g.RetryDeferred() == 0 {
			b.Reset()
		}
	}
}
