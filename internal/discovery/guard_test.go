package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsipanel/internal/clock"
	"dsipanel/internal/config"
	"dsipanel/internal/dsi"
	"dsipanel/internal/panel"
	"dsipanel/internal/resource"
)

type failingDevice struct {
	*dsi.LogLink
}

func (failingDevice) Attach(dsi.DeviceConfig) error { return errors.New("host refused attach") }

func newTestGuard(t *testing.T) (*Guard, *resource.Provider) {
	t.Helper()
	res, err := resource.New(config.DefaultConfig(), resource.DryRun())
	require.NoError(t, err)
	g := NewGuard(Sharp, res, panel.WithClock(clock.NewVirtual()))
	g.Declare("dsi0", "dsi1")
	g.Declare("dsi1", "")
	return g, res
}

func discover(t *testing.T, g *Guard, id string) *dsi.LogLink {
	t.Helper()
	l := dsi.NewLogLink(id)
	require.NoError(t, g.Discover(id, l))
	return l
}

func TestGuardReferencingEndpointFirst(t *testing.T) {
	g, _ := newTestGuard(t)

	l0 := discover(t, g, "dsi0")
	err := g.Probe("dsi0")
	require.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, []string{"dsi0"}, g.Deferred())
	assert.Empty(t, g.Bindings())
	assert.False(t, l0.Attached())

	l1 := discover(t, g, "dsi1")
	require.NoError(t, g.Probe("dsi1"))
	assert.Empty(t, g.Bindings(), "passive endpoint must not register")
	assert.True(t, l1.Attached())

	assert.Equal(t, 0, g.RetryDeferred())
	bindings := g.Bindings()
	require.Len(t, bindings, 1)
	assert.Equal(t, "dsi0", bindings[0].Link1)
	assert.Equal(t, "dsi1", bindings[0].Link2)
	assert.Equal(t, "dsi0", bindings[0].Panel.Link1().Name())
	assert.Equal(t, "dsi1", bindings[0].Panel.Link2().Name())
	assert.True(t, l0.Attached())
}

func TestGuardPeerFirst(t *testing.T) {
	g, _ := newTestGuard(t)

	discover(t, g, "dsi1")
	require.NoError(t, g.Probe("dsi1"))
	assert.Empty(t, g.Bindings())

	discover(t, g, "dsi0")
	require.NoError(t, g.Probe("dsi0"))
	assert.Empty(t, g.Deferred())

	bindings := g.Bindings()
	require.Len(t, bindings, 1)
	assert.Equal(t, "dsi0", bindings[0].Panel.Link1().Name())
	assert.Equal(t, "dsi1", bindings[0].Panel.Link2().Name())

	p, ok := g.Panel()
	require.True(t, ok)
	assert.Same(t, bindings[0].Panel, p)
}

func TestGuardProbeIsIdempotent(t *testing.T) {
	g, _ := newTestGuard(t)
	discover(t, g, "dsi1")
	discover(t, g, "dsi0")

	require.NoError(t, g.Probe("dsi0"))
	require.NoError(t, g.Probe("dsi0"))
	require.NoError(t, g.Probe("dsi1"))
	assert.Len(t, g.Bindings(), 1)
}

func TestGuardMutualReferences(t *testing.T) {
	res, err := resource.New(config.DefaultConfig(), resource.DryRun())
	require.NoError(t, err)
	g := NewGuard(Sharp, res, panel.WithClock(clock.NewVirtual()))
	g.Declare("a", "b")
	g.Declare("b", "a")

	discover(t, g, "a")
	require.ErrorIs(t, g.Probe("a"), ErrNotReady)

	discover(t, g, "b")
	require.NoError(t, g.Probe("b"))
	assert.Equal(t, 0, g.RetryDeferred())

	bindings := g.Bindings()
	require.Len(t, bindings, 1)
	assert.Equal(t, "b", bindings[0].Link1, "the endpoint completing the pair is link1")
}

func TestGuardNotFound(t *testing.T) {
	g, _ := newTestGuard(t)

	assert.ErrorIs(t, g.Probe("nope"), ErrNotFound)
	assert.ErrorIs(t, g.Discover("nope", dsi.NewLogLink("nope")), ErrNotFound)
	// Declared but never discovered.
	assert.ErrorIs(t, g.Probe("dsi1"), ErrNotFound)

	g.Declare("dsi2", "dsi9")
	discover(t, g, "dsi2")
	err := g.Probe("dsi2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrNotReady)
	assert.Empty(t, g.Deferred())
}

func TestGuardRemoveOwnerReleasesResources(t *testing.T) {
	g, res := newTestGuard(t)
	l1 := discover(t, g, "dsi1")
	l0 := discover(t, g, "dsi0")
	require.NoError(t, g.Probe("dsi1"))
	require.NoError(t, g.Probe("dsi0"))
	require.True(t, res.Held("vsp"))

	g.Remove("dsi0")
	assert.Empty(t, g.Bindings())
	assert.False(t, l0.Attached())
	assert.True(t, l1.Attached(), "peer stays attached")
	for _, name := range config.RailNames {
		assert.False(t, res.Held(name), name)
	}

	// Coming back re-registers with freshly acquired resources.
	discover(t, g, "dsi0")
	require.NoError(t, g.Probe("dsi0"))
	assert.Len(t, g.Bindings(), 1)
}

func TestGuardRemovePassiveKeepsPanel(t *testing.T) {
	g, res := newTestGuard(t)
	discover(t, g, "dsi1")
	discover(t, g, "dsi0")
	require.NoError(t, g.Probe("dsi0"))
	require.NoError(t, g.Probe("dsi1"))

	g.Remove("dsi1")
	assert.Len(t, g.Bindings(), 1)
	assert.True(t, res.Held("avdd"))

	g.Remove("unknown")
}

func TestGuardRemovePoweredPanel(t *testing.T) {
	g, _ := newTestGuard(t)
	discover(t, g, "dsi1")
	discover(t, g, "dsi0")
	require.NoError(t, g.Probe("dsi0"))

	p, ok := g.Panel()
	require.True(t, ok)
	require.NoError(t, p.Prepare())

	g.Remove("dsi0")
	assert.Equal(t, panel.Unpowered, p.State())
	for _, name := range config.RailNames {
		assert.False(t, p.RailEnabled(name), name)
	}
}

func TestGuardAttachFailureUnregisters(t *testing.T) {
	g, res := newTestGuard(t)
	discover(t, g, "dsi1")
	require.NoError(t, g.Discover("dsi0", failingDevice{dsi.NewLogLink("dsi0")}))

	err := g.Probe("dsi0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attach")
	assert.Empty(t, g.Bindings())
	assert.False(t, res.Held("vddio"))
}

func TestGuardConstructorFailureReleases(t *testing.T) {
	g, res := newTestGuard(t)
	_, err := res.Regulator("vsn")
	require.NoError(t, err)

	discover(t, g, "dsi1")
	discover(t, g, "dsi0")
	err = g.Probe("dsi0")
	require.ErrorIs(t, err, resource.ErrBusy)
	assert.Empty(t, g.Bindings())
	assert.False(t, res.Held("avdd"))
	assert.False(t, res.Held("vsp"))
	assert.True(t, res.Held("vsn"), "a claim the panel never made is not released")
	assert.Empty(t, g.Deferred())
}

func TestGuardUnregisterReleasesOnlyPanelClaims(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Rails["spare"] = config.RailConfig{}
	res, err := resource.New(cfg, resource.DryRun())
	require.NoError(t, err)
	_, err = res.Regulator("spare")
	require.NoError(t, err)

	g := NewGuard(Sharp, res, panel.WithClock(clock.NewVirtual()))
	g.Declare("dsi0", "dsi1")
	g.Declare("dsi1", "")
	discover(t, g, "dsi1")
	discover(t, g, "dsi0")
	require.NoError(t, g.Probe("dsi0"))
	require.True(t, res.Held("reset"))

	g.Remove("dsi0")
	for _, name := range append([]string{"reset"}, config.RailNames...) {
		assert.False(t, res.Held(name), name)
	}
	assert.True(t, res.Held("spare"))
}

func TestGuardRemoveDuringPrepare(t *testing.T) {
	res, err := resource.New(config.DefaultConfig(), resource.DryRun())
	require.NoError(t, err)
	// Real clock: Prepare takes tens of milliseconds.
	g := NewGuard(Sharp, res)
	g.Declare("dsi0", "dsi1")
	g.Declare("dsi1", "")
	discover(t, g, "dsi1")
	discover(t, g, "dsi0")
	require.NoError(t, g.Probe("dsi0"))
	p, ok := g.Panel()
	require.True(t, ok)

	prepared := make(chan error, 1)
	go func() { prepared <- p.Prepare() }()
	time.Sleep(20 * time.Millisecond)
	g.Remove("dsi0")

	err = <-prepared
	if err != nil {
		assert.ErrorIs(t, err, panel.ErrReleased)
	}
	assert.True(t, p.Released())
	assert.Equal(t, panel.Unpowered, p.State())
	for _, name := range config.RailNames {
		assert.False(t, p.RailEnabled(name), name)
		assert.False(t, res.Held(name), name)
	}
	assert.ErrorIs(t, p.Enable(), panel.ErrReleased)
}

func TestGuardRunRetriesOnKick(t *testing.T) {
	g, _ := newTestGuard(t)
	discover(t, g, "dsi0")
	require.ErrorIs(t, g.Probe("dsi0"), ErrNotReady)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, time.Hour, time.Hour) }()

	discover(t, g, "dsi1")
	require.NoError(t, g.Probe("dsi1"))

	assert.Eventually(t, func() bool { return len(g.Bindings()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGuardRunArmsTimerForLateDeferral(t *testing.T) {
	g, _ := newTestGuard(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = g.Run(ctx, time.Millisecond, 10*time.Millisecond) }()
	// Let Run block with nothing queued.
	time.Sleep(20 * time.Millisecond)

	discover(t, g, "dsi0")
	require.ErrorIs(t, g.Probe("dsi0"), ErrNotReady)
	// Discover without probing: only the retry timer can complete the pair.
	discover(t, g, "dsi1")
	assert.Eventually(t, func() bool { return len(g.Bindings()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestGuardRunRetriesWithBackoff(t *testing.T) {
	g, _ := newTestGuard(t)
	discover(t, g, "dsi0")
	require.ErrorIs(t, g.Probe("dsi0"), ErrNotReady)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = g.Run(ctx, time.Millisecond, 10*time.Millisecond) }()

	// Discover without probing: only the timer can complete the pair.
	discover(t, g, "dsi1")
	assert.Eventually(t, func() bool { return len(g.Bindings()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRetryBackOff(t *testing.T) {
	b := newRetryBackOff(100*time.Millisecond, 300*time.Millisecond)
	for _, want := range []time.Duration{100, 200, 300, 300, 300} {
		d := b.NextBackOff()
		assert.InDelta(t, float64(want*time.Millisecond), float64(d), float64(want*time.Millisecond)*0.21)
	}
	b.Reset()
	assert.InDelta(t, float64(100*time.Millisecond), float64(b.NextBackOff()), float64(21*time.Millisecond))
}

func TestLookup(t *testing.T) {
	r, ok := Lookup("sharp,lq079l1sx01")
	require.True(t, ok)
	assert.Equal(t, "panel-sharp-lq079l1sx01", r.Name)
	assert.Equal(t, dsi.SharpDeviceConfig, r.DeviceConfig)

	_, ok = Lookup("sharp,lq101r1sx01")
	assert.False(t, ok)
}
