package discovery

import (
	"dsipanel/internal/dsi"
	"dsipanel/internal/panel"
)

// Resources is what a registration constructor acquires from. Release
// returns one named rail or line; the guard releases exactly the names a
// panel acquired, on constructor failure or unregistration.
type Resources interface {
	panel.Provider
	Release(name string)
}

// claims records the names a constructor acquired through it.
type claims struct {
	res   Resources
	names []string
}

func (c *claims) Regulator(name string) (panel.Rail, error) {
	r, err := c.res.Regulator(name)
	if err == nil {
		c.names = append(c.names, name)
	}
	return r, err
}

func (c *claims) ResetLine(name string) (panel.ResetLine, error) {
	l, err := c.res.ResetLine(name)
	if err == nil && l != nil {
		c.names = append(c.names, name)
	}
	return l, err
}

func (c *claims) release() {
	for _, name := range c.names {
		c.res.Release(name)
	}
	c.names = nil
}

// Constructor builds the panel for a completed link pair.
type Constructor func(link1, link2 dsi.Link, res panel.Provider, opts ...panel.Option) (*panel.Panel, error)

// Registration binds a compatible string to a panel constructor. Values are
// static and never mutated at runtime.
type Registration struct {
	Name       string
	Compatible string
	// DeviceConfig is attached on every endpoint of the pair.
	DeviceConfig dsi.DeviceConfig
	New          Constructor
}

// Sharp is the registration for the Sharp LQ079L1SX01.
var Sharp = Registration{
	Name:         "panel-sharp-lq079l1sx01",
	Compatible:   "sharp,lq079l1sx01",
	DeviceConfig: dsi.SharpDeviceConfig,
	New:          panel.New,
}

// Registrations lists every panel this binary can drive.
var Registrations = []Registration{Sharp}

// Lookup returns the registration for a compatible string.
func Lookup(compatible string) (Registration, bool) {
	for _, r := range Registrations {
		if r.Compatible == compatible {
			return r, true
		}
	}
	return Registration{}, false
}
