// Package dsi models a MIPI-DSI peripheral endpoint as seen by a panel
// driver: a link that accepts DCS writes, plus the attach step that tells
// the host how the peripheral wants to be driven.
package dsi

import (
	"errors"
	"fmt"

	"dsipanel/internal/dcs"
)

// Link is one DSI communication channel to (one half of) a panel.
type Link interface {
	dcs.Writer
	// Name identifies the link in logs, e.g. "dsi0".
	Name() string
}

// Device is a Link that must be attached to its host before use.
type Device interface {
	Link
	Attach(cfg DeviceConfig) error
	Detach() error
}

// PixelFormat is the video stream pixel format.
type PixelFormat int

const (
	FormatRGB888 PixelFormat = iota
	FormatRGB666
	FormatRGB666Packed
	FormatRGB565
)

func (f PixelFormat) String() string {
	switch f {
	case FormatRGB888:
		return "rgb888"
	case FormatRGB666:
		return "rgb666"
	case FormatRGB666Packed:
		return "rgb666_packed"
	case FormatRGB565:
		return "rgb565"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ModeFlag selects host transmission behaviour.
type ModeFlag uint32

const (
	// ModeVideo requests video mode instead of command mode.
	ModeVideo ModeFlag = 1 << 0
	// ModeLPM sends DCS commands in low-power mode.
	ModeLPM ModeFlag = 1 << 11
)

// DeviceConfig is what a peripheral declares when it attaches.
type DeviceConfig struct {
	Lanes  int
	Format PixelFormat
	Flags  ModeFlag
}

// SharpDeviceConfig is the per-link configuration of the LQ079L1SX01:
// four lanes of RGB888 video, commands in low-power mode.
var SharpDeviceConfig = DeviceConfig{
	Lanes:  4,
	Format: FormatRGB888,
	Flags:  ModeVideo | ModeLPM,
}

var (
	ErrInvalidConfig = errors.New("dsi: invalid device config")
	ErrDetached      = errors.New("dsi: link not attached")
)

// Validate checks the config against what a DSI host can drive.
func (c DeviceConfig) Validate() error {
	if c.Lanes < 1 || c.Lanes > 4 {
		return fmt.Errorf("%w: %d lanes", ErrInvalidConfig, c.Lanes)
	}
	if c.Format < FormatRGB888 || c.Format > FormatRGB565 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, c.Format)
	}
	return nil
}
