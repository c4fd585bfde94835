package model

import "fmt"

// ModeType flags how a mode was produced, mirroring the connector mode
// type bits a display pipeline consumes.
type ModeType uint32

const (
	// ModeTypeDriver marks a mode supplied by the panel driver.
	ModeTypeDriver ModeType = 1 << 6
	// ModeTypePreferred marks the mode the pipeline should pick first.
	ModeTypePreferred ModeType = 1 << 3
)

// Mode is a display timing descriptor. Horizontal and vertical values are
// pixel/line counts measured from the start of the active area; Clock is the
// pixel clock in kHz.
type Mode struct {
	Name string
	Type ModeType

	Clock int // kHz

	HDisplay   int
	HSyncStart int
	HSyncEnd   int
	HTotal     int

	VDisplay   int
	VSyncStart int
	VSyncEnd   int
	VTotal     int

	// Physical size of the active area.
	WidthMM  int
	HeightMM int
}

// Sharp LQ079L1SX01 porches.
const (
	sharpHFrontPorch = 136
	sharpHSyncLen    = 28
	sharpHBackPorch  = 28
	sharpVFrontPorch = 14
	sharpVSyncLen    = 8
	sharpVBackPorch  = 2
	sharpRefreshHz   = 60
)

// DefaultMode is the only timing the LQ079L1SX01 supports. It is shared and
// must not be modified; use Duplicate to obtain a mutable copy.
var DefaultMode = Mode{
	Clock: (1536 + sharpHFrontPorch + sharpHSyncLen + sharpHBackPorch) *
		(2048 + sharpVFrontPorch + sharpVSyncLen + sharpVBackPorch) * sharpRefreshHz / 1000,

	HDisplay:   1536,
	HSyncStart: 1536 + sharpHFrontPorch,
	HSyncEnd:   1536 + sharpHFrontPorch + sharpHSyncLen,
	HTotal:     1536 + sharpHFrontPorch + sharpHSyncLen + sharpHBackPorch,

	VDisplay:   2048,
	VSyncStart: 2048 + sharpVFrontPorch,
	VSyncEnd:   2048 + sharpVFrontPorch + sharpVSyncLen,
	VTotal:     2048 + sharpVFrontPorch + sharpVSyncLen + sharpVBackPorch,

	WidthMM:  120,
	HeightMM: 160,
}

// VRefresh returns the vertical refresh rate in Hz, rounded to the nearest
// integer: round(clock*1000 / (htotal*vtotal)).
func (m *Mode) VRefresh() int {
	if m.HTotal == 0 || m.VTotal == 0 {
		return 0
	}
	num := int64(m.Clock) * 1000
	den := int64(m.HTotal) * int64(m.VTotal)
	return int((num + den/2) / den)
}

// DefaultName is the canonical "<h>x<v>" mode name.
func (m *Mode) DefaultName() string {
	return fmt.Sprintf("%dx%d", m.HDisplay, m.VDisplay)
}

// Duplicate returns a copy that the caller owns.
func (m *Mode) Duplicate() *Mode {
	dup := *m
	return &dup
}

// String formats the mode for logs, e.g. "1536x2048@60".
func (m *Mode) String() string {
	return fmt.Sprintf("%dx%d@%d", m.HDisplay, m.VDisplay, m.VRefresh())
}
