package panel

import (
	"errors"
	"fmt"
)

// ErrInvalidState is returned when a lifecycle operation is called out of
// order. No hardware is touched in that case.
var ErrInvalidState = errors.New("panel: invalid lifecycle state")

// ErrReleased is returned by lifecycle calls on a panel that was released
// because its owning endpoint went away.
var ErrReleased = errors.New("panel: released")

// ErrMissingLink is returned by New when either link is nil.
var ErrMissingLink = errors.New("panel: both DSI links are required")

// PowerError reports the rail that failed to enable during Prepare.
type PowerError struct {
	Rail string
	Err  error
}

func (e *PowerError) Error() string {
	return fmt.Sprintf("panel: failed to enable %s power supply: %v", e.Rail, e.Err)
}

func (e *PowerError) Unwrap() error { return e.Err }

// Stage names the protocol step a link write belongs to.
type Stage string

const (
	StageExitSleep      Stage = "exit_sleep"
	StageBrightness     Stage = "brightness"
	StagePowerSave      Stage = "power_save"
	StageControlDisplay Stage = "control_display"
	StageDisplayOn      Stage = "display_on"
	StageDisplayOff     Stage = "display_off"
	StageEnterSleep     Stage = "enter_sleep"
)

// ProtocolError reports the stage and link (1 or 2) at which Enable or
// Disable stopped.
type ProtocolError struct {
	Stage Stage
	Link  int
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("panel: %s failed on link%d: %v", e.Stage, e.Link, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AllocationError reports that a mode descriptor could not be handed to the
// display pipeline.
type AllocationError struct {
	Mode string
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("panel: failed to add mode %s: %v", e.Mode, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }
