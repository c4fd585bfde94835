// Package dcs builds MIPI Display Command Set writes.
//
// Commands are validated against the payload shapes the DCS defines before
// they are encoded, so a sequence can never put a malformed buffer on a link.
package dcs

import (
	"errors"
	"fmt"
)

// Op is a DCS op-code.
type Op byte

const (
	OpNop                  Op = 0x00
	OpSoftReset            Op = 0x01
	OpEnterSleepMode       Op = 0x10
	OpExitSleepMode        Op = 0x11
	OpSetDisplayOff        Op = 0x28
	OpSetDisplayOn         Op = 0x29
	OpSetDisplayBrightness Op = 0x51
	OpWriteControlDisplay  Op = 0x53
	OpWritePowerSave       Op = 0x55
)

// Control display bits (WRITE_CONTROL_DISPLAY payload).
const (
	CtrlBacklightOn  byte = 1 << 2
	CtrlDimmingOn    byte = 1 << 3
	CtrlBrightnessOn byte = 1 << 5
)

// Power save payload values (WRITE_POWER_SAVE).
const (
	PowerSaveOff byte = 0x00
	PowerSaveOn  byte = 0x01
)

type shape struct {
	name     string
	min, max int
}

var shapes = map[Op]shape{
	OpNop:                  {"nop", 0, 0},
	OpSoftReset:            {"soft_reset", 0, 0},
	OpEnterSleepMode:       {"enter_sleep_mode", 0, 0},
	OpExitSleepMode:        {"exit_sleep_mode", 0, 0},
	OpSetDisplayOff:        {"set_display_off", 0, 0},
	OpSetDisplayOn:         {"set_display_on", 0, 0},
	OpSetDisplayBrightness: {"set_display_brightness", 1, 2},
	OpWriteControlDisplay:  {"write_control_display", 1, 1},
	OpWritePowerSave:       {"write_power_save", 1, 1},
}

var (
	// ErrUnknownOp is returned for op-codes outside the supported set.
	ErrUnknownOp = errors.New("dcs: unknown op-code")
	// ErrPayload is returned when a payload does not fit the op's shape.
	ErrPayload = errors.New("dcs: invalid payload length")
)

func (o Op) String() string {
	if s, ok := shapes[o]; ok {
		return s.name
	}
	return fmt.Sprintf("dcs(0x%02x)", byte(o))
}

// Command is a validated DCS write.
type Command struct {
	op      Op
	payload []byte
}

// New validates op and payload and returns the command.
func New(op Op, payload ...byte) (Command, error) {
	s, ok := shapes[op]
	if !ok {
		return Command{}, fmt.Errorf("%w 0x%02x", ErrUnknownOp, byte(op))
	}
	if len(payload) < s.min || len(payload) > s.max {
		return Command{}, fmt.Errorf("%w: %s takes %d..%d bytes, got %d",
			ErrPayload, s.name, s.min, s.max, len(payload))
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	return Command{op: op, payload: p}, nil
}

// MustNew is New for fixed tables; it panics on invalid input.
func MustNew(op Op, payload ...byte) Command {
	c, err := New(op, payload...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Command) Op() Op { return c.op }

// Payload returns a copy of the parameter bytes.
func (c Command) Payload() []byte {
	p := make([]byte, len(c.payload))
	copy(p, c.payload)
	return p
}

// Bytes returns the owned wire buffer: op-code followed by payload.
func (c Command) Bytes() []byte {
	b := make([]byte, 0, 1+len(c.payload))
	b = append(b, byte(c.op))
	return append(b, c.payload...)
}

func (c Command) String() string {
	return fmt.Sprintf("%s % x", c.op, c.payload)
}
