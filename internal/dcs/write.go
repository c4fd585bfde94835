package dcs

import (
	"fmt"
	"io"
)

// Writer is the raw-command primitive of a communication link: it sends one
// complete DCS buffer and reports how many bytes were accepted.
type Writer interface {
	Write(p []byte) (int, error)
}

// Send writes c to w. A short write is an error.
func Send(w Writer, c Command) error {
	b := c.Bytes()
	n, err := w.Write(b)
	if err != nil {
		return fmt.Errorf("dcs: %s: %w", c.op, err)
	}
	if n != len(b) {
		return fmt.Errorf("dcs: %s: %w (%d of %d bytes)", c.op, io.ErrShortWrite, n, len(b))
	}
	return nil
}

// WriteBuffer builds and sends op with payload in one step.
func WriteBuffer(w Writer, op Op, payload ...byte) error {
	c, err := New(op, payload...)
	if err != nil {
		return err
	}
	return Send(w, c)
}

var (
	exitSleep  = MustNew(OpExitSleepMode)
	enterSleep = MustNew(OpEnterSleepMode)
	displayOn  = MustNew(OpSetDisplayOn)
	displayOff = MustNew(OpSetDisplayOff)
)

func ExitSleepMode(w Writer) error  { return Send(w, exitSleep) }
func EnterSleepMode(w Writer) error { return Send(w, enterSleep) }
func SetDisplayOn(w Writer) error   { return Send(w, displayOn) }
func SetDisplayOff(w Writer) error  { return Send(w, displayOff) }

// SetDisplayBrightness writes an 8-bit brightness value.
func SetDisplayBrightness(w Writer, level byte) error {
	return WriteBuffer(w, OpSetDisplayBrightness, level)
}
