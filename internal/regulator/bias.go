package regulator

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// TPS65132-style bias supply: one I2C device with a positive (VSP) and a
// negative (VSN) output register. Each register takes
// (microvolts - 4.0 V) / 100 mV, covering 4.0 V .. 6.0 V.
const (
	DefaultBiasAddr = 0x3e

	BiasRegVPOS byte = 0x00
	BiasRegVNEG byte = 0x01

	biasMinMicrovolts  = 4_000_000
	biasMaxMicrovolts  = 6_000_000
	biasStepMicrovolts = 100_000
)

type txer interface {
	Tx(w, r []byte) error
}

// Bias programs one output register of a bias supply.
type Bias struct {
	dev        txer
	reg        byte
	microvolts int
	closer     func() error
}

// BiasCode converts a target voltage into the register code.
func BiasCode(microvolts int) (byte, error) {
	if microvolts < biasMinMicrovolts || microvolts > biasMaxMicrovolts {
		return 0, fmt.Errorf("regulator: bias voltage %d uV out of range", microvolts)
	}
	if (microvolts-biasMinMicrovolts)%biasStepMicrovolts != 0 {
		return 0, fmt.Errorf("regulator: bias voltage %d uV not on a 100 mV step", microvolts)
	}
	return byte((microvolts - biasMinMicrovolts) / biasStepMicrovolts), nil
}

// OpenBias opens the I2C bus (by periph name, "" for the default) and
// returns a Programmer for register reg.
func OpenBias(busName string, addr uint16, reg byte, microvolts int) (*Bias, error) {
	if _, err := BiasCode(microvolts); err != nil {
		return nil, err
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("regulator: periph host init failed: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("regulator: open i2c bus %q: %w", busName, err)
	}
	if addr == 0 {
		addr = DefaultBiasAddr
	}
	b := newBias(&i2c.Dev{Bus: bus, Addr: addr}, reg, microvolts)
	b.closer = bus.Close
	return b, nil
}

func newBias(dev txer, reg byte, microvolts int) *Bias {
	return &Bias{dev: dev, reg: reg, microvolts: microvolts}
}

// Program writes the voltage code and reads it back.
func (b *Bias) Program() error {
	code, err := BiasCode(b.microvolts)
	if err != nil {
		return err
	}
	if err := b.dev.Tx([]byte{b.reg, code}, nil); err != nil {
		return err
	}
	got := []byte{0}
	if err := b.dev.Tx([]byte{b.reg}, got); err != nil {
		return err
	}
	if got[0] != code {
		return fmt.Errorf("regulator: bias register 0x%02x reads 0x%02x, wrote 0x%02x", b.reg, got[0], code)
	}
	return nil
}

// Close releases the I2C bus.
func (b *Bias) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}
