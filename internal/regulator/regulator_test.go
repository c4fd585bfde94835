package regulator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

type fakeBus struct {
	regs    map[byte]byte
	writes  int
	failTx  error
	corrupt bool
}

func (f *fakeBus) Tx(w, r []byte) error {
	if f.failTx != nil {
		return f.failTx
	}
	if f.regs == nil {
		f.regs = map[byte]byte{}
	}
	if len(w) == 2 {
		f.writes++
		v := w[1]
		if f.corrupt {
			v ^= 0xff
		}
		f.regs[w[0]] = v
	}
	if len(r) > 0 {
		r[0] = f.regs[w[0]]
	}
	return nil
}

func TestGPIOUseCount(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO17", Num: 17}
	r := NewGPIO("avdd", pin, false, nil)

	require.NoError(t, r.Enable())
	assert.Equal(t, gpio.High, pin.Read())
	require.NoError(t, r.Enable())
	assert.True(t, r.IsEnabled())

	require.NoError(t, r.Disable())
	assert.Equal(t, gpio.High, pin.Read(), "still held by second user")
	require.NoError(t, r.Disable())
	assert.Equal(t, gpio.Low, pin.Read())
	assert.False(t, r.IsEnabled())

	assert.ErrorIs(t, r.Disable(), ErrUnbalanced)
}

func TestGPIOActiveLow(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO22", Num: 22, L: gpio.High}
	r := NewGPIO("vsp", pin, true, nil)

	require.NoError(t, r.Enable())
	assert.Equal(t, gpio.Low, pin.Read())
	require.NoError(t, r.Disable())
	assert.Equal(t, gpio.High, pin.Read())
}

func TestGPIOProgramsBias(t *testing.T) {
	bus := &fakeBus{}
	pin := &gpiotest.Pin{N: "GPIO23", Num: 23}
	r := NewGPIO("vsn", pin, false, newBias(bus, BiasRegVNEG, 5_500_000))

	require.NoError(t, r.Enable())
	assert.Equal(t, byte(0x0f), bus.regs[BiasRegVNEG])
	require.NoError(t, r.Enable())
	assert.Equal(t, 1, bus.writes, "programmed only on first enable")
}

func TestGPIOProgramFailureLeavesRailOff(t *testing.T) {
	bus := &fakeBus{corrupt: true}
	pin := &gpiotest.Pin{N: "GPIO23", Num: 23}
	r := NewGPIO("vsn", pin, false, newBias(bus, BiasRegVNEG, 5_500_000))

	err := r.Enable()
	require.Error(t, err)
	assert.Equal(t, gpio.Low, pin.Read())
	assert.False(t, r.IsEnabled())

	boom := errors.New("nack")
	r = NewGPIO("vsp", pin, false, newBias(&fakeBus{failTx: boom}, BiasRegVPOS, 5_500_000))
	assert.ErrorIs(t, r.Enable(), boom)
}

func TestBiasCode(t *testing.T) {
	tests := []struct {
		uv      int
		want    byte
		wantErr bool
	}{
		{4_000_000, 0x00, false},
		{5_500_000, 0x0f, false},
		{6_000_000, 0x14, false},
		{3_900_000, 0, true},
		{6_100_000, 0, true},
		{5_450_000, 0, true},
	}
	for _, tt := range tests {
		got, err := BiasCode(tt.uv)
		if tt.wantErr {
			assert.Error(t, err, "BiasCode(%d)", tt.uv)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestDummyCounts(t *testing.T) {
	d := NewDummy("vddio")
	assert.ErrorIs(t, d.Disable(), ErrUnbalanced)
	require.NoError(t, d.Enable())
	assert.True(t, d.IsEnabled())
	require.NoError(t, d.Disable())
	assert.False(t, d.IsEnabled())
}
