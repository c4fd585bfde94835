package discovery

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsipanel/internal/config"
)

// fdtBuilder writes a minimal version 17 flattened device tree blob.
type fdtBuilder struct {
	structs bytes.Buffer
	strs    bytes.Buffer
	offsets map[string]uint32
}

func newFDTBuilder() *fdtBuilder {
	return &fdtBuilder{offsets: map[string]uint32{}}
}

func (b *fdtBuilder) u32(v uint32) {
	_ = binary.Write(&b.structs, binary.BigEndian, v)
}

func (b *fdtBuilder) pad() {
	for b.structs.Len()%4 != 0 {
		b.structs.WriteByte(0)
	}
}

func (b *fdtBuilder) begin(name string) *fdtBuilder {
	b.u32(1)
	b.structs.WriteString(name)
	b.structs.WriteByte(0)
	b.pad()
	return b
}

func (b *fdtBuilder) end() *fdtBuilder {
	b.u32(2)
	return b
}

func (b *fdtBuilder) prop(name string, value []byte) *fdtBuilder {
	off, ok := b.offsets[name]
	if !ok {
		off = uint32(b.strs.Len())
		b.offsets[name] = off
		b.strs.WriteString(name)
		b.strs.WriteByte(0)
	}
	b.u32(3)
	b.u32(uint32(len(value)))
	b.u32(off)
	b.structs.Write(value)
	b.pad()
	return b
}

func (b *fdtBuilder) str(name, value string) *fdtBuilder {
	return b.prop(name, append([]byte(value), 0))
}

func (b *fdtBuilder) cell(name string, v uint32) *fdtBuilder {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return b.prop(name, buf[:])
}

func (b *fdtBuilder) bytes() []byte {
	b.u32(9)

	const headerSize = 40
	const rsvmapSize = 16
	offStruct := uint32(headerSize + rsvmapSize)
	offStrings := offStruct + uint32(b.structs.Len())
	total := offStrings + uint32(b.strs.Len())

	var out bytes.Buffer
	for _, v := range []uint32{
		0xd00dfeed,
		total,
		offStruct,
		offStrings,
		headerSize,
		17,
		16,
		0,
		uint32(b.strs.Len()),
		uint32(b.structs.Len()),
	} {
		_ = binary.Write(&out, binary.BigEndian, v)
	}
	out.Write(make([]byte, rsvmapSize))
	out.Write(b.structs.Bytes())
	out.Write(b.strs.Bytes())
	return out.Bytes()
}

func dualLinkTree() []byte {
	b := newFDTBuilder()
	b.begin("").str("compatible", "vendor,board")
	b.begin("dsi@fd922800").
		begin("panel@0").
		prop("compatible", []byte("sharp,lq079l1sx01\x00panel-dsi\x00")).
		cell("reg", 0).
		cell("link2", 7).
		end().
		end()
	b.begin("dsi@fd922900").
		begin("panel@0").
		str("compatible", "sharp,lq079l1sx01").
		cell("reg", 1).
		cell("phandle", 7).
		end().
		end()
	b.begin("dsi@fd923000").
		begin("panel@0").
		str("compatible", "other,panel").
		end().
		end()
	b.end()
	return b.bytes()
}

func TestLoadDeviceTree(t *testing.T) {
	eps, err := LoadDeviceTree(bytes.NewReader(dualLinkTree()))
	require.NoError(t, err)
	require.Len(t, eps, 2)

	assert.Equal(t, "dsi@fd922800/panel@0", eps[0].ID)
	assert.Equal(t, "dsi@fd922900/panel@0", eps[0].Link2)
	assert.Equal(t, uint8(0), eps[0].VirtualChannel)

	assert.Equal(t, "dsi@fd922900/panel@0", eps[1].ID)
	assert.Empty(t, eps[1].Link2)
	assert.Equal(t, uint8(1), eps[1].VirtualChannel)
}

func TestLoadDeviceTreeDanglingLink2(t *testing.T) {
	b := newFDTBuilder()
	b.begin("").
		begin("panel@0").
		str("compatible", "sharp,lq079l1sx01").
		cell("link2", 42).
		end().
		end()

	_, err := LoadDeviceTree(bytes.NewReader(b.bytes()))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadDeviceTreeGarbage(t *testing.T) {
	_, err := LoadDeviceTree(bytes.NewReader([]byte("not a device tree at all, sorry")))
	assert.Error(t, err)
}

func TestMergeEndpoints(t *testing.T) {
	configured := []config.EndpointConfig{
		{ID: "a", Device: "/dev/spidev0.0"},
		{ID: "b", Device: "/dev/spidev0.1", Link2: "a"},
	}
	tree := []config.EndpointConfig{
		{ID: "a", Link2: "b", VirtualChannel: 2},
		{ID: "b"},
		{ID: "c"},
	}

	got := MergeEndpoints(configured, tree)
	assert.Equal(t, []config.EndpointConfig{
		{ID: "a", Device: "/dev/spidev0.0", Link2: "b", VirtualChannel: 2},
		{ID: "b", Device: "/dev/spidev0.1"},
		{ID: "c"},
	}, got)
	assert.Equal(t, "a", configured[1].Link2, "input is not modified")
}
