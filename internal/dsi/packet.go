package dsi

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"
)

// DSI data types used for DCS traffic.
const (
	TypeDCSShortWrite      byte = 0x05
	TypeDCSShortWriteParam byte = 0x15
	TypeDCSLongWrite       byte = 0x39
)

const maxLongPayload = 0xffff

// eccColumns holds the 6-bit parity contribution of each of the 24 header
// bits (D0..D23) of a packet header.
var eccColumns = [24]byte{
	0x07, 0x0b, 0x0d, 0x0e, 0x13, 0x15, 0x16, 0x19,
	0x1a, 0x1c, 0x23, 0x25, 0x26, 0x29, 0x2a, 0x2c,
	0x31, 0x32, 0x34, 0x38, 0x1f, 0x2f, 0x37, 0x3b,
}

// ECC computes the header error-correction code over DI, byte1, byte2.
func ECC(di, b1, b2 byte) byte {
	word := uint32(di) | uint32(b1)<<8 | uint32(b2)<<16
	var ecc byte
	for i := 0; i < 24; i++ {
		if word&(1<<i) != 0 {
			ecc ^= eccColumns[i]
		}
	}
	return ecc
}

// crcTable is CRC-16/MCRF4XX: x^16+x^12+x^5+1, reflected, seed 0xffff, no
// final xor. That is the checksum trailing a DSI long packet.
var crcTable = crc16.MakeTable(crc16.CRC16_MCRF4XX)

// Checksum is the CRC-16 that trails a long packet payload.
func Checksum(p []byte) uint16 {
	return crc16.Checksum(p, crcTable)
}

// EncodeDCS frames a DCS buffer (op-code + parameters) for virtual channel
// vc. One- and two-byte buffers use short packets, longer ones a long packet.
func EncodeDCS(vc uint8, buf []byte) ([]byte, error) {
	if vc > 3 {
		return nil, fmt.Errorf("dsi: virtual channel %d out of range", vc)
	}
	switch n := len(buf); {
	case n == 0:
		return nil, fmt.Errorf("dsi: empty DCS buffer")
	case n == 1:
		di := vc<<6 | TypeDCSShortWrite
		return []byte{di, buf[0], 0x00, ECC(di, buf[0], 0x00)}, nil
	case n == 2:
		di := vc<<6 | TypeDCSShortWriteParam
		return []byte{di, buf[0], buf[1], ECC(di, buf[0], buf[1])}, nil
	case n > maxLongPayload:
		return nil, fmt.Errorf("dsi: DCS buffer too long (%d bytes)", n)
	default:
		di := vc<<6 | TypeDCSLongWrite
		wc := uint16(n)
		pkt := make([]byte, 4, 4+n+2)
		pkt[0] = di
		binary.LittleEndian.PutUint16(pkt[1:3], wc)
		pkt[3] = ECC(di, pkt[1], pkt[2])
		pkt = append(pkt, buf...)
		return binary.LittleEndian.AppendUint16(pkt, Checksum(buf)), nil
	}
}
