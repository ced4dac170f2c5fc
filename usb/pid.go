// Package usb implements the logical USB Full-Speed packet model: packet
// identifiers, token/data/handshake packets, the USB CRC5/CRC16 checksums
// and the LSB-first bit-level packing used on the wire.
package usb

import "fmt"

// PID is the 4-bit USB packet identifier. On the wire a PID is sent as a
// full byte: the 4 PID bits in the low nibble and their bit-complement in
// the high nibble (USB 2.0 §8.3.1).
type PID uint8

// Token PIDs.
const (
	PIDOut   PID = 0x1
	PIDIn    PID = 0x9
	PIDSOF   PID = 0x5
	PIDSetup PID = 0xD
)

// Data PIDs. DATA2 and MDATA are High-Speed only; they are decoded for
// categorization but never emitted by this engine.
const (
	PIDData0 PID = 0x3
	PIDData1 PID = 0xB
	PIDData2 PID = 0x7
	PIDMData PID = 0xF
)

// Handshake PIDs. NYET is High-Speed only.
const (
	PIDAck   PID = 0x2
	PIDNak   PID = 0xA
	PIDStall PID = 0xE
	PIDNyet  PID = 0x6
)

// Special PIDs.
const (
	PIDPre      PID = 0xC
	PIDSplit    PID = 0x8
	PIDPing     PID = 0x4
	PIDReserved PID = 0x0
)

// Category classifies a PID by its low two bits (USB 2.0 Table 8-1).
type Category uint8

const (
	CategorySpecial   Category = 0x0
	CategoryToken     Category = 0x1
	CategoryHandshake Category = 0x2
	CategoryData      Category = 0x3
)

const categoryMask = 0x3

// Byte returns the PID in wire form: value in the low nibble, complement in
// the high nibble.
func (p PID) Byte() uint8 {
	v := uint8(p) & 0xF
	return v | (0xF^v)<<4
}

// Category returns the PID category (token, data, handshake or special).
func (p PID) Category() Category {
	return Category(uint8(p) & categoryMask)
}

// PIDFromByte recovers a PID from its wire byte, validating the complement
// nibble. A failed complement check means the PID byte was corrupted in
// transit.
func PIDFromByte(b uint8) (PID, error) {
	v := b & 0xF
	if b>>4 != 0xF^v {
		return 0, fmt.Errorf("pid byte 0x%02x: complement check failed", b)
	}
	return PID(v), nil
}

func (p PID) String() string {
	switch p {
	case PIDOut:
		return "OUT"
	case PIDIn:
		return "IN"
	case PIDSOF:
		return "SOF"
	case PIDSetup:
		return "SETUP"
	case PIDData0:
		return "DATA0"
	case PIDData1:
		return "DATA1"
	case PIDData2:
		return "DATA2"
	case PIDMData:
		return "MDATA"
	case PIDAck:
		return "ACK"
	case PIDNak:
		return "NAK"
	case PIDStall:
		return "STALL"
	case PIDNyet:
		return "NYET"
	case PIDPre:
		return "PRE"
	case PIDSplit:
		return "SPLIT"
	case PIDPing:
		return "PING"
	case PIDReserved:
		return "RESERVED"
	default:
		return fmt.Sprintf("PID(0x%x)", uint8(p))
	}
}

func (c Category) String() string {
	switch c {
	case CategoryToken:
		return "TOKEN"
	case CategoryData:
		return "DATA"
	case CategoryHandshake:
		return "HANDSHAKE"
	default:
		return "SPECIAL"
	}
}
