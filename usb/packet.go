package usb

import (
	"errors"
	"fmt"
	"strings"
)

// MaxPayload bounds the payload of a single data packet. Full-Speed bulk
// caps at 64 bytes but the codec itself accepts anything the buffers could
// stage.
const MaxPayload = 1024

// Packet decode errors.
var (
	// ErrCRCMismatch marks a packet whose received checksum disagrees with
	// the value recomputed from its fields. Such packets are never
	// assembled; protocol layers drop them without a response.
	ErrCRCMismatch = errors.New("crc mismatch")

	ErrBadLength = errors.New("malformed packet length")
)

// Packet is one logical USB packet. The concrete type is keyed by PID
// category: Token, SOF, Data or Handshake.
type Packet interface {
	// PID returns the packet identifier.
	PID() PID
	// Bits returns the logical packet bits in transmission order: the PID
	// byte followed by the packet fields and checksum. SYNC and EOP are
	// wire-level concerns and not included.
	Bits() string
	// String renders a short human-readable summary.
	String() string
}

// Token is an OUT, IN, SETUP or PING token packet addressed to one
// (address, endpoint) pair.
type Token struct {
	Kind     PID
	Addr     uint8 // 0..127
	Endpoint uint8 // 0..15
}

func (t Token) PID() PID { return t.Kind }

// CRC5 recomputes the token checksum from the address and endpoint fields.
func (t Token) CRC5() uint8 { return CRC5Token(t.Addr, t.Endpoint) }

func (t Token) Bits() string {
	var sb strings.Builder
	sb.Grow(24)
	appendBits(&sb, uint32(t.Kind.Byte()), 8)
	appendBits(&sb, uint32(t.Addr&0x7F), 7)
	appendBits(&sb, uint32(t.Endpoint&0xF), 4)
	appendBits(&sb, uint32(t.CRC5()), 5)
	return sb.String()
}

func (t Token) String() string {
	return fmt.Sprintf("%s addr=%d ep=%d", t.Kind, t.Addr, t.Endpoint)
}

// SOF is the start-of-frame token broadcast by the host once per frame.
type SOF struct {
	Frame uint16 // 0..2047
}

func (s SOF) PID() PID { return PIDSOF }

// CRC5 recomputes the checksum over the frame number.
func (s SOF) CRC5() uint8 { return CRC5SOF(s.Frame) }

func (s SOF) Bits() string {
	var sb strings.Builder
	sb.Grow(24)
	appendBits(&sb, uint32(PIDSOF.Byte()), 8)
	appendBits(&sb, uint32(s.Frame&0x7FF), 11)
	appendBits(&sb, uint32(s.CRC5()), 5)
	return sb.String()
}

func (s SOF) String() string { return fmt.Sprintf("SOF frame=%d", s.Frame) }

// Data is a DATA0/DATA1 packet carrying a payload and its CRC16.
type Data struct {
	Kind    PID // PIDData0 or PIDData1
	Payload []byte
}

func (d Data) PID() PID { return d.Kind }

// CRC16 recomputes the payload checksum.
func (d Data) CRC16() uint16 { return CRC16(d.Payload) }

func (d Data) Bits() string {
	var sb strings.Builder
	sb.Grow(24 + len(d.Payload)*8)
	appendBits(&sb, uint32(d.Kind.Byte()), 8)
	for _, b := range d.Payload {
		appendBits(&sb, uint32(b), 8)
	}
	appendBits(&sb, uint32(d.CRC16()), 16)
	return sb.String()
}

func (d Data) String() string {
	return fmt.Sprintf("%s len=%d % x", d.Kind, len(d.Payload), d.Payload)
}

// Handshake is an ACK, NAK, STALL or NYET packet. It carries no fields.
type Handshake struct {
	Kind PID
}

func (h Handshake) PID() PID { return h.Kind }

func (h Handshake) Bits() string {
	var sb strings.Builder
	sb.Grow(8)
	appendBits(&sb, uint32(h.Kind.Byte()), 8)
	return sb.String()
}

func (h Handshake) String() string { return h.Kind.String() }

// Parse assembles a Packet from logical bits in transmission order (PID
// byte first, no SYNC/EOP). Token and data checksums are verified; a
// mismatch returns ErrCRCMismatch and no packet.
func Parse(bits string) (Packet, error) {
	if len(bits) < 8 {
		return nil, fmt.Errorf("%w: %d bits", ErrBadLength, len(bits))
	}
	pidRaw, err := bitsToUint(bits[:8])
	if err != nil {
		return nil, err
	}
	pid, err := PIDFromByte(uint8(pidRaw))
	if err != nil {
		return nil, err
	}

	switch pid.Category() {
	case CategorySpecial:
		// PING shares the token layout; the remaining special PIDs are
		// hub/split traffic this engine never sees.
		if pid != PIDPing {
			return nil, fmt.Errorf("unsupported special pid %s", pid)
		}
		return parseToken(pid, bits)
	case CategoryToken:
		return parseToken(pid, bits)
	case CategoryData:
		return parseData(pid, bits)
	case CategoryHandshake:
		if len(bits) != 8 {
			return nil, fmt.Errorf("%w: handshake with %d bits", ErrBadLength, len(bits))
		}
		return Handshake{Kind: pid}, nil
	}
	return nil, fmt.Errorf("unreachable pid category %d", pid.Category())
}

func parseToken(pid PID, bits string) (Packet, error) {
	if len(bits) != 24 {
		return nil, fmt.Errorf("%w: token with %d bits", ErrBadLength, len(bits))
	}
	fields, err := bitsToUint(bits[8:19])
	if err != nil {
		return nil, err
	}
	crc, err := bitsToUint(bits[19:24])
	if err != nil {
		return nil, err
	}
	if !VerifyCRC5(uint16(fields), 11, uint8(crc)) {
		return nil, fmt.Errorf("%s token: %w", pid, ErrCRCMismatch)
	}
	if pid == PIDSOF {
		return SOF{Frame: uint16(fields)}, nil
	}
	return Token{
		Kind:     pid,
		Addr:     uint8(fields & 0x7F),
		Endpoint: uint8(fields >> 7 & 0xF),
	}, nil
}

func parseData(pid PID, bits string) (Packet, error) {
	if len(bits) < 24 || len(bits)%8 != 0 {
		return nil, fmt.Errorf("%w: data with %d bits", ErrBadLength, len(bits))
	}
	payload, err := BitsToBytes(bits[8 : len(bits)-16])
	if err != nil {
		return nil, err
	}
	crc, err := bitsToUint(bits[len(bits)-16:])
	if err != nil {
		return nil, err
	}
	if !VerifyCRC16(payload, uint16(crc)) {
		return nil, fmt.Errorf("%s: %w", pid, ErrCRCMismatch)
	}
	return Data{Kind: pid, Payload: payload}, nil
}
