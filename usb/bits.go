package usb

import (
	"fmt"
	"strings"
)

// Logical packet bits are carried as strings of '0'/'1' in transmission
// order, which for USB means LSB first within every field and byte.

func appendBits(sb *strings.Builder, v uint32, n int) {
	for i := 0; i < n; i++ {
		if v>>i&1 != 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
}

func bitsToUint(bits string) (uint32, error) {
	if len(bits) > 32 {
		return 0, fmt.Errorf("bit field too wide: %d bits", len(bits))
	}
	var v uint32
	for i := 0; i < len(bits); i++ {
		switch bits[i] {
		case '1':
			v |= 1 << i
		case '0':
		default:
			return 0, fmt.Errorf("invalid bit %q at offset %d", bits[i], i)
		}
	}
	return v, nil
}

// BytesToBits converts a byte sequence into transmission-order bits.
func BytesToBits(data []byte) string {
	var sb strings.Builder
	sb.Grow(len(data) * 8)
	for _, b := range data {
		appendBits(&sb, uint32(b), 8)
	}
	return sb.String()
}

// BitsToBytes converts transmission-order bits back into bytes. The bit
// count must be a multiple of 8.
func BitsToBytes(bits string) ([]byte, error) {
	if len(bits)%8 != 0 {
		return nil, fmt.Errorf("bit count %d not a multiple of 8", len(bits))
	}
	if len(bits) == 0 {
		return nil, nil
	}
	out := make([]byte, 0, len(bits)/8)
	for i := 0; i < len(bits); i += 8 {
		v, err := bitsToUint(bits[i : i+8])
		if err != nil {
			return nil, err
		}
		out = append(out, byte(v))
	}
	return out, nil
}
