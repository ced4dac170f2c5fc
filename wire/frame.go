package wire

import (
	"fmt"
	"strings"

	"github.com/antmicro/usb-sie/usb"
)

// Pre-encoded framing patterns. Lowercase characters force the line state
// in EncodeNRZI, so SYNC always produces KJKJKJKK on the wire regardless of
// the preceding idle level, and EOP is two SE0 cells followed by one J.
const (
	syncPattern = "kjkjkjkk"
	eopPattern  = "__j"
)

// SyncSymbols returns the on-the-wire SYNC pattern at the given
// oversampling ratio.
func SyncSymbols(oversample int) string {
	s, _ := EncodeNRZI(syncPattern, oversample)
	return s
}

// EOPSymbols returns the on-the-wire end-of-packet pattern at the given
// oversampling ratio.
func EOPSymbols(oversample int) string {
	s, _ := EncodeNRZI(eopPattern, oversample)
	return s
}

// Wrap frames a packet for transmission: SYNC, the NRZI-encoded and
// bit-stuffed packet bits, then EOP.
func Wrap(p usb.Packet, oversample int) (string, error) {
	return EncodeNRZI(syncPattern+p.Bits()+eopPattern, oversample)
}

// Unwrap recovers the logical packet bits from a captured frame. The frame
// is everything after the SYNC pattern, EOP included, exactly as the
// Monitor delivers it. The NRZI reference state is the trailing K of SYNC.
func Unwrap(frame string, oversample int) (string, error) {
	eop := EOPSymbols(oversample)
	if !strings.HasSuffix(frame, eop) {
		return "", fmt.Errorf("frame does not end in EOP")
	}
	body := frame[:len(frame)-len(eop)]
	stuffed, err := DecodeNRZI(body, oversample, SymK)
	if err != nil {
		return "", err
	}
	return Unstuff(stuffed)
}

// Capture unwraps and parses in one step; it exists for trace tooling
// that needs to re-decode recorded symbol streams.
func Capture(frame string, oversample int) (usb.Packet, error) {
	bits, err := Unwrap(frame, oversample)
	if err != nil {
		return nil, err
	}
	return usb.Parse(bits)
}
