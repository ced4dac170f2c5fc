package wire

import (
	"errors"
	"fmt"
	"strings"
)

// maxRun is the longest run of 1-bits allowed on the line before a stuffed
// 0 forces a transition (USB 2.0 §7.1.9).
const maxRun = 6

// ErrBitStuff marks a received run of more than six 1-bits, which a
// conforming transmitter can never produce.
var ErrBitStuff = errors.New("bit stuffing violation")

// ErrUnstableWindow marks an oversampling window whose samples disagree,
// i.e. an edge landed inside the sampling window instead of on a cell
// boundary.
var ErrUnstableWindow = errors.New("unstable sample window")

// Stuff inserts a 0 after every run of six 1-bits. Only '0' and '1'
// participate; any other character (pre-encoded SYNC/EOP symbols) resets
// the run.
func Stuff(bits string) string {
	var sb strings.Builder
	sb.Grow(len(bits) + len(bits)/maxRun)
	run := 0
	for i := 0; i < len(bits); i++ {
		sb.WriteByte(bits[i])
		if bits[i] == '1' {
			run++
		} else {
			run = 0
		}
		if run == maxRun {
			sb.WriteByte('0')
			run = 0
		}
	}
	return sb.String()
}

// Unstuff removes the stuffed 0 following every run of six 1-bits and
// reports ErrBitStuff when the bit after such a run is not 0.
func Unstuff(bits string) (string, error) {
	var sb strings.Builder
	sb.Grow(len(bits))
	run := 0
	for i := 0; i < len(bits); i++ {
		if run == maxRun {
			run = 0
			if bits[i] != '0' {
				return "", fmt.Errorf("%w at bit %d", ErrBitStuff, i)
			}
			continue
		}
		sb.WriteByte(bits[i])
		if bits[i] == '1' {
			run++
		} else {
			run = 0
		}
	}
	return sb.String(), nil
}

// EncodeNRZI converts logical bits into a line symbol stream at the given
// oversampling ratio, starting from the idle (J) state. A 0-bit toggles the
// line state, a 1-bit holds it. Lowercase 'j', 'k' and '_' force the line
// state directly and are used for the pre-encoded SYNC and EOP patterns.
// Bit stuffing is applied to the logical bits before encoding.
func EncodeNRZI(data string, oversample int) (string, error) {
	if oversample < 1 {
		return "", fmt.Errorf("oversample must be >= 1, got %d", oversample)
	}
	state := SymJ
	var sb strings.Builder
	stuffed := Stuff(data)
	sb.Grow(len(stuffed) * oversample)
	for i := 0; i < len(stuffed); i++ {
		switch stuffed[i] {
		case '0':
			if state == SymJ {
				state = SymK
			} else if state == SymK {
				state = SymJ
			}
		case '1':
			// no transition
		case 'j':
			state = SymJ
		case 'k':
			state = SymK
		case '_':
			state = SymSE0
		default:
			return "", fmt.Errorf("unknown bit %q at offset %d", stuffed[i], i)
		}
		for n := 0; n < oversample; n++ {
			sb.WriteByte(state)
		}
	}
	return sb.String(), nil
}

// DecodeNRZI is the inverse of EncodeNRZI for a J/K-only stream: it
// recovers stuffed logical bits from symbols, relative to the given
// previous line state. Every oversampling window must be stable, so edges
// displaced by jitter fail fast instead of desynchronizing the decoder.
// The caller removes stuffed bits afterwards with Unstuff.
func DecodeNRZI(symbols string, oversample int, prev byte) (string, error) {
	if oversample < 1 {
		return "", fmt.Errorf("oversample must be >= 1, got %d", oversample)
	}
	if len(symbols)%oversample != 0 {
		return "", fmt.Errorf("symbol count %d not a multiple of oversample %d",
			len(symbols), oversample)
	}
	var sb strings.Builder
	sb.Grow(len(symbols) / oversample)
	for i := 0; i < len(symbols); i += oversample {
		sym := symbols[i]
		for n := 1; n < oversample; n++ {
			if symbols[i+n] != sym {
				return "", fmt.Errorf("%w at symbol %d", ErrUnstableWindow, i+n)
			}
		}
		if sym != SymJ && sym != SymK {
			return "", fmt.Errorf("unexpected symbol %q inside packet body", sym)
		}
		if sym == prev {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
		prev = sym
	}
	return sb.String(), nil
}
