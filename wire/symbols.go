// Package wire implements the line-level side of the Full-Speed USB link:
// NRZI encoding with bit stuffing, SYNC/EOP framing, conversion between the
// symbol stream and the two differential wires, and the monitor that
// recovers frames from an oversampled sample stream.
//
// A symbol stream is a string over the alphabet below, one symbol per
// oversampled clock tick.
package wire

import "fmt"

// Line symbols.
const (
	SymJ   byte = 'J' // idle / differential 1 (D+ high, D- low)
	SymK   byte = 'K' // differential 0 (D+ low, D- high)
	SymSE0 byte = '_' // single-ended zero, both lines low
	SymSE1 byte = '1' // both lines high; illegal on a FS link
)

// Diff converts a symbol stream into per-wire bit strings for the D+ and
// D- signals.
func Diff(symbols string) (dp, dn string, err error) {
	p := make([]byte, len(symbols))
	n := make([]byte, len(symbols))
	for i := 0; i < len(symbols); i++ {
		switch symbols[i] {
		case SymJ:
			p[i], n[i] = '1', '0'
		case SymK:
			p[i], n[i] = '0', '1'
		case SymSE0:
			p[i], n[i] = '0', '0'
		case SymSE1:
			p[i], n[i] = '1', '1'
		default:
			return "", "", fmt.Errorf("unknown symbol %q at offset %d", symbols[i], i)
		}
	}
	return string(p), string(n), nil
}

// Undiff converts sampled D+/D- bit strings back into a symbol stream.
func Undiff(dp, dn string) (string, error) {
	if len(dp) != len(dn) {
		return "", fmt.Errorf("wire sample length mismatch: %d vs %d", len(dp), len(dn))
	}
	out := make([]byte, len(dp))
	for i := 0; i < len(dp); i++ {
		out[i] = Symbol(dp[i] == '1', dn[i] == '1')
	}
	return string(out), nil
}

// Symbol maps one sample of the two wires onto a line symbol.
func Symbol(dp, dn bool) byte {
	switch {
	case dp && dn:
		return SymSE1
	case dp:
		return SymJ
	case dn:
		return SymK
	default:
		return SymSE0
	}
}
