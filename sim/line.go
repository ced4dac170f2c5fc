// Package sim provides the shared wiring of a simulated Full-Speed link:
// the differential line, the jittered sampling clock, and the session
// loop that runs a device-role engine against it.
package sim

import "github.com/antmicro/usb-sie/wire"

// Line models the two differential wires. At most one side drives it per
// tick; an undriven line floats at idle J. It is not safe for concurrent
// use: host and device access it in lock step from one loop.
type Line struct {
	dp, dn bool
}

// NewLine returns a line at idle.
func NewLine() *Line {
	l := &Line{}
	l.Drive(wire.SymJ)
	return l
}

// Drive sets both wires from a line symbol.
func (l *Line) Drive(sym byte) {
	switch sym {
	case wire.SymJ:
		l.dp, l.dn = true, false
	case wire.SymK:
		l.dp, l.dn = false, true
	case wire.SymSE0:
		l.dp, l.dn = false, false
	default:
		l.dp, l.dn = true, true
	}
}

// Sample returns the symbol currently on the wires.
func (l *Line) Sample() byte {
	return wire.Symbol(l.dp, l.dn)
}
