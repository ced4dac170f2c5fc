package sim

import (
	"testing"

	"github.com/antmicro/usb-sie/wire"

	"github.com/stretchr/testify/assert"
)

func TestLineIdlesAtJ(t *testing.T) {
	l := NewLine()
	assert.Equal(t, wire.SymJ, l.Sample())
}

func TestLineDriveRoundTrip(t *testing.T) {
	l := NewLine()
	for _, sym := range []byte{wire.SymK, wire.SymSE0, wire.SymJ, wire.SymK} {
		l.Drive(sym)
		assert.Equal(t, sym, l.Sample())
	}
}

func TestLineHoldsLastSymbol(t *testing.T) {
	l := NewLine()
	l.Drive(wire.SymK)
	assert.Equal(t, wire.SymK, l.Sample())
	assert.Equal(t, wire.SymK, l.Sample())
}
