package wire

import (
	"strings"
	"testing"

	"github.com/antmicro/usb-sie/usb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapGolden(t *testing.T) {
	tests := []struct {
		name string
		p    usb.Packet
		want string
	}{
		{"ack", usb.Handshake{Kind: usb.PIDAck},
			"KJKJKJKKJJKJJKKK__J"},
		{"setup token", usb.Token{Kind: usb.PIDSetup},
			"KJKJKJKKKJJJKKJKJKJKJKJKJKJKKJKJ__J"},
		{"data0 5 6", usb.Data{Kind: usb.PIDData0, Payload: []byte{5, 6}},
			"KJKJKJKKKKJKJKKKKJJKJKJKJJJKJKJKKJJJJJJKKJJJJKJK__J"},
		{"data0 01", usb.Data{Kind: usb.PIDData0, Payload: []byte{0x01}},
			"KJKJKJKKKKJKJKKKKJKJKJKJJKJKJKJJJJJJJKKKJ__J"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Wrap(tt.p, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	packets := []usb.Packet{
		usb.Token{Kind: usb.PIDSetup, Addr: 40, Endpoint: 2},
		usb.Token{Kind: usb.PIDIn, Addr: 127, Endpoint: 15},
		usb.SOF{Frame: 1429},
		usb.Data{Kind: usb.PIDData1},
		usb.Data{Kind: usb.PIDData0, Payload: []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}},
		// All-ones payload exercises stuffing through the body and CRC.
		usb.Data{Kind: usb.PIDData1, Payload: []byte{0xFF, 0xFF, 0xFF, 0xFF}},
		usb.Handshake{Kind: usb.PIDStall},
	}
	for _, oversample := range []int{1, 4} {
		for _, p := range packets {
			t.Run(p.String(), func(t *testing.T) {
				symbols, err := Wrap(p, oversample)
				require.NoError(t, err)

				sync := SyncSymbols(oversample)
				require.True(t, strings.HasPrefix(symbols, sync))

				got, err := Capture(symbols[len(sync):], oversample)
				require.NoError(t, err)
				assert.Equal(t, p, got)
			})
		}
	}
}

func TestUnwrapRejectsMissingEOP(t *testing.T) {
	symbols, err := Wrap(usb.Handshake{Kind: usb.PIDAck}, 1)
	require.NoError(t, err)
	sync := SyncSymbols(1)
	_, err = Unwrap(symbols[len(sync):len(symbols)-1], 1)
	assert.Error(t, err)
}

func TestCaptureRejectsCorruptedBody(t *testing.T) {
	p := usb.Data{Kind: usb.PIDData0, Payload: []byte{5, 6}}
	symbols, err := Wrap(p, 1)
	require.NoError(t, err)
	sync := SyncSymbols(1)
	frame := []byte(symbols[len(sync):])

	// Invert one mid-payload symbol; NRZI decode then yields bits whose
	// CRC16 cannot match.
	i := len(frame) / 2
	if frame[i] == SymJ {
		frame[i] = SymK
	} else {
		frame[i] = SymJ
	}
	_, err = Capture(string(frame), 1)
	assert.Error(t, err)
}
