package cmd

import (
	"testing"

	"github.com/antmicro/usb-sie/trace"
	"github.com/antmicro/usb-sie/usb"

	"github.com/stretchr/testify/assert"
)

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   trace.Event
		want string
	}{
		{
			name: "token",
			ev: trace.Event{
				BitTime: 12.5,
				Dir:     trace.DirToDevice,
				PID:     uint8(usb.PIDSetup),
				Data:    []byte{9, 0},
			},
			want: "      12.5 H->D SETUP addr=9 ep=0",
		},
		{
			name: "sof",
			ev: trace.Event{
				BitTime: 100,
				Dir:     trace.DirToDevice,
				PID:     uint8(usb.PIDSOF),
				Data:    []byte{0x05, 0x93},
			},
			want: "     100.0 H->D SOF frame=1427",
		},
		{
			name: "data",
			ev: trace.Event{
				BitTime: 46.25,
				Dir:     trace.DirFromDevice,
				PID:     uint8(usb.PIDData1),
				Data:    []byte{0xDE, 0xAD},
			},
			want: "      46.2 D->H DATA1 len=2 [de ad]",
		},
		{
			name: "handshake",
			ev: trace.Event{
				BitTime: 60,
				Dir:     trace.DirFromDevice,
				PID:     uint8(usb.PIDAck),
			},
			want: "      60.0 D->H ACK",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatEvent(tt.ev))
		})
	}
}
