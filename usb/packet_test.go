package usb_test

import (
	"testing"

	"github.com/antmicro/usb-sie/usb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDByte(t *testing.T) {
	tests := []struct {
		pid  usb.PID
		want uint8
	}{
		{usb.PIDSetup, 0x2D},
		{usb.PIDOut, 0xE1},
		{usb.PIDIn, 0x69},
		{usb.PIDSOF, 0xA5},
		{usb.PIDData0, 0xC3},
		{usb.PIDData1, 0x4B},
		{usb.PIDAck, 0xD2},
		{usb.PIDNak, 0x5A},
		{usb.PIDStall, 0x1E},
	}
	for _, tt := range tests {
		t.Run(tt.pid.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pid.Byte())
			got, err := usb.PIDFromByte(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.pid, got)
		})
	}
}

func TestPIDFromByteRejectsBadComplement(t *testing.T) {
	_, err := usb.PIDFromByte(0x2D ^ 0x10)
	assert.Error(t, err)
}

func TestPIDCategory(t *testing.T) {
	assert.Equal(t, usb.CategoryToken, usb.PIDSetup.Category())
	assert.Equal(t, usb.CategoryToken, usb.PIDSOF.Category())
	assert.Equal(t, usb.CategoryData, usb.PIDData0.Category())
	assert.Equal(t, usb.CategoryData, usb.PIDMData.Category())
	assert.Equal(t, usb.CategoryHandshake, usb.PIDAck.Category())
	assert.Equal(t, usb.CategoryHandshake, usb.PIDNyet.Category())
	assert.Equal(t, usb.CategorySpecial, usb.PIDPing.Category())
	assert.Equal(t, usb.CategorySpecial, usb.PIDSplit.Category())
}

func TestTokenBits(t *testing.T) {
	tests := []struct {
		name  string
		token usb.Token
		want  string
	}{
		{"setup addr0", usb.Token{Kind: usb.PIDSetup}, "101101000000000000001000"},
		{"in addr3", usb.Token{Kind: usb.PIDIn, Addr: 3}, "100101101100000000001010"},
		{"out addr58 ep10", usb.Token{Kind: usb.PIDOut, Addr: 0x3A, Endpoint: 0xA}, "100001110101110010111100"},
		{"setup addr112 ep10", usb.Token{Kind: usb.PIDSetup, Addr: 0x70, Endpoint: 0xA}, "101101000000111010110101"},
		{"setup addr40 ep2", usb.Token{Kind: usb.PIDSetup, Addr: 40, Endpoint: 2}, "101101000001010010000011"},
		{"setup addr28 ep2", usb.Token{Kind: usb.PIDSetup, Addr: 28, Endpoint: 2}, "101101000011100010001001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.token.Bits())
		})
	}
}

func TestSOFBits(t *testing.T) {
	tests := []struct {
		frame uint16
		want  string
	}{
		{1, "101001011000000000010111"},
		{100, "101001010010011000011111"},
		{257, "101001011000000010000011"},
		{1429, "101001011010100110110000"},
		{2046, "101001010111111111111101"},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, usb.SOF{Frame: tt.frame}.Bits(), "frame=%d", tt.frame)
	}
}

func TestDataBits(t *testing.T) {
	empty := usb.Data{Kind: usb.PIDData1}
	assert.Equal(t, "110100100000000000000000", empty.Bits())

	getDesc := usb.Data{Kind: usb.PIDData0,
		Payload: []byte{0x80, 0x06, 0x03, 0x03, 0x09, 0x04, 0x00, 0x02}}
	assert.Equal(t,
		"1100001100000001011000001100000011000000100100000010000000000000010000000110101011011100",
		getDesc.Bits())
}

func TestHandshakeBits(t *testing.T) {
	assert.Equal(t, "01001011", usb.Handshake{Kind: usb.PIDAck}.Bits())
	assert.Equal(t, "01011010", usb.Handshake{Kind: usb.PIDNak}.Bits())
}

func TestParseRoundTrip(t *testing.T) {
	packets := []usb.Packet{
		usb.Token{Kind: usb.PIDSetup},
		usb.Token{Kind: usb.PIDOut, Addr: 0x3A, Endpoint: 0xA},
		usb.Token{Kind: usb.PIDIn, Addr: 127, Endpoint: 15},
		usb.Token{Kind: usb.PIDPing, Addr: 5, Endpoint: 1},
		usb.SOF{Frame: 0},
		usb.SOF{Frame: 2047},
		usb.Data{Kind: usb.PIDData0, Payload: []byte{5, 6}},
		usb.Data{Kind: usb.PIDData1},
		usb.Data{Kind: usb.PIDData1, Payload: make([]byte, 64)},
		usb.Handshake{Kind: usb.PIDAck},
		usb.Handshake{Kind: usb.PIDNak},
		usb.Handshake{Kind: usb.PIDStall},
	}
	for _, p := range packets {
		t.Run(p.String(), func(t *testing.T) {
			got, err := usb.Parse(p.Bits())
			require.NoError(t, err)
			assert.Equal(t, p, got)
		})
	}
}

func TestParseRejectsCorruptedCRC(t *testing.T) {
	data := usb.Data{Kind: usb.PIDData0, Payload: []byte{1, 2, 3}}
	bits := []byte(data.Bits())
	// Flip one payload bit while keeping the transmitted checksum.
	bits[12] ^= 1
	_, err := usb.Parse(string(bits))
	assert.ErrorIs(t, err, usb.ErrCRCMismatch)

	token := usb.Token{Kind: usb.PIDIn, Addr: 3}
	tbits := []byte(token.Bits())
	tbits[9] ^= 1
	_, err = usb.Parse(string(tbits))
	assert.ErrorIs(t, err, usb.ErrCRCMismatch)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := usb.Parse("0100")
	assert.ErrorIs(t, err, usb.ErrBadLength)

	// Handshake PID followed by trailing bits.
	_, err = usb.Parse("01001011" + "00000000")
	assert.ErrorIs(t, err, usb.ErrBadLength)
}
