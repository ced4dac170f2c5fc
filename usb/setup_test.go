package usb_test

import (
	"testing"

	"github.com/antmicro/usb-sie/usb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupRequestRoundTrip(t *testing.T) {
	req := usb.GetDescriptorRequest(usb.DescriptorTypeString, 3, 0x0409, 255)
	raw := req.Bytes()
	assert.Equal(t, [8]byte{0x80, 0x06, 0x03, 0x03, 0x09, 0x04, 0xFF, 0x00}, raw)

	parsed, err := usb.ParseSetup(raw[:])
	require.NoError(t, err)
	assert.Equal(t, req, parsed)
	assert.True(t, parsed.DirectionIn())
}

func TestSetAddressRequest(t *testing.T) {
	req := usb.SetAddressRequest(22)
	raw := req.Bytes()
	assert.Equal(t, [8]byte{0x00, 0x05, 0x16, 0x00, 0x00, 0x00, 0x00, 0x00}, raw)
	assert.False(t, req.DirectionIn())
	assert.Zero(t, req.Length)
}

func TestSetConfigurationRequest(t *testing.T) {
	req := usb.SetConfigurationRequest(1)
	assert.Equal(t, [8]byte{0x00, 0x09, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}, req.Bytes())
}

func TestParseSetupRejectsShortPayload(t *testing.T) {
	_, err := usb.ParseSetup([]byte{0x80, 0x06})
	assert.Error(t, err)
}
