package usb

import (
	"encoding/binary"
	"fmt"
)

// Standard request codes (USB 2.0 Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
)

// bmRequestType direction bit (USB 2.0 Table 9-2).
const (
	RequestDirectionOut = 0x00 // host to device
	RequestDirectionIn  = 0x80 // device to host
)

// Descriptor types used by GET_DESCRIPTOR.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
)

// SetupRequest is the 8-byte request header delivered in the DATA stage of
// a SETUP transaction.
type SetupRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetup decodes an 8-byte SETUP payload.
func ParseSetup(data []byte) (SetupRequest, error) {
	if len(data) != 8 {
		return SetupRequest{}, fmt.Errorf("setup payload is %d bytes, want 8", len(data))
	}
	return SetupRequest{
		RequestType: data[0],
		Request:     data[1],
		Value:       binary.LittleEndian.Uint16(data[2:4]),
		Index:       binary.LittleEndian.Uint16(data[4:6]),
		Length:      binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

// Bytes encodes the request in wire order (little-endian fields).
func (r SetupRequest) Bytes() [8]byte {
	var out [8]byte
	out[0] = r.RequestType
	out[1] = r.Request
	binary.LittleEndian.PutUint16(out[2:4], r.Value)
	binary.LittleEndian.PutUint16(out[4:6], r.Index)
	binary.LittleEndian.PutUint16(out[6:8], r.Length)
	return out
}

// DirectionIn reports whether the data stage, if any, moves device to host.
func (r SetupRequest) DirectionIn() bool {
	return r.RequestType&RequestDirectionIn != 0
}

func (r SetupRequest) String() string {
	return fmt.Sprintf("bmRequestType=0x%02x bRequest=0x%02x wValue=0x%04x wIndex=0x%04x wLength=%d",
		r.RequestType, r.Request, r.Value, r.Index, r.Length)
}

// GetDescriptorRequest builds a standard GET_DESCRIPTOR control request.
func GetDescriptorRequest(descType, index uint8, langID, length uint16) SetupRequest {
	return SetupRequest{
		RequestType: RequestDirectionIn,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       langID,
		Length:      length,
	}
}

// SetAddressRequest builds a standard SET_ADDRESS control request.
func SetAddressRequest(addr uint8) SetupRequest {
	return SetupRequest{
		RequestType: RequestDirectionOut,
		Request:     RequestSetAddress,
		Value:       uint16(addr & 0x7F),
	}
}

// SetConfigurationRequest builds a standard SET_CONFIGURATION request.
func SetConfigurationRequest(cfg uint8) SetupRequest {
	return SetupRequest{
		RequestType: RequestDirectionOut,
		Request:     RequestSetConfiguration,
		Value:       uint16(cfg),
	}
}
