package usb

import (
	"bytes"
	"encoding/binary"
)

// Descriptor lengths in bytes (fixed values from USB spec)
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
)

// DeviceDescriptor represents the standard USB device descriptor.
// bLength and bDescriptorType are implied.
type DeviceDescriptor struct {
	BcdUSB             uint16 // LE
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16 // LE
	IDProduct          uint16 // LE
	BcdDevice          uint16 // LE
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
}

// Bytes returns the binary representation with bLength auto-filled.
func (d DeviceDescriptor) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(DeviceDescLen)
	b.WriteByte(DescriptorTypeDevice)
	_ = binary.Write(&b, binary.LittleEndian, d.BcdUSB)
	b.WriteByte(d.BDeviceClass)
	b.WriteByte(d.BDeviceSubClass)
	b.WriteByte(d.BDeviceProtocol)
	b.WriteByte(d.BMaxPacketSize0)
	_ = binary.Write(&b, binary.LittleEndian, d.IDVendor)
	_ = binary.Write(&b, binary.LittleEndian, d.IDProduct)
	_ = binary.Write(&b, binary.LittleEndian, d.BcdDevice)
	b.WriteByte(d.IManufacturer)
	b.WriteByte(d.IProduct)
	b.WriteByte(d.ISerialNumber)
	b.WriteByte(d.BNumConfigurations)
	return b.Bytes()
}

// ConfigDescriptor represents a configuration with its subordinate
// interface and endpoint descriptors. wTotalLength and bNumInterfaces
// are computed while building.
type ConfigDescriptor struct {
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8
	Interfaces          []InterfaceDescriptor
}

// Bytes returns the whole configuration blob in wire order, the way the
// device answers GET_DESCRIPTOR(configuration).
func (c ConfigDescriptor) Bytes() []byte {
	total := ConfigDescLen
	for _, in := range c.Interfaces {
		total += InterfaceDescLen + len(in.Endpoints)*EndpointDescLen
	}

	var b bytes.Buffer
	b.WriteByte(ConfigDescLen)
	b.WriteByte(DescriptorTypeConfiguration)
	_ = binary.Write(&b, binary.LittleEndian, uint16(total))
	b.WriteByte(uint8(len(c.Interfaces)))
	b.WriteByte(c.BConfigurationValue)
	b.WriteByte(c.IConfiguration)
	b.WriteByte(c.BMAttributes)
	b.WriteByte(c.BMaxPower)
	for _, in := range c.Interfaces {
		in.write(&b)
	}
	return b.Bytes()
}

// InterfaceDescriptor (9 bytes) for each interface altsetting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
	Endpoints          []EndpointDescriptor
}

func (i InterfaceDescriptor) write(b *bytes.Buffer) {
	b.WriteByte(InterfaceDescLen)
	b.WriteByte(DescriptorTypeInterface)
	b.WriteByte(i.BInterfaceNumber)
	b.WriteByte(i.BAlternateSetting)
	b.WriteByte(uint8(len(i.Endpoints)))
	b.WriteByte(i.BInterfaceClass)
	b.WriteByte(i.BInterfaceSubClass)
	b.WriteByte(i.BInterfaceProtocol)
	b.WriteByte(i.IInterface)
	for _, e := range i.Endpoints {
		e.write(b)
	}
}

// EndpointDescriptor (7 bytes) for each endpoint.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16 // LE
	BInterval        uint8
}

func (e EndpointDescriptor) write(b *bytes.Buffer) {
	b.WriteByte(EndpointDescLen)
	b.WriteByte(DescriptorTypeEndpoint)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BMAttributes)
	_ = binary.Write(b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
}

// EncodeStringDescriptor converts a UTF-8 string to a USB string descriptor byte array.
// The resulting descriptor has the format:
//
//	Byte 0: bLength (total descriptor length)
//	Byte 1: bDescriptorType (0x03 for string)
//	Bytes 2+: UTF-16LE encoded string
func EncodeStringDescriptor(s string) []byte {
	runes := []rune(s)
	buf := make([]byte, 2+len(runes)*2)
	buf[0] = uint8(len(buf))
	buf[1] = DescriptorTypeString
	for i, r := range runes {
		buf[2+i*2] = uint8(r)
		buf[2+i*2+1] = uint8(r >> 8)
	}
	return buf
}
