package usb

// USB checksums per USB 2.0 §8.3.5. Both generators are used in their
// bit-reflected form so the input is consumed in transmission order
// (LSB first) and the residual shifts out LSB first as well.
//
// CRC-5/USB:  poly=0x05 init=0x1f refin/refout=true xorout=0x1f check=0x19
// CRC-16/USB: poly=0x8005 init=0xffff refin/refout=true xorout=0xffff check=0xb4c8

const (
	crc5Poly  = 0x14 // 0x05 reflected to 5 bits
	crc5Init  = 0x1F
	crc5Xor   = 0x1F
	crc16Poly = 0xA001 // 0x8005 reflected
	crc16Init = 0xFFFF
	crc16Xor  = 0xFFFF
)

// CRC5 computes the 5-bit token CRC over the low n bits of v, consumed LSB
// first. Token packets use n=11 (7 address + 4 endpoint bits), SOF packets
// use n=11 (frame number).
func CRC5(v uint16, n int) uint8 {
	reg := uint8(crc5Init)
	for i := 0; i < n; i++ {
		bit := uint8(v>>i) & 1
		if reg&1 != bit {
			reg = (reg >> 1) ^ crc5Poly
		} else {
			reg >>= 1
		}
	}
	return (reg ^ crc5Xor) & 0x1F
}

// CRC5Token computes the token CRC over a 7-bit address and 4-bit endpoint.
func CRC5Token(addr, ep uint8) uint8 {
	return CRC5(uint16(addr&0x7F)|uint16(ep&0xF)<<7, 11)
}

// CRC5SOF computes the token CRC over an 11-bit frame number.
func CRC5SOF(frame uint16) uint8 {
	return CRC5(frame&0x7FF, 11)
}

// VerifyCRC5 reports whether a received token CRC matches the value
// recomputed over the low n bits of v. It never fails hard; discarding the
// packet is the caller's policy.
func VerifyCRC5(v uint16, n int, crc uint8) bool {
	return CRC5(v, n) == crc&0x1F
}

// CRC16 computes the 16-bit data CRC over payload. On the wire the result
// is appended low byte first.
func CRC16(payload []byte) uint16 {
	reg := uint16(crc16Init)
	for _, b := range payload {
		reg ^= uint16(b)
		for i := 0; i < 8; i++ {
			if reg&1 != 0 {
				reg = (reg >> 1) ^ crc16Poly
			} else {
				reg >>= 1
			}
		}
	}
	return reg ^ crc16Xor
}

// VerifyCRC16 reports whether a received data CRC matches the value
// recomputed over payload.
func VerifyCRC16(payload []byte, crc uint16) bool {
	return CRC16(payload) == crc
}
