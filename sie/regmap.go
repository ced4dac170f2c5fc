package sie

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// RegisterMap names the bus addresses of every register and staging
// buffer the shim implements. The defaults follow the FX2 external
// register block; a map can also be loaded from YAML when the device
// under test lays its CSRs out differently.
type RegisterMap struct {
	// Control and status registers.
	EP0CS     uint16 `yaml:"ep0cs"`
	EP0BCH    uint16 `yaml:"ep0bch"`
	EP0BCL    uint16 `yaml:"ep0bcl"`
	SUDPTRH   uint16 `yaml:"sudptrh"`
	SUDPTRL   uint16 `yaml:"sudptrl"`
	SUDPTRCTL uint16 `yaml:"sudptrctl"`
	USBIRQ    uint16 `yaml:"usbirq"`
	USBFRAMEH uint16 `yaml:"usbframeh"`
	USBFRAMEL uint16 `yaml:"usbframel"`
	FNADDR    uint16 `yaml:"fnaddr"`
	// SETUPDAT is the base of the 8-byte SETUP header block.
	SETUPDAT uint16 `yaml:"setupdat"`

	// Autopointer configuration and the two streaming data registers.
	AutoPtrSetup uint16 `yaml:"autoptrsetup"`
	AutoPtrH1    uint16 `yaml:"autoptrh1"`
	AutoPtrL1    uint16 `yaml:"autoptrl1"`
	AutoPtrH2    uint16 `yaml:"autoptrh2"`
	AutoPtrL2    uint16 `yaml:"autoptrl2"`
	XAutoDat1    uint16 `yaml:"xautodat1"`
	XAutoDat2    uint16 `yaml:"xautodat2"`

	// Endpoint staging buffer bases.
	EP0Buf    uint16 `yaml:"ep0buf"`
	EP1OutBuf uint16 `yaml:"ep1outbuf"`
	EP1InBuf  uint16 `yaml:"ep1inbuf"`
	EP2Buf    uint16 `yaml:"ep2buf"`
	EP4Buf    uint16 `yaml:"ep4buf"`
	EP6Buf    uint16 `yaml:"ep6buf"`
	EP8Buf    uint16 `yaml:"ep8buf"`
}

// Staging buffer sizes: 64 bytes for the control and interrupt endpoints,
// 1 KiB for each bulk endpoint.
const (
	SmallBufSize = 64
	BulkBufSize  = 1024
)

// DefaultRegisterMap returns the FX2-style layout: CSRs in the
// 0xE500-0xE6FF block, small buffers at 0xE740, bulk buffers at 0xF000.
func DefaultRegisterMap() RegisterMap {
	return RegisterMap{
		EP0CS:     0xE6A0,
		EP0BCH:    0xE68A,
		EP0BCL:    0xE68B,
		SUDPTRH:   0xE6B3,
		SUDPTRL:   0xE6B4,
		SUDPTRCTL: 0xE6B5,
		USBIRQ:    0xE65D,
		USBFRAMEH: 0xE684,
		USBFRAMEL: 0xE685,
		FNADDR:    0xE687,
		SETUPDAT:  0xE6B8,

		AutoPtrSetup: 0xE676,
		AutoPtrH1:    0xE677,
		AutoPtrL1:    0xE678,
		AutoPtrH2:    0xE679,
		AutoPtrL2:    0xE67A,
		XAutoDat1:    0xE67B,
		XAutoDat2:    0xE67C,

		EP0Buf:    0xE740,
		EP1OutBuf: 0xE780,
		EP1InBuf:  0xE7C0,
		EP2Buf:    0xF000,
		EP4Buf:    0xF400,
		EP6Buf:    0xF800,
		EP8Buf:    0xFC00,
	}
}

// LoadRegisterMap decodes a YAML register map, starting from the defaults
// so a partial file only overrides what it names. Unknown keys are
// rejected.
func LoadRegisterMap(r io.Reader) (RegisterMap, error) {
	m := DefaultRegisterMap()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return RegisterMap{}, fmt.Errorf("decoding register map: %w", err)
	}
	if err := m.Validate(); err != nil {
		return RegisterMap{}, err
	}
	return m, nil
}

// Validate checks the map for colliding register addresses.
func (m RegisterMap) Validate() error {
	regs := map[string]uint16{
		"ep0cs": m.EP0CS, "ep0bch": m.EP0BCH, "ep0bcl": m.EP0BCL,
		"sudptrh": m.SUDPTRH, "sudptrl": m.SUDPTRL, "sudptrctl": m.SUDPTRCTL,
		"usbirq": m.USBIRQ, "usbframeh": m.USBFRAMEH, "usbframel": m.USBFRAMEL,
		"fnaddr": m.FNADDR, "autoptrsetup": m.AutoPtrSetup,
		"autoptrh1": m.AutoPtrH1, "autoptrl1": m.AutoPtrL1,
		"autoptrh2": m.AutoPtrH2, "autoptrl2": m.AutoPtrL2,
		"xautodat1": m.XAutoDat1, "xautodat2": m.XAutoDat2,
	}
	seen := make(map[uint16]string, len(regs))
	for name, addr := range regs {
		if other, dup := seen[addr]; dup {
			return fmt.Errorf("registers %s and %s share address %#04x", other, name, addr)
		}
		seen[addr] = name
	}
	for i := uint16(0); i < 8; i++ {
		if name, dup := seen[m.SETUPDAT+i]; dup {
			return fmt.Errorf("setupdat block overlaps register %s at %#04x", name, m.SETUPDAT+i)
		}
	}
	return nil
}

// Buffer returns the staging buffer base address and size for an
// (endpoint, direction) pair. Endpoint 0 shares one buffer for both
// directions, as do the bulk endpoints.
func (m RegisterMap) Buffer(ep uint8, dir Direction) (uint16, int, error) {
	switch ep {
	case 0:
		return m.EP0Buf, SmallBufSize, nil
	case 1:
		if dir == DirIn {
			return m.EP1InBuf, SmallBufSize, nil
		}
		return m.EP1OutBuf, SmallBufSize, nil
	case 2:
		return m.EP2Buf, BulkBufSize, nil
	case 4:
		return m.EP4Buf, BulkBufSize, nil
	case 6:
		return m.EP6Buf, BulkBufSize, nil
	case 8:
		return m.EP8Buf, BulkBufSize, nil
	default:
		return 0, 0, fmt.Errorf("%w: endpoint %d", ErrUnsupportedEndpoint, ep)
	}
}
