package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/antmicro/usb-sie/sie"
	"github.com/antmicro/usb-sie/usb"
)

// EP0CS bits the firmware pokes, mirroring the register layout the shim
// exposes.
const (
	fwEP0Stall = 1 << 0
	fwEP0HSNAK = 1 << 7
)

// AUTOPTRSETUP bits.
const (
	fwAptrEnable = 1 << 0
	fwAptr1Inc   = 1 << 1
	fwAptr2Inc   = 1 << 2
)

// Descriptors live in scratch RAM so the SUDPTR auto-copy has a source
// to walk.
const deviceDescAddr = 0xE000

// firmware is the device program the run command loads behind the shim:
// it services interrupt flags between host retries, answers the standard
// control requests and stalls everything else.
type firmware struct {
	shim   *sie.Shim
	regs   sie.RegisterMap
	logger *slog.Logger

	deviceDesc  []byte
	configDesc  []byte
	productDesc []byte
	configured  uint8
}

func newFirmware(shim *sie.Shim, regs sie.RegisterMap, logger *slog.Logger) (*firmware, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	fw := &firmware{
		shim:   shim,
		regs:   regs,
		logger: logger,
		deviceDesc: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BMaxPacketSize0:    64,
			IDVendor:           0x1d50,
			IDProduct:          0x614b,
			BcdDevice:          0x0001,
			IProduct:           1,
			BNumConfigurations: 1,
		}.Bytes(),
		configDesc: usb.ConfigDescriptor{
			BConfigurationValue: 1,
			BMAttributes:        0x80, // bus powered
			BMaxPower:           50,   // 100 mA
			Interfaces: []usb.InterfaceDescriptor{{
				BInterfaceClass: 0xff, // vendor specific
				Endpoints: []usb.EndpointDescriptor{{
					BEndpointAddress: 0x02, // EP2 OUT
					BMAttributes:     0x02, // bulk
					WMaxPacketSize:   64,
				}},
			}},
		}.Bytes(),
		productDesc: usb.EncodeStringDescriptor("SIE emulator"),
	}
	if err := shim.Memory().WriteRange(deviceDescAddr, fw.deviceDesc); err != nil {
		return nil, fmt.Errorf("failed to stage device descriptor: %w", err)
	}
	return fw, nil
}

// Configured returns the configuration value last selected by the host.
func (f *firmware) Configured() uint8 { return f.configured }

// Service drains the pending interrupt flags. The host calls it between
// NAK retries, the way real firmware runs its interrupt handlers while
// the host polls.
func (f *firmware) Service() error {
	irqs, err := f.shim.Interrupts()
	if err != nil {
		return err
	}
	if irqs&(1<<sie.IRQSof) != 0 {
		if err := f.ack(sie.IRQSof); err != nil {
			return err
		}
	}
	if irqs&(1<<sie.IRQUres) != 0 {
		f.logger.Debug("firmware observed bus reset")
		if err := f.ack(sie.IRQUres); err != nil {
			return err
		}
	}
	if irqs&(1<<sie.IRQSutok) != 0 {
		if err := f.ack(sie.IRQSutok); err != nil {
			return err
		}
	}
	if irqs&(1<<sie.IRQSudav) == 0 {
		return nil
	}
	if err := f.ack(sie.IRQSudav); err != nil {
		return err
	}
	req, err := f.readSetup()
	if err != nil {
		return err
	}
	return f.handleSetup(req)
}

func (f *firmware) ack(irq sie.IRQ) error {
	return f.shim.Bus().WriteAt(f.regs.USBIRQ, 1<<uint8(irq))
}

// readSetup streams the 8-byte request header out of SETUPDAT through
// autopointer 1.
func (f *firmware) readSetup() (usb.SetupRequest, error) {
	b := f.shim.Bus()
	if err := b.WriteAt(f.regs.AutoPtrSetup, fwAptrEnable|fwAptr1Inc); err != nil {
		return usb.SetupRequest{}, err
	}
	if err := b.WriteAt(f.regs.AutoPtrH1, uint8(f.regs.SETUPDAT>>8)); err != nil {
		return usb.SetupRequest{}, err
	}
	if err := b.WriteAt(f.regs.AutoPtrL1, uint8(f.regs.SETUPDAT)); err != nil {
		return usb.SetupRequest{}, err
	}
	var raw [8]byte
	for i := range raw {
		v, err := b.ReadAt(f.regs.XAutoDat1)
		if err != nil {
			return usb.SetupRequest{}, err
		}
		raw[i] = v
	}
	return usb.ParseSetup(raw[:])
}

func (f *firmware) handleSetup(req usb.SetupRequest) error {
	f.logger.Debug("firmware handling setup", "req", req)
	switch {
	case req.RequestType == usb.RequestDirectionIn && req.Request == usb.RequestGetDescriptor:
		return f.getDescriptor(req)
	case req.RequestType == usb.RequestDirectionOut && req.Request == usb.RequestSetAddress:
		// Handled inside the engine; the flag still pops so firmware
		// can observe the new address.
		return nil
	case req.RequestType == usb.RequestDirectionOut && req.Request == usb.RequestSetConfiguration:
		f.configured = uint8(req.Value)
		return f.ackStatus()
	default:
		f.logger.Warn("firmware stalling unsupported request", "req", req)
		return f.stall()
	}
}

func (f *firmware) getDescriptor(req usb.SetupRequest) error {
	switch uint8(req.Value >> 8) {
	case usb.DescriptorTypeDevice:
		// The auto-copy walks the length prefix at the pointed-to
		// address; the SUDPTRL write is what pulls the trigger.
		b := f.shim.Bus()
		if err := b.WriteAt(f.regs.SUDPTRCTL, 1); err != nil {
			return err
		}
		if err := b.WriteAt(f.regs.SUDPTRH, uint8(deviceDescAddr>>8)); err != nil {
			return err
		}
		return b.WriteAt(f.regs.SUDPTRL, uint8(deviceDescAddr&0xFF))
	case usb.DescriptorTypeConfiguration:
		n := len(f.configDesc)
		if int(req.Length) < n {
			n = int(req.Length)
		}
		return f.stageEP0(f.configDesc[:n])
	case usb.DescriptorTypeString:
		if uint8(req.Value) != 1 {
			return f.stall()
		}
		n := len(f.productDesc)
		if int(req.Length) < n {
			n = int(req.Length)
		}
		return f.stageEP0(f.productDesc[:n])
	default:
		return f.stall()
	}
}

// stageEP0 streams a reply into the control endpoint buffer through
// autopointer 2 and arms it with a byte-count write.
func (f *firmware) stageEP0(data []byte) error {
	b := f.shim.Bus()
	if err := b.WriteAt(f.regs.AutoPtrSetup, fwAptrEnable|fwAptr2Inc); err != nil {
		return err
	}
	if err := b.WriteAt(f.regs.AutoPtrH2, uint8(f.regs.EP0Buf>>8)); err != nil {
		return err
	}
	if err := b.WriteAt(f.regs.AutoPtrL2, uint8(f.regs.EP0Buf)); err != nil {
		return err
	}
	for _, v := range data {
		if err := b.WriteAt(f.regs.XAutoDat2, v); err != nil {
			return err
		}
	}
	if err := b.WriteAt(f.regs.EP0BCH, uint8(len(data)>>8)); err != nil {
		return err
	}
	return b.WriteAt(f.regs.EP0BCL, uint8(len(data)))
}

// ackStatus releases the status stage of a no-data request by clearing
// the handshake-hold bit.
func (f *firmware) ackStatus() error {
	return f.shim.Bus().WriteAt(f.regs.EP0CS, fwEP0HSNAK)
}

func (f *firmware) stall() error {
	return f.shim.Bus().WriteAt(f.regs.EP0CS, fwEP0Stall)
}
