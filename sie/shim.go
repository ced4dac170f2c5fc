package sie

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/antmicro/usb-sie/bus"
	"github.com/antmicro/usb-sie/usb"
)

// IRQ codes of the interrupt-status register, one bit each.
type IRQ uint8

const (
	IRQSudav IRQ = iota // SETUP header available
	IRQSof
	IRQSutok // SETUP token received
	IRQSusp
	IRQUres
	IRQHSGrant
	IRQEP01Ack

	irqMax = IRQEP01Ack
)

func (i IRQ) String() string {
	switch i {
	case IRQSudav:
		return "SUDAV"
	case IRQSof:
		return "SOF"
	case IRQSutok:
		return "SUTOK"
	case IRQSusp:
		return "SUSP"
	case IRQUres:
		return "URES"
	case IRQHSGrant:
		return "HSGRANT"
	case IRQEP01Ack:
		return "EP01ACK"
	default:
		return fmt.Sprintf("IRQ(%d)", uint8(i))
	}
}

// EP0CS bits.
const (
	ep0csStall = 1 << 0
	ep0csBusy  = 1 << 1
	ep0csHSNAK = 1 << 7
)

// AUTOPTRSETUP bits.
const (
	aptrEnable = 1 << 0
	aptr1Inc   = 1 << 1
	aptr2Inc   = 1 << 2
)

// SUDPTRCTL bit: automatic descriptor copy on SUDPTRL write.
const sudptrAuto = 1 << 0

type autopointer struct {
	addr uint16
	inc  bool
}

// Shim is the register-level face of the SIE: an FX2-style CSR block,
// setup-data bytes, interrupt flags with write-one-to-clear semantics,
// the autopointer pair and the endpoint staging buffers, all behind one
// byte-addressed bus. It implements Backend for the Engine and watches
// firmware bus traffic for the register writes that arm endpoints.
type Shim struct {
	mem    *bus.SparseMemory
	bus    *bus.AccessMonitor
	regs   RegisterMap
	engine *Engine
	logger *slog.Logger

	aptren bool
	aptr   [2]autopointer
}

// NewShim builds the memory map and register file. Bind must be called
// before any bus traffic arrives. A nil logger discards output.
func NewShim(regs RegisterMap, logger *slog.Logger) (*Shim, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := regs.Validate(); err != nil {
		return nil, err
	}
	mem, err := bus.NewSparseMemory(
		bus.Region{Name: "main", Start: 0x0000, Size: 16 * 1024},
		bus.Region{Name: "scratch", Start: 0xE000, Size: 512},
		bus.Region{Name: "csr", Start: 0xE500, Size: 512},
		bus.Region{Name: "epsmall", Start: 0xE740, Size: 192},
		bus.Region{Name: "epbulk", Start: 0xF000, Size: 4 * 1024},
	)
	if err != nil {
		return nil, err
	}
	s := &Shim{
		mem:    mem,
		regs:   regs,
		logger: logger,
		aptren: false,
		aptr:   [2]autopointer{{inc: true}, {inc: true}},
	}
	s.bus = bus.NewAccessMonitor(mem, logger)
	// The same ranges a firmware-visible SIE watches: CSRs and the
	// endpoint buffers.
	s.bus.Watch(0xE500, 0xE6FF, s.handleAccess)
	s.bus.Watch(0xE740, 0xE7FF, s.handleAccess)
	s.bus.Watch(0xF000, 0xFFFF, s.handleAccess)
	return s, nil
}

// Bind attaches the engine whose endpoint table this shim arms.
func (s *Shim) Bind(e *Engine) { s.engine = e }

// Bus returns the firmware-facing bus. All firmware reads and writes must
// go through it so the shim observes them.
func (s *Shim) Bus() *bus.AccessMonitor { return s.bus }

// Memory returns the raw backing memory, bypassing the access monitor.
// Used by loaders and tests to stage descriptors without side effects.
func (s *Shim) Memory() *bus.SparseMemory { return s.mem }

// AssertInterrupt sets one bit in the interrupt-status register.
func (s *Shim) AssertInterrupt(irq IRQ) error {
	if irq > irqMax {
		return fmt.Errorf("%w: %s", ErrUnsupportedInterrupt, irq)
	}
	v, err := s.mem.ReadAt(s.regs.USBIRQ)
	if err != nil {
		return err
	}
	s.logger.Debug("interrupt asserted", "irq", irq.String())
	return s.mem.WriteAt(s.regs.USBIRQ, v|1<<irq)
}

// Interrupts returns the current interrupt-status bits.
func (s *Shim) Interrupts() (uint8, error) {
	return s.mem.ReadAt(s.regs.USBIRQ)
}

// ArmEndpoint reads the armed length from the endpoint's byte-count
// registers, marks the endpoint armed and raises the busy flag. For
// endpoint 0 it also releases the status hold, the HSNAK handoff.
func (s *Shim) ArmEndpoint(ep uint8) error {
	if ep != 0 {
		return fmt.Errorf("%w: arming endpoint %d", ErrUnsupportedEndpoint, ep)
	}
	h, err := s.mem.ReadAt(s.regs.EP0BCH)
	if err != nil {
		return err
	}
	l, err := s.mem.ReadAt(s.regs.EP0BCL)
	if err != nil {
		return err
	}
	length := int(h)<<8 | int(l)
	s.logger.Debug("endpoint armed", "ep", ep, "length", length)
	if err := s.engine.Table().Arm(0, length); err != nil {
		return err
	}
	s.engine.HoldStatus(false)
	return s.setBits(s.regs.EP0CS, ep0csBusy, 0)
}

func (s *Shim) setBits(addr uint16, set, clear uint8) error {
	v, err := s.mem.ReadAt(addr)
	if err != nil {
		return err
	}
	return s.mem.WriteAt(addr, v&^clear|set)
}

// handleAccess is the bus watch callback: write-one-to-clear interrupt
// bits, the endpoint-arming register writes, and the autopointer pair.
func (s *Shim) handleAccess(a bus.Access) bus.Access {
	var err error
	switch {
	case a.WriteEnable && a.Addr == s.regs.USBIRQ:
		// Firmware acknowledges interrupts by writing ones.
		err = s.mem.WriteAt(a.Addr, a.DataR&^a.DataW)

	case a.WriteEnable && a.Addr == s.regs.SUDPTRL:
		err = s.handleSudptr()

	case a.WriteEnable && a.Addr == s.regs.EP0BCL:
		err = s.ArmEndpoint(0)

	case a.WriteEnable && a.Addr == s.regs.EP0CS:
		s.engine.Table().SetHalted(0, a.DataW&ep0csStall != 0)
		// HSNAK clears by writing one; the endpoint re-arms.
		if a.DataW&ep0csHSNAK != 0 {
			if err = s.mem.WriteAt(a.Addr, a.DataW&^ep0csHSNAK); err == nil {
				err = s.ArmEndpoint(0)
			}
		}

	case a.Addr == s.regs.AutoPtrSetup || a.Addr == s.regs.AutoPtrH1 ||
		a.Addr == s.regs.AutoPtrL1 || a.Addr == s.regs.AutoPtrH2 ||
		a.Addr == s.regs.AutoPtrL2:
		a = s.handleAutoPtrConfig(a)

	case a.Addr == s.regs.XAutoDat1:
		a, err = s.handleAutoData(a, 0)
	case a.Addr == s.regs.XAutoDat2:
		a, err = s.handleAutoData(a, 1)
	}
	if err != nil {
		s.logger.Error("register access failed", "access", a.String(), "err", err)
	}
	return a
}

// handleSudptr implements the automatic descriptor copy: when SDPAUTO is
// set, a write to SUDPTRL copies a length-prefixed descriptor from the
// pointed-to address into the endpoint 0 buffer, updates the byte count
// and arms the endpoint.
func (s *Shim) handleSudptr() error {
	ctl, err := s.mem.ReadAt(s.regs.SUDPTRCTL)
	if err != nil {
		return err
	}
	if ctl&sudptrAuto != 0 {
		h, err := s.mem.ReadAt(s.regs.SUDPTRH)
		if err != nil {
			return err
		}
		l, err := s.mem.ReadAt(s.regs.SUDPTRL)
		if err != nil {
			return err
		}
		src := uint16(h)<<8 | uint16(l)
		length, err := s.mem.ReadAt(src)
		if err != nil {
			return err
		}
		desc, err := s.mem.ReadRange(src, int(length))
		if err != nil {
			return err
		}
		if err := s.mem.WriteRange(s.regs.EP0Buf, desc); err != nil {
			return err
		}
		if err := s.mem.WriteAt(s.regs.EP0BCH, uint8(length>>8)); err != nil {
			return err
		}
		if err := s.mem.WriteAt(s.regs.EP0BCL, length); err != nil {
			return err
		}
		s.logger.Debug("descriptor auto-copied", "src", src, "length", length)
	}
	return s.ArmEndpoint(0)
}

func (s *Shim) handleAutoPtrConfig(a bus.Access) bus.Access {
	if a.WriteEnable {
		switch a.Addr {
		case s.regs.AutoPtrSetup:
			s.aptren = a.DataW&aptrEnable != 0
			s.aptr[0].inc = a.DataW&aptr1Inc != 0
			s.aptr[1].inc = a.DataW&aptr2Inc != 0
		case s.regs.AutoPtrH1:
			s.aptr[0].addr = s.aptr[0].addr&0x00FF | uint16(a.DataW)<<8
		case s.regs.AutoPtrL1:
			s.aptr[0].addr = s.aptr[0].addr&0xFF00 | uint16(a.DataW)
		case s.regs.AutoPtrH2:
			s.aptr[1].addr = s.aptr[1].addr&0x00FF | uint16(a.DataW)<<8
		case s.regs.AutoPtrL2:
			s.aptr[1].addr = s.aptr[1].addr&0xFF00 | uint16(a.DataW)
		}
		return a
	}
	switch a.Addr {
	case s.regs.AutoPtrSetup:
		var v uint8
		if s.aptren {
			v |= aptrEnable
		}
		if s.aptr[0].inc {
			v |= aptr1Inc
		}
		if s.aptr[1].inc {
			v |= aptr2Inc
		}
		a.DataR = v
	case s.regs.AutoPtrH1:
		a.DataR = uint8(s.aptr[0].addr >> 8)
	case s.regs.AutoPtrL1:
		a.DataR = uint8(s.aptr[0].addr)
	case s.regs.AutoPtrH2:
		a.DataR = uint8(s.aptr[1].addr >> 8)
	case s.regs.AutoPtrL2:
		a.DataR = uint8(s.aptr[1].addr)
	}
	return a
}

// handleAutoData services the streaming data registers: each acknowledged
// access is redirected to the pointed-to memory location, and the pointer
// advances by one only after the access completed. The access monitor
// delivers only acknowledged cycles, so one delivered access is exactly
// one increment.
func (s *Shim) handleAutoData(a bus.Access, which int) (bus.Access, error) {
	p := &s.aptr[which]
	if a.WriteEnable {
		if err := s.mem.WriteAt(p.addr, a.DataW); err != nil {
			return a, err
		}
	} else {
		v, err := s.mem.ReadAt(p.addr)
		if err != nil {
			return a, err
		}
		a.DataR = v
	}
	if p.inc {
		p.addr++
	}
	return a, nil
}

// Backend implementation -----------------------------------------------

// Frame stores a start-of-frame number in the frame-count registers and
// raises the SOF interrupt.
func (s *Shim) Frame(frame uint16) error {
	if err := s.mem.WriteAt(s.regs.USBFRAMEH, uint8(frame>>8)); err != nil {
		return err
	}
	if err := s.mem.WriteAt(s.regs.USBFRAMEL, uint8(frame)); err != nil {
		return err
	}
	return s.AssertInterrupt(IRQSof)
}

// SetupToken raises SUTOK and flags endpoint 0 as busy with the status
// handshake pending, which holds off the status stage until firmware
// hands the endpoint back.
func (s *Shim) SetupToken() error {
	if err := s.AssertInterrupt(IRQSutok); err != nil {
		return err
	}
	s.engine.HoldStatus(true)
	s.engine.Table().SetHalted(0, false)
	return s.setBits(s.regs.EP0CS, ep0csHSNAK, ep0csBusy|ep0csStall)
}

// SetupReceived stores the 8 request-header bytes and raises SUDAV.
func (s *Shim) SetupReceived(req usb.SetupRequest) error {
	b := req.Bytes()
	if err := s.mem.WriteRange(s.regs.SETUPDAT, b[:]); err != nil {
		return err
	}
	return s.AssertInterrupt(IRQSudav)
}

// DataReceived copies an acknowledged OUT payload into the endpoint's
// staging buffer.
func (s *Shim) DataReceived(ep uint8, payload []byte) error {
	base, size, err := s.regs.Buffer(ep, DirOut)
	if err != nil {
		return err
	}
	if len(payload) > size {
		return fmt.Errorf("payload of %d bytes overflows endpoint %d buffer", len(payload), ep)
	}
	if err := s.mem.WriteRange(base, payload); err != nil {
		return err
	}
	if ep <= 1 {
		return s.AssertInterrupt(IRQEP01Ack)
	}
	return nil
}

// StagedData reads the n bytes staged in the endpoint's buffer for an IN
// transfer.
func (s *Shim) StagedData(ep uint8, n int) ([]byte, error) {
	base, size, err := s.regs.Buffer(ep, DirIn)
	if err != nil {
		return nil, err
	}
	if n > size {
		return nil, fmt.Errorf("armed length %d overflows endpoint %d buffer", n, ep)
	}
	return s.mem.ReadRange(base, n)
}

// SetAddress records the committed device address in FNADDR.
func (s *Shim) SetAddress(addr uint8) error {
	return s.mem.WriteAt(s.regs.FNADDR, addr)
}
