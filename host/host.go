// Package host drives a simulated device the way a Full-Speed host
// controller would: it puts token, data and handshake packets on the
// line, collects replies through a primed monitor with the usual
// turnaround budget, retries NAKed transactions a bounded number of
// times, and sequences the three stages of control transfers.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/antmicro/usb-sie/sie"
	"github.com/antmicro/usb-sie/sim"
	"github.com/antmicro/usb-sie/usb"
	"github.com/antmicro/usb-sie/wire"
)

// Host-side transfer errors.
var (
	// ErrStall reports that the device halted the endpoint.
	ErrStall = errors.New("endpoint stalled")

	// ErrNakLimit reports that the device kept NAKing past the retry
	// budget.
	ErrNakLimit = errors.New("nak retry limit exceeded")

	// ErrUnexpectedPacket reports a reply of the wrong category.
	ErrUnexpectedPacket = errors.New("unexpected packet")
)

// DefaultNakRetries bounds the retry loop of NAKed transactions.
const DefaultNakRetries = 16

// Host owns the host end of the line. It steps the device session in
// lock step with its own symbols, so a full transaction runs to
// completion inside one call.
type Host struct {
	line       *sim.Line
	sess       *sim.Session
	oversample int
	logger     *slog.Logger

	// NakRetries bounds how often a NAKed transaction is reissued.
	NakRetries int

	// Poll, when set, runs before each NAK retry. It stands in for the
	// device firmware servicing its interrupts while the host polls.
	Poll func() error

	addr    uint8
	toggles *sie.Table
}

// New wires a host to the line shared with sess. A nil logger discards
// output.
func New(line *sim.Line, sess *sim.Session, oversample int, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Host{
		line:       line,
		sess:       sess,
		oversample: oversample,
		logger:     logger,
		NakRetries: DefaultNakRetries,
		toggles:    sie.NewTable(),
	}
}

// Address returns the device address the host currently targets.
func (h *Host) Address() uint8 { return h.addr }

// Send puts one packet on the line, stepping the device once per symbol.
func (h *Host) Send(p usb.Packet) error {
	symbols, err := wire.Wrap(p, h.oversample)
	if err != nil {
		return err
	}
	for i := 0; i < len(symbols); i++ {
		h.line.Drive(symbols[i])
		if err := h.sess.Tick(); err != nil {
			return err
		}
	}
	return nil
}

// Expect waits for the device's reply within the turnaround budget. The
// line idles at J while the device has nothing to say; the device session
// overdrives it once its reply starts.
func (h *Host) Expect(ctx context.Context) (usb.Packet, error) {
	mon := wire.NewMonitor(h.oversample, h.logger)
	if err := mon.Prime(); err != nil {
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h.line.Drive(wire.SymJ)
		if err := h.sess.Tick(); err != nil {
			return nil, err
		}
		frame, err := mon.Tick(h.line.Sample())
		if err != nil {
			return nil, err
		}
		if frame != "" {
			return wire.Capture(frame, h.oversample)
		}
	}
}

// Sof broadcasts a start-of-frame token. No reply is expected.
func (h *Host) Sof(frame uint16) error {
	return h.Send(usb.SOF{Frame: frame})
}

// BusReset holds the line at SE0 long enough for the device to notice,
// then resets the session to its power-on state. The host forgets the
// device address and its toggle tracking.
func (h *Host) BusReset() error {
	for i := 0; i < 10*h.oversample; i++ {
		h.line.Drive(wire.SymSE0)
		if err := h.sess.Tick(); err != nil {
			return err
		}
	}
	h.line.Drive(wire.SymJ)
	h.sess.Reset()
	h.addr = 0
	h.toggles = sie.NewTable()
	return nil
}

// Out runs one OUT transaction: token, data with the tracked toggle, and
// the handshake. NAK retries the whole transaction; STALL surfaces as
// ErrStall.
func (h *Host) Out(ctx context.Context, ep uint8, payload []byte) error {
	toggle, err := h.toggles.Toggle(ep, sie.DirOut)
	if err != nil {
		return err
	}
	pid := usb.PIDData0
	if toggle {
		pid = usb.PIDData1
	}
	err = h.retry(ctx, func() (usb.Packet, error) {
		if err := h.Send(usb.Token{Kind: usb.PIDOut, Addr: h.addr, Endpoint: ep}); err != nil {
			return nil, err
		}
		if err := h.Send(usb.Data{Kind: pid, Payload: payload}); err != nil {
			return nil, err
		}
		return h.Expect(ctx)
	})
	if err != nil {
		return err
	}
	return h.toggles.FlipToggle(ep, sie.DirOut)
}

// In runs one IN transaction and returns the payload. The received data
// PID must match the tracked toggle; the host ACKs and flips on success.
func (h *Host) In(ctx context.Context, ep uint8) ([]byte, error) {
	var payload []byte
	err := h.retryData(ctx, func() (usb.Packet, error) {
		if err := h.Send(usb.Token{Kind: usb.PIDIn, Addr: h.addr, Endpoint: ep}); err != nil {
			return nil, err
		}
		return h.Expect(ctx)
	}, func(d usb.Data) error {
		toggle, err := h.toggles.Toggle(ep, sie.DirIn)
		if err != nil {
			return err
		}
		want := usb.PIDData0
		if toggle {
			want = usb.PIDData1
		}
		if d.Kind != want {
			return fmt.Errorf("%w: data pid %s, want %s", ErrUnexpectedPacket, d.Kind, want)
		}
		payload = d.Payload
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := h.Send(usb.Handshake{Kind: usb.PIDAck}); err != nil {
		return nil, err
	}
	if err := h.toggles.FlipToggle(ep, sie.DirIn); err != nil {
		return nil, err
	}
	return payload, nil
}

func (h *Host) poll() error {
	if h.Poll == nil {
		return nil
	}
	return h.Poll()
}

// retry reissues fn until it yields ACK, the retry budget runs out, or a
// non-retryable reply arrives.
func (h *Host) retry(ctx context.Context, fn func() (usb.Packet, error)) error {
	for attempt := 0; attempt <= h.NakRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		reply, err := fn()
		if err != nil {
			return err
		}
		hs, ok := reply.(usb.Handshake)
		if !ok {
			return fmt.Errorf("%w: %s, want handshake", ErrUnexpectedPacket, reply)
		}
		switch hs.Kind {
		case usb.PIDAck:
			return nil
		case usb.PIDNak:
			if err := h.poll(); err != nil {
				return err
			}
			continue
		case usb.PIDStall:
			return ErrStall
		default:
			return fmt.Errorf("%w: %s", ErrUnexpectedPacket, hs.Kind)
		}
	}
	return ErrNakLimit
}

// retryData reissues fn until it yields a DATA packet accepted by accept.
func (h *Host) retryData(ctx context.Context, fn func() (usb.Packet, error), accept func(usb.Data) error) error {
	for attempt := 0; attempt <= h.NakRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		reply, err := fn()
		if err != nil {
			return err
		}
		switch p := reply.(type) {
		case usb.Data:
			return accept(p)
		case usb.Handshake:
			switch p.Kind {
			case usb.PIDNak:
				if err := h.poll(); err != nil {
					return err
				}
				continue
			case usb.PIDStall:
				return ErrStall
			default:
				return fmt.Errorf("%w: %s", ErrUnexpectedPacket, p.Kind)
			}
		default:
			return fmt.Errorf("%w: %s", ErrUnexpectedPacket, reply)
		}
	}
	return ErrNakLimit
}

// setupStage sends SETUP plus the 8-byte request header and waits for the
// ACK. The header always travels as DATA0 and leaves the control
// endpoint's next data packet at DATA1.
func (h *Host) setupStage(ctx context.Context, req usb.SetupRequest) error {
	if err := h.toggles.ClearToggle(0, sie.DirOut); err != nil {
		return err
	}
	if err := h.Send(usb.Token{Kind: usb.PIDSetup, Addr: h.addr, Endpoint: 0}); err != nil {
		return err
	}
	hdr := req.Bytes()
	if err := h.Send(usb.Data{Kind: usb.PIDData0, Payload: hdr[:]}); err != nil {
		return err
	}
	reply, err := h.Expect(ctx)
	if err != nil {
		return err
	}
	if hs, ok := reply.(usb.Handshake); !ok || hs.Kind != usb.PIDAck {
		return fmt.Errorf("%w: %s after setup", ErrUnexpectedPacket, reply)
	}
	return h.toggles.FlipToggle(0, sie.DirOut)
}

// statusIn closes an OUT-direction control transfer: IN until the empty
// DATA1 status packet arrives, then ACK it.
func (h *Host) statusIn(ctx context.Context) error {
	err := h.retryData(ctx, func() (usb.Packet, error) {
		if err := h.Send(usb.Token{Kind: usb.PIDIn, Addr: h.addr, Endpoint: 0}); err != nil {
			return nil, err
		}
		return h.Expect(ctx)
	}, func(d usb.Data) error {
		if d.Kind != usb.PIDData1 || len(d.Payload) != 0 {
			return fmt.Errorf("%w: status stage answered with %s", ErrUnexpectedPacket, d)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return h.Send(usb.Handshake{Kind: usb.PIDAck})
}

// statusOut closes an IN-direction control transfer with an empty DATA1.
func (h *Host) statusOut(ctx context.Context) error {
	return h.retry(ctx, func() (usb.Packet, error) {
		if err := h.Send(usb.Token{Kind: usb.PIDOut, Addr: h.addr, Endpoint: 0}); err != nil {
			return nil, err
		}
		if err := h.Send(usb.Data{Kind: usb.PIDData1}); err != nil {
			return nil, err
		}
		return h.Expect(ctx)
	})
}

// ControlOut runs a control transfer with no data stage or an OUT data
// stage.
func (h *Host) ControlOut(ctx context.Context, req usb.SetupRequest, payload []byte) error {
	if err := h.setupStage(ctx, req); err != nil {
		return err
	}
	if len(payload) > 0 {
		if err := h.Out(ctx, 0, payload); err != nil {
			return err
		}
	}
	return h.statusIn(ctx)
}

// ControlIn runs a control transfer with an IN data stage and returns the
// data-stage payload.
func (h *Host) ControlIn(ctx context.Context, req usb.SetupRequest) ([]byte, error) {
	if err := h.setupStage(ctx, req); err != nil {
		return nil, err
	}
	payload, err := h.In(ctx, 0)
	if err != nil {
		return nil, err
	}
	if err := h.statusOut(ctx); err != nil {
		return nil, err
	}
	return payload, nil
}

// SetAddress assigns the device a new address; subsequent transfers
// target it.
func (h *Host) SetAddress(ctx context.Context, addr uint8) error {
	if err := h.ControlOut(ctx, usb.SetAddressRequest(addr), nil); err != nil {
		return err
	}
	h.addr = addr
	h.logger.Info("device addressed", "addr", addr)
	return nil
}

// GetDescriptor reads a descriptor of the given type and index.
func (h *Host) GetDescriptor(ctx context.Context, descType, index uint8, langID, length uint16) ([]byte, error) {
	return h.ControlIn(ctx, usb.GetDescriptorRequest(descType, index, langID, length))
}

// SetConfiguration selects a device configuration.
func (h *Host) SetConfiguration(ctx context.Context, cfg uint8) error {
	return h.ControlOut(ctx, usb.SetConfigurationRequest(cfg), nil)
}
