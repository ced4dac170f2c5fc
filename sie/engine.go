// Package sie implements the protocol core of a Full-Speed USB device:
// the TOKEN/DATA/HANDSHAKE transaction state machine, the control-transfer
// sub-state on endpoint 0, the per-endpoint data-toggle table and the
// register shim that maps all of it onto a byte-addressed bus.
package sie

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/antmicro/usb-sie/usb"
)

// State of the transaction machine.
type State uint8

const (
	// StateWaitToken is the idle state between transactions.
	StateWaitToken State = iota
	// StateWaitData follows an OUT or SETUP token.
	StateWaitData
	// StateWaitHandshake follows data sent in answer to an IN token.
	StateWaitHandshake
)

func (s State) String() string {
	switch s {
	case StateWaitToken:
		return "wait-token"
	case StateWaitData:
		return "wait-data"
	case StateWaitHandshake:
		return "wait-handshake"
	default:
		return "invalid"
	}
}

// Phase is the control-transfer sub-state on endpoint 0. After SETUP the
// direction of the status stage depends on the direction of the optional
// data stage.
type Phase uint8

const (
	PhaseNone Phase = iota
	// PhaseStatusIn: no data stage, or the data stage is OUT; the host
	// will poll with IN for an empty DATA1 status packet.
	PhaseStatusIn
	// PhaseStatusOut: the data stage is IN; the host will close with an
	// OUT of an empty DATA1 packet.
	PhaseStatusOut
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseStatusIn:
		return "status-in"
	case PhaseStatusOut:
		return "status-out"
	default:
		return "invalid"
	}
}

// Backend is the capability surface the engine needs from its register and
// memory environment. The engine owns all protocol state; the backend owns
// the bytes and the side effects visible to firmware.
type Backend interface {
	// Frame records a start-of-frame number and raises its interrupt.
	Frame(frame uint16) error
	// SetupToken is called when a SETUP token is accepted, before its
	// data stage arrives.
	SetupToken() error
	// SetupReceived delivers a parsed 8-byte request header.
	SetupReceived(req usb.SetupRequest) error
	// DataReceived delivers an acknowledged OUT payload.
	DataReceived(ep uint8, payload []byte) error
	// StagedData reads the n bytes previously staged for an IN transfer
	// on ep.
	StagedData(ep uint8, n int) ([]byte, error)
	// SetAddress commits a new device address after the SET_ADDRESS
	// status stage completes.
	SetAddress(addr uint8) error
}

// Engine is the per-device transaction state machine. It consumes one
// decoded packet at a time and produces at most one reply packet; the
// caller puts the reply on the wire. Not safe for concurrent use: one
// engine belongs to one session loop.
type Engine struct {
	backend Backend
	table   *Table
	logger  *slog.Logger

	state      State
	phase      Phase
	address    uint8
	pending    *uint8 // address awaiting its status-stage ACK
	statusHold bool   // firmware has not released the status stage yet

	token     usb.Token  // current transaction's token
	lastReply usb.Packet // re-sent when the host answers NAK
	onAck     func() error
}

// NewEngine creates an engine in StateWaitToken with device address 0.
// A nil logger discards output.
func NewEngine(backend Backend, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		backend: backend,
		table:   NewTable(),
		logger:  logger,
	}
}

// State returns the current transaction state.
func (e *Engine) State() State { return e.state }

// Phase returns the current control-transfer sub-state.
func (e *Engine) Phase() Phase { return e.phase }

// Address returns the current device address.
func (e *Engine) Address() uint8 { return e.address }

// Table exposes the endpoint state table, for arming and halt control by
// the register shim.
func (e *Engine) Table() *Table { return e.table }

// HoldStatus controls whether the status stage of a control transfer is
// answered. While held, status-stage IN tokens get NAK; a register shim
// holds after SETUP delivery and releases when firmware hands the
// endpoint back. SET_ADDRESS releases the hold itself since no firmware
// involvement is required.
func (e *Engine) HoldStatus(hold bool) { e.statusHold = hold }

// Reset returns the engine to its power-on state: StateWaitToken, address
// 0, all toggles DATA0, nothing armed.
func (e *Engine) Reset() {
	e.state = StateWaitToken
	e.phase = PhaseNone
	e.address = 0
	e.pending = nil
	e.statusHold = false
	e.table.Reset()
	e.resetTransaction()
}

func (e *Engine) resetTransaction() {
	e.token = usb.Token{}
	e.lastReply = nil
	e.onAck = nil
}

// HandlePacket consumes one received packet and returns the reply to put
// on the wire, or nil when the protocol calls for silence. Packets that
// must be silently dropped (wrong address, toggle mismatch) return
// (nil, nil); a non-nil error is a hard protocol failure and the machine
// has resynchronized to StateWaitToken.
func (e *Engine) HandlePacket(p usb.Packet) (usb.Packet, error) {
	// Receiving anything while idle starts a fresh transaction.
	if e.state == StateWaitToken {
		e.resetTransaction()
	}

	prev := e.state
	reply, err := e.dispatch(p)
	e.logger.Debug("packet handled",
		"pid", p.PID().String(), "from", prev.String(), "to", e.state.String())
	return reply, err
}

func (e *Engine) dispatch(p usb.Packet) (usb.Packet, error) {
	switch e.state {
	case StateWaitToken:
		return e.onWaitToken(p)
	case StateWaitData:
		return e.onWaitData(p)
	case StateWaitHandshake:
		return e.onWaitHandshake(p)
	}
	return nil, fmt.Errorf("invalid engine state %d", e.state)
}

func (e *Engine) onWaitToken(p usb.Packet) (usb.Packet, error) {
	switch p := p.(type) {
	case usb.SOF:
		return nil, e.backend.Frame(p.Frame)

	case usb.Token:
		if p.Addr != e.address {
			e.logger.Debug("token for other address",
				"addr", p.Addr, "own", e.address)
			return nil, nil
		}
		switch p.Kind {
		case usb.PIDSetup:
			return nil, e.acceptSetup(p)
		case usb.PIDOut:
			if _, err := ToggleIndex(p.Endpoint, DirOut); err != nil {
				return nil, err
			}
			e.token = p
			e.state = StateWaitData
			return nil, nil
		case usb.PIDIn:
			return e.handleIn(p)
		default:
			// PING and friends: not part of the Full-Speed repertoire.
			return nil, nil
		}

	default:
		// DATA or handshake with no transaction in flight; stay put.
		return nil, nil
	}
}

func (e *Engine) acceptSetup(t usb.Token) error {
	if t.Endpoint != 0 {
		return fmt.Errorf("%w: SETUP to endpoint %d", ErrProtocolViolation, t.Endpoint)
	}
	// SETUP always restarts endpoint 0 at DATA0 (USB 2.0 §8.6.1), and
	// whatever the firmware staged for the previous transfer is stale.
	if err := e.table.ClearToggle(0, DirOut); err != nil {
		return err
	}
	e.table.Disarm(0)
	if err := e.backend.SetupToken(); err != nil {
		return err
	}
	e.token = t
	e.state = StateWaitData
	return nil
}

func (e *Engine) handleIn(t usb.Token) (usb.Packet, error) {
	ep := t.Endpoint
	if _, err := ToggleIndex(ep, DirIn); err != nil {
		return nil, err
	}

	if e.table.Halted(ep) {
		return usb.Handshake{Kind: usb.PIDStall}, nil
	}

	if ep == 0 && e.phase == PhaseStatusIn {
		return e.statusIn()
	}

	n, armed := e.table.ArmedLength(ep)
	if !armed {
		return usb.Handshake{Kind: usb.PIDNak}, nil
	}

	payload, err := e.backend.StagedData(ep, n)
	if err != nil {
		return nil, fmt.Errorf("staging endpoint %d: %w", ep, err)
	}
	toggle, err := e.table.Toggle(ep, DirIn)
	if err != nil {
		return nil, err
	}
	pid := usb.PIDData0
	if toggle {
		pid = usb.PIDData1
	}
	reply := usb.Data{Kind: pid, Payload: payload}
	e.lastReply = reply
	e.onAck = func() error {
		e.table.Disarm(ep)
		return e.table.FlipToggle(ep, DirIn)
	}
	e.state = StateWaitHandshake
	return reply, nil
}

// statusIn answers the IN token of a status stage: NAK while the status
// hold is up, otherwise an empty DATA1. The status packet is always DATA1
// and never flips the toggle (USB 2.0 §8.5.3).
func (e *Engine) statusIn() (usb.Packet, error) {
	if e.statusHold {
		return usb.Handshake{Kind: usb.PIDNak}, nil
	}
	reply := usb.Data{Kind: usb.PIDData1}
	e.lastReply = reply
	e.onAck = func() error {
		e.phase = PhaseNone
		return e.commitAddress()
	}
	e.state = StateWaitHandshake
	return reply, nil
}

func (e *Engine) commitAddress() error {
	if e.pending == nil {
		return nil
	}
	e.address = *e.pending
	e.pending = nil
	e.logger.Info("address assigned", "addr", e.address)
	return e.backend.SetAddress(e.address)
}

func (e *Engine) onWaitData(p usb.Packet) (usb.Packet, error) {
	d, ok := p.(usb.Data)
	if !ok || (d.Kind != usb.PIDData0 && d.Kind != usb.PIDData1) {
		e.state = StateWaitToken
		return nil, fmt.Errorf("%w: %s while awaiting data", ErrProtocolViolation, p.PID())
	}

	ep := e.token.Endpoint
	e.state = StateWaitToken

	// Empty DATA1 after an IN data stage is the status close; it bypasses
	// the toggle machinery entirely (USB 2.0 §8.5.3).
	if ep == 0 && e.phase == PhaseStatusOut &&
		e.token.Kind == usb.PIDOut && len(d.Payload) == 0 {
		if d.Kind != usb.PIDData1 {
			return nil, fmt.Errorf("%w: status stage closed with %s", ErrProtocolViolation, d.Kind)
		}
		e.phase = PhaseNone
		if err := e.commitAddress(); err != nil {
			return nil, err
		}
		return usb.Handshake{Kind: usb.PIDAck}, nil
	}

	toggle, err := e.table.Toggle(ep, DirOut)
	if err != nil {
		return nil, err
	}
	if toggle != (d.Kind == usb.PIDData1) {
		// Wrong toggle: drop the payload without a handshake and let the
		// host's timeout drive the retry.
		e.logger.Debug("toggle mismatch", "ep", ep, "pid", d.Kind.String())
		return nil, nil
	}
	if err := e.table.FlipToggle(ep, DirOut); err != nil {
		return nil, err
	}

	if e.token.Kind == usb.PIDSetup {
		if err := e.deliverSetup(d.Payload); err != nil {
			return nil, err
		}
	} else {
		e.table.Disarm(ep)
		if err := e.backend.DataReceived(ep, d.Payload); err != nil {
			return nil, err
		}
	}
	return usb.Handshake{Kind: usb.PIDAck}, nil
}

func (e *Engine) deliverSetup(payload []byte) error {
	req, err := usb.ParseSetup(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	if req.Length > 0 && req.DirectionIn() {
		e.phase = PhaseStatusOut
	} else {
		e.phase = PhaseStatusIn
	}
	e.logger.Debug("setup received", "req", req.String(), "phase", e.phase.String())

	if err := e.backend.SetupReceived(req); err != nil {
		return err
	}

	// SET_ADDRESS completes without firmware involvement: remember the
	// address for commit after the status stage and release the status
	// hold so the status IN succeeds immediately.
	if req.RequestType == usb.RequestDirectionOut && req.Request == usb.RequestSetAddress {
		addr := uint8(req.Value & 0x7F)
		e.pending = &addr
		e.statusHold = false
	}
	return nil
}

func (e *Engine) onWaitHandshake(p usb.Packet) (usb.Packet, error) {
	h, ok := p.(usb.Handshake)
	if !ok {
		e.state = StateWaitToken
		return nil, fmt.Errorf("%w: %s while awaiting handshake", ErrProtocolViolation, p.PID())
	}
	switch h.Kind {
	case usb.PIDAck:
		e.state = StateWaitToken
		if e.onAck != nil {
			err := e.onAck()
			e.onAck = nil
			return nil, err
		}
		return nil, nil
	case usb.PIDNak:
		// Host not ready: offer the same data again.
		return e.lastReply, nil
	case usb.PIDStall:
		e.state = StateWaitToken
		return nil, fmt.Errorf("%w: STALL from host", ErrProtocolViolation)
	default:
		e.state = StateWaitToken
		return nil, fmt.Errorf("%w: %s while awaiting handshake", ErrProtocolViolation, h.Kind)
	}
}
