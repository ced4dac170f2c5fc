package sim

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/antmicro/usb-sie/internal/log"
	"github.com/antmicro/usb-sie/sie"
	"github.com/antmicro/usb-sie/trace"
	"github.com/antmicro/usb-sie/usb"
	"github.com/antmicro/usb-sie/wire"
)

// Session runs the device role: it samples the line on every clock tick,
// recovers frames through a perpetually armed monitor, feeds decoded
// packets to the engine and drives the engine's replies back onto the
// line one symbol per tick.
type Session struct {
	line       *Line
	engine     *sie.Engine
	mon        *wire.Monitor
	oversample int
	logger     *slog.Logger
	rec        *trace.Recorder
	raw        log.RawLogger

	txq   []byte
	ticks int
}

// NewSession wires a device engine to a line at the given oversampling
// ratio. A nil logger discards output.
func NewSession(line *Line, engine *sie.Engine, oversample int, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{
		line:       line,
		engine:     engine,
		mon:        wire.NewMonitor(oversample, logger),
		oversample: oversample,
		logger:     logger,
	}
}

// SetRecorder attaches a trace recorder; every packet the session decodes
// or transmits is appended to it.
func (s *Session) SetRecorder(rec *trace.Recorder) { s.rec = rec }

// SetRawLogger attaches a raw packet logger fed alongside the recorder.
func (s *Session) SetRawLogger(raw log.RawLogger) { s.raw = raw }

// Engine returns the session's transaction engine.
func (s *Session) Engine() *sie.Engine { return s.engine }

// Transmitting reports whether the session still has symbols queued on
// the line.
func (s *Session) Transmitting() bool { return len(s.txq) > 0 }

// BitTime returns the elapsed session time in bit times.
func (s *Session) BitTime() float64 {
	return float64(s.ticks) / float64(s.oversample)
}

// Reset drops any transmission in progress and returns the engine and
// monitor to their power-on state, as after a bus reset.
func (s *Session) Reset() {
	s.txq = nil
	s.mon.Reset()
	s.engine.Reset()
}

// Tick advances the session by one oversampled clock edge: either drive
// the next queued symbol or sample the line. Hard protocol failures
// propagate; CRC errors and idle timeouts are dropped the way a real SIE
// drops them.
func (s *Session) Tick() error {
	s.ticks++

	if len(s.txq) > 0 {
		s.line.Drive(s.txq[0])
		s.txq = s.txq[1:]
		return nil
	}

	// The device listens whenever it is not talking.
	if s.mon.State() == wire.MonitorIdle {
		if err := s.mon.Prime(); err != nil {
			return err
		}
	}

	frame, err := s.mon.Tick(s.line.Sample())
	if err != nil {
		var te *wire.TimeoutError
		if errors.As(err, &te) {
			// Idle bus; keep listening.
			return nil
		}
		s.logger.Warn("monitor failure, resyncing", "err", err)
		s.mon.Reset()
		return nil
	}
	if frame == "" {
		return nil
	}

	pkt, err := wire.Capture(frame, s.oversample)
	if err != nil {
		// Corrupted frame: drop without a response, the host's own
		// timeout drives the retry.
		s.logger.Debug("frame dropped", "err", err)
		return nil
	}
	s.record(pkt, trace.DirToDevice)

	reply, err := s.engine.HandlePacket(pkt)
	if err != nil {
		if errors.Is(err, sie.ErrProtocolViolation) {
			// The engine already resynchronized; stay silent and let
			// the host's timeout drive the retry.
			s.logger.Warn("protocol violation", "err", err)
			return nil
		}
		return fmt.Errorf("handling %s: %w", pkt, err)
	}
	if reply == nil {
		return nil
	}

	symbols, err := wire.Wrap(reply, s.oversample)
	if err != nil {
		return fmt.Errorf("framing %s: %w", reply, err)
	}
	s.record(reply, trace.DirFromDevice)
	s.txq = []byte(symbols)
	return nil
}

func (s *Session) record(p usb.Packet, dir trace.Direction) {
	if s.raw != nil {
		s.raw.Log(dir == trace.DirToDevice, s.BitTime(), p.PID().String(), eventData(p))
	}
	if s.rec == nil {
		return
	}
	ev := trace.Event{
		BitTime: s.BitTime(),
		Dir:     dir,
		PID:     uint8(p.PID()),
		Data:    eventData(p),
	}
	if err := s.rec.Record(ev); err != nil {
		s.logger.Warn("trace record failed", "err", err)
	}
}

func eventData(p usb.Packet) []byte {
	switch p := p.(type) {
	case usb.Token:
		return []byte{p.Addr, p.Endpoint}
	case usb.SOF:
		return []byte{uint8(p.Frame >> 8), uint8(p.Frame)}
	case usb.Data:
		return p.Payload
	default:
		return nil
	}
}
