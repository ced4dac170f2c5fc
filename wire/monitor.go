package wire

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/antmicro/usb-sie/usb"
)

// Turnaround budgets in bit times. The USB spec allows 7.5 bit times for
// the device to start answering; 12.5 is the hard ceiling after which the
// transaction is dead (USB 2.0 §7.1.18).
const (
	BitTimesAcceptable = 7.5
	BitTimesMax        = 12.5
)

// TimeoutError reports that no SYNC pattern arrived within the bit-time
// budget of a primed monitor.
type TimeoutError struct {
	BitTimes float64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no sync after %.1f bit times", e.BitTimes)
}

// MonitorState tracks where the monitor is in its capture cycle.
type MonitorState uint8

const (
	// MonitorIdle: nobody expects traffic; samples are discarded.
	MonitorIdle MonitorState = iota
	// MonitorPrimed: a peer response is expected; a sliding window is
	// compared against SYNC on every tick.
	MonitorPrimed
	// MonitorReceiving: SYNC seen; symbols accumulate until EOP.
	MonitorReceiving
)

func (s MonitorState) String() string {
	switch s {
	case MonitorIdle:
		return "idle"
	case MonitorPrimed:
		return "primed"
	case MonitorReceiving:
		return "receiving"
	default:
		return "invalid"
	}
}

// Monitor continuously samples the differential pair at a fixed
// oversampling ratio and recovers complete frames. It is fed one symbol
// per oversampled clock tick; sampling at the mid-point of each bit cell
// is the caller's job (see sim.Session).
type Monitor struct {
	oversample int
	sync       string
	eop        string
	budget     int // ticks a primed monitor waits for SYNC
	maxFrame   int // guard against a peer that never sends EOP

	state  MonitorState
	window []byte
	frame  []byte
	waited int
	logger *slog.Logger
}

// NewMonitor creates a monitor for the given oversampling ratio. If logger
// is nil, logging is discarded.
func NewMonitor(oversample int, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sync := SyncSymbols(oversample)
	// Worst case frame: max payload fully bit-stuffed, plus PID and CRC.
	maxBits := (8 + (usb.MaxPayload+2)*8*(maxRun+1)/maxRun + 8)
	return &Monitor{
		oversample: oversample,
		sync:       sync,
		eop:        EOPSymbols(oversample),
		budget:     int(BitTimesMax*float64(oversample)) + len(sync),
		maxFrame:   maxBits * oversample,
		logger:     logger,
	}
}

// State returns the current capture state.
func (m *Monitor) State() MonitorState { return m.state }

// Prime arms the monitor: a response is expected now, and the bit-time
// budget starts running. Priming a non-idle monitor is a caller bug.
func (m *Monitor) Prime() error {
	if m.state != MonitorIdle {
		return fmt.Errorf("prime in state %s", m.state)
	}
	m.state = MonitorPrimed
	m.window = m.window[:0]
	m.waited = 0
	return nil
}

// Reset forces the monitor back to idle, dropping any partial capture.
func (m *Monitor) Reset() {
	m.state = MonitorIdle
	m.window = m.window[:0]
	m.frame = m.frame[:0]
	m.waited = 0
}

// Tick consumes one line symbol. When a complete frame has been captured
// (SYNC excluded, EOP included) it is returned and the monitor goes back
// to idle. A primed monitor that sees no SYNC within the bit-time budget
// returns a *TimeoutError and disarms.
func (m *Monitor) Tick(sym byte) (string, error) {
	switch m.state {
	case MonitorIdle:
		return "", nil

	case MonitorPrimed:
		m.waited++
		m.window = append(m.window, sym)
		if len(m.window) > len(m.sync) {
			copy(m.window, m.window[1:])
			m.window = m.window[:len(m.sync)]
		}
		if len(m.window) == len(m.sync) && string(m.window) == m.sync {
			bt := float64(m.waited-len(m.sync)) / float64(m.oversample)
			if bt > BitTimesAcceptable {
				m.logger.Warn("sync past turnaround budget", "bit_times", bt)
			} else {
				m.logger.Debug("sync detected", "bit_times", bt)
			}
			m.state = MonitorReceiving
			m.frame = m.frame[:0]
			return "", nil
		}
		if m.waited > m.budget {
			bt := float64(m.waited-len(m.sync)) / float64(m.oversample)
			m.Reset()
			return "", &TimeoutError{BitTimes: bt}
		}
		return "", nil

	case MonitorReceiving:
		m.frame = append(m.frame, sym)
		if len(m.frame) >= len(m.eop) &&
			string(m.frame[len(m.frame)-len(m.eop):]) == m.eop {
			frame := string(m.frame)
			m.Reset()
			m.logger.Debug("eop detected", "frame_symbols", len(frame))
			return frame, nil
		}
		if len(m.frame) > m.maxFrame {
			m.Reset()
			return "", fmt.Errorf("frame exceeded %d symbols without EOP", m.maxFrame)
		}
		return "", nil
	}
	return "", fmt.Errorf("invalid monitor state %d", m.state)
}
