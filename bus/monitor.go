package bus

import (
	"io"
	"log/slog"
)

// Handler observes one bus access and may rewrite a read's returned data
// by returning a replacement Access. Returning the input unchanged is the
// common case.
type Handler func(Access) Access

// AccessMonitor sits between an initiator and a Memory, forwarding every
// cycle and notifying handlers whose watched ranges cover the address.
// Handlers run synchronously in registration order, one access at a time,
// so a register file behind the monitor never sees interleaved cycles.
type AccessMonitor struct {
	mem    Memory
	logger *slog.Logger

	watches []watch
}

type watch struct {
	start, end uint16 // inclusive
	fn         Handler
}

// NewAccessMonitor wraps mem. A nil logger discards output.
func NewAccessMonitor(mem Memory, logger *slog.Logger) *AccessMonitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &AccessMonitor{mem: mem, logger: logger}
}

// Watch registers fn for every access whose address lies in
// [start, end], both inclusive.
func (m *AccessMonitor) Watch(start, end uint16, fn Handler) {
	m.watches = append(m.watches, watch{start: start, end: end, fn: fn})
}

func (m *AccessMonitor) dispatch(a Access) Access {
	for _, w := range m.watches {
		if a.Addr >= w.start && a.Addr <= w.end {
			a = w.fn(a)
		}
	}
	return a
}

// ReadAt performs a read cycle: the underlying memory supplies the data,
// then handlers observe the access and may substitute the returned byte.
func (m *AccessMonitor) ReadAt(addr uint16) (uint8, error) {
	v, err := m.mem.ReadAt(addr)
	if err != nil {
		return 0, err
	}
	a := m.dispatch(Access{Addr: addr, DataR: v})
	if a.DataR != v {
		m.logger.Debug("read override",
			"addr", addr, "mem", v, "returned", a.DataR)
		if err := m.mem.WriteAt(addr, a.DataR); err != nil {
			return 0, err
		}
	}
	return a.DataR, nil
}

// WriteAt performs a write cycle: the byte is stored, then handlers
// observe the access with the pre-write value in DataR. Registers with
// write-one-to-clear bits need the old value to compute the new one.
func (m *AccessMonitor) WriteAt(addr uint16, v uint8) error {
	old, err := m.mem.ReadAt(addr)
	if err != nil {
		return err
	}
	if err := m.mem.WriteAt(addr, v); err != nil {
		return err
	}
	m.dispatch(Access{Addr: addr, DataR: old, DataW: v, WriteEnable: true})
	return nil
}
