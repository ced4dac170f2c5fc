package log

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// RawLogger handles raw bus traffic logging with optional file output.
type RawLogger interface {
	Log(fromHost bool, bitTime float64, pid string, data []byte)
}

// rawLogger implements RawLogger with thread-safe log.
type rawLogger struct {
	w  io.Writer
	mu sync.Mutex
}

// NewRaw creates a new RawLogger. If writer is nil, returns a no-op logger.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w}
}

// Log emits a single-line packet log with the bus time in bit times, the
// direction, the packet kind and a hex dump of the payload bytes.
// fromHost=true means host->device, fromHost=false means device->host.
func (r *rawLogger) Log(fromHost bool, bitTime float64, pid string, data []byte) {
	if r.w == nil {
		return
	}

	dir := "D->H"
	if fromHost {
		dir = "H->D"
	}

	var hexbuf bytes.Buffer
	const hexdigits = "0123456789abcdef"
	for i, b := range data {
		if i > 0 {
			hexbuf.WriteByte(' ')
		}
		hexbuf.WriteByte(hexdigits[b>>4])
		hexbuf.WriteByte(hexdigits[b&0x0f])
	}

	var line string
	if len(data) == 0 {
		line = fmt.Sprintf("%10.1f %s %s\n", bitTime, dir, pid)
	} else {
		line = fmt.Sprintf("%10.1f %s %s: %d bytes, hex: %s\n",
			bitTime, dir, pid, len(data), hexbuf.String())
	}

	r.mu.Lock()
	_, _ = r.w.Write([]byte(line))
	r.mu.Unlock()
}
