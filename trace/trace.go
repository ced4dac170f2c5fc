// Package trace records the packets a session observes as a CBOR event
// stream, one event per packet, for offline decoding.
package trace

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Direction of a packet relative to the device.
type Direction string

const (
	DirToDevice   Direction = "out" // host to device
	DirFromDevice Direction = "in"  // device to host
)

// Event is one recorded packet.
type Event struct {
	// BitTime is the capture time in bit times since the session start.
	BitTime float64 `cbor:"t"`
	// Dir tells which side drove the packet.
	Dir Direction `cbor:"dir"`
	// PID is the packet identifier nibble.
	PID uint8 `cbor:"pid"`
	// Data carries the packet payload for DATA packets, the raw field
	// bytes for tokens, nothing for handshakes.
	Data []byte `cbor:"data,omitempty"`
}

// Recorder appends events to a stream. Safe for use from a single
// session goroutine plus a reader closing it.
type Recorder struct {
	mu  sync.Mutex
	enc *cbor.Encoder
}

// NewRecorder writes events to w in deterministic (core deterministic
// profile) CBOR encoding.
func NewRecorder(w io.Writer) (*Recorder, error) {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("building cbor encoder: %w", err)
	}
	return &Recorder{enc: mode.NewEncoder(w)}, nil
}

// Record appends one event.
func (r *Recorder) Record(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Encode(ev)
}

// ReadAll decodes every event in a stream until EOF.
func ReadAll(r io.Reader) ([]Event, error) {
	dec := cbor.NewDecoder(r)
	var events []Event
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return nil, fmt.Errorf("decoding trace event %d: %w", len(events), err)
		}
		events = append(events, ev)
	}
}
