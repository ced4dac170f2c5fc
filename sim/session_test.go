package sim

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/antmicro/usb-sie/internal/log"
	"github.com/antmicro/usb-sie/sie"
	"github.com/antmicro/usb-sie/trace"
	"github.com/antmicro/usb-sie/usb"
	"github.com/antmicro/usb-sie/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const oversample = 4

type stubBackend struct {
	frames   []uint16
	received map[uint8][][]byte
	staged   map[uint8][]byte
}

func newStubBackend() *stubBackend {
	return &stubBackend{
		received: make(map[uint8][][]byte),
		staged:   make(map[uint8][]byte),
	}
}

func (b *stubBackend) Frame(frame uint16) error { b.frames = append(b.frames, frame); return nil }
func (b *stubBackend) SetupToken() error        { return nil }

func (b *stubBackend) SetupReceived(req usb.SetupRequest) error { return nil }

func (b *stubBackend) DataReceived(ep uint8, payload []byte) error {
	b.received[ep] = append(b.received[ep], payload)
	return nil
}

func (b *stubBackend) StagedData(ep uint8, n int) ([]byte, error) {
	data, ok := b.staged[ep]
	if !ok || len(data) < n {
		return nil, fmt.Errorf("nothing staged on endpoint %d", ep)
	}
	return data[:n], nil
}

func (b *stubBackend) SetAddress(addr uint8) error { return nil }

func newSession(t *testing.T) (*Session, *Line, *stubBackend) {
	t.Helper()
	backend := newStubBackend()
	engine := sie.NewEngine(backend, nil)
	line := NewLine()
	return NewSession(line, engine, oversample, nil), line, backend
}

// send puts one packet on the line symbol by symbol, ticking the session
// in lock step the way the host side does.
func send(t *testing.T, sess *Session, line *Line, p usb.Packet) {
	t.Helper()
	syms, err := wire.Wrap(p, oversample)
	require.NoError(t, err)
	for i := 0; i < len(syms); i++ {
		line.Drive(syms[i])
		require.NoError(t, sess.Tick())
	}
}

// expectReply idles the host side of the line until the session's queued
// reply has been clocked out and recovered.
func expectReply(t *testing.T, sess *Session, line *Line) usb.Packet {
	t.Helper()
	mon := wire.NewMonitor(oversample, nil)
	require.NoError(t, mon.Prime())
	for i := 0; i < 4000; i++ {
		line.Drive(wire.SymJ)
		require.NoError(t, sess.Tick())
		frame, err := mon.Tick(line.Sample())
		require.NoError(t, err)
		if frame != "" {
			pkt, err := wire.Capture(frame, oversample)
			require.NoError(t, err)
			return pkt
		}
	}
	t.Fatal("no reply on the line")
	return nil
}

func TestSessionAcknowledgesOut(t *testing.T) {
	sess, line, backend := newSession(t)

	send(t, sess, line, usb.Token{Kind: usb.PIDOut, Endpoint: 2})
	send(t, sess, line, usb.Data{Kind: usb.PIDData0, Payload: []byte{0xDE, 0xAD}})

	assert.True(t, sess.Transmitting())
	reply := expectReply(t, sess, line)
	require.IsType(t, usb.Handshake{}, reply)
	assert.Equal(t, usb.PIDAck, reply.(usb.Handshake).Kind)

	require.Len(t, backend.received[2], 1)
	assert.Equal(t, []byte{0xDE, 0xAD}, backend.received[2][0])
}

func TestSessionHandlesSOF(t *testing.T) {
	sess, line, backend := newSession(t)

	send(t, sess, line, usb.SOF{Frame: 2047})
	assert.False(t, sess.Transmitting(), "SOF takes no handshake")
	assert.Equal(t, []uint16{2047}, backend.frames)
}

func TestSessionDropsCorruptedFrame(t *testing.T) {
	sess, line, backend := newSession(t)

	send(t, sess, line, usb.Token{Kind: usb.PIDOut, Endpoint: 2})

	// Tamper with a data packet mid-flight: flip a bit cell after the
	// SYNC so the CRC check fails on capture.
	syms, err := wire.Wrap(usb.Data{Kind: usb.PIDData0, Payload: []byte{1, 2, 3}}, oversample)
	require.NoError(t, err)
	corrupt := []byte(syms)
	off := len(wire.SyncSymbols(oversample)) + 10*oversample
	for i := 0; i < oversample; i++ {
		if corrupt[off+i] == wire.SymJ {
			corrupt[off+i] = wire.SymK
		} else {
			corrupt[off+i] = wire.SymJ
		}
	}
	for _, sym := range corrupt {
		line.Drive(sym)
		require.NoError(t, sess.Tick())
	}

	assert.False(t, sess.Transmitting(), "corrupted data must not be acknowledged")
	assert.Empty(t, backend.received[2])

	// The engine is still waiting for the data stage; the next frame
	// boundary's SOF knocks it back to idle, then the retried
	// transaction goes through untouched.
	send(t, sess, line, usb.SOF{Frame: 1})
	send(t, sess, line, usb.Token{Kind: usb.PIDOut, Endpoint: 2})
	send(t, sess, line, usb.Data{Kind: usb.PIDData0, Payload: []byte{7}})
	reply := expectReply(t, sess, line)
	require.IsType(t, usb.Handshake{}, reply)
	assert.Equal(t, usb.PIDAck, reply.(usb.Handshake).Kind)
}

func TestSessionRecordsTrace(t *testing.T) {
	sess, line, _ := newSession(t)

	var buf bytes.Buffer
	rec, err := trace.NewRecorder(&buf)
	require.NoError(t, err)
	sess.SetRecorder(rec)

	send(t, sess, line, usb.Token{Kind: usb.PIDOut, Endpoint: 2})
	send(t, sess, line, usb.Data{Kind: usb.PIDData0, Payload: []byte{0x42}})
	expectReply(t, sess, line)

	events, err := trace.ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, trace.DirToDevice, events[0].Dir)
	assert.Equal(t, uint8(usb.PIDOut), events[0].PID)
	assert.Equal(t, []byte{0, 2}, events[0].Data)

	assert.Equal(t, trace.DirToDevice, events[1].Dir)
	assert.Equal(t, uint8(usb.PIDData0), events[1].PID)
	assert.Equal(t, []byte{0x42}, events[1].Data)

	assert.Equal(t, trace.DirFromDevice, events[2].Dir)
	assert.Equal(t, uint8(usb.PIDAck), events[2].PID)

	// The ACK is queued in the same tick that captures the data packet,
	// so its timestamp may equal the data's but never precede it.
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].BitTime, events[i-1].BitTime)
	}
}

func TestSessionRawLogging(t *testing.T) {
	sess, line, _ := newSession(t)

	var buf bytes.Buffer
	sess.SetRawLogger(log.NewRaw(&buf))

	send(t, sess, line, usb.Token{Kind: usb.PIDOut, Endpoint: 2})
	send(t, sess, line, usb.Data{Kind: usb.PIDData0, Payload: []byte{0xAB}})
	expectReply(t, sess, line)

	out := buf.String()
	assert.Contains(t, out, "H->D OUT")
	assert.Contains(t, out, "H->D DATA0")
	assert.Contains(t, out, "D->H ACK")
	assert.Contains(t, out, "ab")
}

func TestSessionReset(t *testing.T) {
	sess, line, _ := newSession(t)

	send(t, sess, line, usb.Token{Kind: usb.PIDOut, Endpoint: 2})
	send(t, sess, line, usb.Data{Kind: usb.PIDData0, Payload: []byte{1}})
	require.True(t, sess.Transmitting())

	sess.Reset()
	assert.False(t, sess.Transmitting())
	assert.Equal(t, sie.StateWaitToken, sess.Engine().State())
}

func TestSessionBitTime(t *testing.T) {
	sess, line, _ := newSession(t)
	for i := 0; i < 3*oversample; i++ {
		line.Drive(wire.SymJ)
		require.NoError(t, sess.Tick())
	}
	assert.InDelta(t, 3.0, sess.BitTime(), 1e-9)
}
