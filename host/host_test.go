package host

import (
	"context"
	"fmt"
	"testing"

	"github.com/antmicro/usb-sie/sie"
	"github.com/antmicro/usb-sie/sim"
	"github.com/antmicro/usb-sie/usb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const oversample = 4

// memBackend is a minimal engine backend holding staged and received
// bytes in memory, with no firmware hand-off on the status stage.
type memBackend struct {
	frames   []uint16
	setups   []usb.SetupRequest
	received map[uint8][][]byte
	staged   map[uint8][]byte
	address  uint8
}

func newMemBackend() *memBackend {
	return &memBackend{
		received: make(map[uint8][][]byte),
		staged:   make(map[uint8][]byte),
	}
}

func (b *memBackend) Frame(frame uint16) error { b.frames = append(b.frames, frame); return nil }
func (b *memBackend) SetupToken() error        { return nil }

func (b *memBackend) SetupReceived(req usb.SetupRequest) error {
	b.setups = append(b.setups, req)
	return nil
}

func (b *memBackend) DataReceived(ep uint8, payload []byte) error {
	b.received[ep] = append(b.received[ep], payload)
	return nil
}

func (b *memBackend) StagedData(ep uint8, n int) ([]byte, error) {
	data, ok := b.staged[ep]
	if !ok || len(data) < n {
		return nil, fmt.Errorf("nothing staged on endpoint %d", ep)
	}
	return data[:n], nil
}

func (b *memBackend) SetAddress(addr uint8) error { b.address = addr; return nil }

func newRig(t *testing.T) (*Host, *sie.Engine, *memBackend) {
	t.Helper()
	backend := newMemBackend()
	engine := sie.NewEngine(backend, nil)
	line := sim.NewLine()
	sess := sim.NewSession(line, engine, oversample, nil)
	return New(line, sess, oversample, nil), engine, backend
}

func TestSofBroadcast(t *testing.T) {
	h, _, b := newRig(t)
	require.NoError(t, h.Sof(1429))
	require.NoError(t, h.Sof(1430))
	assert.Equal(t, []uint16{1429, 1430}, b.frames)
}

func TestOutTransfer(t *testing.T) {
	h, _, b := newRig(t)
	ctx := context.Background()

	require.NoError(t, h.Out(ctx, 2, []byte{1, 2, 3}))
	require.NoError(t, h.Out(ctx, 2, []byte{4, 5}))

	require.Len(t, b.received[2], 2)
	assert.Equal(t, []byte{1, 2, 3}, b.received[2][0])
	assert.Equal(t, []byte{4, 5}, b.received[2][1])
}

func TestInTransfer(t *testing.T) {
	h, e, b := newRig(t)
	ctx := context.Background()
	b.staged[2] = []byte{0xCA, 0xFE}

	require.NoError(t, e.Table().Arm(2, 2))
	got, err := h.In(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCA, 0xFE}, got)

	// Second transfer alternates the data PID transparently.
	require.NoError(t, e.Table().Arm(2, 2))
	got, err = h.In(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCA, 0xFE}, got)
}

func TestInUnarmedHitsNakLimit(t *testing.T) {
	h, _, _ := newRig(t)
	h.NakRetries = 3
	_, err := h.In(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNakLimit)
}

func TestInHaltedEndpointStalls(t *testing.T) {
	h, e, _ := newRig(t)
	e.Table().SetHalted(2, true)
	_, err := h.In(context.Background(), 2)
	assert.ErrorIs(t, err, ErrStall)
}

func TestControlOutSetConfiguration(t *testing.T) {
	h, e, b := newRig(t)
	ctx := context.Background()

	require.NoError(t, h.SetConfiguration(ctx, 1))
	require.Len(t, b.setups, 1)
	assert.Equal(t, usb.SetConfigurationRequest(1), b.setups[0])
	assert.Equal(t, sie.PhaseNone, e.Phase())
}

func TestControlInGetDescriptor(t *testing.T) {
	h, e, b := newRig(t)
	ctx := context.Background()

	desc := []byte{18, usb.DescriptorTypeDevice, 0x00, 0x02, 0, 0, 0, 64,
		0xD0, 0xF0, 0x0D, 0x60, 0x01, 0x00, 1, 2, 3, 1}
	b.staged[0] = desc
	// Arming happens firmware-style, in the poll slot between the
	// host's NAK retries.
	h.Poll = func() error {
		if _, armed := e.Table().ArmedLength(0); !armed {
			return e.Table().Arm(0, len(desc))
		}
		return nil
	}

	got, err := h.GetDescriptor(ctx, usb.DescriptorTypeDevice, 0, 0, 18)
	require.NoError(t, err)
	assert.Equal(t, desc, got)
	assert.Equal(t, sie.PhaseNone, e.Phase())
	require.Len(t, b.setups, 1)
	assert.Equal(t, uint16(18), b.setups[0].Length)
}

func TestSetAddressEnumeration(t *testing.T) {
	h, e, b := newRig(t)
	ctx := context.Background()

	require.NoError(t, h.SetAddress(ctx, 22))
	assert.Equal(t, uint8(22), h.Address())
	assert.Equal(t, uint8(22), e.Address())
	assert.Equal(t, uint8(22), b.address)

	// The device answers on its new address.
	require.NoError(t, h.SetConfiguration(ctx, 1))
}

func TestBusReset(t *testing.T) {
	h, e, _ := newRig(t)
	ctx := context.Background()

	require.NoError(t, h.SetAddress(ctx, 9))
	require.NoError(t, h.BusReset())
	assert.Equal(t, uint8(0), e.Address())
	assert.Equal(t, uint8(0), h.Address())

	// Enumeration works again from scratch.
	require.NoError(t, h.SetAddress(ctx, 5))
	assert.Equal(t, uint8(5), e.Address())
}

func TestCancelledContext(t *testing.T) {
	h, _, _ := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.In(ctx, 2)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestControlReadAgainstShim drives the full stack: engine backed by the
// register shim, with the firmware side played between stages through
// register writes.
func TestControlReadAgainstShim(t *testing.T) {
	shim, err := sie.NewShim(sie.DefaultRegisterMap(), nil)
	require.NoError(t, err)
	engine := sie.NewEngine(shim, nil)
	shim.Bind(engine)
	line := sim.NewLine()
	sess := sim.NewSession(line, engine, oversample, nil)
	h := New(line, sess, oversample, nil)
	ctx := context.Background()
	regs := sie.DefaultRegisterMap()

	desc := make([]byte, 18)
	desc[0] = 18
	desc[1] = usb.DescriptorTypeDevice
	desc[8] = 0xD0
	require.NoError(t, shim.Memory().WriteRange(0x0800, desc))

	// SETUP stage lands the header in SETUPDAT.
	require.NoError(t, h.setupStage(ctx, usb.GetDescriptorRequest(usb.DescriptorTypeDevice, 0, 0, 18)))
	irqs, err := shim.Interrupts()
	require.NoError(t, err)
	require.NotZero(t, irqs&(1<<sie.IRQSudav))

	// Firmware answers with an auto-copied descriptor.
	require.NoError(t, shim.Bus().WriteAt(regs.SUDPTRCTL, 0x01))
	require.NoError(t, shim.Bus().WriteAt(regs.SUDPTRH, 0x08))
	require.NoError(t, shim.Bus().WriteAt(regs.SUDPTRL, 0x00))

	got, err := h.In(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, desc, got)
	require.NoError(t, h.statusOut(ctx))
	assert.Equal(t, sie.PhaseNone, engine.Phase())
}
