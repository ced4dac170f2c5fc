package sie

import "fmt"

// Direction of a transfer relative to the host.
type Direction uint8

const (
	DirOut Direction = 0 // host to device
	DirIn  Direction = 1 // device to host
)

func (d Direction) String() string {
	if d == DirIn {
		return "in"
	}
	return "out"
}

// ToggleIndex maps an (endpoint, direction) pair onto its data-toggle
// slot. Endpoint 0 shares one slot for both directions, endpoint 1 has a
// dedicated slot per direction, and the four bulk endpoints 2/4/6/8 each
// get one derived slot. Other endpoints have no slot.
func ToggleIndex(ep uint8, dir Direction) (int, error) {
	switch {
	case ep == 0:
		return 0, nil
	case ep == 1:
		return 1 + int(dir), nil
	case ep == 2 || ep == 4 || ep == 6 || ep == 8:
		return int(ep)/2 + 2, nil
	default:
		return 0, fmt.Errorf("%w: endpoint %d", ErrUnsupportedEndpoint, ep)
	}
}

// Table is the endpoint state table: one data-toggle bit per toggle slot,
// plus per-endpoint armed lengths and halt flags. It is owned by the
// Engine; the register shim reaches it only through Engine methods.
type Table struct {
	toggles uint8 // slots 0..6
	armed   map[uint8]int
	halted  map[uint8]bool
}

// NewTable returns a table with all toggles at DATA0 and every endpoint
// unarmed.
func NewTable() *Table {
	return &Table{
		armed:  make(map[uint8]int),
		halted: make(map[uint8]bool),
	}
}

// Toggle returns the stored data-toggle bit for (ep, dir).
func (t *Table) Toggle(ep uint8, dir Direction) (bool, error) {
	i, err := ToggleIndex(ep, dir)
	if err != nil {
		return false, err
	}
	return t.toggles&(1<<i) != 0, nil
}

// FlipToggle inverts the data-toggle bit for (ep, dir). Called exactly
// once per successfully acknowledged DATA packet.
func (t *Table) FlipToggle(ep uint8, dir Direction) error {
	i, err := ToggleIndex(ep, dir)
	if err != nil {
		return err
	}
	t.toggles ^= 1 << i
	return nil
}

// ClearToggle resets the data-toggle bit for (ep, dir) to DATA0. SETUP
// reception does this for endpoint 0 (USB 2.0 §8.6.1).
func (t *Table) ClearToggle(ep uint8, dir Direction) error {
	i, err := ToggleIndex(ep, dir)
	if err != nil {
		return err
	}
	t.toggles &^= 1 << i
	return nil
}

// Arm records a pending host-visible payload of n bytes on ep. Arming an
// already-armed endpoint replaces the recorded length.
func (t *Table) Arm(ep uint8, n int) error {
	if _, err := ToggleIndex(ep, DirOut); err != nil {
		return err
	}
	t.armed[ep] = n
	return nil
}

// Disarm clears the armed state of ep.
func (t *Table) Disarm(ep uint8) {
	delete(t.armed, ep)
}

// ArmedLength returns the pending payload length of ep, or false when the
// endpoint is unarmed.
func (t *Table) ArmedLength(ep uint8) (int, bool) {
	n, ok := t.armed[ep]
	return n, ok
}

// SetHalted marks or clears the halt condition on ep. A halted endpoint
// answers every token with STALL.
func (t *Table) SetHalted(ep uint8, halted bool) {
	t.halted[ep] = halted
}

// Halted reports the halt condition of ep.
func (t *Table) Halted(ep uint8) bool {
	return t.halted[ep]
}

// Reset returns every toggle to DATA0 and every endpoint to unarmed and
// not halted, as after a bus reset.
func (t *Table) Reset() {
	t.toggles = 0
	t.armed = make(map[uint8]int)
	t.halted = make(map[uint8]bool)
}
