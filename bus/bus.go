// Package bus models the synchronous byte-wide bus between firmware and
// the SIE register file. Every cycle in which the bus is active is an
// explicit Access record, so handlers observe exactly one record per
// acknowledged edge instead of poking at shared wires.
package bus

import (
	"fmt"
	"sort"
)

// Access is one acknowledged bus cycle. For a write, WriteEnable is set
// and DataW carries the byte driven by the initiator; for a read, DataR
// carries the byte returned by the target.
type Access struct {
	Addr        uint16
	DataR       uint8
	DataW       uint8
	WriteEnable bool
}

func (a Access) String() string {
	if a.WriteEnable {
		return fmt.Sprintf("write [%#04x] <- %#02x", a.Addr, a.DataW)
	}
	return fmt.Sprintf("read  [%#04x] -> %#02x", a.Addr, a.DataR)
}

// Memory is a byte-addressed bus target.
type Memory interface {
	// ReadAt returns the byte at addr. Unmapped addresses return an
	// error rather than a bus fault value.
	ReadAt(addr uint16) (uint8, error)
	// WriteAt stores one byte at addr.
	WriteAt(addr uint16, v uint8) error
}

// Region is one contiguous mapped address range.
type Region struct {
	Name  string
	Start uint16
	Size  uint32 // uint32 so a region may end at 0xFFFF inclusive

	data []uint8
}

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr uint16) bool {
	return addr >= r.Start && uint32(addr)-uint32(r.Start) < r.Size
}

// SparseMemory maps a set of disjoint regions into the 16-bit address
// space, leaving everything else unmapped. This mirrors a microcontroller
// XRAM map: main RAM, scratch, CSR block and endpoint buffers with holes
// between them.
type SparseMemory struct {
	regions []*Region
}

// NewSparseMemory builds a memory from the given regions. Regions must
// not overlap.
func NewSparseMemory(regions ...Region) (*SparseMemory, error) {
	m := &SparseMemory{}
	for i := range regions {
		r := regions[i]
		if r.Size == 0 {
			return nil, fmt.Errorf("region %q has zero size", r.Name)
		}
		if uint32(r.Start)+r.Size > 0x10000 {
			return nil, fmt.Errorf("region %q overflows the address space", r.Name)
		}
		r.data = make([]uint8, r.Size)
		m.regions = append(m.regions, &r)
	}
	sort.Slice(m.regions, func(i, j int) bool {
		return m.regions[i].Start < m.regions[j].Start
	})
	for i := 1; i < len(m.regions); i++ {
		prev, cur := m.regions[i-1], m.regions[i]
		if uint32(prev.Start)+prev.Size > uint32(cur.Start) {
			return nil, fmt.Errorf("regions %q and %q overlap", prev.Name, cur.Name)
		}
	}
	return m, nil
}

func (m *SparseMemory) region(addr uint16) *Region {
	i := sort.Search(len(m.regions), func(i int) bool {
		r := m.regions[i]
		return uint32(addr) < uint32(r.Start)+r.Size
	})
	if i < len(m.regions) && m.regions[i].Contains(addr) {
		return m.regions[i]
	}
	return nil
}

// ReadAt implements Memory.
func (m *SparseMemory) ReadAt(addr uint16) (uint8, error) {
	r := m.region(addr)
	if r == nil {
		return 0, fmt.Errorf("read from unmapped address %#04x", addr)
	}
	return r.data[addr-r.Start], nil
}

// WriteAt implements Memory.
func (m *SparseMemory) WriteAt(addr uint16, v uint8) error {
	r := m.region(addr)
	if r == nil {
		return fmt.Errorf("write to unmapped address %#04x", addr)
	}
	r.data[addr-r.Start] = v
	return nil
}

// ReadRange copies n bytes starting at addr. The range must be fully
// mapped.
func (m *SparseMemory) ReadRange(addr uint16, n int) ([]uint8, error) {
	out := make([]uint8, n)
	for i := 0; i < n; i++ {
		v, err := m.ReadAt(addr + uint16(i))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// WriteRange stores data starting at addr. The range must be fully mapped.
func (m *SparseMemory) WriteRange(addr uint16, data []uint8) error {
	for i, v := range data {
		if err := m.WriteAt(addr+uint16(i), v); err != nil {
			return err
		}
	}
	return nil
}
