package portio

import (
	"errors"
	"fmt"
	"sync"
)

// ErrRegionBusy is returned when a requested region overlaps a claimed one.
var ErrRegionBusy = errors.New("io region busy")

// Region is a claimed range of I/O ports.
type Region struct {
	Name  string
	Start uint64
	Size  uint64
}

func (r Region) overlaps(start, size uint64) bool {
	return start < r.Start+r.Size && r.Start < start+size
}

// Regions tracks which I/O ranges are claimed by drivers.
type Regions struct {
	mu      sync.Mutex
	claimed []Region
}

// Check reports ErrRegionBusy if [start, start+size) overlaps a claimed region.
func (rs *Regions) Check(start, size uint64) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return rs.check(start, size)
}

func (rs *Regions) check(start, size uint64) error {
	for _, r := range rs.claimed {
		if r.overlaps(start, size) {
			return fmt.Errorf("0x%x-0x%x held by %s: %w", r.Start, r.Start+r.Size-1, r.Name, ErrRegionBusy)
		}
	}

	return nil
}

// Request claims [start, start+size) for name.
func (rs *Regions) Request(name string, start, size uint64) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := rs.check(start, size); err != nil {
		return err
	}

	rs.claimed = append(rs.claimed, Region{Name: name, Start: start, Size: size})

	return nil
}

// Release drops the region starting at start.
func (rs *Regions) Release(start uint64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for i, r := range rs.claimed {
		if r.Start == start {
			rs.claimed = append(rs.claimed[:i], rs.claimed[i+1:]...)

			return
		}
	}
}

// Claimed returns a copy of the claimed regions.
func (rs *Regions) Claimed() []Region {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return append([]Region(nil), rs.claimed...)
}
