package nce

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	// ErrRegionOverlap is returned when a mapping collides with an
	// existing region.
	ErrRegionOverlap = errors.New("region overlaps an existing mapping")
	// ErrRegionUnaligned is returned when a mapping is not page aligned.
	ErrRegionUnaligned = errors.New("region not page aligned")
	// ErrUnmappedAddress is returned when an address resolves to no
	// region.
	ErrUnmappedAddress = errors.New("address not mapped")
)

// GuestMemory is memory a guest process can access through its controller.
type GuestMemory interface {
	// Load reads a single little-endian integer of 1, 2, 4 or 8 bytes at
	// a specific offset.
	Load(offset uint64, size int) (uint64, error)
	// Store writes a single little-endian integer of 1, 2, 4 or 8 bytes
	// to a specific offset.
	Store(offset uint64, value uint64, size int) error
	// Read reads a byte slice of arbitrary size, the length of 'b' is
	// used to determine the requested size.
	Read(offset uint64, b []byte) error
	// Write writes a byte slice of arbitrary size to the memory.
	Write(offset uint64, b []byte) error
}

// MemoryRegion describes one mapped range of guest address space. Any
// address between Addr and Addr+Size resolves to it.
type MemoryRegion struct {
	Name string
	Addr uint64
	Size uint64
	// Perm holds unix.PROT_* bits describing how the guest may touch the
	// region; the controller records them for callers, it does not
	// enforce them.
	Perm int
	Mem  GuestMemory
}

// End returns the first address past the region.
func (r MemoryRegion) End() uint64 {
	return r.Addr + r.Size
}

// PermString renders Perm the way mapping listings do.
func (r MemoryRegion) PermString() string {
	s := []byte("---")
	if r.Perm&unix.PROT_READ != 0 {
		s[0] = 'r'
	}
	if r.Perm&unix.PROT_WRITE != 0 {
		s[1] = 'w'
	}
	if r.Perm&unix.PROT_EXEC != 0 {
		s[2] = 'x'
	}
	return string(s)
}

// MemoryController maps guest virtual addresses to the memory regions of a
// process. Regions live at explicit page-aligned placements chosen by the
// loader and never move afterwards, since generated code branches between
// them by fixed displacement.
type MemoryController struct {
	mu sync.RWMutex
	// List of regions, sorted by address.
	regions []*MemoryRegion
}

// Map inserts a region at its requested placement.
func (mc *MemoryController) Map(region MemoryRegion) error {
	if region.Size == 0 {
		return fmt.Errorf("mapping %q: empty region", region.Name)
	}
	if !PageAligned(region.Addr) || !PageAligned(region.Size) {
		return fmt.Errorf("mapping %q at %#x+%#x: %w", region.Name, region.Addr, region.Size, ErrRegionUnaligned)
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	i := sort.Search(len(mc.regions), func(i int) bool {
		return mc.regions[i].Addr >= region.Addr
	})
	if i > 0 && mc.regions[i-1].End() > region.Addr {
		return fmt.Errorf("mapping %q at %#x+%#x: %w", region.Name, region.Addr, region.Size, ErrRegionOverlap)
	}
	if i < len(mc.regions) && mc.regions[i].Addr < region.End() {
		return fmt.Errorf("mapping %q at %#x+%#x: %w", region.Name, region.Addr, region.Size, ErrRegionOverlap)
	}

	mc.regions = append(mc.regions, nil)
	copy(mc.regions[i+1:], mc.regions[i:])
	mc.regions[i] = &region

	return nil
}

// Resolve returns the region containing addr together with the offset of
// addr into it. The last return value reports whether a region was found.
func (mc *MemoryController) Resolve(addr uint64) (MemoryRegion, uint64, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	i := sort.Search(len(mc.regions), func(i int) bool {
		return mc.regions[i].Addr > addr
	})
	if i == 0 {
		return MemoryRegion{}, 0, false
	}

	prev := mc.regions[i-1]
	if addr < prev.End() {
		return *prev, addr - prev.Addr, true
	}
	return MemoryRegion{}, 0, false
}

// Unmap removes the region containing addr.
func (mc *MemoryController) Unmap(addr uint64) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	i := sort.Search(len(mc.regions), func(i int) bool {
		return mc.regions[i].Addr > addr
	})
	if i == 0 || addr >= mc.regions[i-1].End() {
		return fmt.Errorf("unmapping %#x: %w", addr, ErrUnmappedAddress)
	}

	copy(mc.regions[i-1:], mc.regions[i:])
	mc.regions = mc.regions[:len(mc.regions)-1]
	return nil
}

// Regions returns value copies of every mapped region in address order.
func (mc *MemoryController) Regions() []MemoryRegion {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	ls := make([]MemoryRegion, len(mc.regions))
	for i, region := range mc.regions {
		ls[i] = *region
	}
	return ls
}

// String implements fmt.Stringer.
func (mc *MemoryController) String() string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	var sb strings.Builder
	for _, region := range mc.regions {
		fmt.Fprintf(&sb, "0x%08x - 0x%08x %s %s\n", region.Addr, region.End(), region.PermString(), region.Name)
	}
	return sb.String()
}
