package nce

import (
	"encoding/binary"
	"fmt"
)

var _ GuestMemory = (*SectionMemory)(nil)

// SectionMemory is the simplest GuestMemory: a flat byte slice, as used for
// every section of a loaded executable and the patch region. Scalar accesses
// are little-endian, the guest's fixed byte order.
type SectionMemory struct {
	Backing []byte
}

// NewSectionMemory returns a zero-filled section of the given size.
func NewSectionMemory(size uint64) *SectionMemory {
	return &SectionMemory{Backing: make([]byte, size)}
}

// Load loads a scalar value of the given size at offset from the memory.
func (sm *SectionMemory) Load(offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(sm.Backing)) {
		return 0, fmt.Errorf(
			"reading %d bytes at offset %#x will read out of the memory bounds of %#x bytes",
			size, offset, len(sm.Backing),
		)
	}

	switch size {
	case 1:
		return uint64(sm.Backing[offset]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(sm.Backing[offset:])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(sm.Backing[offset:])), nil
	case 8:
		return binary.LittleEndian.Uint64(sm.Backing[offset:]), nil
	default:
		return 0, fmt.Errorf("unsupported scalar size %d", size)
	}
}

// Store stores a scalar value of the given size at offset into the memory.
func (sm *SectionMemory) Store(offset uint64, value uint64, size int) error {
	if offset+uint64(size) > uint64(len(sm.Backing)) {
		return fmt.Errorf(
			"writing %d bytes at offset %#x will overflow the memory of %#x bytes",
			size, offset, len(sm.Backing),
		)
	}

	switch size {
	case 1:
		sm.Backing[offset] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(sm.Backing[offset:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(sm.Backing[offset:], uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(sm.Backing[offset:], value)
	default:
		return fmt.Errorf("unsupported scalar size %d", size)
	}
	return nil
}

// Read reads a byte slice of arbitrary size, the length of 'b' is used to
// determine the requested size.
func (sm *SectionMemory) Read(offset uint64, b []byte) error {
	if offset+uint64(len(b)) > uint64(len(sm.Backing)) {
		return fmt.Errorf(
			"reading %d bytes at offset %#x will read out of the memory bounds of %#x bytes",
			len(b), offset, len(sm.Backing),
		)
	}

	copy(b, sm.Backing[offset:])
	return nil
}

// Write writes a byte slice of arbitrary size to the memory.
func (sm *SectionMemory) Write(offset uint64, b []byte) error {
	if offset+uint64(len(b)) > uint64(len(sm.Backing)) {
		return fmt.Errorf(
			"writing %d bytes at offset %#x will overflow the memory of %#x bytes",
			len(b), offset, len(sm.Backing),
		)
	}

	copy(sm.Backing[offset:], b)
	return nil
}
