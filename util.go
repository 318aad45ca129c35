package nce

// PageSize is the guest page size. Section offsets, sizes and region
// placements are all multiples of it.
const PageSize uint64 = 0x1000

// AlignUp rounds value up to the next multiple of align, which must be a
// power of two.
func AlignUp(value, align uint64) uint64 {
	align--
	return (value + align) &^ align
}

// AlignDown rounds value down to a multiple of align, which must be a power
// of two.
func AlignDown(value, align uint64) uint64 {
	return value &^ (align - 1)
}

// PageAligned reports whether address is a multiple of the guest page size.
func PageAligned(address uint64) bool {
	return address&(PageSize-1) == 0
}

// WordAligned reports whether address is a multiple of the instruction
// width.
func WordAligned(address uint64) bool {
	return address&3 == 0
}
