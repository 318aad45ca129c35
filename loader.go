package nce

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// DefaultBaseAddress is where the address space of a guest process begins.
const DefaultBaseAddress uint64 = 0x8000000

// ErrPatchRegionOverflow is returned when a code rewrite produces more
// trampoline words than the reserved patch region can hold.
var ErrPatchRegionOverflow = errors.New("patch region overflow")

// ExecutableSection is one loadable section of an executable image.
type ExecutableSection struct {
	// Contents are the raw bytes of the section.
	Contents []byte
	// Offset places the section relative to the executable base.
	Offset uint64
}

// Executable is a relocated executable image ready for loading. Section
// contents and offsets must be multiples of the page size.
type Executable struct {
	Text ExecutableSection
	RO   ExecutableSection
	Data ExecutableSection
	// BSSSize is the amount of zero initialized memory following the
	// data contents.
	BSSSize uint64
}

// LoadInfo reports where an executable landed.
type LoadInfo struct {
	// Base is the first address of the load, the start of the patch
	// region.
	Base uint64
	// Size is the reach of the load from Base through the end of the
	// data section.
	Size uint64
}

// LoadExecutable maps an executable into the guest process at the default
// base address plus offset, with the patch region placed directly in front
// of it, and runs the code section through the patcher. The data section
// gets a zero tail of BSSSize bytes.
func (s *Supervisor) LoadExecutable(exe Executable, offset uint64) (LoadInfo, error) {
	patchRegionSize := PageSize * s.settings.PatchRegionPages
	base := DefaultBaseAddress + offset - patchRegionSize
	executableBase := base + patchRegionSize

	textSize := uint64(len(exe.Text.Contents))
	roSize := uint64(len(exe.RO.Contents))
	dataSize := uint64(len(exe.Data.Contents)) + exe.BSSSize

	if !PageAligned(textSize) || !PageAligned(roSize) || !PageAligned(dataSize) {
		return LoadInfo{}, fmt.Errorf("loading executable: section sizes %#x, %#x, %#x: %w",
			textSize, roSize, dataSize, ErrRegionUnaligned)
	}
	if !PageAligned(exe.Text.Offset) || !PageAligned(exe.RO.Offset) || !PageAligned(exe.Data.Offset) {
		return LoadInfo{}, fmt.Errorf("loading executable: section offsets %#x, %#x, %#x: %w",
			exe.Text.Offset, exe.RO.Offset, exe.Data.Offset, ErrRegionUnaligned)
	}

	textAddr := executableBase + exe.Text.Offset
	patcher := Patcher{HostCounterFreq: s.settings.HostCounterFreq}
	patch, err := patcher.Patch(exe.Text.Contents, textAddr, -int64(patchRegionSize+exe.Text.Offset))
	if err != nil {
		return LoadInfo{}, fmt.Errorf("loading executable: %w", err)
	}
	patchSize := uint64(len(patch)) * InstLen
	if patchSize > patchRegionSize {
		return LoadInfo{}, fmt.Errorf("loading executable: rewrite needs %#x bytes but the patch region holds %#x: %w",
			patchSize, patchRegionSize, ErrPatchRegionOverflow)
	}

	sections := []struct {
		name string
		addr uint64
		size uint64
		perm int
	}{
		{".patch", base, patchRegionSize, unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC},
		{".text", textAddr, textSize, unix.PROT_READ | unix.PROT_EXEC},
		{".rodata", executableBase + exe.RO.Offset, roSize, unix.PROT_READ},
		{".data", executableBase + exe.Data.Offset, dataSize, unix.PROT_READ | unix.PROT_WRITE},
	}
	for _, sec := range sections {
		if sec.size == 0 {
			continue
		}
		err := s.process.Memory.Map(MemoryRegion{
			Name: sec.name,
			Addr: sec.addr,
			Size: sec.size,
			Perm: sec.perm,
			Mem:  NewSectionMemory(sec.size),
		})
		if err != nil {
			return LoadInfo{}, fmt.Errorf("loading executable: %w", err)
		}
		s.log.Debugf("Successfully mapped section %s @ %#x, size = %#x", sec.name, sec.addr, sec.size)
	}

	patchBytes := make([]byte, patchSize)
	for i, word := range patch {
		binary.LittleEndian.PutUint32(patchBytes[i*InstLen:], word)
	}
	writes := []struct {
		addr uint64
		b    []byte
	}{
		{base, patchBytes},
		{textAddr, exe.Text.Contents},
		{executableBase + exe.RO.Offset, exe.RO.Contents},
		{executableBase + exe.Data.Offset, exe.Data.Contents},
	}
	for _, w := range writes {
		if err := s.process.WriteMemory(w.addr, w.b); err != nil {
			return LoadInfo{}, fmt.Errorf("loading executable: %w", err)
		}
	}

	return LoadInfo{Base: base, Size: patchRegionSize + exe.Data.Offset + dataSize}, nil
}
