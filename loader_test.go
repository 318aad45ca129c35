package nce

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

func testExecutable() Executable {
	text := make([]byte, 0x1000)
	for i := 0; i < len(text); i += InstLen {
		binary.LittleEndian.PutUint32(text[i:], InstNOP)
	}
	binary.LittleEndian.PutUint32(text[0:], EncodeSVC(0x42))
	binary.LittleEndian.PutUint32(text[4:], InstRet)

	ro := bytes.Repeat([]byte{0xAA}, 0x1000)
	data := bytes.Repeat([]byte{0xBB}, 0x1000)

	return Executable{
		Text:    ExecutableSection{Contents: text, Offset: 0},
		RO:      ExecutableSection{Contents: ro, Offset: 0x1000},
		Data:    ExecutableSection{Contents: data, Offset: 0x2000},
		BSSSize: 0x1000,
	}
}

func TestLoadExecutable(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s, err := NewSupervisor(DefaultSettings(), SupervisorOptLogger(logger))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info, err := s.LoadExecutable(testExecutable(), 0x10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Base != 0x8000000 {
		t.Fatalf("expected: %#x, got: %#x", 0x8000000, info.Base)
	}
	if info.Size != 0x14000 {
		t.Fatalf("expected: %#x, got: %#x", 0x14000, info.Size)
	}

	p := s.Process()
	sections := []struct {
		addr uint64
		name string
		perm string
		size uint64
	}{
		{0x8000000, ".patch", "rwx", 0x10000},
		{0x8010000, ".text", "r-x", 0x1000},
		{0x8011000, ".rodata", "r--", 0x1000},
		{0x8012000, ".data", "rw-", 0x2000},
	}
	for _, sec := range sections {
		region, offset, ok := p.Memory.Resolve(sec.addr)
		if !ok {
			t.Fatalf("expected %s at %#x to be mapped", sec.name, sec.addr)
		}
		if region.Name != sec.name || offset != 0 {
			t.Fatalf("expected %s at offset 0, got %s at %#x", sec.name, region.Name, offset)
		}
		if region.PermString() != sec.perm {
			t.Fatalf("%s: expected: %v, got: %v", sec.name, sec.perm, region.PermString())
		}
		if region.Size != sec.size {
			t.Fatalf("%s: expected: %#x, got: %#x", sec.name, sec.size, region.Size)
		}
	}

	// The trapping word was replaced with a branch into the patch
	// region, its neighbour survived untouched.
	site, err := p.ReadWord(0x8010000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	off, ok := DecodeB(site)
	if !ok {
		t.Fatalf("expected a branch at the trap site, got %#08x", site)
	}
	target := uint64(int64(0x8010000) + off)
	if target < info.Base || target >= 0x8010000 {
		t.Fatalf("expected the branch to land in the patch region, got %#x", target)
	}

	next, err := p.ReadWord(0x8010004)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != InstRet {
		t.Fatalf("expected: %#08x, got: %#08x", InstRet, next)
	}

	// The patch region opens with the context save routine.
	first, err := p.ReadWord(info.Base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := EncodeSTRPre(X0, SP, -16); first != want {
		t.Fatalf("expected: %#08x, got: %#08x", want, first)
	}

	// Somewhere along the trampoline the guest branches back to the
	// word after the trap site.
	var returns bool
	for addr := target; addr < target+64*InstLen; addr += InstLen {
		word, err := p.ReadWord(addr)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if boff, ok := DecodeB(word); ok {
			if uint64(int64(addr)+boff) == 0x8010004 {
				returns = true
				break
			}
		}
	}
	if !returns {
		t.Fatal("expected the trampoline to branch back behind the trap site")
	}

	// Section contents landed, BSS reads back zeroed.
	buf := make([]byte, 4)
	if err := p.ReadMemory(0x8011000, buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(buf, []byte{0xAA, 0xAA, 0xAA, 0xAA}) {
		t.Fatalf("unexpected rodata contents: %#v", buf)
	}
	if err := p.ReadMemory(0x8012000, buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(buf, []byte{0xBB, 0xBB, 0xBB, 0xBB}) {
		t.Fatalf("unexpected data contents: %#v", buf)
	}
	if err := p.ReadMemory(0x8013000, buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(buf, []byte{0, 0, 0, 0}) {
		t.Fatalf("expected zeroed BSS, got: %#v", buf)
	}
}

func TestLoadExecutableErrors(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s, err := NewSupervisor(DefaultSettings(), SupervisorOptLogger(logger))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exe := testExecutable()
	exe.Text.Contents = exe.Text.Contents[:0x104]
	if _, err := s.LoadExecutable(exe, 0x10000); !errors.Is(err, ErrRegionUnaligned) {
		t.Fatalf("expected: %v, got: %v", ErrRegionUnaligned, err)
	}

	exe = testExecutable()
	exe.RO.Offset = 0x800
	if _, err := s.LoadExecutable(exe, 0x10000); !errors.Is(err, ErrRegionUnaligned) {
		t.Fatalf("expected: %v, got: %v", ErrRegionUnaligned, err)
	}
}

func TestLoadExecutableOverflow(t *testing.T) {
	logger, _ := test.NewNullLogger()
	settings := DefaultSettings()
	settings.PatchRegionPages = 1
	s, err := NewSupervisor(settings, SupervisorOptLogger(logger))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A page of nothing but traps rewrites to far more than one page of
	// trampolines.
	text := make([]byte, 0x1000)
	for i := 0; i < len(text); i += InstLen {
		binary.LittleEndian.PutUint32(text[i:], EncodeSVC(uint16(i/InstLen)))
	}
	exe := testExecutable()
	exe.Text.Contents = text

	_, err = s.LoadExecutable(exe, 0x10000)
	if !errors.Is(err, ErrPatchRegionOverflow) {
		t.Fatalf("expected: %v, got: %v", ErrPatchRegionOverflow, err)
	}
}
