package nce

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestHostPriority(t *testing.T) {
	cases := []struct {
		guest uint8
		want  int
	}{
		{0, 19},
		{63, -8},
		{44, 0},
		{31, 5},
	}
	for _, c := range cases {
		if got := HostPriority(c.guest); got != c.want {
			t.Fatalf("priority %d, expected: %v, got: %v", c.guest, c.want, got)
		}
	}
}

func TestProcessThreads(t *testing.T) {
	p := NewProcess()
	if p.Status() != ProcessCreated {
		t.Fatalf("expected: %v, got: %v", ProcessCreated, p.Status())
	}

	main := p.CreateThread(0x8010000, 0, 0x9000000, 0x8100000, 44)
	second := p.CreateThread(0x8010100, 1, 0x9100000, 0x8100200, 30)

	if !p.IsMain(main) {
		t.Fatal("expected the first thread to be the main thread")
	}
	if p.IsMain(second) {
		t.Fatal("expected the second thread to not be the main thread")
	}
	if main.Handle == second.Handle {
		t.Fatal("expected distinct thread handles")
	}
	if main.Ctx.State.Get() != ThreadNotReady {
		t.Fatalf("expected: %v, got: %v", ThreadNotReady, main.Ctx.State.Get())
	}

	got, ok := p.Thread(second.ID)
	if !ok || got != second {
		t.Fatalf("expected: %v, got: %v", second, got)
	}
	ls := p.Threads()
	if len(ls) != 2 || ls[0] != main || ls[1] != second {
		t.Fatalf("unexpected thread listing: %v", ls)
	}

	if !second.Kill() {
		t.Fatal("expected the first kill to perform the transition")
	}
	if second.Kill() {
		t.Fatal("expected the second kill to be a no-op")
	}
	p.RemoveThread(second.ID)
	if _, ok := p.Thread(second.ID); ok {
		t.Fatal("expected the removed thread to be gone")
	}
}

func TestProcessSpanningMemory(t *testing.T) {
	p := NewProcess()
	regions := []MemoryRegion{
		{Name: ".a", Addr: 0x1000, Size: 0x1000, Mem: NewSectionMemory(0x1000)},
		{Name: ".b", Addr: 0x2000, Size: 0x1000, Mem: NewSectionMemory(0x1000)},
	}
	for _, region := range regions {
		if err := p.Memory.Map(region); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// A write across the boundary of two contiguous regions lands in
	// both of them.
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := p.WriteMemory(0x1FFC, src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dst := make([]byte, len(src))
	if err := p.ReadMemory(0x1FFC, dst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range src {
		if src[i] != dst[i] {
			t.Fatalf("byte %d, expected: %#x, got: %#x", i, src[i], dst[i])
		}
	}

	err := p.ReadMemory(0x4000, dst)
	if !errors.Is(err, ErrUnmappedAddress) {
		t.Fatalf("expected: %v, got: %v", ErrUnmappedAddress, err)
	}

	// A span that runs off the end of the last region fails once it
	// reaches the unmapped part.
	err = p.WriteMemory(0x2FFC, src)
	if !errors.Is(err, ErrUnmappedAddress) {
		t.Fatalf("expected: %v, got: %v", ErrUnmappedAddress, err)
	}

	word := make([]byte, 4)
	binary.LittleEndian.PutUint32(word, EncodeSVC(0x42))
	if err := p.WriteMemory(0x2004, word); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := p.ReadWord(0x2004)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != EncodeSVC(0x42) {
		t.Fatalf("expected: %#08x, got: %#08x", EncodeSVC(0x42), got)
	}
}
