package nce

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"
	"sync"
)

// TraceThread logs a diagnostic trace of a thread the way crash reports
// render it: the instruction window around the PC with the faulting word
// marked, the raw bytes of that window, and the register file. Everything
// goes out at debug level.
func (s *Supervisor) TraceThread(t *Thread) {
	log := s.log.WithField("thread", t.ID)
	ctx := t.Ctx
	depth := s.settings.TraceDepth

	var trace, raw strings.Builder
	if depth > 0 {
		size := uint64(depth) * InstLen
		// The window leans backwards so the trap site sits second from
		// the end, the words after the PC rarely matter.
		offset := ctx.PC - size + 2*InstLen
		buf := make([]byte, size)
		if err := s.process.ReadMemory(offset, buf); err != nil {
			log.WithError(err).Debug("No instruction history, window around PC is unreadable")
		} else {
			for i := uint64(0); i < size; i += InstLen {
				word := bits.ReverseBytes32(binary.LittleEndian.Uint32(buf[i:]))
				marker := "   "
				if offset+i == ctx.PC {
					marker = "-> "
				}
				fmt.Fprintf(&trace, "\n%s0x%X : 0x%08X", marker, offset+i, word)
				fmt.Fprintf(&raw, "%08X", word)
			}
		}
	}

	var regs strings.Builder
	if ctx.FaultAddr != 0 {
		fmt.Fprintf(&regs, "\nFault Address: 0x%X", ctx.FaultAddr)
	}
	if ctx.SP != 0 {
		fmt.Fprintf(&regs, "\nStack Pointer: 0x%X", ctx.SP)
	}
	for i := 0; i < len(ctx.Regs)-2; i += 2 {
		name := " X"
		if i >= 10 {
			name = "X"
		}
		fmt.Fprintf(&regs, "\n%s%d: 0x%-16X %s%d: 0x%X", name, i, ctx.Regs[i], name, i+1, ctx.Regs[i+1])
	}

	if trace.Len() > 0 {
		log.Debugf("Process Trace:%s", trace.String())
		log.Debugf("Raw Instructions: 0x%s", raw.String())
	}
	log.Debugf("CPU Context:%s", regs.String())
}

// EventKind tags entries of the dispatch event ring.
type EventKind uint8

const (
	// EventCall records a dispatched supervisor call.
	EventCall EventKind = iota
	// EventCrash records a guest crash.
	EventCrash
)

func (k EventKind) String() string {
	switch k {
	case EventCall:
		return "call"
	case EventCrash:
		return "crash"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is one entry of the dispatch event ring.
type Event struct {
	Kind   EventKind
	Thread int
	// Value holds the call number of a call event, or the fault address
	// of a crash event.
	Value uint64
}

// defaultEventRingSize bounds the dispatch history kept for diagnostics.
const defaultEventRingSize = 64

// EventRing is a bounded ring of recent dispatch events. Recording never
// blocks on a full ring, the oldest entries fall out first.
type EventRing struct {
	mu      sync.Mutex
	entries []Event
	next    int
	full    bool
}

// NewEventRing returns a ring holding up to size events.
func NewEventRing(size int) *EventRing {
	if size < 1 {
		size = defaultEventRingSize
	}
	return &EventRing{entries: make([]Event, size)}
}

// Record appends one event, evicting the oldest if the ring is full.
func (r *EventRing) Record(e Event) {
	r.mu.Lock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns the recorded events, oldest first.
func (r *EventRing) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]Event(nil), r.entries[:r.next]...)
	}
	out := make([]Event, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}
