package nce

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// DefaultStackSize is the stack reservation given to threads whose creator
// does not ask for a specific size.
const DefaultStackSize uint64 = 0x1E8480

// baseHandle is the first handle value given out for guest objects, values
// below it stay reserved for pseudo handles.
const baseHandle uint32 = 0xD000

// ProcessStatus describes the lifecycle stage of a guest process.
type ProcessStatus uint32

const (
	// ProcessCreated means the process exists but no thread has started.
	ProcessCreated ProcessStatus = iota
	// ProcessStarted means the main thread is running.
	ProcessStarted
	// ProcessExiting means the process is shutting down and accepts no
	// new work.
	ProcessExiting
)

func (s ProcessStatus) String() string {
	switch s {
	case ProcessCreated:
		return "Created"
	case ProcessStarted:
		return "Started"
	case ProcessExiting:
		return "Exiting"
	default:
		return fmt.Sprintf("ProcessStatus(%d)", uint32(s))
	}
}

// ThreadStatus describes the lifecycle stage of a guest thread.
type ThreadStatus uint32

const (
	// ThreadCreated means the thread is registered but not yet started.
	ThreadCreated ThreadStatus = iota
	// ThreadRunning means the thread has been handed to the guest.
	ThreadRunning
	// ThreadDead means the thread has been torn down.
	ThreadDead
)

// Thread is the bookkeeping record for one guest thread. The execution
// state shared with guest code lives in Ctx, the rest is host side only.
type Thread struct {
	// ID is the host visible thread id, unique within the process.
	ID int
	// Handle is the guest visible handle of the thread.
	Handle uint32
	// Entry is the guest address execution starts at.
	Entry uint64
	// EntryArg is passed to the entry point in the first argument
	// register.
	EntryArg uint64
	// StackTop is the initial guest stack pointer.
	StackTop uint64
	// TLS is the guest address of the thread local storage slot.
	TLS uint64
	// Priority is the guest scheduling priority, 0 strongest through 63
	// weakest.
	Priority uint8
	// Ctx is the context block shared with the guest.
	Ctx *ThreadContext

	status atomic.Uint32
}

// Status returns the current lifecycle stage of the thread.
func (t *Thread) Status() ThreadStatus {
	return ThreadStatus(t.status.Load())
}

// markRunning moves the thread from Created to Running and reports whether
// this call made the transition.
func (t *Thread) markRunning() bool {
	return t.status.CompareAndSwap(uint32(ThreadCreated), uint32(ThreadRunning))
}

// Kill marks the thread dead. It reports whether this call performed the
// transition, so teardown runs exactly once however many paths race to it.
func (t *Thread) Kill() bool {
	return ThreadStatus(t.status.Swap(uint32(ThreadDead))) != ThreadDead
}

// HostPriority converts a guest thread priority in the 0 through 63 range
// to the equivalent host niceness in the 19 through -8 range.
func HostPriority(guest uint8) int {
	const (
		hostStrong, hostWeak   = -8, 19
		guestStrong, guestWeak = 0, 63
	)
	scale := float32(hostStrong-hostWeak) / float32(guestWeak-guestStrong)
	return int(int8(float32(hostWeak) + scale*(float32(guest)-guestStrong)))
}

// SetHostThreadPriority applies the host equivalent of a guest priority to
// a native thread, tid as understood by setpriority(2).
func SetHostThreadPriority(tid int, guest uint8) error {
	nice := HostPriority(guest)
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, nice); err != nil {
		return fmt.Errorf("setting priority %d for tid %d: %w", nice, tid, err)
	}
	return nil
}

// Process models a single guest process: its mapped memory and the threads
// executing inside it.
type Process struct {
	// Memory resolves guest virtual addresses for the process.
	Memory *MemoryController

	status atomic.Uint32

	mu      sync.RWMutex
	nextID  int
	mainID  int
	threads map[int]*Thread
}

// NewProcess returns an empty process with no mapped memory and no threads.
func NewProcess() *Process {
	return &Process{
		Memory:  &MemoryController{},
		nextID:  1,
		threads: make(map[int]*Thread),
	}
}

// Status returns the current lifecycle stage of the process.
func (p *Process) Status() ProcessStatus {
	return ProcessStatus(p.status.Load())
}

// SetStatus moves the process to the given lifecycle stage.
func (p *Process) SetStatus(s ProcessStatus) {
	p.status.Store(uint32(s))
}

// CreateThread registers a new thread of the process. The first thread
// created becomes the main thread. The thread starts out in the Created
// stage with a zeroed context block, StartThread hands it to the guest.
func (p *Process) CreateThread(entry, entryArg, stackTop, tls uint64, priority uint8) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := &Thread{
		ID:       p.nextID,
		Handle:   baseHandle + uint32(p.nextID),
		Entry:    entry,
		EntryArg: entryArg,
		StackTop: stackTop,
		TLS:      tls,
		Priority: priority,
		Ctx:      &ThreadContext{},
	}
	p.nextID++
	if p.mainID == 0 {
		p.mainID = t.ID
	}
	p.threads[t.ID] = t
	return t
}

// Thread looks a thread up by id.
func (p *Process) Thread(id int) (*Thread, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t, ok := p.threads[id]
	return t, ok
}

// ThreadByHandle looks a thread up by its guest visible handle.
func (p *Process) ThreadByHandle(handle uint32) (*Thread, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, t := range p.threads {
		if t.Handle == handle {
			return t, true
		}
	}
	return nil, false
}

// MainThread returns the first thread created, or nil if none exists yet.
func (p *Process) MainThread() *Thread {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.threads[p.mainID]
}

// IsMain reports whether the given thread is the main thread.
func (p *Process) IsMain(t *Thread) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return t != nil && t.ID == p.mainID
}

// RemoveThread drops a thread from the process registry.
func (p *Process) RemoveThread(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.threads, id)
}

// Threads returns the registered threads in id order.
func (p *Process) Threads() []*Thread {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ls := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		ls = append(ls, t)
	}
	sort.Slice(ls, func(i, j int) bool {
		return ls[i].ID < ls[j].ID
	})
	return ls
}

// ReadMemory reads len(b) bytes of guest memory starting at addr, crossing
// region boundaries where the regions are contiguous.
func (p *Process) ReadMemory(addr uint64, b []byte) error {
	for len(b) > 0 {
		region, offset, ok := p.Memory.Resolve(addr)
		if !ok {
			return fmt.Errorf("reading %#x: %w", addr, ErrUnmappedAddress)
		}
		n := uint64(len(b))
		if avail := region.Size - offset; avail < n {
			n = avail
		}
		if err := region.Mem.Read(offset, b[:n]); err != nil {
			return fmt.Errorf("reading %#x: %w", addr, err)
		}
		addr += n
		b = b[n:]
	}
	return nil
}

// WriteMemory writes len(b) bytes of guest memory starting at addr,
// crossing region boundaries where the regions are contiguous.
func (p *Process) WriteMemory(addr uint64, b []byte) error {
	for len(b) > 0 {
		region, offset, ok := p.Memory.Resolve(addr)
		if !ok {
			return fmt.Errorf("writing %#x: %w", addr, ErrUnmappedAddress)
		}
		n := uint64(len(b))
		if avail := region.Size - offset; avail < n {
			n = avail
		}
		if err := region.Mem.Write(offset, b[:n]); err != nil {
			return fmt.Errorf("writing %#x: %w", addr, err)
		}
		addr += n
		b = b[n:]
	}
	return nil
}

// ReadWord reads one instruction word of guest memory.
func (p *Process) ReadWord(addr uint64) (uint32, error) {
	region, offset, ok := p.Memory.Resolve(addr)
	if !ok {
		return 0, fmt.Errorf("reading word at %#x: %w", addr, ErrUnmappedAddress)
	}
	value, err := region.Mem.Load(offset, 4)
	if err != nil {
		return 0, fmt.Errorf("reading word at %#x: %w", addr, err)
	}
	return uint32(value), nil
}
