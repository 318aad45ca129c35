package nce

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// MutexGroup identifies one of the two cooperating holder groups of a
// GroupMutex.
type MutexGroup uint32

// Holder groups.
const (
	// MutexGroupNone marks an unowned mutex.
	MutexGroupNone MutexGroup = iota
	// MutexGroupDefault is shared by the dispatch loops and the global
	// loop.
	MutexGroupDefault
	// MutexGroupExclusive is taken to drain the default group during
	// teardown.
	MutexGroupExclusive
)

// GroupMutex is a cooperative two-group mutex: any number of holders from
// the owning group share it concurrently while the other group waits, and a
// waiting group takes priority over later entries from the owning group, so
// the owners drain out rather than starve the waiter.
type GroupMutex struct {
	flag atomic.Uint32 // group currently owning the mutex
	next atomic.Uint32 // group that takes over once the owners drain
	num  atomic.Uint32 // holders in the owning group
	mu   sync.Mutex    // guards the flag/num handover
}

// Lock waits until group may hold the mutex and registers the caller as a
// holder.
func (g *GroupMutex) Lock(group MutexGroup) {
	for {
		if MutexGroup(g.next.Load()) == group {
			if MutexGroup(g.flag.Load()) == group {
				g.mu.Lock()
				if MutexGroup(g.flag.Load()) == group {
					g.next.CompareAndSwap(uint32(group), uint32(MutexGroupNone))
					g.num.Add(1)
					g.mu.Unlock()
					return
				}
				g.mu.Unlock()
			} else {
				g.flag.CompareAndSwap(uint32(MutexGroupNone), uint32(group))
			}
		} else {
			g.next.CompareAndSwap(uint32(MutexGroupNone), uint32(group))
		}
		runtime.Gosched()
	}
}

// Unlock releases one holder. When the owning group drains, ownership moves
// to whichever group registered itself as next. Calling Unlock from a thread
// outside the owning group is a caller bug.
func (g *GroupMutex) Unlock() {
	g.mu.Lock()
	if g.num.Add(^uint32(0)) == 0 {
		g.flag.Store(g.next.Load())
	}
	g.mu.Unlock()
}
