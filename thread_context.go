package nce

import (
	"fmt"
	"sync/atomic"
)

// ThreadState is the handshake state of a guest thread, shared between the
// guest's native code and its host-side monitor. It is the only field of a
// ThreadContext either side synchronizes on: writes publish with release
// ordering, reads observe with acquire ordering, and every other context
// field is written strictly before the state that hands it over.
type ThreadState uint32

// Thread handshake states.
const (
	// ThreadNotReady means the context block is not initialized yet.
	ThreadNotReady ThreadState = iota
	// ThreadWaitInit means the guest side is initialized and parked,
	// waiting for the host to supply entry arguments and start it.
	ThreadWaitInit
	// ThreadWaitRun means the guest owns the context and is executing.
	ThreadWaitRun
	// ThreadWaitKernel means the guest trapped and the host owns the
	// context: the command id carries the supervisor call number.
	ThreadWaitKernel
	// ThreadWaitFunc means the host asked the guest to run an injected
	// function call described by the context.
	ThreadWaitFunc
	// ThreadGuestCrash means the guest hit a fatal signal; the command id
	// carries the signal number and FaultAddr the faulting address.
	ThreadGuestCrash
)

// Set publishes a new state with release ordering.
func (s *ThreadState) Set(state ThreadState) {
	atomic.StoreUint32((*uint32)(s), uint32(state))
}

// Get observes the current state with acquire ordering.
func (s *ThreadState) Get() ThreadState {
	return ThreadState(atomic.LoadUint32((*uint32)(s)))
}

func (s ThreadState) String() string {
	switch s {
	case ThreadNotReady:
		return "NotReady"
	case ThreadWaitInit:
		return "WaitInit"
	case ThreadWaitRun:
		return "WaitRun"
	case ThreadWaitKernel:
		return "WaitKernel"
	case ThreadWaitFunc:
		return "WaitFunc"
	case ThreadGuestCrash:
		return "GuestCrash"
	default:
		return fmt.Sprintf("ThreadState(%d)", uint32(s))
	}
}

// Registers is the AArch64 general purpose register file X0..X30, indexable
// by Reg.
type Registers [31]uint64

// ThreadContext is the per-thread block shared between a guest thread and the
// host. Its layout is frozen: synthesized guest code reaches every field as a
// fixed byte offset off the thread's TPIDR_EL0 register, which points at this
// block. Reordering or resizing fields breaks generated code.
type ThreadContext struct {
	State     ThreadState
	CommandID uint32
	Regs      Registers
	TLS       uint64
	PC        uint64
	SP        uint64
	FaultAddr uint64
}

// ThreadContext field offsets and size baked into synthesized code.
const (
	ctxOffState     = 0
	ctxOffCommandID = 4
	ctxOffRegs      = 8
	ctxOffTLS       = 256
	ctxOffPC        = 264
	ctxOffSP        = 272
	ctxOffFaultAddr = 280
	ctxSize         = 288
)

// regOff returns the context offset of general purpose register r.
func regOff(r Reg) uint32 {
	return ctxOffRegs + uint32(r)*8
}
