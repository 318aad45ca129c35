package nce

import (
	"errors"
	"fmt"
	"runtime"
)

var (
	// ErrSpinBudget is returned when a handshake wait exceeds the
	// configured spin budget.
	ErrSpinBudget = errors.New("spin budget exhausted while waiting on a thread context")
	// ErrProcessExiting rejects work handed to a process that is
	// shutting down.
	ErrProcessExiting = errors.New("process is exiting")
	// ErrThreadNotStartable reports a start request for a thread that
	// already ran.
	ErrThreadNotStartable = errors.New("thread was already started")
)

// Cross thread command tags carried in the context command field. During
// WaitKernel the field holds a supervisor call number instead.
const (
	// CommandNone marks an idle command slot.
	CommandNone uint32 = 0
	// CommandFunction tags a round of WaitFunc, the guest service stub
	// calls the function published in the context PC field.
	CommandFunction uint32 = 1
)

// spinUntil busy waits for cond. The peer on the other side of a context
// block makes progress independently, so the wait deliberately polls;
// Gosched keeps the host scheduler fed between probes. A nonzero spin
// budget turns a stuck handshake into an error.
func (s *Supervisor) spinUntil(cond func() bool) error {
	budget := s.settings.SpinBudget
	for i := uint64(0); !cond(); i++ {
		if budget != 0 && i >= budget {
			return ErrSpinBudget
		}
		runtime.Gosched()
	}
	return nil
}

// WaitThreadInit blocks until the guest side of a freshly spawned thread
// has published its context block and left NotReady.
func (s *Supervisor) WaitThreadInit(t *Thread) error {
	err := s.spinUntil(func() bool {
		return t.Ctx.State.Get() != ThreadNotReady
	})
	if err != nil {
		return fmt.Errorf("waiting for thread %d init: %w", t.ID, err)
	}
	return nil
}

// StartThread hands a created thread over to the guest. It waits for the
// guest side initializer to reach WaitInit, publishes the launch registers
// and releases the thread into WaitRun, then spawns the dispatch loop that
// will service it. The guest side reads its entry point and initial stack
// from the context.
func (s *Supervisor) StartThread(t *Thread) error {
	if !t.markRunning() {
		return fmt.Errorf("starting thread %d: %w", t.ID, ErrThreadNotStartable)
	}

	ctx := t.Ctx
	err := s.spinUntil(func() bool {
		return ctx.State.Get() == ThreadWaitInit
	})
	if err != nil {
		return fmt.Errorf("starting thread %d: %w", t.ID, err)
	}

	ctx.TLS = t.TLS
	ctx.PC = t.Entry
	ctx.SP = t.StackTop
	ctx.Regs[X0] = t.EntryArg
	ctx.Regs[X1] = uint64(t.Handle)
	ctx.State.Set(ThreadWaitRun)

	if s.process.IsMain(t) {
		s.process.SetStatus(ProcessStarted)
	}

	s.log.WithField("thread", t.ID).Debug("Starting dispatch loop for guest thread")
	s.wg.Add(1)
	go s.kernelThread(t)
	return nil
}

// ExecuteFunction runs target on a live guest thread and returns the two
// result registers. Up to eight arguments travel in the argument
// registers. The interrupted register state is restored before returning,
// the call leaves no residue behind.
//
// The caller must either run on the dispatch loop servicing the thread or
// hold the exclusive group of the scheduling mutex, otherwise the loop
// races it for the context block.
func (s *Supervisor) ExecuteFunction(t *Thread, target uint64, args ...uint64) (res [2]uint64, err error) {
	if len(args) > 8 {
		return res, fmt.Errorf("injected call: %d arguments, the ABI passes at most 8", len(args))
	}
	if s.process.Status() == ProcessExiting {
		return res, fmt.Errorf("injected call: %w", ErrProcessExiting)
	}

	ctx := t.Ctx
	parked := func() bool {
		state := ctx.State.Get()
		return state == ThreadWaitInit || state == ThreadWaitKernel
	}

	if err := s.spinUntil(parked); err != nil {
		return res, fmt.Errorf("injected call: %w", err)
	}

	saved := ctx.Regs
	savedPC := ctx.PC
	savedCmd := ctx.CommandID

	for i, a := range args {
		ctx.Regs[i] = a
	}
	for i := len(args); i < 8; i++ {
		ctx.Regs[i] = 0
	}
	ctx.PC = target
	ctx.CommandID = CommandFunction
	ctx.State.Set(ThreadWaitFunc)

	if err := s.spinUntil(parked); err != nil {
		return res, fmt.Errorf("injected call: %w", err)
	}

	res[0] = ctx.Regs[X0]
	res[1] = ctx.Regs[X1]
	ctx.Regs = saved
	ctx.PC = savedPC
	ctx.CommandID = savedCmd

	return res, nil
}
