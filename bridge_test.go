package nce

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// testSupervisor builds a supervisor with a bounded spin budget and a
// captured logger, so a broken handshake fails the test instead of
// wedging it.
func testSupervisor(t *testing.T, opts ...SupervisorOpt) (*Supervisor, *test.Hook) {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	settings := DefaultSettings()
	settings.SpinBudget = 1 << 22
	s, err := NewSupervisor(settings, append([]SupervisorOpt{SupervisorOptLogger(logger)}, opts...)...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(s.Close)
	return s, hook
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		runtime.Gosched()
	}
}

func TestThreadLaunchProtocol(t *testing.T) {
	s, _ := testSupervisor(t)
	p := s.Process()
	th := p.CreateThread(0x8010000, 0xCAFE, 0x9000000, 0x8100000, 44)

	type launch struct {
		x0, x1, tls, pc, sp uint64
	}
	launched := make(chan launch, 1)

	// The guest half: initialize, wait for the launch, report what the
	// launcher published, then end the thread through the dispatch loop.
	go func() {
		ctx := th.Ctx
		ctx.State.Set(ThreadWaitInit)
		for ctx.State.Get() != ThreadWaitRun {
			runtime.Gosched()
		}
		launched <- launch{ctx.Regs[X0], ctx.Regs[X1], ctx.TLS, ctx.PC, ctx.SP}

		ctx.CommandID = CallExitThread
		ctx.State.Set(ThreadWaitKernel)
		// An exit call never hands control back to the guest.
	}()

	if err := s.WaitThreadInit(th); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.StartThread(th); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status() != ProcessStarted {
		t.Fatalf("expected: %v, got: %v", ProcessStarted, p.Status())
	}

	got := <-launched
	want := launch{x0: 0xCAFE, x1: uint64(th.Handle), tls: 0x8100000, pc: 0x8010000, sp: 0x9000000}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(launch{})); diff != "" {
		t.Fatalf("launch registers mismatch (-want +got):\n%s", diff)
	}

	// The main thread ended, which halts the supervisor and removes the
	// thread.
	waitFor(t, "supervisor halt", s.Halted)
	waitFor(t, "thread teardown", func() bool {
		_, ok := p.Thread(th.ID)
		return !ok
	})
	if th.Status() != ThreadDead {
		t.Fatalf("expected: %v, got: %v", ThreadDead, th.Status())
	}

	if err := s.StartThread(th); !errors.Is(err, ErrThreadNotStartable) {
		t.Fatalf("expected: %v, got: %v", ErrThreadNotStartable, err)
	}
}

func TestDispatchStatePublication(t *testing.T) {
	// The handler mutates the register payload with deliberate delays;
	// the guest must observe the full mutation the moment it sees
	// WaitRun, every round.
	tbl := DefaultServiceTable()
	tbl[0x50] = func(s *SvcState) error {
		s.Ctx.Regs[X0] = 0x11
		time.Sleep(2 * time.Millisecond)
		s.Ctx.Regs[X1] = 0x22
		return nil
	}

	s, _ := testSupervisor(t, SupervisorOptServiceTable(tbl))
	th := s.Process().CreateThread(0x8010000, 0, 0x9000000, 0x8100000, 44)

	type observed struct {
		x0, x1 uint64
	}
	results := make(chan observed, 3)

	go func() {
		ctx := th.Ctx
		ctx.State.Set(ThreadWaitInit)
		for ctx.State.Get() != ThreadWaitRun {
			runtime.Gosched()
		}

		for round := 0; round < 3; round++ {
			ctx.Regs[X0] = 0
			ctx.Regs[X1] = 0
			ctx.CommandID = 0x50
			ctx.State.Set(ThreadWaitKernel)
			for ctx.State.Get() != ThreadWaitRun {
				runtime.Gosched()
			}
			results <- observed{ctx.Regs[X0], ctx.Regs[X1]}
		}

		ctx.CommandID = CallExitThread
		ctx.State.Set(ThreadWaitKernel)
	}()

	if err := s.StartThread(th); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for round := 0; round < 3; round++ {
		got := <-results
		if got.x0 != 0x11 || got.x1 != 0x22 {
			t.Fatalf("round %d: observed a torn payload: %+v", round, got)
		}
	}
	waitFor(t, "supervisor halt", s.Halted)
}

func TestExecuteFunctionInjection(t *testing.T) {
	s, _ := testSupervisor(t)
	th := s.Process().CreateThread(0x8010000, 0, 0x9000000, 0x8100000, 44)
	ctx := th.Ctx

	type call struct {
		target, x0, x1 uint64
	}
	calls := make(chan call, 2)
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })

	// The guest half parks in WaitInit and plays the service stub for
	// injected calls: run the published target, leave results in the
	// first two registers, park again.
	go func() {
		for i := range ctx.Regs {
			ctx.Regs[i] = 0x1000 + uint64(i)
		}
		ctx.PC = 0xAAAA
		ctx.State.Set(ThreadWaitInit)

		for {
			select {
			case <-stop:
				return
			default:
			}
			if ctx.State.Get() == ThreadWaitFunc {
				calls <- call{ctx.PC, ctx.Regs[X0], ctx.Regs[X1]}
				ctx.Regs[X0] = ctx.Regs[X0] + ctx.Regs[X1]
				ctx.Regs[X1] = 0x77
				ctx.State.Set(ThreadWaitInit)
			}
			runtime.Gosched()
		}
	}()

	if err := s.WaitThreadInit(th); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var want Registers
	for i := range want {
		want[i] = 0x1000 + uint64(i)
	}

	res, err := s.ExecuteFunction(th, 0x8011000, 3, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res[0] != 7 || res[1] != 0x77 {
		t.Fatalf("expected: [7 0x77], got: [%#x %#x]", res[0], res[1])
	}

	res, err = s.ExecuteFunction(th, 0x8012000, 10, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res[0] != 30 {
		t.Fatalf("expected: %v, got: %v", 30, res[0])
	}

	first, second := <-calls, <-calls
	if first.target != 0x8011000 || first.x0 != 3 || first.x1 != 4 {
		t.Fatalf("unexpected first call: %+v", first)
	}
	if second.target != 0x8012000 || second.x0 != 10 || second.x1 != 20 {
		t.Fatalf("unexpected second call: %+v", second)
	}

	// Back to back calls leave no residue: the parked register file, PC
	// and command slot look exactly as they did before the first call.
	if diff := cmp.Diff(want, ctx.Regs); diff != "" {
		t.Fatalf("register residue after injected calls (-want +got):\n%s", diff)
	}
	if ctx.PC != 0xAAAA {
		t.Fatalf("expected: %#x, got: %#x", 0xAAAA, ctx.PC)
	}
	if ctx.CommandID != CommandNone {
		t.Fatalf("expected: %v, got: %v", CommandNone, ctx.CommandID)
	}

	if _, err := s.ExecuteFunction(th, 0x8011000, 1, 2, 3, 4, 5, 6, 7, 8, 9); err == nil {
		t.Fatal("expected an error for a ninth argument")
	}

	s.Process().SetStatus(ProcessExiting)
	if _, err := s.ExecuteFunction(th, 0x8011000); !errors.Is(err, ErrProcessExiting) {
		t.Fatalf("expected: %v, got: %v", ErrProcessExiting, err)
	}
}

func TestSpinBudget(t *testing.T) {
	settings := DefaultSettings()
	settings.SpinBudget = 64
	s, err := NewSupervisor(settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	// Nothing ever initializes the thread, the budget turns the wait
	// into an error.
	th := s.Process().CreateThread(0x8010000, 0, 0x9000000, 0x8100000, 44)
	if err := s.WaitThreadInit(th); !errors.Is(err, ErrSpinBudget) {
		t.Fatalf("expected: %v, got: %v", ErrSpinBudget, err)
	}
	if err := s.StartThread(th); !errors.Is(err, ErrSpinBudget) {
		t.Fatalf("expected: %v, got: %v", ErrSpinBudget, err)
	}
}
