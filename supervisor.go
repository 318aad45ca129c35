// Package nce executes guest code natively on the host. It rewrites the
// trapping instructions of a guest executable into branches to generated
// trampolines, shares a context block with every guest thread and services
// their supervisor calls from host side dispatch loops.
package nce

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Presenter receives the periodic work of the global dispatch loop.
// Implementations drive a rendering surface; the default does nothing.
type Presenter interface {
	// Ready reports whether the presentation surface exists. Guest
	// threads idle until it does.
	Ready() bool
	// Present runs one round of presentation work.
	Present() error
}

// noopPresenter is always ready and has nothing to present.
type noopPresenter struct{}

func (noopPresenter) Ready() bool    { return true }
func (noopPresenter) Present() error { return nil }

// Supervisor owns the host side of guest execution: the guest process, the
// dispatch loops servicing its threads and the scheduling mutex those
// loops share with outside callers.
type Supervisor struct {
	log      *logrus.Logger
	settings Settings
	process  *Process
	table    ServiceTable
	present  Presenter
	events   *EventRing

	mtx   GroupMutex
	halt  atomic.Bool
	start time.Time
	wg    sync.WaitGroup
}

// SupervisorOpt is an option for the creation of a Supervisor with the
// NewSupervisor function.
type SupervisorOpt func(*Supervisor)

// SupervisorOptLogger replaces the default logger.
func SupervisorOptLogger(log *logrus.Logger) SupervisorOpt {
	return func(s *Supervisor) {
		s.log = log
	}
}

// SupervisorOptServiceTable replaces the built in supervisor call table.
func SupervisorOptServiceTable(tbl ServiceTable) SupervisorOpt {
	return func(s *Supervisor) {
		s.table = tbl
	}
}

// SupervisorOptPresenter installs the presentation hook driven by Execute.
func SupervisorOptPresenter(p Presenter) SupervisorOpt {
	return func(s *Supervisor) {
		s.present = p
	}
}

// NewSupervisor creates a supervisor with an empty guest process from the
// given settings and options.
func NewSupervisor(settings Settings, opts ...SupervisorOpt) (*Supervisor, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("supervisor settings: %w", err)
	}

	log := logrus.New()
	log.SetLevel(settings.logLevel())

	s := &Supervisor{
		log:      log,
		settings: settings,
		process:  NewProcess(),
		table:    DefaultServiceTable(),
		present:  noopPresenter{},
		events:   NewEventRing(defaultEventRingSize),
		start:    bootTime(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Process returns the guest process owned by the supervisor.
func (s *Supervisor) Process() *Process {
	return s.process
}

// Mutex exposes the scheduling mutex. Outside callers take the exclusive
// group when they need the dispatch loops parked, the loops themselves run
// under the default group.
func (s *Supervisor) Mutex() *GroupMutex {
	return &s.mtx
}

// Events returns the ring of recent dispatch events.
func (s *Supervisor) Events() *EventRing {
	return s.events
}

// Halt asks every dispatch loop to wind down.
func (s *Supervisor) Halt() {
	s.halt.Store(true)
}

// Halted reports whether the supervisor is winding down.
func (s *Supervisor) Halted() bool {
	return s.halt.Load()
}

// GuestTick returns the current guest counter value, ticks of the guest
// reference frequency since the host booted.
func (s *Supervisor) GuestTick() uint64 {
	d := time.Since(s.start)
	secs := uint64(d / time.Second)
	nanos := uint64(d % time.Second)
	return secs*GuestCounterFreq + nanos*GuestCounterFreq/uint64(time.Second)
}

// kernelThread is the dispatch loop servicing one guest thread. It watches
// the shared context block and runs supervisor call handlers on the
// thread's behalf until the thread ends or the supervisor halts.
func (s *Supervisor) kernelThread(t *Thread) {
	defer s.wg.Done()
	log := s.log.WithField("thread", t.ID)
	ctx := t.Ctx

	for {
		runtime.Gosched()
		if s.halt.Load() {
			break
		}
		if !s.present.Ready() {
			continue
		}

		state := ctx.State.Get()
		if state == ThreadWaitKernel {
			s.mtx.Lock(MutexGroupDefault)
			if s.halt.Load() || !s.present.Ready() {
				s.mtx.Unlock()
				continue
			}
			nr := ctx.CommandID
			err := s.dispatch(nr, t, log)
			s.mtx.Unlock()

			if err != nil {
				if errors.Is(err, ErrThreadExit) {
					log.Debug("Dispatch loop wound down by guest request")
				} else {
					log.WithError(err).Error("Supervisor call failed")
				}
				break
			}
			ctx.State.Set(ThreadWaitRun)
		} else if state == ThreadGuestCrash {
			log.Warnf("Guest thread crashed due to signal: %s", unix.SignalName(unix.Signal(ctx.CommandID)))
			s.events.Record(Event{Kind: EventCrash, Thread: t.ID, Value: ctx.FaultAddr})
			s.TraceThread(t)
			ctx.State.Set(ThreadWaitRun)
			break
		}
	}

	if s.process.IsMain(t) {
		s.mtx.Lock(MutexGroupExclusive)
		s.killThread(t, log)
		s.halt.Store(true)
		s.mtx.Unlock()
	} else {
		s.killThread(t, log)
	}
}

// dispatch runs one supervisor call handler, converting panics and errors
// into a failure annotated with the call number.
func (s *Supervisor) dispatch(nr uint32, t *Thread, log *logrus.Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil && !errors.Is(err, ErrThreadExit) {
			err = fmt.Errorf("dispatching call 0x%X for thread %d: %w", nr, t.ID, err)
		}
	}()

	log.Debugf("Supervisor call 0x%X", nr)
	s.events.Record(Event{Kind: EventCall, Thread: t.ID, Value: uint64(nr)})

	return s.table.Dispatch(nr, &SvcState{
		Log:     log,
		Super:   s,
		Process: s.process,
		Thread:  t,
		Ctx:     t.Ctx,
	})
}

// killThread tears one thread down and drops it from the process registry.
func (s *Supervisor) killThread(t *Thread, log *logrus.Entry) {
	if t.Kill() {
		log.Debug("Guest thread killed")
	}
	s.process.RemoveThread(t.ID)
}

// Execute drives the global dispatch loop. Every round takes the default
// side of the scheduling mutex and runs one round of presentation work;
// the loop ends once the supervisor halts and the dispatch loops have
// been joined. A presenter failure halts everything and is returned.
func (s *Supervisor) Execute() error {
	var failure error
	for {
		s.mtx.Lock(MutexGroupDefault)
		if s.halt.Load() {
			s.mtx.Unlock()
			break
		}
		err := s.present.Present()
		s.mtx.Unlock()

		if err != nil {
			failure = fmt.Errorf("presentation: %w", err)
			s.mtx.Lock(MutexGroupExclusive)
			s.halt.Store(true)
			s.mtx.Unlock()
			break
		}
		runtime.Gosched()
	}
	s.wg.Wait()
	return failure
}

// Close halts the supervisor and joins every dispatch loop.
func (s *Supervisor) Close() {
	s.mtx.Lock(MutexGroupExclusive)
	s.halt.Store(true)
	s.mtx.Unlock()
	s.wg.Wait()
}
