package nce

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Result is a status code returned to the guest in the first result
// register.
type Result uint32

// Status codes of the guest kernel ABI.
const (
	ResultSuccess        Result = 0x0
	ResultNoMessages     Result = 0x680
	ResultInvSize        Result = 0xCA01
	ResultInvAddress     Result = 0xCC01
	ResultInvState       Result = 0xD401
	ResultInvPermission  Result = 0xD801
	ResultInvMemRange    Result = 0xD801
	ResultInvPriority    Result = 0xE001
	ResultInvHandle      Result = 0xE401
	ResultInvCombination Result = 0xE801
	ResultTimeout        Result = 0xEA01
	ResultInterrupted    Result = 0xEC01
	ResultMaxHandles     Result = 0xEE01
	ResultNotFound       Result = 0xF201
	ResultUnimplemented  Result = 0x177202
)

// Call numbers of the supervisor calls with built in handlers.
const (
	CallQueryMemory       uint32 = 0x06
	CallExitProcess       uint32 = 0x07
	CallExitThread        uint32 = 0x0A
	CallSleepThread       uint32 = 0x0B
	CallGetThreadPriority uint32 = 0x0C
	CallSetThreadPriority uint32 = 0x0D
	CallGetSystemTick     uint32 = 0x1E
	CallBreak             uint32 = 0x26
	CallOutputDebugString uint32 = 0x27
)

var (
	// ErrUnimplementedCall reports a supervisor call with no handler.
	ErrUnimplementedCall = errors.New("unimplemented supervisor call")
	// ErrThreadExit is returned by a handler when the calling thread asks
	// to end; the dispatch loop tears the thread down without treating it
	// as a failure.
	ErrThreadExit = errors.New("thread exit requested")
	// ErrGuestBreak is returned when the guest reports a fatal condition
	// through a break call.
	ErrGuestBreak = errors.New("guest break")
)

// SvcState is everything a supervisor call handler may touch: the calling
// thread and its shared context block, the owning process for guest memory
// access and a logger annotated with the thread.
type SvcState struct {
	Log     *logrus.Entry
	Super   *Supervisor
	Process *Process
	Thread  *Thread
	Ctx     *ThreadContext
}

// maxServiceCall bounds the call number space of the guest kernel ABI.
const maxServiceCall = 0x80

// SvcHandler services one supervisor call. Anything going back to the guest
// is written into the context registers.
type SvcHandler func(s *SvcState) error

// ServiceTable maps call numbers to handlers, nil entries are
// unimplemented. A table must not change once a dispatch loop uses it.
type ServiceTable [maxServiceCall]SvcHandler

// Dispatch routes one call to its handler.
func (tbl *ServiceTable) Dispatch(nr uint32, s *SvcState) error {
	if nr >= maxServiceCall || tbl[nr] == nil {
		return fmt.Errorf("%w 0x%X", ErrUnimplementedCall, nr)
	}
	return tbl[nr](s)
}

// DefaultServiceTable returns a table holding the built in handlers.
func DefaultServiceTable() ServiceTable {
	return ServiceTable{
		CallQueryMemory:       svcQueryMemory,
		CallExitProcess:       svcExitProcess,
		CallExitThread:        svcExitThread,
		CallSleepThread:       svcSleepThread,
		CallGetThreadPriority: svcGetThreadPriority,
		CallSetThreadPriority: svcSetThreadPriority,
		CallGetSystemTick:     svcGetSystemTick,
		CallBreak:             svcBreak,
		CallOutputDebugString: svcOutputDebugString,
	}
}

// Guest memory type tags as reported by the memory query call.
const (
	memoryTypeUnmapped    uint32 = 0x0
	memoryTypeCodeStatic  uint32 = 0x3
	memoryTypeCodeMutable uint32 = 0x4
)

// svcQueryMemory writes a memory info block describing the region around
// the queried address. X0 points at the info block, X2 holds the address;
// unmapped space reports as such rather than failing.
func svcQueryMemory(s *SvcState) error {
	infoAddr := s.Ctx.Regs[X0]
	queryAddr := s.Ctx.Regs[X2]

	var info [0x28]byte
	if region, _, ok := s.Process.Memory.Resolve(queryAddr); ok {
		binary.LittleEndian.PutUint64(info[0x0:], region.Addr)
		binary.LittleEndian.PutUint64(info[0x8:], region.Size)
		memType := memoryTypeCodeMutable
		if region.Perm&unix.PROT_EXEC != 0 {
			memType = memoryTypeCodeStatic
		}
		binary.LittleEndian.PutUint32(info[0x10:], memType)
		binary.LittleEndian.PutUint32(info[0x18:], uint32(region.Perm))
	} else {
		binary.LittleEndian.PutUint64(info[0x0:], AlignDown(queryAddr, PageSize))
		binary.LittleEndian.PutUint32(info[0x10:], memoryTypeUnmapped)
	}

	if err := s.Process.WriteMemory(infoAddr, info[:]); err != nil {
		s.Ctx.Regs[X0] = uint64(ResultInvAddress)
		return nil
	}
	s.Ctx.Regs[X0] = uint64(ResultSuccess)
	s.Ctx.Regs[X1] = 0
	return nil
}

func svcExitProcess(s *SvcState) error {
	s.Log.Info("Guest process exit")
	s.Process.SetStatus(ProcessExiting)
	return ErrThreadExit
}

func svcExitThread(s *SvcState) error {
	s.Log.Debug("Guest thread exit")
	return ErrThreadExit
}

// svcSleepThread sleeps for the duration in X0. A zero or negative value is
// one of the yield variants, all of which surrender the host thread once.
func svcSleepThread(s *SvcState) error {
	ns := int64(s.Ctx.Regs[X0])
	if ns <= 0 {
		runtime.Gosched()
		return nil
	}
	time.Sleep(time.Duration(ns))
	return nil
}

func svcGetThreadPriority(s *SvcState) error {
	handle := uint32(s.Ctx.Regs[X1])
	t, ok := s.Process.ThreadByHandle(handle)
	if !ok {
		s.Ctx.Regs[X0] = uint64(ResultInvHandle)
		return nil
	}
	s.Ctx.Regs[X0] = uint64(ResultSuccess)
	s.Ctx.Regs[X1] = uint64(t.Priority)
	return nil
}

// svcSetThreadPriority updates the priority record of the thread named by
// the handle in X0. After creation the field is only ever written here, on
// the dispatch loop of the owning process.
func svcSetThreadPriority(s *SvcState) error {
	handle := uint32(s.Ctx.Regs[X0])
	priority := s.Ctx.Regs[X1]
	if priority > 63 {
		s.Ctx.Regs[X0] = uint64(ResultInvPriority)
		return nil
	}
	t, ok := s.Process.ThreadByHandle(handle)
	if !ok {
		s.Ctx.Regs[X0] = uint64(ResultInvHandle)
		return nil
	}
	t.Priority = uint8(priority)
	s.Ctx.Regs[X0] = uint64(ResultSuccess)
	return nil
}

func svcGetSystemTick(s *SvcState) error {
	s.Ctx.Regs[X0] = s.Super.GuestTick()
	return nil
}

func svcBreak(s *SvcState) error {
	reason := s.Ctx.Regs[X0]
	s.Log.Errorf("Guest break, reason: %#x", reason)
	return fmt.Errorf("%w, reason %#x", ErrGuestBreak, reason)
}

// maxDebugStringSize caps how much guest memory a debug print may pull in.
const maxDebugStringSize = 0x10000

func svcOutputDebugString(s *SvcState) error {
	addr := s.Ctx.Regs[X0]
	size := s.Ctx.Regs[X1]
	if size > maxDebugStringSize {
		s.Ctx.Regs[X0] = uint64(ResultInvSize)
		return nil
	}

	buf := make([]byte, size)
	if err := s.Process.ReadMemory(addr, buf); err != nil {
		s.Ctx.Regs[X0] = uint64(ResultInvAddress)
		return nil
	}
	s.Log.Infof("Guest log: %s", strings.TrimRight(string(buf), "\x00\n"))
	s.Ctx.Regs[X0] = uint64(ResultSuccess)
	return nil
}
