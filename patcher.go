package nce

import (
	"encoding/binary"
	"fmt"
)

// GuestCounterFreq is the guest's fixed reference counter frequency in Hz,
// the rate guest code expects the physical counter and CNTFRQ_EL0 to report.
const GuestCounterFreq = 19_200_000

// Patcher rewrites the trapping instructions of a guest code buffer into
// branches to trampolines it synthesizes in a patch region placed immediately
// before the code. Supervisor calls trampoline into the shared trap dispatch
// routine; reads of the emulated thread pointer and counter registers become
// inline fixups that never leave guest code.
type Patcher struct {
	// HostCounterFreq is the host's native counter frequency in Hz. When
	// zero or equal to GuestCounterFreq, counter reads degrade to an
	// in-place register substitution instead of a rescaling trampoline.
	HostCounterFreq uint64
}

// patchState carries one scan's growing patch buffer and the two running
// displacements: offset from the current site forward to the next free patch
// slot, patchOffset from the current site back to the patch region start.
// Both shrink by one instruction per scanned word since their targets are
// fixed while the scan advances.
type patchState struct {
	patch       []uint32
	offset      int64
	patchOffset int64
	saveBytes   int64
	loadBytes   int64
	site        uint64
}

func (st *patchState) emit(words ...uint32) {
	st.patch = append(st.patch, words...)
}

// backBranch encodes the branch returning to the instruction after the
// current site. At call time st.offset is the displacement from the site to
// the branch being emitted.
func (st *patchState) backBranch() (uint32, error) {
	return EncodeB(-st.offset + InstLen)
}

// Patch scans code as little-endian instruction words, replaces every
// trapping instruction in place and returns the patch region contents, which
// always open with the shared context save, context load and trap dispatch
// routines. baseAddr is the guest address code will be mapped at; offset is
// the signed byte distance from baseAddr to the start of the patch region
// (negative, since the patch region precedes the code).
//
// Sizing the mapped patch region is the caller's business: the result's
// final size is only known after the scan, and callers are expected to
// reserve a fixed bound up front and treat overflow as a fatal configuration
// error.
func (p *Patcher) Patch(code []byte, baseAddr uint64, offset int64) ([]uint32, error) {
	saveCtx := saveCtxRoutine()
	loadCtx := loadCtxRoutine()
	dispatch := trapDispatchRoutine()

	st := &patchState{
		patch:       make([]uint32, 0, len(saveCtx)+len(loadCtx)+len(dispatch)),
		offset:      offset,
		patchOffset: offset,
		saveBytes:   int64(len(saveCtx)) * InstLen,
		loadBytes:   int64(len(loadCtx)) * InstLen,
	}
	st.emit(saveCtx...)
	st.emit(loadCtx...)
	st.emit(dispatch...)
	st.offset += int64(len(st.patch)) * InstLen

	hostFreq := p.HostCounterFreq
	if hostFreq == 0 {
		hostFreq = GuestCounterFreq
	}

	for i := 0; i+InstLen <= len(code); i += InstLen {
		word := binary.LittleEndian.Uint32(code[i:])
		st.site = baseAddr + uint64(i)

		replacement := word
		var err error
		if imm, ok := DecodeSVC(word); ok {
			replacement, err = p.patchSupervisorCall(st, imm)
		} else if dst, sys, ok := DecodeMRS(word); ok {
			switch sys {
			case SysTPIDRRO_EL0:
				replacement, err = p.patchThreadPointerRead(st, dst)
			case SysCNTPCT_EL0:
				if hostFreq != GuestCounterFreq {
					replacement, err = p.patchCounterRead(st, dst, hostFreq)
				} else {
					// The virtual counter ticks at the same rate
					// and is readable without trapping.
					replacement = EncodeMRS(dst, SysCNTVCT_EL0)
				}
			case SysCNTFRQ_EL0:
				if hostFreq != GuestCounterFreq {
					replacement, err = p.patchFrequencyRead(st, dst)
				}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("patching site %#x: %w", st.site, err)
		}
		if replacement != word {
			binary.LittleEndian.PutUint32(code[i:], replacement)
		}

		st.offset -= InstLen
		st.patchOffset -= InstLen
	}

	return st.patch, nil
}

// patchSupervisorCall emits the full trap trampoline: stack the link
// register, save context, materialize the site address and call number into
// the argument registers, dispatch, restore context, unstack the link
// register and branch back.
func (p *Patcher) patchSupervisorCall(st *patchState, imm uint16) (uint32, error) {
	branch, err := EncodeB(st.offset)
	if err != nil {
		return 0, err
	}

	strLR := EncodeSTRPre(LR, SP, -16)
	st.offset += InstLen
	saveCall, err := EncodeBL(st.patchOffset - st.offset)
	if err != nil {
		return 0, err
	}
	st.offset += InstLen

	movSite := MoveRegImm64(X0, st.site)
	st.offset += int64(len(movSite)) * InstLen
	movCall := EncodeMOVZW(X1, imm, 0)
	st.offset += InstLen
	dispatchCall, err := EncodeBL(st.patchOffset + st.saveBytes + st.loadBytes - st.offset)
	if err != nil {
		return 0, err
	}
	st.offset += InstLen

	loadCall, err := EncodeBL(st.patchOffset + st.saveBytes - st.offset)
	if err != nil {
		return 0, err
	}
	st.offset += InstLen
	ldrLR := EncodeLDRPost(LR, SP, 16)
	st.offset += InstLen
	back, err := st.backBranch()
	if err != nil {
		return 0, err
	}
	st.offset += InstLen

	st.emit(strLR, saveCall)
	st.emit(movSite...)
	st.emit(movCall, dispatchCall, loadCall, ldrLR, back)
	return branch, nil
}

// patchThreadPointerRead emits the inline fixup for a read of the emulated
// read-only thread pointer: anchor on the real thread pointer, load the
// emulated value from its context slot, move it to the original destination.
// X0 is spilled around the sequence unless it is the destination itself.
func (p *Patcher) patchThreadPointerRead(st *patchState, dst Reg) (uint32, error) {
	branch, err := EncodeB(st.offset)
	if err != nil {
		return 0, err
	}

	if dst != X0 {
		st.emit(EncodeSTRPre(X0, SP, -16))
		st.offset += InstLen
	}
	st.emit(EncodeMRS(X0, SysTPIDR_EL0))
	st.offset += InstLen
	st.emit(EncodeLDRImm(X0, X0, ctxOffTLS))
	st.offset += InstLen
	if dst != X0 {
		st.emit(EncodeMOVReg(dst, X0))
		st.offset += InstLen
		st.emit(EncodeLDRPost(X0, SP, 16))
		st.offset += InstLen
	}
	back, err := st.backBranch()
	if err != nil {
		return 0, err
	}
	st.offset += InstLen

	st.emit(back)
	return branch, nil
}

// patchCounterRead emits the rescaling fixup for a physical counter read
// when the host counter runs at a different rate than the guest expects. The
// shared rescale blob leaves the scaled value on its stack frame; the
// per-site tail collects it into the destination register.
func (p *Patcher) patchCounterRead(st *patchState, dst Reg, hostFreq uint64) (uint32, error) {
	branch, err := EncodeB(st.offset)
	if err != nil {
		return 0, err
	}

	blob := rescaleClockBlob(hostFreq, GuestCounterFreq)
	st.emit(blob...)
	st.offset += int64(len(blob)) * InstLen
	st.emit(EncodeLDRImm(dst, SP, 0))
	st.offset += InstLen
	st.emit(EncodeADDImm(SP, SP, rescaleFrame))
	st.offset += InstLen
	back, err := st.backBranch()
	if err != nil {
		return 0, err
	}
	st.offset += InstLen

	st.emit(back)
	return branch, nil
}

// patchFrequencyRead emits the fixup for a counter frequency read: load the
// guest's fixed reference frequency as an immediate.
func (p *Patcher) patchFrequencyRead(st *patchState, dst Reg) (uint32, error) {
	branch, err := EncodeB(st.offset)
	if err != nil {
		return 0, err
	}

	movFreq := MoveRegImm32(dst, GuestCounterFreq)
	st.emit(movFreq...)
	st.offset += int64(len(movFreq)) * InstLen
	back, err := st.backBranch()
	if err != nil {
		return 0, err
	}
	st.offset += InstLen

	st.emit(back)
	return branch, nil
}
