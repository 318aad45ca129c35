package nce

// This file synthesizes the guest-side routines placed at the head of every
// patch region. They are generated with the package's own encoder rather than
// embedded as binary blobs so every emitted word is visible to tests.
//
// All routines rely on one anchoring rule: the native thread register
// TPIDR_EL0 of a guest thread points at its ThreadContext, so generated code
// only ever embeds field offsets, never absolute addresses.

// rescaleFrame is the stack frame size of the clock rescale blob. The blob
// leaves its result at the bottom of the frame for the per-site fixup to
// collect.
const rescaleFrame = 48

// must unwraps encoder results for branches whose displacement is correct by
// construction.
func must(word uint32, err error) uint32 {
	if err != nil {
		panic(err)
	}
	return word
}

// asmBuf accumulates synthesized instruction words. Internal branches are
// resolved by word index.
type asmBuf struct {
	words []uint32
}

// emit appends words and returns the index of the first appended word.
func (b *asmBuf) emit(words ...uint32) int {
	idx := len(b.words)
	b.words = append(b.words, words...)
	return idx
}

// label returns the index the next emitted word will have.
func (b *asmBuf) label() int {
	return len(b.words)
}

// disp returns the byte displacement of a branch at index from towards index
// to.
func (b *asmBuf) disp(from, to int) int64 {
	return int64(to-from) * InstLen
}

// saveCtxRoutine builds the context save routine. The trampoline calls it
// with the guest's link register already pushed on the stack; the routine
// spills X0, anchors the context through TPIDR_EL0 and records X0..X30 and
// the guest stack pointer. The stored X30 is the guest's own link register,
// recovered from the trampoline's stack slot rather than the live register,
// which holds the return path into the trampoline.
func saveCtxRoutine() []uint32 {
	var b asmBuf
	b.emit(
		EncodeSTRPre(X0, SP, -16),
		EncodeMRS(X0, SysTPIDR_EL0),
	)
	for r := X1; r <= X29; r++ {
		b.emit(EncodeSTRImm(r, X0, regOff(r)))
	}
	b.emit(
		EncodeLDRImm(X1, SP, 16), // guest LR, pushed by the trampoline
		EncodeSTRImm(X1, X0, regOff(X30)),
		EncodeLDRPost(X1, SP, 16), // the spilled X0
		EncodeSTRImm(X1, X0, regOff(X0)),
		EncodeADDImm(X1, SP, 16), // guest SP before the trampoline pushed
		EncodeSTRImm(X1, X0, ctxOffSP),
		InstRet,
	)
	return b.words
}

// loadCtxRoutine builds the context load routine, the inverse of save:
// X1..X29 come back from the context and X0 last, since it anchors the walk.
// X30 and the stack pointer are deliberately left alone; the trampoline owns
// both.
func loadCtxRoutine() []uint32 {
	var b asmBuf
	b.emit(EncodeMRS(X0, SysTPIDR_EL0))
	for r := X1; r <= X29; r++ {
		b.emit(EncodeLDRImm(r, X0, regOff(r)))
	}
	b.emit(
		EncodeLDRImm(X0, X0, regOff(X0)),
		InstRet,
	)
	return b.words
}

// trapDispatchRoutine builds the trap dispatch stub. The trampoline calls it
// after the context save with the trap site address in X0 and the supervisor
// call number in W1. The stub hands the context to the host by publishing
// WaitKernel, then spins until the host hands it back with WaitRun. While
// spinning it also services WaitFunc: the host has stored a call target in
// the PC field and arguments in X0..X7, so the stub calls the target,
// records the X0/X1 results and republishes WaitKernel.
func trapDispatchRoutine() []uint32 {
	const (
		ctxReg     = X2
		stateReg   = X3
		observeReg = X4
		targetReg  = X5
	)

	var b asmBuf
	b.emit(
		EncodeMRS(ctxReg, SysTPIDR_EL0),
		EncodeSTRImm(X0, ctxReg, ctxOffPC),
		EncodeSTRImmW(X1, ctxReg, ctxOffCommandID),
		EncodeMOVZW(stateReg, uint16(ThreadWaitKernel), 0),
		EncodeSTLRW(stateReg, ctxReg),
	)

	spin := b.label()
	b.emit(
		InstYield,
		EncodeLDARW(observeReg, ctxReg),
		EncodeCMPImmW(observeReg, uint32(ThreadWaitRun)),
	)
	resumed := b.emit(0) // B.EQ out, patched below
	b.emit(EncodeCMPImmW(observeReg, uint32(ThreadWaitFunc)))
	notFunc := b.emit(0) // B.NE spin, patched below

	// Injected call service. The callee follows the procedure call
	// standard, so X30 needs a stack slot and the context register a
	// fresh anchor afterwards.
	b.emit(EncodeLDRImm(targetReg, ctxReg, ctxOffPC))
	for r := X0; r <= X7; r++ {
		b.emit(EncodeLDRImm(r, ctxReg, regOff(r)))
	}
	b.emit(
		EncodeSTRPre(X30, SP, -16),
		EncodeBLR(targetReg),
		EncodeLDRPost(X30, SP, 16),
		EncodeMRS(ctxReg, SysTPIDR_EL0),
		EncodeSTRImm(X0, ctxReg, regOff(X0)),
		EncodeSTRImm(X1, ctxReg, regOff(X1)),
		EncodeMOVZW(stateReg, uint16(ThreadWaitKernel), 0),
		EncodeSTLRW(stateReg, ctxReg),
	)
	back := b.emit(0) // B spin, patched below

	out := b.label()
	b.emit(InstRet)

	b.words[resumed] = must(EncodeBCond(CondEQ, b.disp(resumed, out)))
	b.words[notFunc] = must(EncodeBCond(CondNE, b.disp(notFunc, spin)))
	b.words[back] = must(EncodeB(b.disp(back, spin)))
	return b.words
}

// rescaleClockBlob builds the inline sequence a counter read site falls into
// when the host and guest counter frequencies differ. It reads the virtual
// counter and rescales it to guestFreq, leaving the result at the bottom of
// a rescaleFrame-byte stack frame with every scratch register restored; the
// per-site fixup collects the result and releases the frame. Splitting the
// rescale ticks/host*guest into quotient and remainder keeps the
// intermediate products from overflowing 64 bits.
func rescaleClockBlob(hostFreq, guestFreq uint64) []uint32 {
	var b asmBuf
	b.emit(EncodeSUBImm(SP, SP, rescaleFrame))
	for i, r := range []Reg{X0, X1, X2, X3, X4} {
		b.emit(EncodeSTRImm(r, SP, uint32(8+i*8)))
	}
	b.emit(EncodeMRS(X0, SysCNTVCT_EL0))
	b.emit(MoveRegImm64(X1, hostFreq)...)
	b.emit(MoveRegImm64(X2, guestFreq)...)
	b.emit(
		EncodeUDIV(X3, X0, X1),     // quotient of ticks/host
		EncodeMSUB(X4, X3, X1, X0), // remainder
		EncodeMUL(X3, X3, X2),
		EncodeMUL(X4, X4, X2),
		EncodeUDIV(X4, X4, X1),
		EncodeADDReg(X0, X3, X4),
		EncodeSTRImm(X0, SP, 0),
	)
	for i, r := range []Reg{X0, X1, X2, X3, X4} {
		b.emit(EncodeLDRImm(r, SP, uint32(8+i*8)))
	}
	return b.words
}
