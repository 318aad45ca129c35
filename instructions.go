package nce

import (
	"errors"
	"fmt"
)

// InstLen is the width in bytes of every AArch64 instruction.
const InstLen = 4

// Reg is a general purpose register number as it appears in instruction
// encodings. Register 31 reads as the stack pointer or the zero register
// depending on the instruction class.
type Reg uint32

// General purpose registers.
const (
	X0 Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
)

// Aliases for the link register and the two meanings of register 31.
const (
	LR  Reg = X30
	SP  Reg = 31
	XZR Reg = 31
)

// SysReg is the 15-bit system register selector carried by MRS instructions:
// op0, op1, CRn, CRm and op2 packed from high to low.
type SysReg uint32

// System registers the rewriter understands.
const (
	SysTPIDR_EL0   SysReg = 0x5E82 // host thread pointer, anchors the thread context
	SysTPIDRRO_EL0 SysReg = 0x5E83 // read-only thread pointer, emulated
	SysCNTFRQ_EL0  SysReg = 0x5F00 // counter frequency, emulated
	SysCNTPCT_EL0  SysReg = 0x5F01 // physical counter, trapped or substituted
	SysCNTVCT_EL0  SysReg = 0x5F02 // virtual counter, readable from EL0
)

func (s SysReg) String() string {
	switch s {
	case SysTPIDR_EL0:
		return "TPIDR_EL0"
	case SysTPIDRRO_EL0:
		return "TPIDRRO_EL0"
	case SysCNTFRQ_EL0:
		return "CNTFRQ_EL0"
	case SysCNTPCT_EL0:
		return "CNTPCT_EL0"
	case SysCNTVCT_EL0:
		return "CNTVCT_EL0"
	default:
		return fmt.Sprintf("S%d_%d_C%d_C%d_%d",
			s>>14&0x1|2, s>>11&0x7, s>>7&0xF, s>>3&0xF, s&0x7)
	}
}

// Cond is a branch condition code.
type Cond uint32

// Condition codes for EncodeBCond.
const (
	CondEQ Cond = iota
	CondNE
	CondHS
	CondLO
	CondMI
	CondPL
	CondVS
	CondVC
	CondHI
	CondLS
	CondGE
	CondLT
	CondGT
	CondLE
	CondAL
)

// Encodings that take no operands.
const (
	InstNOP   uint32 = 0xD503201F
	InstYield uint32 = 0xD503203F
	InstRet   uint32 = 0xD65F03C0
)

var (
	// ErrBranchRange is returned when a branch target does not fit the
	// displacement field of the instruction.
	ErrBranchRange = errors.New("branch displacement out of range")
	// ErrUnalignedTarget is returned when a branch displacement is not a
	// multiple of the instruction width.
	ErrUnalignedTarget = errors.New("unaligned branch displacement")
)

// DecodeSVC extracts the 16-bit immediate of an SVC (supervisor call)
// instruction. The second return value reports whether word is one.
func DecodeSVC(word uint32) (uint16, bool) {
	if word&0xFFE0001F != 0xD4000001 {
		return 0, false
	}
	return uint16(word >> 5), true
}

// EncodeSVC returns SVC #imm.
func EncodeSVC(imm uint16) uint32 {
	return 0xD4000001 | uint32(imm)<<5
}

// DecodeMRS extracts the destination register and system register selector of
// an MRS instruction. The third return value reports whether word is one.
func DecodeMRS(word uint32) (Reg, SysReg, bool) {
	if word&0xFFF00000 != 0xD5300000 {
		return 0, 0, false
	}
	return Reg(word & 0x1F), SysReg(word >> 5 & 0x7FFF), true
}

// EncodeMRS returns MRS Xt, <sys>.
func EncodeMRS(dst Reg, sys SysReg) uint32 {
	return 0xD5300000 | uint32(sys)<<5 | uint32(dst)
}

// EncodeB returns an unconditional branch whose target lies offset bytes from
// the branch itself.
func EncodeB(offset int64) (uint32, error) {
	return branch26(0x14000000, offset)
}

// EncodeBL returns a branch-with-link whose target lies offset bytes from the
// branch itself.
func EncodeBL(offset int64) (uint32, error) {
	return branch26(0x94000000, offset)
}

func branch26(op uint32, offset int64) (uint32, error) {
	words, err := branchWords(offset, 25)
	if err != nil {
		return 0, err
	}
	return op | uint32(words)&0x03FFFFFF, nil
}

// EncodeBCond returns B.<cond> whose target lies offset bytes from the branch
// itself.
func EncodeBCond(cond Cond, offset int64) (uint32, error) {
	words, err := branchWords(offset, 18)
	if err != nil {
		return 0, err
	}
	return 0x54000000 | uint32(words)&0x7FFFF<<5 | uint32(cond), nil
}

// branchWords converts a byte displacement into an instruction count that must
// fit bits+1 signed bits.
func branchWords(offset int64, bits uint) (int64, error) {
	if offset%InstLen != 0 {
		return 0, fmt.Errorf("%w: %#x", ErrUnalignedTarget, offset)
	}
	words := offset / InstLen
	if words < -(1<<bits) || words >= 1<<bits {
		return 0, fmt.Errorf("%w: %#x", ErrBranchRange, offset)
	}
	return words, nil
}

// DecodeB extracts the byte displacement of an unconditional branch. The
// second return value reports whether word is one.
func DecodeB(word uint32) (int64, bool) {
	if word&0xFC000000 != 0x14000000 {
		return 0, false
	}
	return branchOffset(word), true
}

// DecodeBL extracts the byte displacement of a branch-with-link. The second
// return value reports whether word is one.
func DecodeBL(word uint32) (int64, bool) {
	if word&0xFC000000 != 0x94000000 {
		return 0, false
	}
	return branchOffset(word), true
}

func branchOffset(word uint32) int64 {
	return int64(int32(word<<6)>>6) * InstLen
}

// EncodeBLR returns BLR Xn.
func EncodeBLR(target Reg) uint32 {
	return 0xD63F0000 | uint32(target)<<5
}

// EncodeMOVZ returns MOVZ Xd, #imm, LSL #shift. Panics unless shift is one of
// 0, 16, 32 or 48.
func EncodeMOVZ(dst Reg, imm uint16, shift uint32) uint32 {
	return 0xD2800000 | hw(shift, 48)<<21 | uint32(imm)<<5 | uint32(dst)
}

// EncodeMOVK returns MOVK Xd, #imm, LSL #shift. Panics unless shift is one of
// 0, 16, 32 or 48.
func EncodeMOVK(dst Reg, imm uint16, shift uint32) uint32 {
	return 0xF2800000 | hw(shift, 48)<<21 | uint32(imm)<<5 | uint32(dst)
}

// EncodeMOVZW returns MOVZ Wd, #imm, LSL #shift. Panics unless shift is 0 or
// 16.
func EncodeMOVZW(dst Reg, imm uint16, shift uint32) uint32 {
	return 0x52800000 | hw(shift, 16)<<21 | uint32(imm)<<5 | uint32(dst)
}

// EncodeMOVKW returns MOVK Wd, #imm, LSL #shift. Panics unless shift is 0 or
// 16.
func EncodeMOVKW(dst Reg, imm uint16, shift uint32) uint32 {
	return 0x72800000 | hw(shift, 16)<<21 | uint32(imm)<<5 | uint32(dst)
}

func hw(shift, max uint32) uint32 {
	if shift%16 != 0 || shift > max {
		panic("nce: move immediate shift out of range")
	}
	return shift / 16
}

// MoveRegImm64 returns the shortest MOVZ/MOVK sequence that loads value into
// Xd: a MOVZ on the lowest non-zero halfword followed by a MOVK per remaining
// non-zero halfword.
func MoveRegImm64(dst Reg, value uint64) []uint32 {
	var seq []uint32
	for shift := uint32(0); shift < 64; shift += 16 {
		half := uint16(value >> shift)
		if half == 0 {
			continue
		}
		if seq == nil {
			seq = append(seq, EncodeMOVZ(dst, half, shift))
		} else {
			seq = append(seq, EncodeMOVK(dst, half, shift))
		}
	}
	if seq == nil {
		seq = append(seq, EncodeMOVZ(dst, 0, 0))
	}
	return seq
}

// MoveRegImm32 is MoveRegImm64 for the 32-bit register view, clearing the
// upper half of Xd as a side effect.
func MoveRegImm32(dst Reg, value uint32) []uint32 {
	var seq []uint32
	for shift := uint32(0); shift < 32; shift += 16 {
		half := uint16(value >> shift)
		if half == 0 {
			continue
		}
		if seq == nil {
			seq = append(seq, EncodeMOVZW(dst, half, shift))
		} else {
			seq = append(seq, EncodeMOVKW(dst, half, shift))
		}
	}
	if seq == nil {
		seq = append(seq, EncodeMOVZW(dst, 0, 0))
	}
	return seq
}

// EncodeMOVReg returns MOV Xd, Xm, encoded as ORR with the zero register.
// Register 31 reads as zero here, not the stack pointer; use EncodeADDImm for
// SP-relative moves.
func EncodeMOVReg(dst, src Reg) uint32 {
	return 0xAA0003E0 | uint32(src)<<16 | uint32(dst)
}

// EncodeADDImm returns ADD Xd, Xn, #imm with imm in 0..4095. Register 31 is
// the stack pointer. Panics when imm does not fit.
func EncodeADDImm(dst, src Reg, imm uint32) uint32 {
	return 0x91000000 | imm12(imm)<<10 | uint32(src)<<5 | uint32(dst)
}

// EncodeSUBImm returns SUB Xd, Xn, #imm with imm in 0..4095. Register 31 is
// the stack pointer. Panics when imm does not fit.
func EncodeSUBImm(dst, src Reg, imm uint32) uint32 {
	return 0xD1000000 | imm12(imm)<<10 | uint32(src)<<5 | uint32(dst)
}

func imm12(imm uint32) uint32 {
	if imm > 4095 {
		panic("nce: arithmetic immediate out of range")
	}
	return imm
}

// EncodeADDReg returns ADD Xd, Xn, Xm.
func EncodeADDReg(dst, a, b Reg) uint32 {
	return 0x8B000000 | uint32(b)<<16 | uint32(a)<<5 | uint32(dst)
}

// EncodeUDIV returns UDIV Xd, Xn, Xm.
func EncodeUDIV(dst, num, den Reg) uint32 {
	return 0x9AC00800 | uint32(den)<<16 | uint32(num)<<5 | uint32(dst)
}

// EncodeMUL returns MUL Xd, Xn, Xm, encoded as MADD with the zero register
// accumulator.
func EncodeMUL(dst, a, b Reg) uint32 {
	return 0x9B007C00 | uint32(b)<<16 | uint32(a)<<5 | uint32(dst)
}

// EncodeMSUB returns MSUB Xd, Xn, Xm, Xa, computing Xa - Xn*Xm.
func EncodeMSUB(dst, n, m, a Reg) uint32 {
	return 0x9B008000 | uint32(m)<<16 | uint32(a)<<10 | uint32(n)<<5 | uint32(dst)
}

// EncodeLDRImm returns LDR Xt, [Xn, #imm] with imm a multiple of 8 in
// 0..32760. Panics when imm does not fit.
func EncodeLDRImm(dst, base Reg, imm uint32) uint32 {
	return 0xF9400000 | scaledImm(imm, 8)<<10 | uint32(base)<<5 | uint32(dst)
}

// EncodeSTRImm returns STR Xt, [Xn, #imm] with imm a multiple of 8 in
// 0..32760. Panics when imm does not fit.
func EncodeSTRImm(src, base Reg, imm uint32) uint32 {
	return 0xF9000000 | scaledImm(imm, 8)<<10 | uint32(base)<<5 | uint32(src)
}

// EncodeLDRImmW returns LDR Wt, [Xn, #imm] with imm a multiple of 4 in
// 0..16380. Panics when imm does not fit.
func EncodeLDRImmW(dst, base Reg, imm uint32) uint32 {
	return 0xB9400000 | scaledImm(imm, 4)<<10 | uint32(base)<<5 | uint32(dst)
}

// EncodeSTRImmW returns STR Wt, [Xn, #imm] with imm a multiple of 4 in
// 0..16380. Panics when imm does not fit.
func EncodeSTRImmW(src, base Reg, imm uint32) uint32 {
	return 0xB9000000 | scaledImm(imm, 4)<<10 | uint32(base)<<5 | uint32(src)
}

func scaledImm(imm, scale uint32) uint32 {
	if imm%scale != 0 || imm/scale > 4095 {
		panic("nce: load/store immediate out of range")
	}
	return imm / scale
}

// EncodeSTRPre returns STR Xt, [Xn, #imm]! (pre-index writeback) with imm in
// -256..255. Panics when imm does not fit.
func EncodeSTRPre(src, base Reg, imm int32) uint32 {
	return 0xF8000C00 | imm9(imm)<<12 | uint32(base)<<5 | uint32(src)
}

// EncodeLDRPost returns LDR Xt, [Xn], #imm (post-index writeback) with imm in
// -256..255. Panics when imm does not fit.
func EncodeLDRPost(dst, base Reg, imm int32) uint32 {
	return 0xF8400400 | imm9(imm)<<12 | uint32(base)<<5 | uint32(dst)
}

func imm9(imm int32) uint32 {
	if imm < -256 || imm > 255 {
		panic("nce: writeback immediate out of range")
	}
	return uint32(imm) & 0x1FF
}

// EncodeSTLRW returns STLR Wt, [Xn], a store with release ordering.
func EncodeSTLRW(src, base Reg) uint32 {
	return 0x889FFC00 | uint32(base)<<5 | uint32(src)
}

// EncodeLDARW returns LDAR Wt, [Xn], a load with acquire ordering.
func EncodeLDARW(dst, base Reg) uint32 {
	return 0x88DFFC00 | uint32(base)<<5 | uint32(dst)
}

// EncodeCMPImmW returns CMP Wn, #imm with imm in 0..4095, encoded as SUBS
// into the zero register. Panics when imm does not fit.
func EncodeCMPImmW(src Reg, imm uint32) uint32 {
	return 0x7100001F | imm12(imm)<<10 | uint32(src)<<5
}
