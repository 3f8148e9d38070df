package x86

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"
)

// Instruction is one decoded (or synthesized) instruction.
//
// Decoded instructions are immutable once produced by Decode; the encoder
// never modifies them, it emits re-addressed copies.
type Instruction struct {
	// Address is the virtual address the instruction was decoded at.
	// Zero for synthesized instructions.
	Address uint64

	// Len is the encoded length at Address.
	Len int

	// Raw holds the original encoding.
	Raw []byte

	// Inst is the decoded form. Zero for raw data.
	Inst x86asm.Inst

	target   uint64
	pcrel    int
	pcrelOff int
	branch   bool
	decoded  bool
}

// newInstruction wraps a decoded x86asm instruction.
func newInstruction(inst x86asm.Inst, raw []byte, addr uint64) Instruction {
	i := Instruction{
		Address: addr,
		Len:     inst.Len,
		Raw:     append([]byte(nil), raw[:inst.Len]...),
		Inst:    inst,
		decoded: true,
	}

	if inst.PCRel > 0 {
		i.pcrel = inst.PCRel
		i.pcrelOff = inst.PCRelOff
		disp := readDisp(i.Raw[i.pcrelOff:], i.pcrel)
		i.target = addr + uint64(inst.Len) + uint64(disp)
		_, i.branch = inst.Args[0].(x86asm.Rel)
	}

	return i
}

// NewJump synthesizes an unconditional near jump (jmp rel32) to target.
// Its displacement is resolved when it is encoded.
func NewJump(target uint64) Instruction {
	return Instruction{
		Len:      JmpNearLen,
		Raw:      []byte{OpJmpNear, 0, 0, 0, 0},
		target:   target,
		pcrel:    4,
		pcrelOff: 1,
		branch:   true,
	}
}

// Data wraps raw bytes that are emitted verbatim wherever they are placed.
func Data(b ...byte) Instruction {
	return Instruction{
		Len: len(b),
		Raw: append([]byte(nil), b...),
	}
}

// Nops returns n single-byte NOP fillers as one data item.
func Nops(n int) Instruction {
	b := make([]byte, n)
	for i := range b {
		b[i] = OpNop
	}
	return Data(b...)
}

// IsRelativeBranch reports whether the instruction is a jump or call with a
// PC-relative displacement.
func (i Instruction) IsRelativeBranch() bool {
	return i.pcrel > 0 && i.branch
}

// IsPCRelative reports whether any operand is PC-relative, including
// RIP-relative memory operands.
func (i Instruction) IsPCRelative() bool {
	return i.pcrel > 0
}

// Target returns the absolute address the PC-relative field resolves to.
// It is only meaningful when IsPCRelative is true.
func (i Instruction) Target() uint64 {
	return i.target
}

// Retarget returns a copy whose PC-relative field resolves to target.
func (i Instruction) Retarget(target uint64) Instruction {
	i.target = target
	return i
}

// readDisp reads a little-endian signed displacement of the given width.
func readDisp(b []byte, width int) int64 {
	switch width {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	}
	return 0
}
