// Package x86 decodes, re-encodes and renders x86 machine code.
//
// Decoding and rendering are delegated to golang.org/x/arch/x86/x86asm.
// Encoding never assembles from mnemonics: instructions are copied byte for
// byte and only their PC-relative fields are rewritten for the address they
// are placed at, promoting short branches to their near forms when the new
// displacement does not fit.
package x86

// Mode64 is the 64-bit processor mode.
const Mode64 = 64

// Single-byte opcodes.
const (
	OpJccShort  = 0x70 // 0x70-0x7f - jcc rel8
	OpJmpNear   = 0xe9 // jmp rel32
	OpJmpShort  = 0xeb // jmp rel8
	OpNop       = 0x90 // nop
	OpTwoByte   = 0x0f // escape to the two-byte opcode map
	OpJccNear   = 0x80 // 0x0f 0x80-0x8f - jcc rel32
	OpImulImm32 = 0x69 // imul r, r/m, imm32
)

// Encoded lengths of the jump forms the slot geometry depends on.
const (
	JmpShortLen = 2
	JmpNearLen  = 5
)

// isJccShort reports whether op is one of the sixteen jcc rel8 opcodes.
func isJccShort(op byte) bool {
	return op&0xf0 == OpJccShort
}
