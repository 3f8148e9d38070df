package packer

import (
	"fmt"
	"strings"

	"github.com/fortiblox/cavepack/pkg/x86"
)

// Default policy values.
const (
	// DefaultSlotWidth is the number of bytes reserved for one real
	// instruction inside a slot.
	DefaultSlotWidth = 8

	// DefaultPrologue is the number of leading instructions left out of the
	// relocated payload (push rbp; mov rbp, rsp).
	DefaultPrologue = 2

	// DefaultEpilogue is the number of trailing instructions left out of the
	// relocated payload (pop rbp; ret). Execution resumes at the first one.
	DefaultEpilogue = 2

	// DefaultCaveSection is the section that hosts the cave.
	DefaultCaveSection = ".data"

	// DefaultCaveOffset is the offset of the cave inside its section.
	DefaultCaveOffset = 0x100

	// DefaultCaveCapacity caps the number of bytes the cave may use.
	DefaultCaveCapacity = 0x400

	// MinSlotWidth is the smallest width that still holds the terminal jump.
	MinSlotWidth = x86.JmpNearLen

	// MaxSlotWidth is the widest padded instruction a 64-bit key relates.
	MaxSlotWidth = 8

	// MaxDecoyLen keeps the second short jump (decoy + key) within rel8.
	MaxDecoyLen = 32
)

// DefaultDecoy is the opcode prefix of imul r32, r/m32, imm32 with a
// SIB + disp32 ModRM. A linear disassembler that reaches it consumes the
// following 9 bytes as operands.
var DefaultDecoy = []byte{x86.OpImulImm32, 0x84}

// KeyPolicy selects how per-slot keys are computed.
type KeyPolicy int

const (
	// KeyStatic derives keys from the padded instruction bytes.
	KeyStatic KeyPolicy = iota

	// KeyAddressDelta derives keys from the laid-out instruction addresses.
	KeyAddressDelta
)

// String implements fmt.Stringer.
func (k KeyPolicy) String() string {
	switch k {
	case KeyStatic:
		return "static"
	case KeyAddressDelta:
		return "delta"
	default:
		return fmt.Sprintf("KeyPolicy(%d)", int(k))
	}
}

// ParseKeyPolicy parses "static" or "delta".
func ParseKeyPolicy(s string) (KeyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "static", "a":
		return KeyStatic, nil
	case "delta", "b":
		return KeyAddressDelta, nil
	}
	return 0, fmt.Errorf("%w: unknown key policy %q", ErrInvalidPolicy, s)
}

// Policy holds the layout constants of a run.
type Policy struct {
	// SlotWidth is the padded width of one real instruction (W).
	SlotWidth int

	// Prologue is the number of leading instructions dropped from the
	// payload.
	Prologue int

	// Epilogue is the number of trailing instructions dropped from the
	// payload.
	Epilogue int

	// Decoy is placed after each short jump so that a linear sweep
	// misreads what follows.
	Decoy []byte

	// CaveSection names the writable section hosting the cave.
	CaveSection string

	// CaveOffset is the cave's offset inside CaveSection.
	CaveOffset uint64

	// CaveCapacity is the maximum cave size. It is further capped by the
	// section size.
	CaveCapacity uint64

	// EntryBudget is the number of bytes the entry redirect may overwrite.
	// Zero derives it from the subroutine. A non-zero value is capped by
	// the derived one.
	EntryBudget int

	// Keys selects the key computation.
	Keys KeyPolicy
}

// DefaultPolicy returns the policy used when nothing is overridden.
func DefaultPolicy() Policy {
	return Policy{
		SlotWidth:    DefaultSlotWidth,
		Prologue:     DefaultPrologue,
		Epilogue:     DefaultEpilogue,
		Decoy:        append([]byte(nil), DefaultDecoy...),
		CaveSection:  DefaultCaveSection,
		CaveOffset:   DefaultCaveOffset,
		CaveCapacity: DefaultCaveCapacity,
		Keys:         KeyStatic,
	}
}

// Validate checks if the policy is usable.
func (p *Policy) Validate() error {
	if p.SlotWidth < MinSlotWidth || p.SlotWidth > MaxSlotWidth {
		return fmt.Errorf("%w: slot width %d outside [%d, %d]", ErrInvalidPolicy, p.SlotWidth, MinSlotWidth, MaxSlotWidth)
	}

	if p.Prologue < 0 || p.Epilogue < 0 {
		return fmt.Errorf("%w: prologue and epilogue counts must not be negative", ErrInvalidPolicy)
	}

	if p.Epilogue == 0 {
		return fmt.Errorf("%w: at least one epilogue instruction is needed to resume", ErrInvalidPolicy)
	}

	if len(p.Decoy) == 0 || len(p.Decoy) > MaxDecoyLen {
		return fmt.Errorf("%w: decoy length %d outside [1, %d]", ErrInvalidPolicy, len(p.Decoy), MaxDecoyLen)
	}

	if p.CaveSection == "" {
		return fmt.Errorf("%w: cave section is required", ErrInvalidPolicy)
	}

	if p.CaveCapacity == 0 {
		return fmt.Errorf("%w: cave capacity must be positive", ErrInvalidPolicy)
	}

	if p.EntryBudget < 0 {
		return fmt.Errorf("%w: entry budget must not be negative", ErrInvalidPolicy)
	}

	if p.Keys != KeyStatic && p.Keys != KeyAddressDelta {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, p.Keys)
	}

	return nil
}

// InstOffset is the offset of the real instruction inside a slot.
func (p *Policy) InstOffset() int {
	return x86.JmpShortLen + len(p.Decoy)
}

// KeyOffset is the offset of the key field inside a slot.
func (p *Policy) KeyOffset() int {
	return p.InstOffset() + p.SlotWidth + x86.JmpShortLen + len(p.Decoy)
}

// Stride is the size of one slot.
func (p *Policy) Stride() int {
	return p.KeyOffset() + KeySize
}
