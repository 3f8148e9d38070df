package packer

import (
	"fmt"

	"github.com/fortiblox/cavepack/internal/types"
	"github.com/fortiblox/cavepack/pkg/x86"
)

// Payload is what a strategy places in the cave.
type Payload struct {
	// Content is the cave bytes.
	Content []byte

	// DerivedBudget is the number of entry bytes the strategy can spare
	// before any policy cap.
	DerivedBudget int

	// Instructions is the decoded subroutine. Nil for Replace.
	Instructions []x86.Instruction

	// Extraction is the prologue/payload/epilogue split. Nil for Replace.
	Extraction *Extraction

	// Slots are the disguised slots. Nil for Replace.
	Slots []Slot
}

// Strategy produces the cave content for a subroutine.
type Strategy interface {
	// Name identifies the strategy in traces and ledger records.
	Name() string

	// Prepare builds the payload for sub, whose bytes are code, for a cave
	// starting at base.
	Prepare(codec x86.Codec, sub types.Subroutine, code []byte, base uint64, policy Policy) (*Payload, error)
}

// Obfuscate relocates the subroutine body into disguised slots.
type Obfuscate struct{}

// Name implements Strategy.
func (Obfuscate) Name() string { return "obfuscate" }

// Prepare implements Strategy.
func (Obfuscate) Prepare(codec x86.Codec, sub types.Subroutine, code []byte, base uint64, policy Policy) (*Payload, error) {
	insts, err := codec.Decode(code, sub.Start)
	if err != nil {
		return nil, stageError(StageDecode, fmt.Errorf("%w: %v", ErrMalformedFunction, err))
	}

	ext, err := Extract(insts, policy)
	if err != nil {
		return nil, stageError(StageExtract, err)
	}

	slots, err := BuildSlots(codec, ext, base, policy)
	if err != nil {
		return nil, stageError(StageObfuscate, err)
	}

	if policy.Keys == KeyStatic {
		StaticKeys(slots)
	}

	layout, err := LayOut(codec, slots, base, policy)
	if err != nil {
		return nil, stageError(StageLayout, err)
	}

	if policy.Keys == KeyAddressDelta {
		keys, err := Backpatch(layout, policy.Stride(), policy.KeyOffset())
		if err != nil {
			return nil, stageError(StageLayout, err)
		}
		for i := range slots {
			slots[i].Key = keys[i]
		}
	}

	return &Payload{
		Content:       layout.Code,
		DerivedBudget: int(ext.Resume - sub.Start),
		Instructions:  insts,
		Extraction:    ext,
		Slots:         slots,
	}, nil
}

// Replace places fixed bytes in the cave verbatim.
type Replace struct {
	Payload []byte
}

// Name implements Strategy.
func (Replace) Name() string { return "replace" }

// Prepare implements Strategy.
func (r Replace) Prepare(_ x86.Codec, sub types.Subroutine, _ []byte, _ uint64, _ Policy) (*Payload, error) {
	if len(r.Payload) == 0 {
		return nil, stageError(StageObfuscate, fmt.Errorf("%w: empty replacement payload", ErrInvalidPolicy))
	}
	return &Payload{
		Content:       append([]byte(nil), r.Payload...),
		DerivedBudget: int(sub.Size),
	}, nil
}

// DemoPayload is position-independent x86-64 Linux code that writes a
// message to stdout and exits with status 0.
var DemoPayload = []byte{
	0x48, 0x8d, 0x35, 0x1a, 0x00, 0x00, 0x00, // lea rsi, [rip+0x1a]
	0xbf, 0x01, 0x00, 0x00, 0x00, // mov edi, 1
	0xba, 0x1a, 0x00, 0x00, 0x00, // mov edx, 0x1a
	0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1 (write)
	0x0f, 0x05, // syscall
	0xb8, 0x3c, 0x00, 0x00, 0x00, // mov eax, 60 (exit)
	0x31, 0xff, // xor edi, edi
	0x0f, 0x05, // syscall
	'c', 'a', 'v', 'e', 'p', 'a', 'c', 'k', ':', ' ',
	'p', 'a', 'y', 'l', 'o', 'a', 'd', ' ',
	'r', 'e', 'a', 'c', 'h', 'e', 'd', '\n',
}
