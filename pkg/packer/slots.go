package packer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/cavepack/pkg/x86"
)

// KeySize is the size of the key field of a slot.
const KeySize = 8

// Slot is one disguised unit of the cave:
//
//	EB n | decoy(n) | instruction + NOP padding (W) | EB n+8 | decoy(n) | key (8)
//
// Both short jumps skip the bytes a linear sweep would misread, so only the
// instruction is executed.
type Slot struct {
	// Index is the slot position in the cave.
	Index int

	// Source is the relocated instruction. Nil for the terminal slot.
	Source *x86.Instruction

	// Real is the instruction placed in the slot: Source (retargeted when
	// it branches into the payload) or the terminal jump.
	Real x86.Instruction

	// Address is the virtual address of the slot.
	Address uint64

	// InstAddress is the virtual address of the real instruction.
	InstAddress uint64

	// Encoded is the encoding of Real at InstAddress.
	Encoded []byte

	// Padded is Encoded followed by NOPs, exactly SlotWidth bytes.
	Padded []byte

	// Key is the value stored in the key field.
	Key uint64
}

// Terminal reports whether the slot holds the jump back to the subroutine.
func (s *Slot) Terminal() bool {
	return s.Source == nil
}

// items returns the slot as codec items. The real instruction is always
// item 1, in the encoding BuildSlots chose for it.
func (s *Slot) items(p *Policy) []x86.Instruction {
	n := byte(len(p.Decoy))
	key := make([]byte, KeySize)
	binary.LittleEndian.PutUint64(key, s.Key)

	return []x86.Instruction{
		x86.Data(append([]byte{x86.OpJmpShort, n}, p.Decoy...)...),
		x86.Data(s.Encoded...),
		x86.Nops(len(s.Padded) - len(s.Encoded)),
		x86.Data(append([]byte{x86.OpJmpShort, n + KeySize}, p.Decoy...)...),
		x86.Data(key...),
	}
}

// itemsPerSlot is the number of codec items returned by Slot.items.
const itemsPerSlot = 5

// Bytes returns the full encoding of the slot.
func (s *Slot) Bytes(p *Policy) []byte {
	out := make([]byte, 0, p.Stride())
	out = append(out, x86.OpJmpShort, byte(len(p.Decoy)))
	out = append(out, p.Decoy...)
	out = append(out, s.Padded...)
	out = append(out, x86.OpJmpShort, byte(len(p.Decoy)+KeySize))
	out = append(out, p.Decoy...)
	return binary.LittleEndian.AppendUint64(out, s.Key)
}

// BuildSlots assigns one slot per payload instruction plus a terminal slot
// holding a near jump to ext.Resume, starting at base. Every real
// instruction is encoded at its final address and must fit in
// policy.SlotWidth. Keys are left zero.
//
// Relative branches that target a payload instruction are retargeted to
// that instruction's slot; everything else keeps its absolute target.
func BuildSlots(codec x86.Codec, ext *Extraction, base uint64, policy Policy) ([]Slot, error) {
	stride := uint64(policy.Stride())
	instOff := uint64(policy.InstOffset())

	moved := make(map[uint64]uint64, len(ext.Payload))
	for i, inst := range ext.Payload {
		moved[inst.Address] = base + uint64(i)*stride + instOff
	}

	slots := make([]Slot, 0, len(ext.Payload)+1)
	for i := 0; i <= len(ext.Payload); i++ {
		slot := Slot{
			Index:       i,
			Address:     base + uint64(i)*stride,
			InstAddress: base + uint64(i)*stride + instOff,
		}

		if i < len(ext.Payload) {
			src := ext.Payload[i]
			slot.Source = &ext.Payload[i]
			slot.Real = src
			if src.IsRelativeBranch() {
				if to, ok := moved[src.Target()]; ok {
					slot.Real = src.Retarget(to)
				}
			}
		} else {
			slot.Real = x86.NewJump(ext.Resume)
		}

		code, err := codec.Encode([]x86.Instruction{slot.Real}, slot.InstAddress)
		if err != nil {
			if errors.Is(err, x86.ErrEncoding) {
				return nil, fmt.Errorf("%w: slot %d: %v", ErrEncoding, i, err)
			}
			return nil, err
		}
		if len(code) > policy.SlotWidth {
			return nil, fmt.Errorf("%w: slot %d: %s is %d bytes, width is %d",
				ErrSlotOverflow, i, describe(slot), len(code), policy.SlotWidth)
		}

		slot.Encoded = code
		slot.Padded = make([]byte, policy.SlotWidth)
		copy(slot.Padded, code)
		for j := len(code); j < policy.SlotWidth; j++ {
			slot.Padded[j] = x86.OpNop
		}

		slots = append(slots, slot)
	}

	return slots, nil
}

// StaticKeys sets key[i] = uint64(padded[i+1]) - uint64(padded[i]) with
// wrapping arithmetic. Padded bytes are read little endian and zero
// extended to 64 bits. The last key is zero.
func StaticKeys(slots []Slot) {
	for i := range slots {
		if i == len(slots)-1 {
			slots[i].Key = 0
			continue
		}
		slots[i].Key = paddedValue(slots[i+1].Padded) - paddedValue(slots[i].Padded)
	}
}

func paddedValue(b []byte) uint64 {
	var buf [KeySize]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}

func describe(s Slot) string {
	if s.Source != nil && s.Source.Address != 0 {
		return fmt.Sprintf("instruction at %#x", s.Source.Address)
	}
	return "terminal jump"
}
