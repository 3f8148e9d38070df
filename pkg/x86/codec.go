package x86

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

// Codec errors.
var (
	// ErrDecode is returned when a byte range does not decode.
	ErrDecode = errors.New("decode failed")

	// ErrEncoding is returned when an instruction cannot be placed at its
	// new address.
	ErrEncoding = errors.New("encoding failed")
)

// maxPasses bounds the branch-promotion fixpoint. Each pass promotes at
// least one instruction, so len(insts)+1 passes always suffice.
const maxPasses = 1 << 16

// Codec decodes and encodes instructions for one processor mode.
type Codec struct {
	// Mode is the x86asm decoding mode. Zero means Mode64.
	Mode int
}

// NewCodec creates a codec for the given mode.
func NewCodec(mode int) Codec {
	return Codec{Mode: mode}
}

func (c Codec) mode() int {
	if c.Mode == 0 {
		return Mode64
	}
	return c.Mode
}

// Decode decodes code, which is loaded at addr, into an ordered instruction
// list. The whole range must decode.
func (c Codec) Decode(code []byte, addr uint64) ([]Instruction, error) {
	var insts []Instruction
	for off := 0; off < len(code); {
		inst, err := decodeOne(code[off:], c.mode())
		if err != nil {
			return nil, fmt.Errorf("%w at %#x: %v", ErrDecode, addr+uint64(off), err)
		}
		insts = append(insts, newInstruction(inst, code[off:], addr+uint64(off)))
		off += inst.Len
	}
	return insts, nil
}

// decodeOne decodes the instruction at the start of code. x86asm reports a
// truncated instruction as a bare one-byte prefix with no opcode; that is
// an error here.
func decodeOne(code []byte, mode int) (x86asm.Inst, error) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return x86asm.Inst{}, err
	}
	if inst.Op == 0 {
		return x86asm.Inst{}, x86asm.ErrTruncated
	}
	return inst, nil
}

// Block is the result of encoding an instruction list at a base address.
type Block struct {
	// Base is the address of Code[0].
	Base uint64

	// Code is the encoded byte stream.
	Code []byte

	// Addrs holds the final address of each input instruction.
	Addrs []uint64

	// Lens holds the final encoded length of each input instruction.
	Lens []int
}

// Offset returns the offset of instruction i inside Code.
func (b *Block) Offset(i int) int {
	return int(b.Addrs[i] - b.Base)
}

// Bytes returns the encoding of instruction i.
func (b *Block) Bytes(i int) []byte {
	off := b.Offset(i)
	return b.Code[off : off+b.Lens[i]]
}

// Encode lays insts out contiguously starting at base and returns the
// encoded bytes.
func (c Codec) Encode(insts []Instruction, base uint64) ([]byte, error) {
	block, err := c.EncodeBlock(insts, base)
	if err != nil {
		return nil, err
	}
	return block.Code, nil
}

// EncodeBlock lays insts out contiguously starting at base. PC-relative
// fields are rewritten so they keep resolving to the same absolute target.
// Short branches start in their short form and are promoted to the near
// form until every displacement fits.
func (c Codec) EncodeBlock(insts []Instruction, base uint64) (*Block, error) {
	promoted := make([]bool, len(insts))
	addrs := make([]uint64, len(insts))
	lens := make([]int, len(insts))

	for pass := 0; ; pass++ {
		if pass > maxPasses {
			return nil, fmt.Errorf("%w: branch promotion did not converge", ErrEncoding)
		}

		addr := base
		for i, inst := range insts {
			n, err := encodedLen(inst, promoted[i])
			if err != nil {
				return nil, err
			}
			addrs[i] = addr
			lens[i] = n
			addr += uint64(n)
		}

		changed := false
		for i, inst := range insts {
			if inst.pcrel != 1 || promoted[i] {
				continue
			}
			disp := int64(inst.target - (addrs[i] + uint64(lens[i])))
			if disp < math.MinInt8 || disp > math.MaxInt8 {
				promoted[i] = true
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	code := make([]byte, 0, int(addrsEnd(addrs, lens, base)-base))
	for i, inst := range insts {
		b, err := encodeAt(inst, addrs[i], promoted[i])
		if err != nil {
			return nil, err
		}
		code = append(code, b...)
	}

	return &Block{
		Base:  base,
		Code:  code,
		Addrs: addrs,
		Lens:  lens,
	}, nil
}

func addrsEnd(addrs []uint64, lens []int, base uint64) uint64 {
	if len(addrs) == 0 {
		return base
	}
	last := len(addrs) - 1
	return addrs[last] + uint64(lens[last])
}

// encodedLen returns the length of inst in its short or promoted form.
func encodedLen(inst Instruction, promoted bool) (int, error) {
	if !promoted || inst.pcrel != 1 {
		return len(inst.Raw), nil
	}
	op := inst.Raw[inst.pcrelOff-1]
	switch {
	case op == OpJmpShort:
		return len(inst.Raw) + 3, nil
	case isJccShort(op):
		return len(inst.Raw) + 4, nil
	}
	return 0, fmt.Errorf("%w: %#x: %s has no near form", ErrEncoding, inst.Address, mnemonic(inst))
}

// encodeAt returns the encoding of inst placed at addr.
func encodeAt(inst Instruction, addr uint64, promoted bool) ([]byte, error) {
	if !inst.IsPCRelative() {
		return append([]byte(nil), inst.Raw...), nil
	}

	var out []byte
	off, width := inst.pcrelOff, inst.pcrel
	if promoted {
		prefix := inst.Raw[:inst.pcrelOff-1]
		op := inst.Raw[inst.pcrelOff-1]
		out = append(out, prefix...)
		if op == OpJmpShort {
			out = append(out, OpJmpNear)
		} else {
			out = append(out, OpTwoByte, OpJccNear|(op&0x0f))
		}
		off = len(out)
		width = 4
		out = append(out, 0, 0, 0, 0)
		out = append(out, inst.Raw[inst.pcrelOff+1:]...)
	} else {
		out = append([]byte(nil), inst.Raw...)
	}

	disp := int64(inst.target - (addr + uint64(len(out))))
	switch width {
	case 1:
		if disp < math.MinInt8 || disp > math.MaxInt8 {
			return nil, fmt.Errorf("%w: %#x: rel8 displacement %d out of range", ErrEncoding, addr, disp)
		}
		out[off] = byte(int8(disp))
	case 2:
		if disp < math.MinInt16 || disp > math.MaxInt16 {
			return nil, fmt.Errorf("%w: %#x: rel16 displacement %d out of range", ErrEncoding, addr, disp)
		}
		binary.LittleEndian.PutUint16(out[off:], uint16(int16(disp)))
	case 4:
		if disp < math.MinInt32 || disp > math.MaxInt32 {
			return nil, fmt.Errorf("%w: %#x: rel32 displacement %d out of range", ErrEncoding, addr, disp)
		}
		binary.LittleEndian.PutUint32(out[off:], uint32(int32(disp)))
	default:
		return nil, fmt.Errorf("%w: %#x: unsupported PC-relative width %d", ErrEncoding, addr, width)
	}

	return out, nil
}

func mnemonic(inst Instruction) string {
	if inst.decoded {
		return inst.Inst.Op.String()
	}
	return fmt.Sprintf("% x", inst.Raw)
}
