package packer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/cavepack/pkg/x86"
)

// Layout is the slot stream encoded at its final address.
type Layout struct {
	// Base is the address of Code[0].
	Base uint64

	// Code is the encoded stream.
	Code []byte

	// Addrs holds the final address of each slot's real instruction.
	Addrs []uint64

	// Decoy is the decoy the stream was built with.
	Decoy []byte
}

// LayOut encodes the whole slot stream at base in one block so that every
// real instruction receives its final address. The stream must reproduce
// every slot byte for byte at its stride position; anything else is
// ErrKeyComputation.
func LayOut(codec x86.Codec, slots []Slot, base uint64, policy Policy) (*Layout, error) {
	items := make([]x86.Instruction, 0, len(slots)*itemsPerSlot)
	for i := range slots {
		items = append(items, slots[i].items(&policy)...)
	}

	block, err := codec.EncodeBlock(items, base)
	if err != nil {
		if errors.Is(err, x86.ErrEncoding) {
			return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
		}
		return nil, err
	}

	stride := policy.Stride()
	if len(block.Code) != len(slots)*stride {
		return nil, fmt.Errorf("%w: stream of %d bytes for %d slots of %d",
			ErrKeyComputation, len(block.Code), len(slots), stride)
	}

	addrs := make([]uint64, len(slots))
	for i := range slots {
		s := &slots[i]
		inst := i*itemsPerSlot + 1
		addrs[i] = block.Addrs[inst]
		if addrs[i] != s.InstAddress || block.Offset(inst) != i*stride+policy.InstOffset() {
			return nil, fmt.Errorf("%w: slot %d: instruction laid out at %#x, want %#x",
				ErrKeyComputation, i, addrs[i], s.InstAddress)
		}
		if !bytes.Equal(block.Bytes(inst), s.Encoded) {
			return nil, fmt.Errorf("%w: slot %d: instruction re-encoded as % x, want % x",
				ErrKeyComputation, i, block.Bytes(inst), s.Encoded)
		}
		if !bytes.Equal(block.Code[i*stride:(i+1)*stride], s.Bytes(&policy)) {
			return nil, fmt.Errorf("%w: slot %d differs from its layout", ErrKeyComputation, i)
		}
	}

	return &Layout{
		Base:  base,
		Code:  block.Code,
		Addrs: addrs,
		Decoy: append([]byte(nil), policy.Decoy...),
	}, nil
}

// Backpatch overwrites the key field of every slot, located at
// i*stride + keyOffset, with Addrs[i+1] - Addrs[i]. The last key is zero.
// The stream must consist of exactly len(Addrs) slots of stride bytes and
// every key field must follow the expected short jump and decoy.
func Backpatch(l *Layout, stride, keyOffset int) ([]uint64, error) {
	marker := append([]byte{x86.OpJmpShort, byte(len(l.Decoy) + KeySize)}, l.Decoy...)

	if stride <= 0 || keyOffset < len(marker) || keyOffset+KeySize > stride {
		return nil, fmt.Errorf("%w: key field %d+%d outside stride %d", ErrKeyComputation, keyOffset, KeySize, stride)
	}

	if len(l.Code)%stride != 0 {
		return nil, fmt.Errorf("%w: stream length %d is not a multiple of stride %d", ErrKeyComputation, len(l.Code), stride)
	}

	if n := len(l.Code) / stride; n != len(l.Addrs) {
		return nil, fmt.Errorf("%w: %d slots but %d addresses", ErrKeyComputation, n, len(l.Addrs))
	}

	keys := make([]uint64, len(l.Addrs))
	for i := range l.Addrs {
		at := i*stride + keyOffset
		if !bytes.Equal(l.Code[at-len(marker):at], marker) {
			return nil, fmt.Errorf("%w: slot %d: key field at +%#x is not preceded by the slot marker", ErrKeyComputation, i, at)
		}

		if i+1 < len(l.Addrs) {
			keys[i] = l.Addrs[i+1] - l.Addrs[i]
		}
		binary.LittleEndian.PutUint64(l.Code[at:], keys[i])
	}

	return keys, nil
}
