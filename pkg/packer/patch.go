package packer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fortiblox/cavepack/internal/types"
	"github.com/fortiblox/cavepack/pkg/x86"
)

// PatchPlan describes the two byte ranges a run rewrites.
type PatchPlan struct {
	// Subroutine is the patched function.
	Subroutine types.Subroutine

	// EntryAddress is the virtual address of the redirect (the
	// subroutine start).
	EntryAddress uint64

	// EntryOffset is the file offset of the redirect.
	EntryOffset uint64

	// EntryRedirect is the encoded jump into the cave.
	EntryRedirect []byte

	// EntryBudget is the number of entry bytes the redirect may overwrite.
	EntryBudget int

	// Cave holds the placed payload.
	Cave *Cave
}

// EntryRange returns the virtual address range overwritten at the entry.
func (p *PatchPlan) EntryRange() types.Range {
	return types.Range{Start: p.EntryAddress, End: p.EntryAddress + uint64(len(p.EntryRedirect))}
}

// EntryBudget returns the number of entry bytes that may be overwritten.
// derived is what the strategy can spare; a non-zero policy budget only
// lowers it.
func EntryBudget(derived int, policy Policy) int {
	if policy.EntryBudget > 0 && policy.EntryBudget < derived {
		return policy.EntryBudget
	}
	return derived
}

// PlanPatch encodes the redirect from sub.Start to the cave base and checks
// that it fits in budget and does not overlap the cave.
func PlanPatch(codec x86.Codec, img Image, sub types.Subroutine, cave *Cave, budget int) (*PatchPlan, error) {
	redirect, err := codec.Encode([]x86.Instruction{x86.NewJump(cave.Base)}, sub.Start)
	if err != nil {
		if errors.Is(err, x86.ErrEncoding) {
			return nil, fmt.Errorf("%w: entry redirect: %v", ErrEncoding, err)
		}
		return nil, err
	}

	if len(redirect) > budget {
		return nil, fmt.Errorf("%w: %d-byte redirect, budget is %d", ErrPatchOverflow, len(redirect), budget)
	}

	plan := &PatchPlan{
		Subroutine:    sub,
		EntryAddress:  sub.Start,
		EntryRedirect: redirect,
		EntryBudget:   budget,
		Cave:          cave,
	}

	if !sub.Range().ContainsRange(plan.EntryRange()) {
		return nil, fmt.Errorf("%w: entry %v runs past %v", ErrPatchOverflow, plan.EntryRange(), sub)
	}

	if plan.EntryRange().Overlaps(cave.Range()) {
		return nil, fmt.Errorf("%w: entry %v overlaps cave %v", ErrPatchOverflow, plan.EntryRange(), cave.Range())
	}

	off, err := img.FileOffset(sub.Start)
	if err != nil {
		return nil, fmt.Errorf("%w: entry: %v", ErrPatchOverflow, err)
	}
	plan.EntryOffset = off

	if err := plan.checkFile(len(img.Bytes())); err != nil {
		return nil, err
	}

	return plan, nil
}

// checkFile verifies that both rewritten file ranges lie inside an image
// of size bytes.
func (p *PatchPlan) checkFile(size int) error {
	file := types.Range{End: uint64(size)}
	for _, r := range []types.Range{
		{Start: p.EntryOffset, End: p.EntryOffset + uint64(len(p.EntryRedirect))},
		{Start: p.Cave.Offset, End: p.Cave.Offset + uint64(len(p.Cave.Content))},
	} {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: file range: %v", ErrPatchOverflow, err)
		}
		if !file.ContainsRange(r) {
			return fmt.Errorf("%w: file range %v exceeds the %d-byte image", ErrPatchOverflow, r, size)
		}
	}
	return nil
}

// Apply returns a copy of image with the redirect and the cave content
// written. No other byte changes.
func Apply(image []byte, plan *PatchPlan) ([]byte, error) {
	if err := plan.checkFile(len(image)); err != nil {
		return nil, err
	}

	out := bytes.Clone(image)
	copy(out[plan.EntryOffset:], plan.EntryRedirect)
	copy(out[plan.Cave.Offset:], plan.Cave.Content)
	return out, nil
}
