// Package packer relocates the body of one subroutine into a code cave.
//
// A run resolves the subroutine, decodes it, drops its frame instructions,
// hides every remaining instruction in a fixed-width slot behind short
// jumps and decoy opcodes, places the slots in a writable section and
// redirects the subroutine entry into them. The input image is never
// modified; Run returns a patched copy.
package packer

import (
	"errors"
	"fmt"

	"github.com/fortiblox/cavepack/internal/types"
	"github.com/fortiblox/cavepack/pkg/elfimage"
	"github.com/fortiblox/cavepack/pkg/x86"
)

// Image is the view of an executable the packer needs.
type Image interface {
	Subroutine(name string) (types.Subroutine, error)
	Section(name string) (types.Section, error)
	FileOffset(addr uint64) (uint64, error)
	ReadAt(addr, n uint64) ([]byte, error)
	Bytes() []byte
}

// Result is the outcome of a successful run.
type Result struct {
	// Strategy is the name of the strategy used.
	Strategy string

	// Plan describes the rewritten ranges.
	Plan *PatchPlan

	// Payload holds the cave content and, for Obfuscate, the slots.
	Payload *Payload

	// Image is the patched copy of the input.
	Image []byte

	// Trace records what the run did.
	Trace Trace
}

// Slots returns the disguised slots, if any.
func (r *Result) Slots() []Slot {
	if r.Payload == nil {
		return nil
	}
	return r.Payload.Slots
}

// Packer runs strategies against images.
type Packer struct {
	codec  x86.Codec
	policy Policy
}

// New creates a packer for 64-bit code.
func New(policy Policy) (*Packer, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Packer{
		codec:  x86.NewCodec(x86.Mode64),
		policy: policy,
	}, nil
}

// Policy returns the packer's policy.
func (p *Packer) Policy() Policy {
	return p.policy
}

// Run packs the subroutine called name. Every check completes before the
// patched image is produced; on error no output exists.
func (p *Packer) Run(img Image, name string, strategy Strategy) (*Result, error) {
	res := &Result{Strategy: strategy.Name()}
	trace := &res.Trace

	sub, err := img.Subroutine(name)
	if err != nil {
		return nil, stageError(StageResolve, notFound(err))
	}
	if sub.Size == 0 {
		return nil, stageError(StageResolve, fmt.Errorf("%w: %v is empty", ErrMalformedFunction, sub))
	}

	code, err := img.ReadAt(sub.Start, sub.Size)
	if err != nil {
		return nil, stageError(StageResolve, fmt.Errorf("%w: %v", ErrMalformedFunction, err))
	}
	trace.add(StageResolve, p.codec.Disassemble(code, sub.Start), "packing subroutine %v", sub)

	sec, err := img.Section(p.policy.CaveSection)
	if err != nil {
		return nil, stageError(StageCave, notFound(err))
	}
	cave, err := AllocateCave(sec, p.policy)
	if err != nil {
		return nil, stageError(StageCave, err)
	}
	trace.add(StageCave, nil, "code cave at %#x <%s+%#x>, capacity %#x",
		cave.Base, sec.Name, p.policy.CaveOffset, cave.Capacity)

	payload, err := strategy.Prepare(p.codec, sub, code, cave.Base, p.policy)
	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, stageError(StageObfuscate, err)
	}
	res.Payload = payload
	p.traceStrategy(trace, sub, cave, payload)

	if err := cave.Fit(payload.Content); err != nil {
		return nil, stageError(StageCave, err)
	}
	if cave.Clobbers() {
		trace.add(StageCave, nil, "cave overwrites non-zero bytes of %s", sec.Name)
	}

	budget := EntryBudget(payload.DerivedBudget, p.policy)
	plan, err := PlanPatch(p.codec, img, sub, cave, budget)
	if err != nil {
		return nil, stageError(StagePatch, err)
	}
	res.Plan = plan

	out, err := Apply(img.Bytes(), plan)
	if err != nil {
		return nil, stageError(StagePatch, err)
	}
	res.Image = out
	trace.add(StagePatch, p.codec.Disassemble(plan.EntryRedirect, plan.EntryAddress),
		"entry %#x redirected to %#x (%d of %d bytes), %d cave bytes at file offset %#x",
		plan.EntryAddress, cave.Base, len(plan.EntryRedirect), budget, len(cave.Content), cave.Offset)

	return res, nil
}

func (p *Packer) traceStrategy(trace *Trace, sub types.Subroutine, cave *Cave, payload *Payload) {
	ext := payload.Extraction
	if ext == nil {
		trace.add(StageObfuscate, p.codec.Disassemble(payload.Content, cave.Base),
			"replacement payload, %d bytes", len(payload.Content))
		return
	}

	trace.add(StageExtract, p.codec.Listing(ext.Payload, sub.Start),
		"removed %d prologue and %d epilogue instructions, %d to relocate, resume at %#x",
		len(ext.Prologue), len(ext.Epilogue), len(ext.Payload), ext.Resume)

	padded := make([][]byte, len(payload.Slots))
	for i, s := range payload.Slots {
		padded[i] = s.Padded
	}
	trace.add(StageObfuscate, hexLines(padded), "padded %d instructions to %d bytes", len(padded), p.policy.SlotWidth)
	trace.add(StageLayout, keyLines(payload.Slots), "%v keys, %d-byte slots", p.policy.Keys, p.policy.Stride())

	trace.add(StageLayout, p.codec.Disassemble(payload.Content, cave.Base), "linear disassembly of the cave")
}

// notFound maps provider lookup failures to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, elfimage.ErrSymbolNotFound) || errors.Is(err, elfimage.ErrSectionNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
