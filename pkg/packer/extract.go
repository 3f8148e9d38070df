package packer

import (
	"fmt"

	"github.com/fortiblox/cavepack/pkg/x86"
)

// Extraction splits a decoded subroutine into the frame instructions that
// stay in place and the payload that is relocated.
type Extraction struct {
	// Prologue holds the leading instructions that are dropped.
	Prologue []x86.Instruction

	// Payload holds the relocated instructions in original order.
	Payload []x86.Instruction

	// Epilogue holds the trailing instructions that stay in place.
	Epilogue []x86.Instruction

	// Resume is the address execution continues at after the payload: the
	// first epilogue instruction.
	Resume uint64
}

// Extract drops policy.Prologue leading and policy.Epilogue trailing
// instructions. The payload may be empty; the epilogue may not, since its
// first instruction is the resumption address.
func Extract(insts []x86.Instruction, policy Policy) (*Extraction, error) {
	if policy.Prologue < 0 || policy.Epilogue < 1 {
		return nil, fmt.Errorf("%w: prologue %d, epilogue %d leave no resumption point",
			ErrMalformedFunction, policy.Prologue, policy.Epilogue)
	}

	frame := policy.Prologue + policy.Epilogue
	if len(insts) < frame || len(insts) <= policy.Prologue {
		return nil, fmt.Errorf("%w: %d instructions, need at least %d (prologue %d, epilogue %d)",
			ErrMalformedFunction, len(insts), max(frame, policy.Prologue+1), policy.Prologue, policy.Epilogue)
	}

	split := len(insts) - policy.Epilogue
	return &Extraction{
		Prologue: insts[:policy.Prologue],
		Payload:  insts[policy.Prologue:split],
		Epilogue: insts[split:],
		Resume:   insts[split].Address,
	}, nil
}
