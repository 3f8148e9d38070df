package main

import (
	"fmt"
	"strconv"

	"github.com/xyproto/env/v2"

	"github.com/fortiblox/cavepack/pkg/packer"
)

// Environment variables that override policy defaults.
const (
	envSlotWidth    = "CAVEPACK_SLOT_WIDTH"
	envPrologue     = "CAVEPACK_PROLOGUE"
	envEpilogue     = "CAVEPACK_EPILOGUE"
	envCaveSection  = "CAVEPACK_CAVE_SECTION"
	envCaveOffset   = "CAVEPACK_CAVE_OFFSET"
	envCaveCapacity = "CAVEPACK_CAVE_CAPACITY"
	envEntryBudget  = "CAVEPACK_ENTRY_BUDGET"
	envKeys         = "CAVEPACK_KEYS"
)

// applyEnv overrides policy fields from the environment. Counts are
// decimal; offsets and sizes accept 0x prefixes. The environment is
// re-read on every call.
func applyEnv(p *packer.Policy) error {
	env.Load()

	var err error

	if p.SlotWidth, err = intEnv(envSlotWidth, p.SlotWidth); err != nil {
		return err
	}
	if p.Prologue, err = intEnv(envPrologue, p.Prologue); err != nil {
		return err
	}
	if p.Epilogue, err = intEnv(envEpilogue, p.Epilogue); err != nil {
		return err
	}
	if p.EntryBudget, err = intEnv(envEntryBudget, p.EntryBudget); err != nil {
		return err
	}
	if p.CaveOffset, err = uintEnv(envCaveOffset, p.CaveOffset); err != nil {
		return err
	}
	if p.CaveCapacity, err = uintEnv(envCaveCapacity, p.CaveCapacity); err != nil {
		return err
	}

	p.CaveSection = env.Str(envCaveSection, p.CaveSection)

	if env.Has(envKeys) {
		keys, err := packer.ParseKeyPolicy(env.Str(envKeys))
		if err != nil {
			return fmt.Errorf("%s: %w", envKeys, err)
		}
		p.Keys = keys
	}

	return nil
}

func intEnv(name string, def int) (int, error) {
	if !env.Has(name) {
		return def, nil
	}
	v, err := strconv.ParseInt(env.Str(name), 0, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", packer.ErrInvalidPolicy, name, err)
	}
	return int(v), nil
}

func uintEnv(name string, def uint64) (uint64, error) {
	if !env.Has(name) {
		return def, nil
	}
	v, err := strconv.ParseUint(env.Str(name), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", packer.ErrInvalidPolicy, name, err)
	}
	return v, nil
}
