package packer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fortiblox/cavepack/internal/types"
	"github.com/fortiblox/cavepack/pkg/x86"
)

func decode(t *testing.T, code []byte) []x86.Instruction {
	t.Helper()
	insts, err := x86.NewCodec(x86.Mode64).Decode(code, textAddr)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return insts
}

func TestExtract(t *testing.T) {
	insts := decode(t, sixInstructions)

	tests := []struct {
		name        string
		prologue    int
		epilogue    int
		wantPayload int
		wantResume  uint64
		wantErr     error
	}{
		{"reference", 2, 2, 2, 0x40100c, nil},
		{"keep frame", 0, 1, 5, 0x40100d, nil},
		{"empty payload", 3, 3, 0, 0x401009, nil},
		{"too many", 4, 3, 0, 0, ErrMalformedFunction},
		{"no epilogue", 2, 0, 0, 0, ErrMalformedFunction},
		{"negative prologue", -1, 2, 0, 0, ErrMalformedFunction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := DefaultPolicy()
			policy.Prologue, policy.Epilogue = tt.prologue, tt.epilogue

			ext, err := Extract(insts, policy)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Extract() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if len(ext.Payload) != tt.wantPayload {
				t.Errorf("len(Payload) = %d, want %d", len(ext.Payload), tt.wantPayload)
			}
			if ext.Resume != tt.wantResume {
				t.Errorf("Resume = %#x, want %#x", ext.Resume, tt.wantResume)
			}
			if len(ext.Prologue)+len(ext.Payload)+len(ext.Epilogue) != len(insts) {
				t.Error("split lost instructions")
			}
		})
	}
}

func TestBuildSlotsEmptyPayload(t *testing.T) {
	insts := decode(t, sixInstructions)
	policy := DefaultPolicy()
	policy.Prologue, policy.Epilogue = 3, 3

	ext, err := Extract(insts, policy)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	slots, err := BuildSlots(x86.NewCodec(x86.Mode64), ext, caveBase, policy)
	if err != nil {
		t.Fatalf("BuildSlots: %v", err)
	}
	if len(slots) != 1 || !slots[0].Terminal() {
		t.Fatalf("want a single terminal slot, got %d", len(slots))
	}
}

func TestStaticKeysNarrowSlots(t *testing.T) {
	slots := []Slot{
		{Padded: []byte{0x01, 0x00, 0x00, 0x00, 0x00}},
		{Padded: []byte{0x00, 0x00, 0x00, 0x00, 0x00}},
		{Padded: []byte{0xff, 0xff, 0xff, 0xff, 0xff}},
	}
	StaticKeys(slots)

	want := []uint64{0xffffffffffffffff, 0xffffffffff, 0}
	for i, w := range want {
		if slots[i].Key != w {
			t.Errorf("key[%d] = %#x, want %#x", i, slots[i].Key, w)
		}
	}
}

func TestSlotBytesMatchesLayout(t *testing.T) {
	policy := DefaultPolicy()
	codec := x86.NewCodec(x86.Mode64)
	ext, err := Extract(decode(t, sixInstructions), policy)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	slots, err := BuildSlots(codec, ext, caveBase, policy)
	if err != nil {
		t.Fatalf("BuildSlots: %v", err)
	}
	StaticKeys(slots)

	layout, err := LayOut(codec, slots, caveBase, policy)
	if err != nil {
		t.Fatalf("LayOut: %v", err)
	}

	var want []byte
	for i := range slots {
		want = append(want, slots[i].Bytes(&policy)...)
		if layout.Addrs[i] != slots[i].InstAddress {
			t.Errorf("Addrs[%d] = %#x, want %#x", i, layout.Addrs[i], slots[i].InstAddress)
		}
	}
	if !bytes.Equal(layout.Code, want) {
		t.Errorf("layout differs from slot bytes:\n% x\n% x", layout.Code, want)
	}
}

func TestLayOutRejectsInconsistentSlots(t *testing.T) {
	policy := DefaultPolicy()
	codec := x86.NewCodec(x86.Mode64)

	tests := []struct {
		name   string
		tamper func(slots []Slot)
	}{
		{"moved instruction", func(slots []Slot) { slots[1].InstAddress++ }},
		{"padding shorter than width", func(slots []Slot) { slots[0].Padded = slots[0].Padded[:len(slots[0].Encoded)] }},
		{"padding not nops", func(slots []Slot) {
			last := &slots[len(slots)-1]
			last.Padded[len(last.Padded)-1] = 0xcc
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, err := Extract(decode(t, sixInstructions), policy)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			slots, err := BuildSlots(codec, ext, caveBase, policy)
			if err != nil {
				t.Fatalf("BuildSlots: %v", err)
			}
			tt.tamper(slots)

			if _, err := LayOut(codec, slots, caveBase, policy); !errors.Is(err, ErrKeyComputation) {
				t.Errorf("LayOut() error = %v, want %v", err, ErrKeyComputation)
			}
		})
	}
}

func TestBackpatch(t *testing.T) {
	policy := DefaultPolicy()
	codec := x86.NewCodec(x86.Mode64)

	newLayout := func(t *testing.T) *Layout {
		ext, err := Extract(decode(t, sixInstructions), policy)
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		slots, err := BuildSlots(codec, ext, caveBase, policy)
		if err != nil {
			t.Fatalf("BuildSlots: %v", err)
		}
		layout, err := LayOut(codec, slots, caveBase, policy)
		if err != nil {
			t.Fatalf("LayOut: %v", err)
		}
		return layout
	}

	t.Run("ok", func(t *testing.T) {
		layout := newLayout(t)
		keys, err := Backpatch(layout, policy.Stride(), policy.KeyOffset())
		if err != nil {
			t.Fatalf("Backpatch: %v", err)
		}
		want := []uint64{24, 24, 0}
		for i, w := range want {
			if keys[i] != w {
				t.Errorf("key[%d] = %d, want %d", i, keys[i], w)
			}
			if got := binary.LittleEndian.Uint64(layout.Code[i*24+16:]); got != w {
				t.Errorf("stored key[%d] = %d, want %d", i, got, w)
			}
		}
	})

	tests := []struct {
		name      string
		mutate    func(l *Layout)
		stride    int
		keyOffset int
	}{
		{"wrong stride", nil, 20, 12},
		{"wrong key offset", nil, 24, 12},
		{"key past stride", nil, 24, 20},
		{"truncated stream", func(l *Layout) { l.Code = l.Code[:len(l.Code)-1] }, 24, 16},
		{"address count", func(l *Layout) { l.Addrs = l.Addrs[:2] }, 24, 16},
		{"clobbered marker", func(l *Layout) { l.Code[24+12] = 0x90 }, 24, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layout := newLayout(t)
			if tt.mutate != nil {
				tt.mutate(layout)
			}
			if _, err := Backpatch(layout, tt.stride, tt.keyOffset); !errors.Is(err, ErrKeyComputation) {
				t.Errorf("Backpatch() error = %v, want %v", err, ErrKeyComputation)
			}
		})
	}
}

func TestAllocateCave(t *testing.T) {
	data := types.Section{
		Name: ".data", Addr: 0x404000, Offset: 0x2000, Size: 0x300,
		Flags: types.SectionWrite | types.SectionAlloc, FileBacked: true,
		Data: make([]byte, 0x300),
	}

	tests := []struct {
		name         string
		sec          types.Section
		offset       uint64
		capacity     uint64
		wantCapacity uint64
		wantErr      error
	}{
		{"policy capacity", data, 0x100, 0x100, 0x100, nil},
		{"capped by section", data, 0x100, 0x400, 0x200, nil},
		{"offset past end", data, 0x300, 0x400, 0, ErrCaveOverflow},
		{"not writable", types.Section{Name: ".text", Size: 0x300, FileBacked: true}, 0x100, 0x400, 0, ErrInvalidPolicy},
		{"nobits", types.Section{Name: ".bss", Size: 0x300, Flags: types.SectionWrite}, 0x100, 0x400, 0, ErrInvalidPolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := DefaultPolicy()
			policy.CaveOffset, policy.CaveCapacity = tt.offset, tt.capacity

			cave, err := AllocateCave(tt.sec, policy)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("AllocateCave() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if cave.Capacity != tt.wantCapacity {
				t.Errorf("Capacity = %#x, want %#x", cave.Capacity, tt.wantCapacity)
			}
			if cave.Base != tt.sec.Addr+tt.offset || cave.Offset != tt.sec.Offset+tt.offset {
				t.Errorf("cave at %#x (file %#x)", cave.Base, cave.Offset)
			}
			if err := cave.Fit(make([]byte, tt.wantCapacity)); err != nil {
				t.Errorf("Fit(capacity) = %v", err)
			}
			if err := cave.Fit(make([]byte, tt.wantCapacity+1)); !errors.Is(err, ErrCaveOverflow) {
				t.Errorf("Fit(capacity+1) = %v, want %v", err, ErrCaveOverflow)
			}
		})
	}
}

func TestCaveClobbers(t *testing.T) {
	sec := types.Section{
		Name: ".data", Addr: 0x404000, Size: 0x200,
		Flags: types.SectionWrite, FileBacked: true, Data: make([]byte, 0x200),
	}
	sec.Data[0x180] = 1

	cave, err := AllocateCave(sec, DefaultPolicy())
	if err != nil {
		t.Fatalf("AllocateCave: %v", err)
	}
	if err := cave.Fit(make([]byte, 0x40)); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if cave.Clobbers() {
		t.Error("0x100-0x140 is zero")
	}
	if err := cave.Fit(make([]byte, 0x90)); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if !cave.Clobbers() {
		t.Error("0x180 is non-zero")
	}
}

func TestEntryBudget(t *testing.T) {
	tests := []struct {
		derived int
		policy  int
		want    int
	}{
		{12, 0, 12},
		{12, 5, 5},
		{12, 20, 12},
	}

	for _, tt := range tests {
		policy := DefaultPolicy()
		policy.EntryBudget = tt.policy
		if got := EntryBudget(tt.derived, policy); got != tt.want {
			t.Errorf("EntryBudget(%d, %d) = %d, want %d", tt.derived, tt.policy, got, tt.want)
		}
	}
}

func TestPlanPatchOverlap(t *testing.T) {
	img, _ := buildImage(t, sixInstructions)
	sub, err := img.Subroutine("target")
	if err != nil {
		t.Fatalf("Subroutine: %v", err)
	}

	cave := &Cave{Base: sub.Start + 2, Capacity: 0x10, Content: []byte{0x90}}
	_, err = PlanPatch(x86.NewCodec(x86.Mode64), img, sub, cave, 12)
	if !errors.Is(err, ErrPatchOverflow) {
		t.Errorf("PlanPatch() error = %v, want %v", err, ErrPatchOverflow)
	}
}

func TestPlanPatchRanges(t *testing.T) {
	img, _ := buildImage(t, sixInstructions)
	sub, err := img.Subroutine("target")
	if err != nil {
		t.Fatalf("Subroutine: %v", err)
	}
	size := uint64(len(img.Bytes()))

	tests := []struct {
		name string
		sub  types.Subroutine
		cave *Cave
	}{
		{"redirect longer than function", types.NewSubroutine("tiny", sub.Start, 3),
			&Cave{Base: sub.Start + 0x1000, Content: []byte{0x90}}},
		{"cave past end of file", sub,
			&Cave{Base: sub.Start + 0x1000, Offset: size - 1, Content: []byte{0x90, 0x90}}},
		{"cave offset wraps", sub,
			&Cave{Base: sub.Start + 0x1000, Offset: ^uint64(0), Content: []byte{0x90, 0x90}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PlanPatch(x86.NewCodec(x86.Mode64), img, tt.sub, tt.cave, 12)
			if !errors.Is(err, ErrPatchOverflow) {
				t.Errorf("PlanPatch() error = %v, want %v", err, ErrPatchOverflow)
			}
		})
	}
}

func TestApplyChecksImageSize(t *testing.T) {
	plan := &PatchPlan{
		EntryOffset:   2,
		EntryRedirect: []byte{0xe9, 0, 0, 0, 0},
		Cave:          &Cave{Offset: 8, Content: []byte{0x90, 0x90}},
	}

	out, err := Apply(make([]byte, 10), plan)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out[2] != 0xe9 || out[9] != 0x90 {
		t.Errorf("Apply() = % x", out)
	}

	if _, err := Apply(make([]byte, 9), plan); !errors.Is(err, ErrPatchOverflow) {
		t.Errorf("Apply() error = %v, want %v", err, ErrPatchOverflow)
	}
}
