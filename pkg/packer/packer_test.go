package packer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fatih/color"

	"github.com/fortiblox/cavepack/internal/elftest"
	"github.com/fortiblox/cavepack/pkg/elfimage"
	"github.com/fortiblox/cavepack/pkg/x86"
)

func init() {
	color.NoColor = true
}

// sixInstructions is the reference shape: two frame instructions, a
// two-instruction body and a two-instruction epilogue.
var sixInstructions = []byte{
	0x55,             // 401000 push rbp
	0x48, 0x89, 0xe5, // 401001 mov rbp, rsp
	0xb8, 0x2a, 0x00, 0x00, 0x00, // 401004 mov eax, 0x2a
	0x83, 0xc0, 0x01, // 401009 add eax, 1
	0x5d, // 40100c pop rbp
	0xc3, // 40100d ret
}

// branchy has one branch out of the body and one into it.
var branchy = []byte{
	0x55,             // 401000 push rbp
	0x48, 0x89, 0xe5, // 401001 mov rbp, rsp
	0x85, 0xff, // 401004 test edi, edi
	0x74, 0x07, // 401006 je 0x40100f
	0x74, 0x00, // 401008 je 0x40100a
	0xb8, 0x01, 0x00, 0x00, 0x00, // 40100a mov eax, 1
	0x5d, // 40100f pop rbp
	0xc3, // 401010 ret
}

// farBranches leaves the body three times and then jumps five
// instructions ahead. The exits are promoted to rel32 while the forward
// jump stays rel8 between slots.
var farBranches = []byte{
	0x55,             // 401000 push rbp
	0x48, 0x89, 0xe5, // 401001 mov rbp, rsp
	0x74, 0x0b, // 401004 je 0x401011
	0x74, 0x09, // 401006 je 0x401011
	0x74, 0x07, // 401008 je 0x401011
	0x74, 0x04, // 40100a je 0x401010
	0x90, // 40100c nop
	0x90, // 40100d nop
	0x90, // 40100e nop
	0x90, // 40100f nop
	0x90, // 401010 nop
	0x5d, // 401011 pop rbp
	0xc3, // 401012 ret
}

const (
	textAddr   = 0x401000
	textOffset = 0x1000
	caveBase   = 0x404100
	caveOffset = 0x2100
)

func buildImage(t *testing.T, text []byte) (*elfimage.Image, []byte) {
	t.Helper()
	b := elftest.New(text, make([]byte, 0x600))
	b.BSSSize = 0x200
	b.Funcs = []elftest.Func{{Name: "target", Offset: 0, Size: uint64(len(text))}}
	raw := b.Build()
	img, err := elfimage.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return img, raw
}

func run(t *testing.T, text []byte, policy Policy, strategy Strategy) (*Result, []byte) {
	t.Helper()
	img, raw := buildImage(t, text)
	p, err := New(policy)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Run(img, "target", strategy)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res, raw
}

func TestRunScenario(t *testing.T) {
	res, raw := run(t, sixInstructions, DefaultPolicy(), Obfuscate{})
	policy := DefaultPolicy()
	codec := x86.NewCodec(x86.Mode64)

	slots := res.Slots()
	if len(slots) != 3 {
		t.Fatalf("len(slots) = %d, want 3", len(slots))
	}
	if policy.Stride() != 24 {
		t.Fatalf("Stride() = %d, want 24", policy.Stride())
	}
	for i, s := range slots {
		if len(s.Padded) != 8 {
			t.Errorf("slot %d: len(Padded) = %d, want 8", i, len(s.Padded))
		}
		if got := len(s.Bytes(&policy)); got != 24 {
			t.Errorf("slot %d: len(Bytes) = %d, want 24", i, got)
		}
		if s.Address != caveBase+uint64(i*24) || s.InstAddress != s.Address+4 {
			t.Errorf("slot %d at %#x/%#x", i, s.Address, s.InstAddress)
		}
	}
	if !slots[2].Terminal() || slots[0].Terminal() {
		t.Error("only the last slot should be terminal")
	}

	if res.Plan.Cave.Base != caveBase {
		t.Errorf("cave base = %#x, want %#x", res.Plan.Cave.Base, caveBase)
	}
	content := res.Plan.Cave.Content
	if len(content) != 72 {
		t.Fatalf("len(content) = %d, want 72", len(content))
	}

	wantPadded := [][]byte{
		{0xb8, 0x2a, 0x00, 0x00, 0x00, 0x90, 0x90, 0x90},
		{0x83, 0xc0, 0x01, 0x90, 0x90, 0x90, 0x90, 0x90},
		{0xe9, 0xd3, 0xce, 0xff, 0xff, 0x90, 0x90, 0x90},
	}
	for i, want := range wantPadded {
		if !bytes.Equal(slots[i].Padded, want) {
			t.Errorf("slot %d padded = % x, want % x", i, slots[i].Padded, want)
		}
		if !bytes.Equal(content[i*24+4:i*24+12], want) {
			t.Errorf("cave slot %d = % x, want % x", i, content[i*24+4:i*24+12], want)
		}
	}

	// Terminal jump resumes at the fifth instruction.
	term, err := codec.Decode(slots[2].Encoded, slots[2].InstAddress)
	if err != nil {
		t.Fatalf("Decode terminal: %v", err)
	}
	if len(term) != 1 || !term[0].IsRelativeBranch() || term[0].Target() != 0x40100c {
		t.Errorf("terminal slot does not jump to 0x40100c: %+v", term)
	}

	// Entry is a single jump to the cave.
	entry, err := codec.Decode(res.Image[textOffset:textOffset+5], textAddr)
	if err != nil {
		t.Fatalf("Decode entry: %v", err)
	}
	if len(entry) != 1 || !entry[0].IsRelativeBranch() || entry[0].Target() != caveBase {
		t.Errorf("entry does not jump to %#x: % x", caveBase, res.Image[textOffset:textOffset+5])
	}
	if !bytes.Equal(res.Plan.EntryRedirect, []byte{0xe9, 0xfb, 0x30, 0x00, 0x00}) {
		t.Errorf("redirect = % x", res.Plan.EntryRedirect)
	}

	// Nothing else changed.
	if len(res.Image) != len(raw) {
		t.Fatalf("output length %d, input %d", len(res.Image), len(raw))
	}
	for i := range raw {
		inEntry := i >= textOffset && i < textOffset+5
		inCave := i >= caveOffset && i < caveOffset+len(content)
		if inEntry || inCave {
			continue
		}
		if res.Image[i] != raw[i] {
			t.Fatalf("byte %#x changed outside the patched ranges", i)
		}
	}
	if !bytes.Equal(res.Image[caveOffset:caveOffset+len(content)], content) {
		t.Error("cave content not written at the cave file offset")
	}
}

func TestStaticKeyRelation(t *testing.T) {
	res, _ := run(t, sixInstructions, DefaultPolicy(), Obfuscate{})
	slots := res.Slots()
	content := res.Plan.Cave.Content

	for i, s := range slots {
		var want uint64
		if i < len(slots)-1 {
			want = binary.LittleEndian.Uint64(slots[i+1].Padded) - binary.LittleEndian.Uint64(s.Padded)
		}
		if s.Key != want {
			t.Errorf("slot %d key = %#x, want %#x", i, s.Key, want)
		}
		if got := binary.LittleEndian.Uint64(content[i*24+16:]); got != want {
			t.Errorf("slot %d stored key = %#x, want %#x", i, got, want)
		}
	}
}

func TestAddressDeltaKeyRelation(t *testing.T) {
	policy := DefaultPolicy()
	policy.Keys = KeyAddressDelta

	for _, text := range [][]byte{sixInstructions, branchy} {
		res, _ := run(t, text, policy, Obfuscate{})
		slots := res.Slots()
		content := res.Plan.Cave.Content

		for i, s := range slots {
			var want uint64
			if i < len(slots)-1 {
				want = slots[i+1].InstAddress - s.InstAddress
			}
			if s.Key != want {
				t.Errorf("slot %d key = %#x, want %#x", i, s.Key, want)
			}
			if got := binary.LittleEndian.Uint64(content[i*24+16:]); got != want {
				t.Errorf("slot %d stored key = %#x, want %#x", i, got, want)
			}
		}
		if slots[0].Key != 24 {
			t.Errorf("slot 0 key = %d, want 24", slots[0].Key)
		}
	}
}

func TestDisguise(t *testing.T) {
	res, _ := run(t, branchy, DefaultPolicy(), Obfuscate{})
	policy := DefaultPolicy()
	codec := x86.NewCodec(x86.Mode64)
	content := res.Plan.Cave.Content

	for i := range res.Slots() {
		starts := codec.Sweep(content[i*policy.Stride():])
		if len(starts) < 2 || starts[0] != 0 || starts[1] != 2 {
			t.Errorf("slot %d: sweep starts %v, want jump then decoy", i, starts)
			continue
		}
		for _, s := range starts {
			if s == policy.InstOffset() {
				t.Errorf("slot %d: linear sweep starts an instruction at the real instruction", i)
			}
			if s > policy.InstOffset() {
				break
			}
		}
	}
}

func TestBranchRelocation(t *testing.T) {
	res, _ := run(t, branchy, DefaultPolicy(), Obfuscate{})
	codec := x86.NewCodec(x86.Mode64)
	slots := res.Slots()
	if len(slots) != 5 {
		t.Fatalf("len(slots) = %d, want 5", len(slots))
	}

	tests := []struct {
		slot   int
		prefix []byte
		target uint64
	}{
		{1, []byte{0x0f, 0x84}, 0x40100f},      // out of the body, promoted
		{2, []byte{0x74}, slots[3].InstAddress}, // into the body, retargeted
		{4, []byte{0xe9}, 0x40100f},             // terminal
	}

	for _, tt := range tests {
		s := slots[tt.slot]
		if !bytes.HasPrefix(s.Encoded, tt.prefix) {
			t.Errorf("slot %d encoded = % x, want prefix % x", tt.slot, s.Encoded, tt.prefix)
		}
		insts, err := codec.Decode(s.Encoded, s.InstAddress)
		if err != nil {
			t.Fatalf("slot %d: Decode: %v", tt.slot, err)
		}
		if got := insts[0].Target(); got != tt.target {
			t.Errorf("slot %d target = %#x, want %#x", tt.slot, got, tt.target)
		}
	}

	if res.Plan.EntryBudget != 15 {
		t.Errorf("EntryBudget = %d, want 15", res.Plan.EntryBudget)
	}
}

func TestLayoutKeepsSlotEncodings(t *testing.T) {
	for _, keys := range []KeyPolicy{KeyStatic, KeyAddressDelta} {
		t.Run(keys.String(), func(t *testing.T) {
			policy := DefaultPolicy()
			policy.Keys = keys
			res, _ := run(t, farBranches, policy, Obfuscate{})
			slots := res.Slots()
			content := res.Plan.Cave.Content

			if len(slots) != 10 {
				t.Fatalf("len(slots) = %d, want 10", len(slots))
			}
			if len(content) != len(slots)*policy.Stride() {
				t.Fatalf("len(content) = %d, want %d", len(content), len(slots)*policy.Stride())
			}

			var want []byte
			for i := range slots {
				want = append(want, slots[i].Bytes(&policy)...)
			}
			if !bytes.Equal(content, want) {
				t.Error("cave content differs from the slots it was built from")
			}

			fwd := slots[3]
			if !bytes.Equal(fwd.Encoded, []byte{0x74, 0x76}) {
				t.Errorf("slot 3 encoded = % x, want 74 76", fwd.Encoded)
			}
			at := 3*policy.Stride() + policy.InstOffset()
			if !bytes.Equal(content[at:at+len(fwd.Encoded)], fwd.Encoded) {
				t.Errorf("slot 3 in cave = % x, want % x", content[at:at+8], fwd.Encoded)
			}
			for i := 0; i < 3; i++ {
				if !bytes.HasPrefix(slots[i].Encoded, []byte{0x0f, 0x84}) {
					t.Errorf("slot %d encoded = % x, want je rel32", i, slots[i].Encoded)
				}
			}
		})
	}
}

func TestRunReplace(t *testing.T) {
	res, raw := run(t, sixInstructions, DefaultPolicy(), Replace{Payload: DemoPayload})

	if res.Slots() != nil {
		t.Error("replace mode should not build slots")
	}
	if res.Strategy != "replace" {
		t.Errorf("Strategy = %q", res.Strategy)
	}
	if !bytes.Equal(res.Plan.Cave.Content, DemoPayload) {
		t.Error("cave content is not the replacement payload")
	}
	if res.Plan.EntryBudget != len(sixInstructions) {
		t.Errorf("EntryBudget = %d, want %d", res.Plan.EntryBudget, len(sixInstructions))
	}
	if !bytes.Equal(res.Image[caveOffset:caveOffset+len(DemoPayload)], DemoPayload) {
		t.Error("payload not written")
	}
	if !bytes.Equal(res.Image[textOffset+5:textOffset+len(sixInstructions)], raw[textOffset+5:textOffset+len(sixInstructions)]) {
		t.Error("bytes after the redirect changed")
	}
}

func TestRunDeterministic(t *testing.T) {
	for _, keys := range []KeyPolicy{KeyStatic, KeyAddressDelta} {
		policy := DefaultPolicy()
		policy.Keys = keys
		a, _ := run(t, branchy, policy, Obfuscate{})
		b, _ := run(t, branchy, policy, Obfuscate{})
		if !bytes.Equal(a.Image, b.Image) {
			t.Errorf("%v: two runs produced different images", keys)
		}
	}
}

func TestRunErrors(t *testing.T) {
	wide := []byte{
		0x55, 0x48, 0x89, 0xe5,
		0x48, 0xc7, 0xc0, 0x2a, 0x00, 0x00, 0x00, // mov rax, 0x2a
		0x5d, 0xc3,
	}

	tests := []struct {
		name      string
		text      []byte
		symbol    string
		mutate    func(p *Policy)
		strategy  Strategy
		wantErr   error
		wantStage Stage
	}{
		{"missing symbol", sixInstructions, "nope", nil, Obfuscate{}, ErrNotFound, StageResolve},
		{"missing section", sixInstructions, "target", func(p *Policy) { p.CaveSection = ".rodata" }, Obfuscate{}, ErrNotFound, StageCave},
		{"read-only section", sixInstructions, "target", func(p *Policy) { p.CaveSection = ".text" }, Obfuscate{}, ErrInvalidPolicy, StageCave},
		{"bss cave", sixInstructions, "target", func(p *Policy) { p.CaveSection = ".bss" }, Obfuscate{}, ErrInvalidPolicy, StageCave},
		{"offset past section", sixInstructions, "target", func(p *Policy) { p.CaveOffset = 0x1000 }, Obfuscate{}, ErrCaveOverflow, StageCave},
		{"too few instructions", []byte{0x55, 0x5d, 0xc3}, "target", nil, Obfuscate{}, ErrMalformedFunction, StageExtract},
		{"slot overflow", wide, "target", func(p *Policy) { p.SlotWidth = 6 }, Obfuscate{}, ErrSlotOverflow, StageObfuscate},
		{"cave overflow", sixInstructions, "target", func(p *Policy) { p.CaveCapacity = 48 }, Obfuscate{}, ErrCaveOverflow, StageCave},
		{"cave overflow replace", sixInstructions, "target", func(p *Policy) { p.CaveCapacity = 16 }, Replace{Payload: DemoPayload}, ErrCaveOverflow, StageCave},
		{"entry budget", sixInstructions, "target", func(p *Policy) { p.EntryBudget = 4 }, Obfuscate{}, ErrPatchOverflow, StagePatch},
		{"empty replacement", sixInstructions, "target", nil, Replace{}, ErrInvalidPolicy, StageObfuscate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, raw := buildImage(t, tt.text)
			before := bytes.Clone(raw)

			policy := DefaultPolicy()
			if tt.mutate != nil {
				tt.mutate(&policy)
			}
			p, err := New(policy)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			res, err := p.Run(img, tt.symbol, tt.strategy)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if res != nil {
				t.Error("Run() returned a result with an error")
			}
			if stage, ok := FailedStage(err); !ok || stage != tt.wantStage {
				t.Errorf("stage = %q, want %q", stage, tt.wantStage)
			}
			if !bytes.Equal(raw, before) {
				t.Error("input image was modified")
			}
		})
	}
}

func TestTrace(t *testing.T) {
	res, _ := run(t, sixInstructions, DefaultPolicy(), Obfuscate{})

	stages := map[Stage]bool{}
	for _, e := range res.Trace.Events {
		stages[e.Stage] = true
	}
	for _, s := range []Stage{StageResolve, StageCave, StageExtract, StageObfuscate, StageLayout, StagePatch} {
		if !stages[s] {
			t.Errorf("trace has no %s event", s)
		}
	}
	if len(res.Trace.Events[0].Lines) != 6 {
		t.Errorf("resolve listing has %d lines, want 6", len(res.Trace.Events[0].Lines))
	}
}
