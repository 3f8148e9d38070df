package x86

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/arch/x86/x86asm"
)

// byteColumns is the number of hex byte columns reserved per line.
const byteColumns = 12

var (
	colorAddr  = color.New(color.Faint).SprintfFunc()
	colorBytes = color.New(color.FgHiBlack).SprintFunc()
	colorOp    = color.New(color.FgHiCyan).SprintFunc()
	colorData  = color.New(color.FgYellow).SprintFunc()
)

// Render formats one instruction as a listing line:
//
//	00001139 <+0000> 55                                  push rbp
//
// The offset column is relative to base.
func (c Codec) Render(inst Instruction, base uint64) string {
	var sb strings.Builder

	sb.WriteString(colorAddr("%08x <%+05x> ", inst.Address, int64(inst.Address-base)))

	var hex strings.Builder
	for _, b := range inst.Raw {
		fmt.Fprintf(&hex, "%02x ", b)
	}
	for n := len(inst.Raw); n < byteColumns; n++ {
		hex.WriteString("   ")
	}
	sb.WriteString(colorBytes(hex.String()))

	if inst.decoded {
		sb.WriteString(colorOp(x86asm.IntelSyntax(inst.Inst, inst.Address, nil)))
	} else {
		sb.WriteString(colorData(fmt.Sprintf("db % #x", inst.Raw)))
	}

	return sb.String()
}

// Listing renders every instruction in insts.
func (c Codec) Listing(insts []Instruction, base uint64) []string {
	lines := make([]string, 0, len(insts))
	for _, inst := range insts {
		lines = append(lines, c.Render(inst, base))
	}
	return lines
}

// Disassemble renders code loaded at addr the way a linear-sweep
// disassembler sees it. Bytes that do not decode are emitted one at a time
// as data, so the sweep never stops early.
func (c Codec) Disassemble(code []byte, addr uint64) []string {
	var lines []string
	for off := 0; off < len(code); {
		pc := addr + uint64(off)
		inst, err := decodeOne(code[off:], c.mode())
		if err != nil {
			d := Data(code[off])
			d.Address = pc
			lines = append(lines, c.Render(d, addr))
			off++
			continue
		}
		lines = append(lines, c.Render(newInstruction(inst, code[off:], pc), addr))
		off += inst.Len
	}
	return lines
}

// Sweep decodes code linearly and returns the offsets at which the sweep
// starts an instruction. Undecodable bytes count as one-byte instructions.
func (c Codec) Sweep(code []byte) []int {
	var starts []int
	for off := 0; off < len(code); {
		starts = append(starts, off)
		inst, err := decodeOne(code[off:], c.mode())
		if err != nil {
			off++
			continue
		}
		off += inst.Len
	}
	return starts
}
