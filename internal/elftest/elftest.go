// Package elftest builds small x86-64 ELF executables for tests.
package elftest

import (
	"encoding/binary"

	"github.com/klauspost/compress/zstd"
)

// Func describes a function placed in .text.
type Func struct {
	Name   string
	Offset uint64 // offset within .text
	Size   uint64
}

// Builder assembles an ELF64 executable with .text, .data, an optional
// .bss, a symbol table and optional DWARF subprogram entries.
type Builder struct {
	Machine uint16

	TextAddr uint64
	Text     []byte

	// DataAddr must be page aligned.
	DataAddr uint64
	Data     []byte

	BSSSize uint64

	Funcs []Func

	// DebugFuncs are described only in .debug_info.
	DebugFuncs []Func

	// CompressDebug stores the DWARF sections as zstd SHF_COMPRESSED.
	CompressDebug bool
}

// New returns a builder with the conventional non-PIE load addresses.
func New(text, data []byte) *Builder {
	return &Builder{
		Machine:  62,
		TextAddr: 0x401000,
		Text:     text,
		DataAddr: 0x404000,
		Data:     data,
	}
}

const (
	pageSize   = 0x1000
	ehdrSize   = 64
	phdrSize   = 56
	shdrSize   = 64
	symSize    = 24
	chdrSize   = 24
	textOffset = pageSize
)

type section struct {
	name    string
	typ     uint32
	flags   uint64
	addr    uint64
	offset  uint64
	size    uint64
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
}

// Build returns the encoded image.
func (b *Builder) Build() []byte {
	le := binary.LittleEndian
	buf := make([]byte, textOffset)
	secs := []section{{}}

	// .text
	buf = append(buf, b.Text...)
	secs = append(secs, section{name: ".text", typ: 1, flags: 0x6, addr: b.TextAddr,
		offset: textOffset, size: uint64(len(b.Text)), align: 16})
	textIndex := uint32(len(secs) - 1)

	// .data, congruent with its address modulo the page size.
	buf = pad(buf, pageSize)
	dataOffset := uint64(len(buf)) + b.DataAddr%pageSize
	buf = append(buf, make([]byte, dataOffset-uint64(len(buf)))...)
	buf = append(buf, b.Data...)
	secs = append(secs, section{name: ".data", typ: 1, flags: 0x3, addr: b.DataAddr,
		offset: dataOffset, size: uint64(len(b.Data)), align: 16})

	bssAddr := b.DataAddr + uint64(len(b.Data))
	if b.BSSSize > 0 {
		bssAddr = (bssAddr + 15) &^ 15
		secs = append(secs, section{name: ".bss", typ: 8, flags: 0x3, addr: bssAddr,
			offset: uint64(len(buf)), size: b.BSSSize, align: 16})
	}

	// .symtab and .strtab
	strtab := []byte{0}
	buf = pad(buf, 8)
	symOffset := uint64(len(buf))
	buf = append(buf, make([]byte, symSize)...)
	for _, fn := range b.Funcs {
		sym := make([]byte, symSize)
		le.PutUint32(sym[0:], uint32(len(strtab)))
		sym[4] = 0x12 // STB_GLOBAL | STT_FUNC
		le.PutUint16(sym[6:], uint16(textIndex))
		le.PutUint64(sym[8:], b.TextAddr+fn.Offset)
		le.PutUint64(sym[16:], fn.Size)
		buf = append(buf, sym...)
		strtab = append(strtab, fn.Name...)
		strtab = append(strtab, 0)
	}
	symtabIndex := uint32(len(secs))
	secs = append(secs, section{name: ".symtab", typ: 2, offset: symOffset,
		size: uint64(len(buf)) - symOffset, link: symtabIndex + 1, info: 1, align: 8, entsize: symSize})
	secs = append(secs, section{name: ".strtab", typ: 3, offset: uint64(len(buf)),
		size: uint64(len(strtab)), align: 1})
	buf = append(buf, strtab...)

	if len(b.DebugFuncs) > 0 {
		abbrev, info := b.dwarf()
		var flags uint64
		if b.CompressDebug {
			abbrev, info = compress(abbrev), compress(info)
			flags = 0x800
		}
		for _, s := range []struct {
			name string
			data []byte
		}{{".debug_abbrev", abbrev}, {".debug_info", info}} {
			buf = pad(buf, 8)
			secs = append(secs, section{name: s.name, typ: 1, flags: flags,
				offset: uint64(len(buf)), size: uint64(len(s.data)), align: 1})
			buf = append(buf, s.data...)
		}
	}

	// .shstrtab
	shstrtab := []byte{0}
	names := make([]uint32, len(secs)+1)
	for i := 1; i < len(secs); i++ {
		names[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, secs[i].name...)
		shstrtab = append(shstrtab, 0)
	}
	names[len(secs)] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab"...)
	shstrtab = append(shstrtab, 0)
	secs = append(secs, section{name: ".shstrtab", typ: 3, offset: uint64(len(buf)),
		size: uint64(len(shstrtab)), align: 1})
	buf = append(buf, shstrtab...)

	// Section headers.
	buf = pad(buf, 8)
	shoff := uint64(len(buf))
	for i, s := range secs {
		sh := make([]byte, shdrSize)
		le.PutUint32(sh[0:], names[i])
		le.PutUint32(sh[4:], s.typ)
		le.PutUint64(sh[8:], s.flags)
		le.PutUint64(sh[16:], s.addr)
		le.PutUint64(sh[24:], s.offset)
		le.PutUint64(sh[32:], s.size)
		le.PutUint32(sh[40:], s.link)
		le.PutUint32(sh[44:], s.info)
		le.PutUint64(sh[48:], s.align)
		le.PutUint64(sh[56:], s.entsize)
		buf = append(buf, sh...)
	}

	// ELF header.
	copy(buf[0:], []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le.PutUint16(buf[16:], 2) // ET_EXEC
	le.PutUint16(buf[18:], b.Machine)
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], b.TextAddr)
	le.PutUint64(buf[32:], ehdrSize)
	le.PutUint64(buf[40:], shoff)
	le.PutUint16(buf[52:], ehdrSize)
	le.PutUint16(buf[54:], phdrSize)
	le.PutUint16(buf[56:], 2)
	le.PutUint16(buf[58:], shdrSize)
	le.PutUint16(buf[60:], uint16(len(secs)))
	le.PutUint16(buf[62:], uint16(len(secs)-1))

	// PT_LOAD for text (R+X) and data (R+W).
	memsz := bssAddr + b.BSSSize - b.DataAddr
	loads := []struct {
		flags        uint32
		off, addr    uint64
		filesz, mems uint64
	}{
		{5, textOffset, b.TextAddr, uint64(len(b.Text)), uint64(len(b.Text))},
		{6, dataOffset, b.DataAddr, uint64(len(b.Data)), memsz},
	}
	for i, l := range loads {
		ph := buf[ehdrSize+i*phdrSize:]
		le.PutUint32(ph[0:], 1)
		le.PutUint32(ph[4:], l.flags)
		le.PutUint64(ph[8:], l.off)
		le.PutUint64(ph[16:], l.addr)
		le.PutUint64(ph[24:], l.addr)
		le.PutUint64(ph[32:], l.filesz)
		le.PutUint64(ph[40:], l.mems)
		le.PutUint64(ph[48:], pageSize)
	}

	return buf
}

// dwarf encodes a DWARF 4 compile unit holding one subprogram per
// DebugFunc, each with DW_AT_name, DW_AT_low_pc and a data4 DW_AT_high_pc.
func (b *Builder) dwarf() (abbrev, info []byte) {
	abbrev = []byte{
		1, 0x11, 1, 0, 0, // compile_unit, has children
		2, 0x2e, 0, 0x03, 0x08, 0x11, 0x01, 0x12, 0x06, 0, 0, // subprogram
		0,
	}

	die := []byte{1}
	for _, fn := range b.DebugFuncs {
		die = append(die, 2)
		die = append(die, fn.Name...)
		die = append(die, 0)
		die = binary.LittleEndian.AppendUint64(die, b.TextAddr+fn.Offset)
		die = binary.LittleEndian.AppendUint32(die, uint32(fn.Size))
	}
	die = append(die, 0)

	hdr := []byte{4, 0, 0, 0, 0, 0, 8} // version 4, abbrev offset 0, address size 8
	info = binary.LittleEndian.AppendUint32(nil, uint32(len(hdr)+len(die)))
	info = append(info, hdr...)
	info = append(info, die...)
	return abbrev, info
}

func compress(data []byte) []byte {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(err)
	}
	defer enc.Close()

	out := make([]byte, chdrSize)
	binary.LittleEndian.PutUint32(out[0:], 2) // ELFCOMPRESS_ZSTD
	binary.LittleEndian.PutUint64(out[8:], uint64(len(data)))
	binary.LittleEndian.PutUint64(out[16:], 1)
	return enc.EncodeAll(data, out)
}

func pad(buf []byte, align int) []byte {
	for len(buf)%align != 0 {
		buf = append(buf, 0)
	}
	return buf
}
