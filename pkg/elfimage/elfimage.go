// Package elfimage parses x86-64 ELF executables and answers the questions
// the packer asks of an input image: where a named subroutine lives, where a
// section is loaded, and which file offset backs a virtual address.
//
// It handles:
// - ELF header validation (ELF64, little endian, EM_X86_64, EXEC or DYN)
// - Section header and section name parsing
// - .symtab / .dynsym function symbols
// - DWARF subprogram entries as a fallback for stripped symbol tables
package elfimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/cavepack/internal/types"
)

// File layout constants.
const (
	identSize    = 16
	classELF64   = 2
	dataLSB      = 1
	machineAMD64 = 62
	typeExec     = 2
	typeDyn      = 3 // PIE

	headerSize  = 64
	sectionSize = 64
	symbolSize  = 24
)

// Section header types and flags.
const (
	shtNull   = 0
	shtNobits = 8

	shfWrite      = 0x1
	shfAlloc      = 0x2
	shfExecInstr  = 0x4
	shfCompressed = 0x800 // contents start with an Elf64_Chdr
)

const sttFunc = 2

// ELF errors.
var (
	ErrInvalidELF         = errors.New("not an ELF image")
	ErrUnsupportedClass   = errors.New("ELF class is not 64-bit")
	ErrUnsupportedEndian  = errors.New("ELF data is not little-endian")
	ErrUnsupportedMachine = errors.New("machine is not x86-64")
	ErrInvalidSection     = errors.New("malformed section")
	ErrSectionNotFound    = errors.New("section not found")
	ErrSymbolNotFound     = errors.New("subroutine not found")
	ErrAddressNotMapped   = errors.New("address not backed by file contents")
	ErrTooLarge           = errors.New("image too large")
)

// Limits on untrusted input.
const (
	MaxImageSize = 1 << 30
	MaxSections  = 1 << 16
	MaxSymbols   = 1 << 22
)

// fileHeader is Elf64_Ehdr.
type fileHeader struct {
	Ident     [identSize]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// sectionHeader is Elf64_Shdr.
type sectionHeader struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// vrange returns the virtual address range of the section.
func (sh *sectionHeader) vrange() types.Range {
	return types.Range{Start: sh.Addr, End: sh.Addr + sh.Size}
}

// end returns the file offset just past the section, or false when the
// range wraps.
func (sh *sectionHeader) end() (uint64, bool) {
	e := sh.Offset + sh.Size
	return e, e >= sh.Offset
}

// symbol is Elf64_Sym.
type symbol struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// Image is a parsed, read-only view of an ELF executable.
type Image struct {
	data     []byte
	header   *fileHeader
	sections []sectionHeader
	names    []string

	// funcs holds every named STT_FUNC symbol, .symtab first.
	funcs []types.Subroutine

	debug *debugInfo
}

// Parse parses an ELF image. data is retained and must not be modified.
func Parse(data []byte) (*Image, error) {
	if len(data) > MaxImageSize {
		return nil, ErrTooLarge
	}

	header, err := readHeader(data)
	if err != nil {
		return nil, err
	}

	sections, err := readSections(data, header)
	if err != nil {
		return nil, err
	}

	names, err := sectionNames(data, sections, header.Shstrndx)
	if err != nil {
		return nil, err
	}

	img := &Image{
		data:     data,
		header:   header,
		sections: sections,
		names:    names,
	}

	for _, table := range []struct{ sym, str string }{
		{".symtab", ".strtab"},
		{".dynsym", ".dynstr"},
	} {
		symtab := lookup(sections, names, table.sym)
		strtab := lookup(sections, names, table.str)
		if symtab == nil || strtab == nil {
			continue
		}

		syms, err := readSymbols(data, symtab)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", table.sym, err)
		}
		strs, err := contents(data, strtab)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", table.str, err)
		}

		for _, sym := range syms {
			if sym.Info&0xf != sttFunc || sym.Shndx == 0 || sym.Size == 0 {
				continue
			}
			if name := cstring(strs, sym.Name); name != "" {
				img.funcs = append(img.funcs, types.NewSubroutine(name, sym.Value, sym.Size))
			}
		}
	}

	return img, nil
}

// Bytes returns the raw image. Callers must not modify it.
func (img *Image) Bytes() []byte {
	return img.data
}

// Entry returns the ELF entry point.
func (img *Image) Entry() uint64 {
	return img.header.Entry
}

// Section returns the named section.
func (img *Image) Section(name string) (types.Section, error) {
	for i, n := range img.names {
		if n == name && img.sections[i].Type != shtNull {
			return img.toSection(i)
		}
	}
	return types.Section{}, fmt.Errorf("%w: %s", ErrSectionNotFound, name)
}

// Sections returns every non-null section in header order.
func (img *Image) Sections() []types.Section {
	var out []types.Section
	for i := range img.sections {
		if img.sections[i].Type == shtNull {
			continue
		}
		sec, err := img.toSection(i)
		if err != nil {
			continue
		}
		out = append(out, sec)
	}
	return out
}

func (img *Image) toSection(i int) (types.Section, error) {
	hdr := &img.sections[i]
	sec := types.Section{
		Name:       img.names[i],
		Addr:       hdr.Addr,
		Offset:     hdr.Offset,
		Size:       hdr.Size,
		Flags:      hdr.Flags,
		FileBacked: hdr.Type != shtNobits,
	}
	if sec.FileBacked {
		data, err := contents(img.data, hdr)
		if err != nil {
			return types.Section{}, fmt.Errorf("%s: %w", sec.Name, err)
		}
		sec.Data = append([]byte(nil), data...)
	}
	return sec, nil
}

// Subroutine resolves a function by name. Symbol tables are consulted
// first, then DWARF subprogram entries.
func (img *Image) Subroutine(name string) (types.Subroutine, error) {
	for _, fn := range img.funcs {
		if fn.Name == name {
			return img.checkMapped(fn)
		}
	}

	debug, err := img.debugInfo()
	if err != nil {
		return types.Subroutine{}, err
	}
	if debug != nil {
		fn, ok, err := debug.subprogram(name)
		if err != nil {
			return types.Subroutine{}, err
		}
		if ok {
			return img.checkMapped(fn)
		}
	}

	return types.Subroutine{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
}

// Functions returns every function symbol with a non-zero size.
func (img *Image) Functions() []types.Subroutine {
	return append([]types.Subroutine(nil), img.funcs...)
}

// checkMapped verifies that the whole subroutine is file backed by a
// single executable section.
func (img *Image) checkMapped(fn types.Subroutine) (types.Subroutine, error) {
	hdr := img.sectionFor(fn.Start)
	if hdr == nil || !hdr.vrange().ContainsRange(fn.Range()) {
		return types.Subroutine{}, fmt.Errorf("%w: %v", ErrAddressNotMapped, fn)
	}
	if hdr.Flags&shfExecInstr == 0 {
		return types.Subroutine{}, fmt.Errorf("%w: %v is not in an executable section", ErrInvalidSection, fn)
	}
	return fn, nil
}

// FileOffset translates a virtual address to the file offset backing it.
func (img *Image) FileOffset(addr uint64) (uint64, error) {
	hdr := img.sectionFor(addr)
	if hdr == nil {
		return 0, fmt.Errorf("%w: %#x", ErrAddressNotMapped, addr)
	}
	return hdr.Offset + (addr - hdr.Addr), nil
}

// ReadAt returns n bytes of the image starting at virtual address addr.
func (img *Image) ReadAt(addr, n uint64) ([]byte, error) {
	want := types.Range{Start: addr, End: addr + n}
	hdr := img.sectionFor(addr)
	if hdr == nil || want.Validate() != nil || !hdr.vrange().ContainsRange(want) {
		return nil, fmt.Errorf("%w: %#x+%#x", ErrAddressNotMapped, addr, n)
	}
	off := hdr.Offset + (addr - hdr.Addr)
	return img.data[off : off+n], nil
}

// sectionFor returns the allocated, file-backed section containing addr.
func (img *Image) sectionFor(addr uint64) *sectionHeader {
	for i := range img.sections {
		sec := &img.sections[i]
		if sec.Flags&shfAlloc == 0 || sec.Type == shtNobits || sec.Type == shtNull {
			continue
		}
		if sec.vrange().Contains(addr) {
			return sec
		}
	}
	return nil
}

// readHeader decodes and checks the file header.
func readHeader(data []byte) (*fileHeader, error) {
	if len(data) < headerSize || string(data[:4]) != "\x7fELF" {
		return nil, ErrInvalidELF
	}

	var h fileHeader
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidELF, err)
	}

	switch {
	case h.Ident[4] != classELF64:
		return nil, ErrUnsupportedClass
	case h.Ident[5] != dataLSB:
		return nil, ErrUnsupportedEndian
	case h.Machine != machineAMD64:
		return nil, ErrUnsupportedMachine
	case h.Type != typeExec && h.Type != typeDyn:
		return nil, fmt.Errorf("%w: e_type %d is neither EXEC nor DYN", ErrInvalidELF, h.Type)
	}
	return &h, nil
}

// readSections decodes the section header table.
func readSections(data []byte, h *fileHeader) ([]sectionHeader, error) {
	switch {
	case h.Shnum == 0:
		return nil, fmt.Errorf("%w: no section headers", ErrInvalidELF)
	case int(h.Shnum) > MaxSections:
		return nil, fmt.Errorf("%w: %d section headers", ErrInvalidELF, h.Shnum)
	case h.Shentsize < sectionSize:
		return nil, fmt.Errorf("%w: section header entry size %d", ErrInvalidELF, h.Shentsize)
	}

	table := uint64(h.Shentsize) * uint64(h.Shnum)
	if h.Shoff+table < h.Shoff || h.Shoff+table > uint64(len(data)) {
		return nil, fmt.Errorf("%w: section header table outside the file", ErrInvalidELF)
	}

	sections := make([]sectionHeader, h.Shnum)
	for i := range sections {
		off := h.Shoff + uint64(i)*uint64(h.Shentsize)
		r := bytes.NewReader(data[off : off+sectionSize])
		if err := binary.Read(r, binary.LittleEndian, &sections[i]); err != nil {
			return nil, fmt.Errorf("%w: section %d: %v", ErrInvalidELF, i, err)
		}
	}
	return sections, nil
}

// sectionNames resolves every section name through the shstrtab.
func sectionNames(data []byte, sections []sectionHeader, shstrndx uint16) ([]string, error) {
	if int(shstrndx) >= len(sections) {
		return nil, fmt.Errorf("%w: shstrndx %d", ErrInvalidSection, shstrndx)
	}
	strs, err := contents(data, &sections[shstrndx])
	if err != nil {
		return nil, fmt.Errorf(".shstrtab: %w", err)
	}

	names := make([]string, len(sections))
	for i := range sections {
		names[i] = cstring(strs, sections[i].Name)
	}
	return names, nil
}

// lookup returns the header of the named section, or nil.
func lookup(sections []sectionHeader, names []string, name string) *sectionHeader {
	for i := range names {
		if names[i] == name {
			return &sections[i]
		}
	}
	return nil
}

// contents returns the file bytes of a section. SHT_NOBITS sections have
// none.
func contents(data []byte, sh *sectionHeader) ([]byte, error) {
	if sh.Type == shtNobits {
		return nil, nil
	}
	end, ok := sh.end()
	if !ok || end > uint64(len(data)) {
		return nil, ErrInvalidSection
	}
	return data[sh.Offset:end], nil
}

// readSymbols decodes a symbol table section.
func readSymbols(data []byte, sh *sectionHeader) ([]symbol, error) {
	size := sh.Entsize
	if size == 0 {
		size = symbolSize
	}
	if size < symbolSize {
		return nil, fmt.Errorf("%w: symbol entry size %d", ErrInvalidSection, size)
	}

	raw, err := contents(data, sh)
	if err != nil {
		return nil, err
	}
	n := uint64(len(raw)) / size
	if n > MaxSymbols {
		return nil, fmt.Errorf("%w: %d symbols", ErrInvalidELF, n)
	}

	syms := make([]symbol, n)
	for i := range syms {
		off := uint64(i) * size
		if err := binary.Read(bytes.NewReader(raw[off:off+symbolSize]), binary.LittleEndian, &syms[i]); err != nil {
			return nil, fmt.Errorf("%w: symbol %d: %v", ErrInvalidSection, i, err)
		}
	}
	return syms, nil
}

// cstring reads the NUL-terminated string at off. Out-of-range offsets
// yield "".
func cstring(strs []byte, off uint32) string {
	if uint64(off) >= uint64(len(strs)) {
		return ""
	}
	s := strs[off:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}
