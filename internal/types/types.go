// Package types defines the image-level facts shared by the provider, the
// packer and the CLI.
//
// Every value here is derived from the input image and never mutated after
// it has been produced.
package types

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRange is returned when a range ends before it starts.
	ErrInvalidRange = errors.New("invalid address range")
)

// Subroutine identifies exactly one function in the input image.
type Subroutine struct {
	// Name is the symbol or DWARF name of the function.
	Name string

	// Start is the virtual address of the first instruction.
	Start uint64

	// End is the virtual address one past the last byte.
	End uint64

	// Size is End - Start.
	Size uint64
}

// NewSubroutine builds a Subroutine from a start address and a byte length.
func NewSubroutine(name string, start, size uint64) Subroutine {
	return Subroutine{
		Name:  name,
		Start: start,
		End:   start + size,
		Size:  size,
	}
}

// Range returns the virtual address range covered by the subroutine.
func (s Subroutine) Range() Range {
	return Range{Start: s.Start, End: s.End}
}

// String implements fmt.Stringer.
func (s Subroutine) String() string {
	return fmt.Sprintf("%s <%#x-%#x>", s.Name, s.Start, s.End)
}

// Section flag bits (ELF SHF_*).
const (
	SectionWrite = 0x1
	SectionAlloc = 0x2
	SectionExec  = 0x4
)

// Section is a named region of the image with its load address and contents.
type Section struct {
	// Name is the section name, e.g. ".data".
	Name string

	// Addr is the virtual address the section is loaded at.
	Addr uint64

	// Offset is the file offset of the section contents.
	Offset uint64

	// Size is the size of the section in bytes.
	Size uint64

	// Flags holds the SHF_* bits.
	Flags uint64

	// FileBacked is false for NOBITS sections such as .bss.
	FileBacked bool

	// Data is a copy of the section contents (nil when not file backed).
	Data []byte
}

// Writable reports whether the section is writable at runtime.
func (s Section) Writable() bool {
	return s.Flags&SectionWrite != 0
}

// Executable reports whether the section holds instructions.
func (s Section) Executable() bool {
	return s.Flags&SectionExec != 0
}

// Range returns the virtual address range of the section.
func (s Section) Range() Range {
	return Range{Start: s.Addr, End: s.Addr + s.Size}
}
