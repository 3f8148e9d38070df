package packer

import (
	"fmt"

	"github.com/fortiblox/cavepack/internal/types"
)

// Cave is the region of a writable section that receives the payload.
type Cave struct {
	// Section is the hosting section.
	Section types.Section

	// Base is the virtual address of the first cave byte.
	Base uint64

	// Offset is the file offset of the first cave byte.
	Offset uint64

	// Capacity is the number of bytes the cave may hold.
	Capacity uint64

	// Content is the payload placed by Fit.
	Content []byte
}

// AllocateCave reserves policy.CaveOffset.. inside sec. The capacity is
// policy.CaveCapacity capped by the end of the section.
func AllocateCave(sec types.Section, policy Policy) (*Cave, error) {
	if !sec.FileBacked {
		return nil, fmt.Errorf("%w: cave section %s has no file contents", ErrInvalidPolicy, sec.Name)
	}

	if !sec.Writable() {
		return nil, fmt.Errorf("%w: cave section %s is not writable", ErrInvalidPolicy, sec.Name)
	}

	if !sec.Range().Contains(sec.Addr + policy.CaveOffset) {
		return nil, fmt.Errorf("%w: offset %#x is past the end of %s (%#x bytes)",
			ErrCaveOverflow, policy.CaveOffset, sec.Name, sec.Size)
	}

	return &Cave{
		Section:  sec,
		Base:     sec.Addr + policy.CaveOffset,
		Offset:   sec.Offset + policy.CaveOffset,
		Capacity: min(policy.CaveCapacity, sec.Size-policy.CaveOffset),
	}, nil
}

// Fit places content in the cave.
func (c *Cave) Fit(content []byte) error {
	if uint64(len(content)) > c.Capacity {
		return fmt.Errorf("%w: %d bytes do not fit in %d at %#x", ErrCaveOverflow, len(content), c.Capacity, c.Base)
	}
	c.Content = content
	return nil
}

// Range returns the virtual address range occupied by Content.
func (c *Cave) Range() types.Range {
	return types.Range{Start: c.Base, End: c.Base + uint64(len(c.Content))}
}

// Clobbers reports whether placing Content overwrites non-zero bytes of
// the section.
func (c *Cave) Clobbers() bool {
	off := c.Base - c.Section.Addr
	end := off + uint64(len(c.Content))
	if end > uint64(len(c.Section.Data)) {
		return false
	}
	for _, b := range c.Section.Data[off:end] {
		if b != 0 {
			return true
		}
	}
	return false
}
