package types

import "fmt"

// Range is a half-open virtual address range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes in the range.
func (r Range) Len() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether addr lies inside the range.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// ContainsRange reports whether o lies entirely inside r.
func (r Range) ContainsRange(o Range) bool {
	return o.Start >= r.Start && o.End <= r.End
}

// Overlaps reports whether the two ranges share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Validate checks that the range is well formed.
func (r Range) Validate() error {
	if r.End < r.Start {
		return fmt.Errorf("%w: %#x-%#x", ErrInvalidRange, r.Start, r.End)
	}
	return nil
}

// String implements fmt.Stringer.
func (r Range) String() string {
	return fmt.Sprintf("%#x-%#x", r.Start, r.End)
}
