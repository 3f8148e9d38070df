package elfimage

import (
	"bytes"
	"compress/zlib"
	"debug/dwarf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/cavepack/internal/types"
)

// Compression types in Elf64_Chdr.
const (
	elfCompressZlib = 1
	elfCompressZstd = 2
)

const chdr64Size = 24

// ErrDebugInfo is returned when debug sections exist but cannot be read.
var ErrDebugInfo = errors.New("malformed debug info")

type debugInfo struct {
	data *dwarf.Data
}

// debugInfo loads DWARF lazily. A nil result with a nil error means the
// image carries no .debug_info.
func (img *Image) debugInfo() (*debugInfo, error) {
	if img.debug != nil {
		return img.debug, nil
	}

	sections := map[string][]byte{}
	for i, name := range img.names {
		if !strings.HasPrefix(name, ".debug_") {
			continue
		}
		data, err := img.debugSection(i)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrDebugInfo, name, err)
		}
		sections[strings.TrimPrefix(name, ".debug_")] = data
	}
	if sections["info"] == nil {
		return nil, nil
	}

	d, err := dwarf.New(
		sections["abbrev"], sections["aranges"], sections["frame"],
		sections["info"], sections["line"], sections["pubnames"],
		sections["ranges"], sections["str"],
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDebugInfo, err)
	}

	// DWARF 5 sections.
	for _, name := range []string{"addr", "line_str", "str_offsets", "rnglists"} {
		if data, ok := sections[name]; ok {
			if err := d.AddSection(".debug_"+name, data); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDebugInfo, err)
			}
		}
	}

	img.debug = &debugInfo{data: d}
	return img.debug, nil
}

// debugSection returns the contents of section i, inflating it when the
// section is SHF_COMPRESSED.
func (img *Image) debugSection(i int) ([]byte, error) {
	hdr := &img.sections[i]
	data, err := contents(img.data, hdr)
	if err != nil {
		return nil, err
	}
	if hdr.Flags&shfCompressed == 0 {
		return data, nil
	}
	if len(data) < chdr64Size {
		return nil, ErrInvalidSection
	}

	ctype := binary.LittleEndian.Uint32(data[0:4])
	size := binary.LittleEndian.Uint64(data[8:16])
	if size > MaxImageSize {
		return nil, ErrTooLarge
	}
	payload := data[chdr64Size:]

	var r io.Reader
	switch ctype {
	case elfCompressZlib:
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case elfCompressZstd:
		zr, err := zstd.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("unknown compression type %d", ctype)
	}

	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// subprogram finds the first DW_TAG_subprogram named name that has a code
// range.
func (d *debugInfo) subprogram(name string) (types.Subroutine, bool, error) {
	r := d.data.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return types.Subroutine{}, false, fmt.Errorf("%w: %v", ErrDebugInfo, err)
		}
		if entry == nil {
			return types.Subroutine{}, false, nil
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		if n, _ := entry.Val(dwarf.AttrName).(string); n != name {
			continue
		}

		ranges, err := d.data.Ranges(entry)
		if err != nil {
			return types.Subroutine{}, false, fmt.Errorf("%w: %v", ErrDebugInfo, err)
		}
		if len(ranges) == 0 || ranges[0][1] <= ranges[0][0] {
			continue
		}
		return types.NewSubroutine(name, ranges[0][0], ranges[0][1]-ranges[0][0]), true, nil
	}
}
