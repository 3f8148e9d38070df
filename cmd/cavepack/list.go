package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/fortiblox/cavepack/internal/types"
	"github.com/fortiblox/cavepack/pkg/elfimage"
	"github.com/fortiblox/cavepack/pkg/imagefile"
)

var heading = color.New(color.Bold)

// list prints what a run can target in an image: the entry point, the
// sections a cave may live in and the functions that may be relocated.
func list(opts *options, stdout io.Writer) error {
	if len(opts.args) != 1 {
		return errors.New("usage: cavepack -list <image>")
	}

	f, err := imagefile.Read(opts.args[0])
	if err != nil {
		return err
	}
	img, err := elfimage.Parse(f.Data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", opts.args[0], err)
	}

	fmt.Fprintf(stdout, "entry %#x\n", img.Entry())

	heading.Fprintln(stdout, "sections")
	for _, sec := range img.Sections() {
		r := sec.Range()
		fmt.Fprintf(stdout, "  %-16s %v %3s %#6x bytes\n", sec.Name, r, sectionFlags(sec), r.Len())
	}

	heading.Fprintln(stdout, "functions")
	for _, fn := range img.Functions() {
		fmt.Fprintf(stdout, "  %v\n", fn)
	}
	return nil
}

// sectionFlags renders the flags that matter for a cave or a subroutine:
// w for writable, x for executable, - for no file contents.
func sectionFlags(sec types.Section) string {
	var b []byte
	if sec.Writable() {
		b = append(b, 'w')
	}
	if sec.Executable() {
		b = append(b, 'x')
	}
	if !sec.FileBacked {
		b = append(b, '-')
	}
	if len(b) == 0 {
		return "r"
	}
	return string(b)
}
