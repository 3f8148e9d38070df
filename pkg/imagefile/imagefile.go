// Package imagefile reads input images and writes output images.
//
// Inputs may be zstd compressed. Outputs are written once, atomically: the
// image goes to a temporary file in the destination directory, is synced,
// and is renamed over the destination. A failed write leaves any existing
// output untouched.
package imagefile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// MaxImageSize bounds decompressed inputs.
const MaxImageSize = 1 << 30

// DefaultMode is used when the input mode is unknown.
const DefaultMode os.FileMode = 0o755

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// File errors.
var (
	ErrEmpty = errors.New("image is empty")
)

// File is an input image.
type File struct {
	// Path is the path the image was read from.
	Path string

	// Data is the (decompressed) image.
	Data []byte

	// Mode is the permission bits of the input.
	Mode os.FileMode

	// Compressed is true if the input was zstd compressed.
	Compressed bool
}

// Read reads an image, decompressing it when it carries the zstd magic.
func Read(path string) (*File, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if fi.Size() > MaxImageSize {
		return nil, fmt.Errorf("%s: %d bytes exceeds %d", path, fi.Size(), MaxImageSize)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmpty)
	}

	data, compressed, err := Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &File{
		Path:       path,
		Data:       data,
		Mode:       fi.Mode().Perm(),
		Compressed: compressed,
	}, nil
}

// Decompress returns data unchanged unless it starts with the zstd magic.
func Decompress(data []byte) ([]byte, bool, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, false, nil
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxImageSize))
	if err != nil {
		return nil, false, err
	}
	defer decoder.Close()

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, false, fmt.Errorf("zstd decompression failed: %w", err)
	}
	if len(out) == 0 {
		return nil, false, ErrEmpty
	}
	return out, true, nil
}

// Compress zstd-compresses data.
func Compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

// WriteAtomic writes data to path with the given permission bits.
func WriteAtomic(path string, data []byte, mode os.FileMode) (err error) {
	if mode == 0 {
		mode = DefaultMode
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err = tmp.Chmod(mode); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err = syncFile(tmp); err != nil {
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}

	return nil
}
