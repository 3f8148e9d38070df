//go:build !linux

package imagefile

import "os"

func syncFile(f *os.File) error {
	return f.Sync()
}
