//go:build unix

package nfi

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(f *os.File) ([]byte, func() error, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := fi.Size()
	if size == 0 || !fi.Mode().IsRegular() {
		return readFile(f)
	}
	if size > MaxImageSize {
		return nil, nil, errTooLarge(size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		// Some filesystems cannot be mapped; read the file instead.
		return readFile(f)
	}
	return data, func() error { return unix.Munmap(data) }, nil
}
