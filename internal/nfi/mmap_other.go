//go:build !unix

package nfi

import "os"

func mapFile(f *os.File) ([]byte, func() error, error) {
	return readFile(f)
}
