//go:build !linux

package nand

// DefaultMTDPaths lists the device nodes tried by OpenMTD when no path is given.
var DefaultMTDPaths = []string{"/dev/mtd/0", "/dev/mtd0"}

// MTD is only available on linux.
type MTD struct{ MemDevice }

// OpenMTD always fails outside linux.
func OpenMTD(paths ...string) (*MTD, error) {
	return nil, ErrUnsupportedPlatform
}

// Path returns an empty string outside linux.
func (m *MTD) Path() string { return "" }
