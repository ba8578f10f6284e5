// Package nand provides access to raw NAND flash: the Linux MTD character
// device and an in-memory device with the same semantics.
//
// All primitives block until the underlying call returns and none of them
// retries. The caller decides whether a failure aborts the run.
package nand

import (
	"errors"
	"fmt"
)

// Device is a NAND flash device addressed in bytes.
type Device interface {
	Geometry() Geometry

	// EraseBlock erases the erase block starting at addr.
	EraseBlock(addr uint32) error

	// WriteSector programs the spare area first and the main area second.
	// When the spare write fails the main area is left untouched.
	WriteSector(addr uint32, sector, spare []byte) error

	// ReadSpare reads the spare area of the sector at addr into buf.
	ReadSpare(addr uint32, buf []byte) error

	// ReadPage reads the main and spare area of the sector at addr into buf.
	ReadPage(addr uint32, buf []byte) error

	Close() error
}

// OOBController is implemented by devices that can switch how the spare area
// is accessed.
type OOBController interface {
	// SetRawMode switches the file handle to raw OOB access without ECC.
	// It returns ErrRawModeUnsupported when the driver lacks the control.
	SetRawMode() error

	OOBLayout() (OOBLayout, error)
	SetOOBLayout(OOBLayout) error
}

// ECC placement modes of OOBLayout.UseECC.
const (
	ECCOff       uint32 = 0
	ECCPlace     uint32 = 1
	ECCAutoPlace uint32 = 2
)

// OOBLayout mirrors the kernel's struct nand_oobinfo.
type OOBLayout struct {
	UseECC   uint32
	ECCBytes uint32
	OOBFree  [8][2]uint32
	ECCPos   [32]uint32
}

// NoECCLayout disables ECC handling of the spare area.
var NoECCLayout = OOBLayout{UseECC: ECCOff}

var (
	ErrDeviceOpen          = errors.New("cannot open flash device")
	ErrUnsupportedGeometry = errors.New("unsupported flash device")
	ErrUnsupportedPlatform = errors.New("MTD access is only supported on linux")
	ErrRawModeUnsupported  = errors.New("raw OOB mode not supported by driver")
	ErrUnaligned           = errors.New("unaligned flash address")
	ErrBufferSize          = errors.New("buffer size does not match geometry")

	ErrErase     = errors.New("erase failed")
	ErrWrite     = errors.New("write failed")
	ErrSpareRead = errors.New("spare read failed")
	ErrPageRead  = errors.New("page read failed")
)

// Op names a device primitive.
type Op string

const (
	OpErase     Op = "erase"
	OpWrite     Op = "write"
	OpReadSpare Op = "read-spare"
	OpReadPage  Op = "read-page"
)

func (op Op) kind() error {
	switch op {
	case OpErase:
		return ErrErase
	case OpWrite:
		return ErrWrite
	case OpReadSpare:
		return ErrSpareRead
	case OpReadPage:
		return ErrPageRead
	}
	return nil
}

// OpError records a failed device primitive and the address it targeted.
type OpError struct {
	Op   Op
	Addr uint32
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s at %#08x: %v", e.Op, e.Addr, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Is lets errors.Is match the sentinel of the failed operation, e.g. ErrErase.
func (e *OpError) Is(target error) bool {
	return target != nil && target == e.Op.kind()
}

func opError(op Op, addr uint32, err error) error {
	return &OpError{Op: op, Addr: addr, Err: err}
}

// checkAccess validates alignment and buffer sizes shared by all devices.
func checkAccess(g Geometry, op Op, addr uint32, bufs ...[]byte) error {
	switch op {
	case OpErase:
		if !g.IsBlockAligned(addr) {
			return opError(op, addr, ErrUnaligned)
		}
	default:
		if !g.IsSectorAligned(addr) {
			return opError(op, addr, ErrUnaligned)
		}
	}
	if addr >= g.FlashSize {
		return opError(op, addr, fmt.Errorf("address beyond flash size %#x", g.FlashSize))
	}

	var want []int
	switch op {
	case OpWrite:
		want = []int{int(g.SectorSize), int(g.SpareSize)}
	case OpReadSpare:
		want = []int{int(g.SpareSize)}
	case OpReadPage:
		want = []int{g.RawSectorSize()}
	}
	for i, buf := range bufs {
		if i < len(want) && len(buf) != want[i] {
			return opError(op, addr, fmt.Errorf("%w: got %d bytes, want %d", ErrBufferSize, len(buf), want[i]))
		}
	}
	return nil
}
