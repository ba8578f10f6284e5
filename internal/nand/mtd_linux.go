//go:build linux

package nand

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MTD_FILE_MODE_RAW of enum mtd_file_modes, not exported by x/sys.
const mtdFileModeRaw = 3

// Request numbers differ between architectures (mips and ppc use their own
// direction bits), so they come from x/sys.
const (
	memGetInfo   uint = unix.MEMGETINFO
	memErase     uint = unix.MEMERASE
	memWriteOOB  uint = unix.MEMWRITEOOB
	memReadOOB   uint = unix.MEMREADOOB
	memGetOOBSel uint = unix.MEMGETOOBSEL
	mtdFileMode  uint = unix.MTDFILEMODE
)

// memSetOOBSel is _IOW('M', 9, struct nand_oobinfo). x/sys dropped it with
// the kernel header, so it is rebuilt from the write direction bits of
// MEMERASE, which is _IOW('M', 2, struct erase_info_user).
var memSetOOBSel = setOOBSelFrom(memErase)

func setOOBSelFrom(erase uint) uint {
	dir := erase - uint(unsafe.Sizeof(unix.EraseInfo{}))<<16 - 'M'<<8 - 2
	return dir | uint(unsafe.Sizeof(unix.NandOobinfo{}))<<16 | 'M'<<8 | 9
}

func toOobinfo(l OOBLayout) unix.NandOobinfo {
	return unix.NandOobinfo{Useecc: l.UseECC, Eccbytes: l.ECCBytes, Oobfree: l.OOBFree, Eccpos: l.ECCPos}
}

func fromOobinfo(o unix.NandOobinfo) OOBLayout {
	return OOBLayout{UseECC: o.Useecc, ECCBytes: o.Eccbytes, OOBFree: o.Oobfree, ECCPos: o.Eccpos}
}

// DefaultMTDPaths lists the device nodes tried by OpenMTD when no path is
// given: devfs naming first, then the flat /dev layout.
var DefaultMTDPaths = []string{"/dev/mtd/0", "/dev/mtd0"}

// MTD is a NAND device reached through the Linux MTD character device.
type MTD struct {
	f    *os.File
	path string
	geom Geometry
}

// OpenMTD opens the first path that can be opened read-write and queries
// its geometry. Non-NAND and read-only devices are rejected.
func OpenMTD(paths ...string) (*MTD, error) {
	if len(paths) == 0 {
		paths = DefaultMTDPaths
	}

	var (
		f       *os.File
		openErr error
	)
	for _, p := range paths {
		f, openErr = os.OpenFile(p, os.O_RDWR, 0)
		if openErr == nil {
			break
		}
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceOpen, openErr)
	}

	m := &MTD{f: f, path: f.Name()}
	if err := m.queryGeometry(); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

func (m *MTD) ioctl(req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, m.f.Fd(), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (m *MTD) queryGeometry() error {
	var info unix.MtdInfo
	if err := m.ioctl(memGetInfo, unsafe.Pointer(&info)); err != nil {
		return fmt.Errorf("%w: MEMGETINFO on %s: %v", ErrDeviceOpen, m.path, err)
	}
	if info.Type != unix.MTD_NANDFLASH && info.Type != unix.MTD_MLCNANDFLASH {
		return fmt.Errorf("%w: %s is not a NAND flash (type %d)", ErrUnsupportedGeometry, m.path, info.Type)
	}
	if info.Flags&unix.MTD_WRITEABLE == 0 {
		return fmt.Errorf("%w: %s is not writeable", ErrUnsupportedGeometry, m.path)
	}

	g, err := NewGeometry(info.Size, info.Erasesize, info.Writesize, info.Oobsize)
	if err != nil {
		return fmt.Errorf("%s: %w", m.path, err)
	}
	m.geom = g
	return nil
}

// Path returns the device node that was opened.
func (m *MTD) Path() string { return m.path }

func (m *MTD) Geometry() Geometry { return m.geom }

func (m *MTD) EraseBlock(addr uint32) error {
	if err := checkAccess(m.geom, OpErase, addr); err != nil {
		return err
	}
	ei := unix.EraseInfo{Start: addr, Length: m.geom.EraseBlockSize}
	if err := m.ioctl(memErase, unsafe.Pointer(&ei)); err != nil {
		return opError(OpErase, addr, fmt.Errorf("MEMERASE: %w", err))
	}
	return nil
}

func (m *MTD) oob(req uint, addr uint32, buf []byte) error {
	ob := unix.MtdOobBuf{Start: addr, Length: uint32(len(buf)), Ptr: &buf[0]}
	err := m.ioctl(req, unsafe.Pointer(&ob))
	runtime.KeepAlive(buf)
	return err
}

func (m *MTD) WriteSector(addr uint32, sector, spare []byte) error {
	if err := checkAccess(m.geom, OpWrite, addr, sector, spare); err != nil {
		return err
	}
	if err := m.oob(memWriteOOB, addr, spare); err != nil {
		return opError(OpWrite, addr, fmt.Errorf("MEMWRITEOOB: %w", err))
	}
	if _, err := m.f.WriteAt(sector, int64(addr)); err != nil {
		return opError(OpWrite, addr, err)
	}
	return nil
}

func (m *MTD) ReadSpare(addr uint32, buf []byte) error {
	if err := checkAccess(m.geom, OpReadSpare, addr, buf); err != nil {
		return err
	}
	if err := m.oob(memReadOOB, addr, buf); err != nil {
		return opError(OpReadSpare, addr, fmt.Errorf("MEMREADOOB: %w", err))
	}
	return nil
}

func (m *MTD) ReadPage(addr uint32, buf []byte) error {
	if err := checkAccess(m.geom, OpReadPage, addr, buf); err != nil {
		return err
	}
	sector := buf[:m.geom.SectorSize]
	if _, err := m.f.ReadAt(sector, int64(addr)); err != nil {
		return opError(OpReadPage, addr, err)
	}
	if err := m.oob(memReadOOB, addr, buf[m.geom.SectorSize:]); err != nil {
		return opError(OpReadPage, addr, fmt.Errorf("MEMREADOOB: %w", err))
	}
	return nil
}

func (m *MTD) SetRawMode() error {
	err := unix.IoctlSetInt(int(m.f.Fd()), mtdFileMode, mtdFileModeRaw)
	if errors.Is(err, unix.ENOTTY) {
		return ErrRawModeUnsupported
	}
	if err != nil {
		return fmt.Errorf("MTDFILEMODE: %w", err)
	}
	return nil
}

func (m *MTD) OOBLayout() (OOBLayout, error) {
	var o unix.NandOobinfo
	if err := m.ioctl(memGetOOBSel, unsafe.Pointer(&o)); err != nil {
		return OOBLayout{}, fmt.Errorf("MEMGETOOBSEL: %w", err)
	}
	return fromOobinfo(o), nil
}

func (m *MTD) SetOOBLayout(l OOBLayout) error {
	o := toOobinfo(l)
	if err := m.ioctl(memSetOOBSel, unsafe.Pointer(&o)); err != nil {
		return fmt.Errorf("MEMSETOOBSEL: %w", err)
	}
	return nil
}

func (m *MTD) Close() error {
	return m.f.Close()
}
