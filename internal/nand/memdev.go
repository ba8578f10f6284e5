package nand

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Operations that only exist on OOBController, recorded in the MemDevice log.
const (
	OpSetRawMode   Op = "set-raw-mode"
	OpGetOOBLayout Op = "get-oob-layout"
	OpSetOOBLayout Op = "set-oob-layout"
)

// OpWriteSpare is the spare half of WriteSector. It is programmed and logged
// before the main area, so a Fault on it leaves the sector untouched while a
// Fault on OpWrite leaves the spare programmed and the main area erased.
const OpWriteSpare Op = "write-spare"

// AnyAddr matches every address in a Fault.
const AnyAddr = ^uint32(0)

// Fault makes a MemDevice operation fail.
type Fault struct {
	Op   Op
	Addr uint32 // AnyAddr for every address
	Call int    // fail only the n-th call of Op (1-based); 0 fails every matching call
	Err  error
}

// Record is one entry of the MemDevice operation log.
type Record struct {
	Op   Op
	Addr uint32
}

func (r Record) String() string {
	return fmt.Sprintf("%s@%#08x", r.Op, r.Addr)
}

// MemDevice is an in-memory NAND device. Erased bytes read as 0xFF and
// programming can only clear bits, like real NAND cells.
type MemDevice struct {
	geom  Geometry
	main  []byte
	spare []byte

	rawModeSupported bool
	rawMode          bool
	layout           OOBLayout

	faults []Fault
	calls  map[Op]int
	log    []Record
	closed bool
}

// MemOption configures a MemDevice.
type MemOption func(*MemDevice)

// WithoutRawMode makes SetRawMode report ErrRawModeUnsupported, as older
// kernels do, so callers must fall back to OOB layout selection.
func WithoutRawMode() MemOption {
	return func(m *MemDevice) { m.rawModeSupported = false }
}

// WithOOBLayout sets the layout reported before any change.
func WithOOBLayout(l OOBLayout) MemOption {
	return func(m *MemDevice) { m.layout = l }
}

// DefaultMemOOBLayout is the autoplace layout a fresh MemDevice reports.
var DefaultMemOOBLayout = OOBLayout{
	UseECC:   ECCAutoPlace,
	ECCBytes: 6,
	OOBFree:  [8][2]uint32{{8, 8}},
	ECCPos:   [32]uint32{0, 1, 2, 3, 6, 7},
}

// NewMemDevice returns an erased device with the given geometry.
func NewMemDevice(g Geometry, opts ...MemOption) (*MemDevice, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	sectors := g.FlashSize / g.SectorSize
	m := &MemDevice{
		geom:             g,
		main:             make([]byte, g.FlashSize),
		spare:            make([]byte, int(sectors)*int(g.SpareSize)),
		rawModeSupported: true,
		layout:           DefaultMemOOBLayout,
		calls:            make(map[Op]int),
	}
	fill(m.main, 0xFF)
	fill(m.spare, 0xFF)
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// InjectFault registers a failure for later operations.
func (m *MemDevice) InjectFault(f Fault) {
	m.faults = append(m.faults, f)
}

// MarkBad writes a factory bad block marker into the spare area of the
// given sector (0 or 1) of the block at blockAddr.
func (m *MemDevice) MarkBad(blockAddr uint32, sector int) error {
	if !m.geom.IsBlockAligned(blockAddr) || blockAddr >= m.geom.FlashSize {
		return fmt.Errorf("%w: %#x is not a block address", ErrUnaligned, blockAddr)
	}
	addr := blockAddr + uint32(sector)*m.geom.SectorSize
	m.spareOf(addr)[m.geom.BadBlockPos] = 0x00
	return nil
}

// Log returns the operations performed so far, in order.
func (m *MemDevice) Log() []Record {
	return append([]Record(nil), m.log...)
}

// Count returns how many times op succeeded.
func (m *MemDevice) Count(op Op) int {
	n := 0
	for _, r := range m.log {
		if r.Op == op {
			n++
		}
	}
	return n
}

// ResetLog clears the operation log and the per-operation call counters.
func (m *MemDevice) ResetLog() {
	m.log = nil
	m.calls = make(map[Op]int)
}

// RawMode reports whether raw OOB mode was switched on.
func (m *MemDevice) RawMode() bool { return m.rawMode }

// Sector returns copies of the main and spare area of the sector at addr.
func (m *MemDevice) Sector(addr uint32) (main, spare []byte) {
	main = append([]byte(nil), m.main[addr:addr+m.geom.SectorSize]...)
	spare = append([]byte(nil), m.spareOf(addr)...)
	return main, spare
}

func (m *MemDevice) spareOf(addr uint32) []byte {
	idx := int(addr/m.geom.SectorSize) * int(m.geom.SpareSize)
	return m.spare[idx : idx+int(m.geom.SpareSize)]
}

func (m *MemDevice) fault(op Op, addr uint32) error {
	m.calls[op]++
	n := m.calls[op]
	for _, f := range m.faults {
		if f.Op != op {
			continue
		}
		if f.Addr != AnyAddr && f.Addr != addr {
			continue
		}
		if f.Call != 0 && f.Call != n {
			continue
		}
		return f.Err
	}
	return nil
}

func (m *MemDevice) record(op Op, addr uint32) {
	m.log = append(m.log, Record{Op: op, Addr: addr})
}

func (m *MemDevice) Geometry() Geometry { return m.geom }

func (m *MemDevice) EraseBlock(addr uint32) error {
	if err := checkAccess(m.geom, OpErase, addr); err != nil {
		return err
	}
	if err := m.fault(OpErase, addr); err != nil {
		return opError(OpErase, addr, err)
	}
	fill(m.main[addr:addr+m.geom.EraseBlockSize], 0xFF)
	for s := addr; s < addr+m.geom.EraseBlockSize; s += m.geom.SectorSize {
		fill(m.spareOf(s), 0xFF)
	}
	m.record(OpErase, addr)
	return nil
}

func (m *MemDevice) WriteSector(addr uint32, sector, spare []byte) error {
	if err := checkAccess(m.geom, OpWrite, addr, sector, spare); err != nil {
		return err
	}
	if err := m.fault(OpWriteSpare, addr); err != nil {
		return opError(OpWrite, addr, fmt.Errorf("spare: %w", err))
	}
	program(m.spareOf(addr), spare)
	m.record(OpWriteSpare, addr)

	if err := m.fault(OpWrite, addr); err != nil {
		return opError(OpWrite, addr, err)
	}
	program(m.main[addr:addr+m.geom.SectorSize], sector)
	m.record(OpWrite, addr)
	return nil
}

func program(dst, src []byte) {
	for i := range dst {
		dst[i] &= src[i]
	}
}

func (m *MemDevice) ReadSpare(addr uint32, buf []byte) error {
	if err := checkAccess(m.geom, OpReadSpare, addr, buf); err != nil {
		return err
	}
	if err := m.fault(OpReadSpare, addr); err != nil {
		return opError(OpReadSpare, addr, err)
	}
	copy(buf, m.spareOf(addr))
	m.record(OpReadSpare, addr)
	return nil
}

func (m *MemDevice) ReadPage(addr uint32, buf []byte) error {
	if err := checkAccess(m.geom, OpReadPage, addr, buf); err != nil {
		return err
	}
	if err := m.fault(OpReadPage, addr); err != nil {
		return opError(OpReadPage, addr, err)
	}
	n := copy(buf, m.main[addr:addr+m.geom.SectorSize])
	copy(buf[n:], m.spareOf(addr))
	m.record(OpReadPage, addr)
	return nil
}

func (m *MemDevice) SetRawMode() error {
	if err := m.fault(OpSetRawMode, AnyAddr); err != nil {
		return err
	}
	if !m.rawModeSupported {
		return ErrRawModeUnsupported
	}
	m.rawMode = true
	m.record(OpSetRawMode, 0)
	return nil
}

func (m *MemDevice) OOBLayout() (OOBLayout, error) {
	if err := m.fault(OpGetOOBLayout, AnyAddr); err != nil {
		return OOBLayout{}, err
	}
	m.record(OpGetOOBLayout, 0)
	return m.layout, nil
}

func (m *MemDevice) SetOOBLayout(l OOBLayout) error {
	if err := m.fault(OpSetOOBLayout, AnyAddr); err != nil {
		return err
	}
	m.layout = l
	m.record(OpSetOOBLayout, 0)
	return nil
}

// Dump writes the whole device as raw sectors, each main area followed by
// its spare area, which is the layout stage data has inside an image.
func (m *MemDevice) Dump(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for addr := uint32(0); addr < m.geom.FlashSize; addr += m.geom.SectorSize {
		if _, err := bw.Write(m.main[addr : addr+m.geom.SectorSize]); err != nil {
			return err
		}
		if _, err := bw.Write(m.spareOf(addr)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

var errClosed = errors.New("device closed")

func (m *MemDevice) Close() error {
	if m.closed {
		return errClosed
	}
	m.closed = true
	return nil
}
