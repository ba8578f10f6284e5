package flash

import (
	"fmt"
	"strings"

	"github.com/open-edge-platform/nfi-writer/internal/nand"
)

// ScanReport lists the erase blocks found bad by a pre-scan.
type ScanReport struct {
	Policy      BadBlockPolicy `json:"policy" yaml:"policy"`
	Scanned     int            `json:"scanned" yaml:"scanned"`
	BadBlocks   []uint32       `json:"badBlocks" yaml:"badBlocks"`
	WastedBytes uint64         `json:"wastedBytes" yaml:"wastedBytes"`
}

// Count returns the number of bad blocks found.
func (r *ScanReport) Count() int { return len(r.BadBlocks) }

func (r *ScanReport) String() string {
	if len(r.BadBlocks) == 0 {
		return "none"
	}
	var sb strings.Builder
	for i, b := range r.BadBlocks {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%08x", b)
	}
	fmt.Fprintf(&sb, " (%d blocks, %d kB total)", len(r.BadBlocks), r.WastedBytes/1024)
	return sb.String()
}

// blockIsBad reads the spare areas of the first two sectors of the block at
// addr. spare must hold SpareSize bytes.
func blockIsBad(dev nand.Device, g nand.Geometry, addr uint32, spare []byte) (bool, error) {
	bad := false
	for _, sector := range []uint32{addr, addr + g.SectorSize} {
		if err := dev.ReadSpare(sector, spare); err != nil {
			return false, err
		}
		if g.IsBadMarker(spare) {
			bad = true
		}
	}
	return bad, nil
}

// ScanBadBlocks checks every erase block of dev for a bad block marker. The
// result is informational; the engine checks each block again before erasing
// it. With BadBlocksIgnore the spare areas are still read but no block is
// reported.
func ScanBadBlocks(dev nand.Device, policy BadBlockPolicy) (*ScanReport, error) {
	g := dev.Geometry()
	report := &ScanReport{Policy: policy}
	spare := make([]byte, g.SpareSize)

	for addr := uint64(0); addr < uint64(g.FlashSize); addr += uint64(g.EraseBlockSize) {
		bad, err := blockIsBad(dev, g, uint32(addr), spare)
		if err != nil {
			return nil, fmt.Errorf("bad block scan: %w", err)
		}
		report.Scanned++
		if bad && policy == BadBlocksHonor {
			report.BadBlocks = append(report.BadBlocks, uint32(addr))
			report.WastedBytes += uint64(g.EraseBlockSize)
		}
	}
	return report, nil
}
