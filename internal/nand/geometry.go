package nand

import "fmt"

// Geometry describes the layout of a NAND device. It is queried once when the
// device is opened and never changes afterwards.
type Geometry struct {
	FlashSize      uint32 `json:"flashSize" yaml:"flashSize"`
	EraseBlockSize uint32 `json:"eraseBlockSize" yaml:"eraseBlockSize"`
	SectorSize     uint32 `json:"sectorSize" yaml:"sectorSize"`
	SpareSize      uint32 `json:"spareSize" yaml:"spareSize"`
	BadBlockPos    uint32 `json:"badBlockPos" yaml:"badBlockPos"` // offset of the bad block marker in the spare area
}

// Small-page devices keep the factory bad block marker at spare byte 5,
// large-page devices at byte 0.
const (
	smallPageSize       = 512
	smallPageBadBlockAt = 5
)

// NewGeometry validates the sizes and derives the bad block marker position.
func NewGeometry(flashSize, eraseBlockSize, sectorSize, spareSize uint32) (Geometry, error) {
	g := Geometry{
		FlashSize:      flashSize,
		EraseBlockSize: eraseBlockSize,
		SectorSize:     sectorSize,
		SpareSize:      spareSize,
	}
	if sectorSize == smallPageSize {
		g.BadBlockPos = smallPageBadBlockAt
	}
	if err := g.Validate(); err != nil {
		return Geometry{}, err
	}
	return g, nil
}

// Validate checks the invariants every component relies on.
func (g Geometry) Validate() error {
	if g.FlashSize == 0 || g.EraseBlockSize == 0 || g.SectorSize == 0 || g.SpareSize == 0 {
		return fmt.Errorf("%w: zero size in %s", ErrUnsupportedGeometry, g)
	}
	if g.EraseBlockSize%g.SectorSize != 0 {
		return fmt.Errorf("%w: erase block size %#x is not a multiple of sector size %#x",
			ErrUnsupportedGeometry, g.EraseBlockSize, g.SectorSize)
	}
	if g.EraseBlockSize/g.SectorSize < 2 {
		// The bad block check reads the first two sectors of every block.
		return fmt.Errorf("%w: erase block holds fewer than two sectors", ErrUnsupportedGeometry)
	}
	if g.FlashSize%g.EraseBlockSize != 0 {
		return fmt.Errorf("%w: flash size %#x is not a multiple of erase block size %#x",
			ErrUnsupportedGeometry, g.FlashSize, g.EraseBlockSize)
	}
	if g.BadBlockPos >= g.SpareSize {
		return fmt.Errorf("%w: bad block marker offset %d outside %d byte spare area",
			ErrUnsupportedGeometry, g.BadBlockPos, g.SpareSize)
	}
	return nil
}

// RawSectorSize is the number of image bytes consumed per sector (main + spare).
func (g Geometry) RawSectorSize() int {
	return int(g.SectorSize + g.SpareSize)
}

// SectorsPerBlock returns how many sectors an erase block holds.
func (g Geometry) SectorsPerBlock() uint32 {
	return g.EraseBlockSize / g.SectorSize
}

// Blocks returns the number of erase blocks on the device.
func (g Geometry) Blocks() uint32 {
	return g.FlashSize / g.EraseBlockSize
}

// IsBlockAligned reports whether addr is the first byte of an erase block.
func (g Geometry) IsBlockAligned(addr uint32) bool {
	return addr%g.EraseBlockSize == 0
}

// IsSectorAligned reports whether addr is the first byte of a sector.
func (g Geometry) IsSectorAligned(addr uint32) bool {
	return addr%g.SectorSize == 0
}

// IsBadMarker reports whether a spare area carries a bad block marker.
func (g Geometry) IsBadMarker(spare []byte) bool {
	return int(g.BadBlockPos) < len(spare) && spare[g.BadBlockPos] != 0xFF
}

func (g Geometry) String() string {
	return fmt.Sprintf("flash=%#08x erase=%#x sector=%#x spare=%#x badpos=%d",
		g.FlashSize, g.EraseBlockSize, g.SectorSize, g.SpareSize, g.BadBlockPos)
}
