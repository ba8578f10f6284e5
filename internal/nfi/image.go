// Package nfi decodes NFI flash images.
//
// An image starts with a 32 byte header (4 byte magic, 28 byte model name)
// followed by a 4 byte skip and four stage records. Each record is a 4 byte
// big-endian size and that many bytes of raw sectors (main area followed by
// spare area). Stage 0 begins with the big-endian table of flash addresses at
// which stages 1 to 3 end.
package nfi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/open-edge-platform/nfi-writer/internal/nand"
)

const (
	HeaderSize = 32
	MagicSize  = 4
	ModelSize  = HeaderSize - MagicSize
	NumStages  = 4

	stageSkip     = 4
	boundaryTable = NumStages * 4
)

// Magic identifies the image format version.
type Magic string

const (
	MagicNFI1 Magic = "NFI1" // built for software ECC
	MagicNFI2 Magic = "NFI2" // built for hardware ECC
)

var (
	ErrImageTooSmall          = errors.New("image too small")
	ErrBadMagic               = errors.New("no NFI header found")
	ErrModelMismatch          = errors.New("image not built for this model")
	ErrECCPolicyMismatch      = errors.New("image ECC mode not supported by this model")
	ErrPartitionTableOverflow = errors.New("partition table exceeds image")
	ErrUnalignedBoundary      = errors.New("partition boundary not sector aligned")
)

// Host describes the machine the image is about to be written on.
type Host struct {
	Model string
	ECC   ECCPolicy // hardware ECC requirement of the model
}

// Stage is one record of the partition table. Offset is absolute within the
// image.
type Stage struct {
	Index  int    `json:"index" yaml:"index"`
	Size   uint32 `json:"size" yaml:"size"`
	Offset uint32 `json:"offset" yaml:"offset"`
}

// End returns the offset just past the stage data.
func (s Stage) End() uint32 { return s.Offset + s.Size }

// Image is a parsed NFI image. The data slice is shared with the loader and
// must not be modified.
type Image struct {
	Magic      Magic             `json:"magic" yaml:"magic"`
	Model      string            `json:"model" yaml:"model"`
	Stages     [NumStages]Stage  `json:"stages" yaml:"stages"`
	Boundaries [NumStages]uint32 `json:"boundaries" yaml:"boundaries"`
	ECC        ECCPolicy         `json:"ecc" yaml:"ecc"`
	Length     int               `json:"length" yaml:"length"`

	data []byte
}

// ReadHeader returns the magic and model name of an image without checking
// them against a host.
func ReadHeader(data []byte) (Magic, string, error) {
	if len(data) < HeaderSize {
		return "", "", fmt.Errorf("%w: %d bytes, need at least %d", ErrImageTooSmall, len(data), HeaderSize)
	}
	magic := Magic(data[:MagicSize])
	if magic != MagicNFI1 && magic != MagicNFI2 {
		return "", "", fmt.Errorf("%w: magic %q", ErrBadMagic, string(magic))
	}
	return magic, modelString(data[MagicSize:HeaderSize]), nil
}

// Parse validates the header against host and decodes the partition table.
func Parse(data []byte, host Host) (*Image, error) {
	magic, model, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}

	img := &Image{
		Magic:  magic,
		Model:  model,
		Length: len(data),
		data:   data,
	}
	if img.Model != host.Model {
		return nil, fmt.Errorf("%w: image is for %q, host is %q", ErrModelMismatch, img.Model, host.Model)
	}

	ecc, err := ResolveECC(img.Magic, host.ECC)
	if err != nil {
		return nil, err
	}
	img.ECC = ecc

	if err := img.decodeStages(); err != nil {
		return nil, err
	}
	return img, nil
}

// modelString strips the NUL padding of the model field.
func modelString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (img *Image) decodeStages() error {
	payload := img.data[HeaderSize:]
	total := uint64(len(payload))
	cur := uint64(stageSkip)

	for i := range img.Stages {
		if cur+4 > total {
			return fmt.Errorf("%w: stage %d size field at %#x, image payload is %#x bytes",
				ErrPartitionTableOverflow, i, cur, total)
		}
		size := binary.BigEndian.Uint32(payload[cur:])
		offset := cur + 4
		end := offset + uint64(size)
		if end > total {
			return fmt.Errorf("%w: stage %d ends at %#x, image payload is %#x bytes",
				ErrPartitionTableOverflow, i, end, total)
		}
		img.Stages[i] = Stage{
			Index:  i,
			Size:   size,
			Offset: uint32(HeaderSize + offset),
		}
		cur = end
	}

	if img.Stages[0].Size < boundaryTable {
		return fmt.Errorf("%w: stage 0 holds %d bytes, boundary table needs %d",
			ErrPartitionTableOverflow, img.Stages[0].Size, boundaryTable)
	}
	table := img.data[img.Stages[0].Offset:]
	for i := range img.Boundaries {
		img.Boundaries[i] = binary.BigEndian.Uint32(table[i*4:])
	}
	return nil
}

// StageData returns the bytes of stage i.
func (img *Image) StageData(i int) []byte {
	s := img.Stages[i]
	return img.data[s.Offset:s.End()]
}

// ForcesECC reports whether sectors of the given 1-based stage need their
// software ECC bytes neutralised.
func (img *Image) ForcesECC(stage int) bool {
	return img.ECC.Forces(stage)
}

// ActiveStages returns the number of stages the image writes: stages up to
// the first zero boundary marker, at most NumStages-1.
func (img *Image) ActiveStages() int {
	n := 0
	for stage := 1; stage < NumStages; stage++ {
		if img.Boundaries[stage-1] == 0 {
			break
		}
		n++
	}
	return n
}

// CheckGeometry verifies that the boundary markers fit the device before
// anything is written. A boundary off a sector edge fails with
// ErrUnalignedBoundary; one that goes backwards or past the end of the
// flash fails with ErrPartitionTableOverflow.
func (img *Image) CheckGeometry(g nand.Geometry) error {
	var prev uint32
	for i := 0; i < img.ActiveStages(); i++ {
		b := img.Boundaries[i]
		switch {
		case b%g.SectorSize != 0:
			return fmt.Errorf("%w: boundary %d (%#08x), sector size %#x", ErrUnalignedBoundary, i+1, b, g.SectorSize)
		case b < prev:
			return fmt.Errorf("%w: boundary %d (%#08x) lies before boundary %d (%#08x)",
				ErrPartitionTableOverflow, i+1, b, i, prev)
		case b > g.FlashSize:
			return fmt.Errorf("%w: boundary %d (%#08x) beyond flash size %#08x",
				ErrPartitionTableOverflow, i+1, b, g.FlashSize)
		}
		prev = b
	}
	return nil
}

func (img *Image) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s model=%s ecc=%s", img.Magic, img.Model, img.ECC)
	for _, s := range img.Stages {
		fmt.Fprintf(&sb, " stage%d=%#x@%#x", s.Index, s.Size, s.Offset)
	}
	return sb.String()
}
