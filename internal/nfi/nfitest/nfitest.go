// Package nfitest builds synthetic NFI images for tests.
package nfitest

import (
	"bytes"
	"encoding/binary"
)

// Spec describes an image to build. Stage 0 always starts with the boundary
// table; Stages holds the data of stages 1 to 3.
type Spec struct {
	Magic      string // defaults to NFI1
	Model      string
	Boundaries [4]uint32
	Stages     [3][]byte
	Stage0Tail []byte // extra bytes after the boundary table
}

// Build assembles the image described by s.
func Build(s Spec) []byte {
	magic := s.Magic
	if magic == "" {
		magic = "NFI1"
	}

	var buf bytes.Buffer
	header := make([]byte, 32)
	copy(header, magic)
	copy(header[4:], s.Model)
	buf.Write(header)
	buf.Write(make([]byte, 4)) // skip

	stage0 := make([]byte, 16, 16+len(s.Stage0Tail))
	for i, b := range s.Boundaries {
		binary.BigEndian.PutUint32(stage0[i*4:], b)
	}
	stage0 = append(stage0, s.Stage0Tail...)

	writeStage(&buf, stage0)
	for _, data := range s.Stages {
		writeStage(&buf, data)
	}
	return buf.Bytes()
}

func writeStage(buf *bytes.Buffer, data []byte) {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(data)))
	buf.Write(size[:])
	buf.Write(data)
}

// Pattern returns n bytes of a deterministic, non-0xFF pattern that starts
// from seed, so tests can tell written data from erased flash.
func Pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		v := seed + byte(i%251)
		if v == 0xFF {
			v = 0x00
		}
		b[i] = v
	}
	return b
}

// Sectors returns count raw sectors (main area plus spare area) filled with
// Pattern data.
func Sectors(count, sectorSize, spareSize int, seed byte) []byte {
	return Pattern(count*(sectorSize+spareSize), seed)
}
