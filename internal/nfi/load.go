package nfi

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// MaxImageSize bounds the size of an expanded compressed image.
const MaxImageSize = 1 << 30

// Container formats recognised by Load.
const (
	ContainerNone = "none"
	ContainerGzip = "gzip"
	ContainerXZ   = "xz"
	ContainerZstd = "zstd"
	ContainerZip  = "zip"
)

var containerMagic = []struct {
	name  string
	magic []byte
}{
	{ContainerGzip, []byte{0x1f, 0x8b}},
	{ContainerXZ, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{ContainerZstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{ContainerZip, []byte{'P', 'K', 0x03, 0x04}},
}

// Source holds the bytes of an image file for the duration of a run.
type Source struct {
	Path      string
	Container string

	data  []byte
	unmap func() error
}

// Bytes returns the image contents. The slice is read-only.
func (s *Source) Bytes() []byte { return s.data }

// Len returns the image length in bytes.
func (s *Source) Len() int { return len(s.data) }

// Close releases the mapping, if any. It is safe to call more than once.
func (s *Source) Close() error {
	s.data = nil
	if s.unmap == nil {
		return nil
	}
	unmap := s.unmap
	s.unmap = nil
	return unmap()
}

// Load maps the image at path into memory. Images packed in gzip, xz, zstd
// or zip containers are expanded in memory instead.
func Load(filePath string) (*Source, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	head := make([]byte, 6)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read image: %w", err)
	}
	container := detectContainer(head[:n])

	src := &Source{Path: filePath, Container: container}
	if container == ContainerNone {
		src.data, src.unmap, err = mapFile(f)
		if err != nil {
			return nil, fmt.Errorf("map image: %w", err)
		}
		return src, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind image: %w", err)
	}
	src.data, err = expand(f, filePath, container)
	if err != nil {
		return nil, fmt.Errorf("expand %s image: %w", container, err)
	}
	return src, nil
}

func detectContainer(head []byte) string {
	for _, c := range containerMagic {
		if bytes.HasPrefix(head, c.magic) {
			return c.name
		}
	}
	return ContainerNone
}

func expand(f *os.File, filePath, container string) ([]byte, error) {
	var r io.Reader
	switch container {
	case ContainerGzip:
		zr, err := gzip.NewReader(bufio.NewReader(f))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case ContainerXZ:
		xr, err := xz.NewReader(bufio.NewReader(f))
		if err != nil {
			return nil, err
		}
		r = xr
	case ContainerZstd:
		zr, err := zstd.NewReader(bufio.NewReader(f))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case ContainerZip:
		return expandZip(filePath)
	default:
		return nil, fmt.Errorf("unsupported container %q", container)
	}
	return readLimited(r)
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxImageSize {
		return nil, errTooLarge(int64(len(data)))
	}
	return data, nil
}

func readFile(f *os.File) ([]byte, func() error, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, nil, err
	}
	data, err := readLimited(f)
	if err != nil {
		return nil, nil, err
	}
	return data, nil, nil
}

func errTooLarge(size int64) error {
	return fmt.Errorf("image is %d bytes, limit is %d", size, MaxImageSize)
}

// expandZip picks the single *.nfi member of the archive, or its only file.
func expandZip(filePath string) ([]byte, error) {
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var files, images []*zip.File
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		files = append(files, zf)
		if strings.EqualFold(path.Ext(zf.Name), ".nfi") {
			images = append(images, zf)
		}
	}

	var pick *zip.File
	switch {
	case len(images) == 1:
		pick = images[0]
	case len(images) == 0 && len(files) == 1:
		pick = files[0]
	case len(images) > 1:
		return nil, fmt.Errorf("archive holds %d .nfi files, expected one", len(images))
	default:
		return nil, fmt.Errorf("archive holds no .nfi file")
	}

	rc, err := pick.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", pick.Name, err)
	}
	defer rc.Close()
	return readLimited(rc)
}
