package flash

import (
	"testing"

	"github.com/open-edge-platform/nfi-writer/internal/nand"
	"github.com/open-edge-platform/nfi-writer/internal/nfi"
	"github.com/open-edge-platform/nfi-writer/internal/nfi/nfitest"
)

const testModel = "dm800"

// smallPage is the geometry the end-to-end scenarios run on.
func smallPage(t *testing.T, eraseBlock uint32) nand.Geometry {
	t.Helper()
	g, err := nand.NewGeometry(0x10000, eraseBlock, 0x200, 0x10)
	if err != nil {
		t.Fatalf("NewGeometry: %v", err)
	}
	return g
}

func newDevice(t *testing.T, g nand.Geometry, opts ...nand.MemOption) *nand.MemDevice {
	t.Helper()
	dev, err := nand.NewMemDevice(g, opts...)
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}
	return dev
}

func parseImage(t *testing.T, spec nfitest.Spec, host nfi.Host) *nfi.Image {
	t.Helper()
	if spec.Model == "" {
		spec.Model = host.Model
	}
	img, err := nfi.Parse(nfitest.Build(spec), host)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return img
}

// opAddrs returns the addresses of every logged op of the given kind.
func opAddrs(dev *nand.MemDevice, op nand.Op) []uint32 {
	var out []uint32
	for _, r := range dev.Log() {
		if r.Op == op {
			out = append(out, r.Addr)
		}
	}
	return out
}

func allFF(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}

func equalAddrs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
