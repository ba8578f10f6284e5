package flash

import (
	"errors"
	"fmt"

	"github.com/open-edge-platform/nfi-writer/internal/nand"
)

// OOBMode says how raw spare access was obtained.
type OOBMode int

const (
	// OOBModeUnchanged: the device has no OOB control at all.
	OOBModeUnchanged OOBMode = iota
	// OOBModeRaw: the file handle was switched to raw mode.
	OOBModeRaw
	// OOBModeLayout: the ECC layout was replaced and must be restored.
	OOBModeLayout
)

func (m OOBMode) String() string {
	switch m {
	case OOBModeUnchanged:
		return "unchanged"
	case OOBModeRaw:
		return "raw"
	case OOBModeLayout:
		return "layout"
	}
	return fmt.Sprintf("OOBMode(%d)", int(m))
}

func (m OOBMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// OOBGuard undoes what AcquireRawOOB changed.
type OOBGuard struct {
	ctrl     nand.OOBController
	mode     OOBMode
	snapshot nand.OOBLayout
	released bool
	err      error
}

// AcquireRawOOB makes spare areas readable and writable without ECC. The
// raw file mode is preferred; drivers without it get the no-ECC layout
// installed and the previous layout is kept for Release.
func AcquireRawOOB(dev nand.Device) (*OOBGuard, error) {
	ctrl, ok := dev.(nand.OOBController)
	if !ok {
		return &OOBGuard{mode: OOBModeUnchanged}, nil
	}

	err := ctrl.SetRawMode()
	if err == nil {
		return &OOBGuard{ctrl: ctrl, mode: OOBModeRaw}, nil
	}
	if !errors.Is(err, nand.ErrRawModeUnsupported) {
		return nil, fmt.Errorf("set raw OOB mode: %w", err)
	}

	snapshot, err := ctrl.OOBLayout()
	if err != nil {
		return nil, fmt.Errorf("read OOB layout: %w", err)
	}
	if err := ctrl.SetOOBLayout(nand.NoECCLayout); err != nil {
		return nil, fmt.Errorf("install no-ECC OOB layout: %w", err)
	}
	return &OOBGuard{ctrl: ctrl, mode: OOBModeLayout, snapshot: snapshot}, nil
}

func (g *OOBGuard) Mode() OOBMode { return g.mode }

// Snapshot returns the layout saved before the change, if any.
func (g *OOBGuard) Snapshot() (nand.OOBLayout, bool) {
	return g.snapshot, g.mode == OOBModeLayout
}

// Release restores the saved layout. Only the first call touches the
// device; later calls return the first result.
func (g *OOBGuard) Release() error {
	if g.released {
		return g.err
	}
	g.released = true
	if g.mode != OOBModeLayout {
		return nil
	}
	if err := g.ctrl.SetOOBLayout(g.snapshot); err != nil {
		g.err = fmt.Errorf("%w: %w", ErrOOBModeRestore, err)
	}
	return g.err
}
