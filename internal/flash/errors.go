// Package flash writes parsed NFI images to NAND flash.
package flash

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCapacityExceeded = errors.New("too much data (or bad sectors) in partition")
	ErrOOBModeRestore   = errors.New("failed to restore OOB mode")
	ErrInterrupted      = errors.New("write interrupted")
)

// CapacityError reports a stage whose data did not fit below its boundary.
type CapacityError struct {
	Stage   int
	End     uint32 // boundary marker of the stage
	Address uint32 // cursor address when the boundary was reached
	Pending uint32 // stage bytes not yet written
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%v %d (end: %08x, pos: %08x, %d bytes left)",
		ErrCapacityExceeded, e.Stage, e.End, e.Address, e.Pending)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// BadBlockPolicy decides what a bad block marker means.
type BadBlockPolicy int

const (
	// BadBlocksHonor skips blocks carrying a bad block marker.
	BadBlocksHonor BadBlockPolicy = iota
	// BadBlocksIgnore treats every block as good.
	BadBlocksIgnore
)

func (p BadBlockPolicy) String() string {
	switch p {
	case BadBlocksHonor:
		return "honor"
	case BadBlocksIgnore:
		return "ignore"
	}
	return fmt.Sprintf("BadBlockPolicy(%d)", int(p))
}

func (p BadBlockPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// ParseBadBlockPolicy accepts "honor" and "ignore".
func ParseBadBlockPolicy(s string) (BadBlockPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "honor", "":
		return BadBlocksHonor, nil
	case "ignore":
		return BadBlocksIgnore, nil
	}
	return BadBlocksHonor, fmt.Errorf("unknown bad block policy %q (supported: honor, ignore)", s)
}

func (p *BadBlockPolicy) UnmarshalText(b []byte) error {
	v, err := ParseBadBlockPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
