package nfi

import (
	"fmt"
	"strings"
)

// ECCPolicy says which stages carry sectors whose software ECC bytes must be
// neutralised so the controller's hardware ECC takes over.
type ECCPolicy int

const (
	ECCNone ECCPolicy = iota
	ECCStagesAfterFirst
	ECCAllStages
)

var eccNames = map[ECCPolicy]string{
	ECCNone:             "none",
	ECCStagesAfterFirst: "stages-after-first",
	ECCAllStages:        "all-stages",
}

func (p ECCPolicy) String() string {
	if s, ok := eccNames[p]; ok {
		return s
	}
	return fmt.Sprintf("ECCPolicy(%d)", int(p))
}

// ParseECCPolicy accepts the names printed by String.
func ParseECCPolicy(s string) (ECCPolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range eccNames {
		if name == s {
			return p, nil
		}
	}
	return ECCNone, fmt.Errorf("unknown ECC policy %q (supported: none, stages-after-first, all-stages)", s)
}

func (p ECCPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *ECCPolicy) UnmarshalText(b []byte) error {
	v, err := ParseECCPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Forces reports whether sectors of the 1-based stage get ECC forcing.
func (p ECCPolicy) Forces(stage int) bool {
	switch p {
	case ECCAllStages:
		return true
	case ECCStagesAfterFirst:
		return stage > 1
	}
	return false
}

// ResolveECC combines the image format with the host requirement. NFI1
// images carry software ECC only and are written without forcing, unless
// the host needs hardware ECC on every stage. NFI2 images need a host with
// hardware ECC.
func ResolveECC(magic Magic, host ECCPolicy) (ECCPolicy, error) {
	switch magic {
	case MagicNFI1:
		if host == ECCAllStages {
			return ECCNone, fmt.Errorf("%w: %s image on a host requiring hardware ECC for all stages",
				ErrECCPolicyMismatch, magic)
		}
		return ECCNone, nil
	case MagicNFI2:
		if host == ECCNone {
			return ECCNone, fmt.Errorf("%w: %s image needs hardware ECC, host has none",
				ErrECCPolicyMismatch, magic)
		}
		return host, nil
	}
	return ECCNone, fmt.Errorf("%w: magic %q", ErrBadMagic, string(magic))
}

// ECC bytes inside every 16 byte group of the spare area.
var forcedECCOffsets = [...]int{6, 7, 8}

const spareGroup = 16

// ForceECC sets the software ECC bytes of every 16 byte spare group to 0xFF.
func ForceECC(spare []byte) {
	for g := 0; g < len(spare); g += spareGroup {
		for _, off := range forcedECCOffsets {
			if g+off < len(spare) {
				spare[g+off] = 0xFF
			}
		}
	}
}
