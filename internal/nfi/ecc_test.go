package nfi

import (
	"bytes"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestForceECC(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{name: "small page spare", size: 16},
		{name: "large page spare", size: 64},
		{name: "partial group", size: 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spare := bytes.Repeat([]byte{0x00}, tt.size)
			ForceECC(spare)
			for i, b := range spare {
				rel := i % 16
				forced := rel == 6 || rel == 7 || rel == 8
				if forced && b != 0xFF {
					t.Errorf("byte %d should be forced to 0xFF, got %#x", i, b)
				}
				if !forced && b != 0x00 {
					t.Errorf("byte %d should be untouched, got %#x", i, b)
				}
			}
		})
	}
}

func TestECCPolicyForces(t *testing.T) {
	tests := []struct {
		policy ECCPolicy
		stage  int
		want   bool
	}{
		{ECCNone, 1, false},
		{ECCNone, 3, false},
		{ECCStagesAfterFirst, 1, false},
		{ECCStagesAfterFirst, 2, true},
		{ECCAllStages, 1, true},
		{ECCAllStages, 3, true},
	}
	for _, tt := range tests {
		if got := tt.policy.Forces(tt.stage); got != tt.want {
			t.Errorf("%s.Forces(%d) = %v, want %v", tt.policy, tt.stage, got, tt.want)
		}
	}
}

func TestECCPolicyText(t *testing.T) {
	for _, p := range []ECCPolicy{ECCNone, ECCStagesAfterFirst, ECCAllStages} {
		got, err := ParseECCPolicy(p.String())
		if err != nil {
			t.Fatalf("ParseECCPolicy(%q): %v", p.String(), err)
		}
		if got != p {
			t.Errorf("got %s, want %s", got, p)
		}
	}

	if _, err := ParseECCPolicy("sometimes"); err == nil {
		t.Error("expected error for unknown policy")
	}

	var doc struct {
		ECC ECCPolicy `yaml:"ecc"`
	}
	if err := yaml.Unmarshal([]byte("ecc: stages-after-first\n"), &doc); err != nil {
		t.Fatalf("yaml decode: %v", err)
	}
	if doc.ECC != ECCStagesAfterFirst {
		t.Errorf("yaml decoded %s", doc.ECC)
	}
}

func TestResolveECCUnknownMagic(t *testing.T) {
	if _, err := ResolveECC(Magic("NFI9"), ECCNone); err == nil {
		t.Error("expected error for unknown magic")
	}
}
