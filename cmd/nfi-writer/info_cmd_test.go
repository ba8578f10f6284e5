package main

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/open-edge-platform/nfi-writer/internal/nfi"
)

func TestCreateInfoCommand(t *testing.T) {
	resetGlobals(t)
	cmd := createInfoCommand()

	t.Run("CommandMetadata", func(t *testing.T) {
		if cmd.Use != "info [flags] IMAGE_FILE" {
			t.Errorf("expected Use='info [flags] IMAGE_FILE', got %q", cmd.Use)
		}
		if cmd.Short == "" || cmd.Long == "" {
			t.Error("descriptions should not be empty")
		}
	})

	t.Run("CommandFlags", func(t *testing.T) {
		formatFlag := cmd.Flags().Lookup("format")
		if formatFlag == nil {
			t.Fatal("--format flag should be registered")
		}
		if formatFlag.DefValue != "text" {
			t.Errorf("--format default should be 'text', got %q", formatFlag.DefValue)
		}
		for _, name := range []string{"pretty", "model"} {
			if cmd.Flags().Lookup(name) == nil {
				t.Errorf("--%s flag should be registered", name)
			}
		}
	})

	t.Run("RequiresImage", func(t *testing.T) {
		if _, err := execCmd(t, createInfoCommand()); err == nil {
			t.Error("expected an error without an image argument")
		}
	})
}

func TestInfoFormats(t *testing.T) {
	cfg := testConfig(t, testBox)
	image := testImage(t)

	t.Run("text", func(t *testing.T) {
		out, err := execRoot(t, "--config", cfg, "info", image)
		if err != nil {
			t.Fatalf("info: %v", err)
		}
		for _, want := range []string{"Format:     NFI1", "Model:      testbox", "00000000..00004000", "Partitions: 2"} {
			if !strings.Contains(out, want) {
				t.Errorf("output missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("json", func(t *testing.T) {
		out, err := execRoot(t, "--config", cfg, "info", "--format", "json", "--pretty", image)
		if err != nil {
			t.Fatalf("info: %v", err)
		}
		var info ImageInfo
		if err := json.Unmarshal([]byte(out), &info); err != nil {
			t.Fatalf("output is not JSON: %v\n%s", err, out)
		}
		if info.Container != nfi.ContainerNone || info.Host.Name != testBox || info.Host.Geometry == nil {
			t.Errorf("unexpected info %+v", info)
		}
		if info.Image == nil || info.Image.Magic != nfi.MagicNFI1 || info.Image.Boundaries[1] != 0x8000 {
			t.Errorf("unexpected image %+v", info.Image)
		}
		if info.Image.Stages[1].Size != 4*0x210 {
			t.Errorf("stage 1 size = %#x, want %#x", info.Image.Stages[1].Size, 4*0x210)
		}
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := execRoot(t, "--config", cfg, "info", "--format", "yaml", image)
		if err != nil {
			t.Fatalf("info: %v", err)
		}
		var doc map[string]interface{}
		if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
			t.Fatalf("output is not YAML: %v\n%s", err, out)
		}
		img, ok := doc["image"].(map[string]interface{})
		if !ok || img["magic"] != "NFI1" || img["ecc"] != "none" {
			t.Errorf("unexpected yaml document:\n%s", out)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		if _, err := execRoot(t, "--config", cfg, "info", "--format", "xml", image); err == nil {
			t.Error("expected an error for --format xml")
		}
	})
}

func TestInfoModelSelection(t *testing.T) {
	image := testImage(t)

	t.Run("falls back to the image model", func(t *testing.T) {
		// no model file: the host cannot be detected
		out, err := execRoot(t, "--config", testConfig(t, ""), "info", image)
		if err != nil {
			t.Fatalf("info: %v", err)
		}
		if !strings.Contains(out, "Model:      testbox") {
			t.Errorf("unexpected output:\n%s", out)
		}
	})

	t.Run("explicit model must match", func(t *testing.T) {
		_, err := execRoot(t, "--config", testConfig(t, testBox), "info", "--model", "dm800", image)
		if !errors.Is(err, nfi.ErrModelMismatch) {
			t.Fatalf("expected ErrModelMismatch, got %v", err)
		}
	})

	t.Run("detected model must match", func(t *testing.T) {
		_, err := execRoot(t, "--config", testConfig(t, "dm8000"), "info", image)
		if !errors.Is(err, nfi.ErrModelMismatch) {
			t.Fatalf("expected ErrModelMismatch, got %v", err)
		}
	})
}
