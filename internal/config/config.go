// Package config loads the nfi-writer configuration file.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
	k8syaml "sigs.k8s.io/yaml"

	"github.com/open-edge-platform/nfi-writer/internal/hostmodel"
	"github.com/open-edge-platform/nfi-writer/internal/nand"
	"github.com/open-edge-platform/nfi-writer/internal/nfi"
)

// DefaultConfigFile is read when no --config flag is given and the file exists.
const DefaultConfigFile = "/etc/nfi-writer.yml"

// DefaultProgressInterval is the number of bytes between progress reports.
const DefaultProgressInterval = 64 << 10

const (
	BadBlocksHonor  = "honor"
	BadBlocksIgnore = "ignore"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "config.schema.json"

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all settings of the tool.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Host    HostConfig    `yaml:"host"`
	Flash   FlashConfig   `yaml:"flash"`
	Logging LoggingConfig `yaml:"logging"`
	Models  []ModelConfig `yaml:"models"`
}

// DeviceConfig lists the MTD character devices to try, in order.
type DeviceConfig struct {
	Paths []string `yaml:"paths"`
}

// HostConfig selects how the receiver model is found. A non-empty Model
// skips detection.
type HostConfig struct {
	ModelFile string `yaml:"model_file"`
	Model     string `yaml:"model"`
}

// FlashConfig tunes the write.
type FlashConfig struct {
	// BadBlocks is "honor" or "ignore"
	BadBlocks string `yaml:"bad_blocks"`

	// ScanBadBlocks runs the pre-scan before writing; nil means the default
	ScanBadBlocks *bool `yaml:"scan_bad_blocks"`

	JFFS2CleanMarkers bool `yaml:"jffs2_cleanmarkers"`

	// ProgressInterval is in bytes
	ProgressInterval uint32 `yaml:"progress_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// ModelConfig adds or overrides an entry of the receiver table.
type ModelConfig struct {
	Name     string          `yaml:"name"`
	ECC      string          `yaml:"ecc"`
	Geometry *GeometryConfig `yaml:"geometry"`
}

type GeometryConfig struct {
	FlashSize      uint32 `yaml:"flash_size"`
	EraseBlockSize uint32 `yaml:"erase_block_size"`
	SectorSize     uint32 `yaml:"sector_size"`
	SpareSize      uint32 `yaml:"spare_size"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	scan := true
	return Config{
		Device: DeviceConfig{
			Paths: append([]string(nil), nand.DefaultMTDPaths...),
		},
		Host: HostConfig{
			ModelFile: hostmodel.DefaultModelFile,
		},
		Flash: FlashConfig{
			BadBlocks:        BadBlocksHonor,
			ScanBadBlocks:    &scan,
			ProgressInterval: DefaultProgressInterval,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Merge fills the zero values of c from defaults.
func (c Config) Merge(defaults Config) Config {
	merged := c

	if len(merged.Device.Paths) == 0 {
		merged.Device.Paths = defaults.Device.Paths
	}
	if merged.Host.ModelFile == "" {
		merged.Host.ModelFile = defaults.Host.ModelFile
	}
	if merged.Host.Model == "" {
		merged.Host.Model = defaults.Host.Model
	}

	if merged.Flash.BadBlocks == "" {
		merged.Flash.BadBlocks = defaults.Flash.BadBlocks
	}
	if merged.Flash.ScanBadBlocks == nil {
		merged.Flash.ScanBadBlocks = defaults.Flash.ScanBadBlocks
	}
	if !merged.Flash.JFFS2CleanMarkers {
		merged.Flash.JFFS2CleanMarkers = defaults.Flash.JFFS2CleanMarkers
	}
	if merged.Flash.ProgressInterval == 0 {
		merged.Flash.ProgressInterval = defaults.Flash.ProgressInterval
	}

	if merged.Logging.Level == "" {
		merged.Logging.Level = defaults.Logging.Level
	}
	if merged.Logging.Format == "" {
		merged.Logging.Format = defaults.Logging.Format
	}
	if merged.Logging.File == "" {
		merged.Logging.File = defaults.Logging.File
	}

	merged.Models = mergeModels(defaults.Models, merged.Models)
	return merged
}

// mergeModels keeps the order of base and lets entries of over replace
// base entries with the same name.
func mergeModels(base, over []ModelConfig) []ModelConfig {
	if len(base) == 0 {
		return over
	}
	index := make(map[string]int, len(base))
	out := append([]ModelConfig(nil), base...)
	for i, m := range out {
		index[m.Name] = i
	}
	for _, m := range over {
		if i, ok := index[m.Name]; ok {
			out[i] = m
			continue
		}
		index[m.Name] = len(out)
		out = append(out, m)
	}
	return out
}

// ScanEnabled reports whether the bad block pre-scan runs.
func (c Config) ScanEnabled() bool {
	return c.Flash.ScanBadBlocks == nil || *c.Flash.ScanBadBlocks
}

// HostModels converts the models section into receiver table entries.
func (c Config) HostModels() ([]hostmodel.Model, error) {
	out := make([]hostmodel.Model, 0, len(c.Models))
	for _, mc := range c.Models {
		ecc, err := nfi.ParseECCPolicy(mc.ECC)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", mc.Name, err)
		}
		m := hostmodel.Model{Name: mc.Name, ECC: ecc}
		if g := mc.Geometry; g != nil {
			geom, err := nand.NewGeometry(g.FlashSize, g.EraseBlockSize, g.SectorSize, g.SpareSize)
			if err != nil {
				return nil, fmt.Errorf("model %s: %w", mc.Name, err)
			}
			m.Geometry = &geom
		}
		out = append(out, m)
	}
	return out, nil
}

// Load reads, validates and decodes the file at path and merges it over
// DefaultConfig.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads path, or DefaultConfigFile when path is empty. A missing
// default file yields DefaultConfig.
func LoadDefault(path string) (Config, error) {
	if path != "" {
		return Load(path)
	}
	if _, err := os.Stat(DefaultConfigFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("stat %s: %w", DefaultConfigFile, err)
	}
	return Load(DefaultConfigFile)
}

// Parse validates a YAML document against the schema and decodes it.
func Parse(data []byte) (Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return DefaultConfig(), nil
	}
	if err := validate(data); err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := cfg.HostModels(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg.Merge(DefaultConfig()), nil
}

func validate(data []byte) error {
	jsonData, err := k8syaml.YAMLToJSON(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	schema, err := compileSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("load config schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	return schema, nil
}
