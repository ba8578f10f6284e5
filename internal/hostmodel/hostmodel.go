// Package hostmodel identifies the receiver the tool runs on and the NAND
// requirements that come with it.
package hostmodel

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/open-edge-platform/nfi-writer/internal/nand"
	"github.com/open-edge-platform/nfi-writer/internal/nfi"
)

// DefaultModelFile is where the box firmware publishes its model name.
const DefaultModelFile = "/proc/stb/info/model"

var ErrNoHostModel = errors.New("unable to determine host model")

// Model is one entry of the model table. A nil Geometry means the geometry
// reported by the device is used as is.
type Model struct {
	Name     string         `json:"name" yaml:"name"`
	ECC      nfi.ECCPolicy  `json:"ecc" yaml:"ecc"`
	Geometry *nand.Geometry `json:"geometry,omitempty" yaml:"geometry,omitempty"`
}

// Host returns the parser view of the model.
func (m Model) Host() nfi.Host {
	return nfi.Host{Model: m.Name, ECC: m.ECC}
}

// Detect reads the first line of the model file.
func Detect(path string) (string, error) {
	if path == "" {
		path = DefaultModelFile
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoHostModel, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("%w: read %s: %v", ErrNoHostModel, path, err)
		}
		return "", fmt.Errorf("%w: %s is empty", ErrNoHostModel, path)
	}
	name := strings.TrimSpace(sc.Text())
	if name == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNoHostModel, path)
	}
	return name, nil
}

// Table maps model names to their requirements.
type Table struct {
	models map[string]Model
}

func mustGeometry(flash, erase, sector, spare uint32) *nand.Geometry {
	g, err := nand.NewGeometry(flash, erase, sector, spare)
	if err != nil {
		panic(err)
	}
	return &g
}

// Builtin lists the receivers known without any configuration.
func Builtin() []Model {
	return []Model{
		{Name: "dm7025", ECC: nfi.ECCNone, Geometry: mustGeometry(32<<20, 16<<10, 512, 16)},
		{Name: "dm800", ECC: nfi.ECCNone, Geometry: mustGeometry(64<<20, 16<<10, 512, 16)},
		{Name: "dm500hd", ECC: nfi.ECCAllStages, Geometry: mustGeometry(64<<20, 16<<10, 512, 16)},
		{Name: "dm8000", ECC: nfi.ECCStagesAfterFirst, Geometry: mustGeometry(256<<20, 128<<10, 2048, 64)},
		{Name: "dm800se", ECC: nfi.ECCAllStages},
		{Name: "dm7020hd", ECC: nfi.ECCAllStages},
	}
}

// NewTable builds a table from the built-in models, with extra entries
// added or replacing built-ins of the same name.
func NewTable(extra ...Model) (*Table, error) {
	t := &Table{models: make(map[string]Model)}
	for _, m := range Builtin() {
		t.models[m.Name] = m
	}
	for _, m := range extra {
		if m.Name == "" {
			return nil, fmt.Errorf("model entry without a name")
		}
		if m.Geometry != nil {
			if err := m.Geometry.Validate(); err != nil {
				return nil, fmt.Errorf("model %s: %w", m.Name, err)
			}
		}
		t.models[m.Name] = m
	}
	return t, nil
}

// Lookup returns the entry for name. Unknown models need no hardware ECC and
// use the device geometry; ok reports whether the model was in the table.
func (t *Table) Lookup(name string) (m Model, ok bool) {
	if m, ok := t.models[name]; ok {
		return m, true
	}
	return Model{Name: name, ECC: nfi.ECCNone}, false
}

// Names returns the known model names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.models))
	for n := range t.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CheckGeometry compares a fixed model geometry with what the device
// reports. The bad block marker position is not compared.
func (m Model) CheckGeometry(device nand.Geometry) error {
	if m.Geometry == nil {
		return nil
	}
	want := *m.Geometry
	if want.FlashSize != device.FlashSize || want.EraseBlockSize != device.EraseBlockSize ||
		want.SectorSize != device.SectorSize || want.SpareSize != device.SpareSize {
		return fmt.Errorf("%w: %s expects %s, device reports %s",
			nand.ErrUnsupportedGeometry, m.Name, want, device)
	}
	return nil
}
