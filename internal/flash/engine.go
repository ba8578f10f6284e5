package flash

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/open-edge-platform/nfi-writer/internal/nand"
	"github.com/open-edge-platform/nfi-writer/internal/nfi"
	"github.com/open-edge-platform/nfi-writer/internal/utils/logger"
)

// DefaultProgressInterval is the flash distance between progress events.
const DefaultProgressInterval = 64 << 10

// jffs2CleanMarker is the empty-block marker the JFFS2 driver looks for.
var jffs2CleanMarker = []byte{0x19, 0x85, 0x20, 0x03, 0x00, 0x00, 0x00, 0x08}

// State of the write loop.
type State int

const (
	StateWriting State = iota
	StateDone
	StateFailed
)

// String returns the lower-case state name used in logs and reports.
func (s State) String() string {
	switch s {
	case StateWriting:
		return "writing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name for JSON and YAML reports.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Cursor is the position of the write loop. Stage is 1-based and DataPtr
// counts the bytes of the stage already consumed.
type Cursor struct {
	Address uint32 `json:"address" yaml:"address"`
	Stage   int    `json:"stage" yaml:"stage"`
	DataPtr uint32 `json:"dataPtr" yaml:"dataPtr"`
}

// Stats counts what the engine did to the device.
type Stats struct {
	Erases          int      `json:"erases" yaml:"erases"`
	DataWrites      int      `json:"dataWrites" yaml:"dataWrites"`
	FillerWrites    int      `json:"fillerWrites" yaml:"fillerWrites"`
	FillerSkipped   int      `json:"fillerSkipped" yaml:"fillerSkipped"`
	CleanMarkers    int      `json:"cleanMarkers" yaml:"cleanMarkers"`
	SkippedBlocks   []uint32 `json:"skippedBlocks" yaml:"skippedBlocks"`
	BytesFromImage  uint64   `json:"bytesFromImage" yaml:"bytesFromImage"`
	StagesCompleted int      `json:"stagesCompleted" yaml:"stagesCompleted"`
}

// Writes returns the number of sector writes issued.
func (s Stats) Writes() int { return s.DataWrites + s.FillerWrites + s.CleanMarkers }

// Result is the outcome of Engine.Run.
type Result struct {
	State  State  `json:"state" yaml:"state"`
	Cursor Cursor `json:"cursor" yaml:"cursor"`
	Stats  Stats  `json:"stats" yaml:"stats"`
	Err    error  `json:"-" yaml:"-"`
}

// EventKind classifies engine events.
type EventKind int

const (
	EventStage EventKind = iota
	EventBadBlock
	EventProgress
	EventDone
)

// Event is delivered synchronously from the write loop.
type Event struct {
	Kind    EventKind
	Stage   int
	Address uint32
	Total   uint32 // flash address at which the last stage ends
}

type EventHandler func(Event)

// Engine writes the stages of one image to one device.
type Engine struct {
	dev  nand.Device
	img  *nfi.Image
	geom nand.Geometry
	log  *zap.SugaredLogger

	badBlocks        BadBlockPolicy
	cleanMarkers     bool
	progressInterval uint32
	onEvent          EventHandler

	state  State
	cursor Cursor
	stats  Stats

	sector []byte
	spare  []byte
}

// Option configures an Engine.
type Option func(*Engine)

// WithBadBlockPolicy sets whether marked blocks are skipped.
func WithBadBlockPolicy(p BadBlockPolicy) Option {
	return func(e *Engine) { e.badBlocks = p }
}

// WithJFFS2CleanMarkers writes a JFFS2 cleanmarker into the first sector of
// every erase block that receives no data in stages after the first.
func WithJFFS2CleanMarkers(enabled bool) Option {
	return func(e *Engine) { e.cleanMarkers = enabled }
}

// WithProgressInterval sets the flash distance between progress events. It
// is rounded up to a whole number of sectors.
func WithProgressInterval(n uint32) Option {
	return func(e *Engine) { e.progressInterval = n }
}

// WithEventHandler sets the callback that receives progress and bad block events.
func WithEventHandler(h EventHandler) Option {
	return func(e *Engine) { e.onEvent = h }
}

// WithLogger replaces the package logger for this engine.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine prepares a write of img to dev. The image must have been parsed
// for this host and checked against the device geometry.
func NewEngine(dev nand.Device, img *nfi.Image, opts ...Option) (*Engine, error) {
	if dev == nil || img == nil {
		return nil, fmt.Errorf("engine needs a device and an image")
	}
	g := dev.Geometry()
	if err := g.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		dev:              dev,
		img:              img,
		geom:             g,
		progressInterval: DefaultProgressInterval,
		state:            StateWriting,
		cursor:           Cursor{Stage: 1},
		sector:           make([]byte, g.RawSectorSize()),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.Logger()
	}
	if e.progressInterval < g.SectorSize {
		e.progressInterval = g.SectorSize
	}
	if r := e.progressInterval % g.SectorSize; r != 0 {
		e.progressInterval += g.SectorSize - r
	}
	e.spare = make([]byte, g.SpareSize)
	return e, nil
}

// State returns where the engine is in the write.
func (e *Engine) State() State { return e.state }

// Cursor returns the current flash address, stage and offset into the stage data.
func (e *Engine) Cursor() Cursor { return e.cursor }

// Total returns the flash address at which the last written stage ends.
func (e *Engine) Total() uint32 {
	var end uint32
	for stage := 1; stage < nfi.NumStages; stage++ {
		b := e.img.Boundaries[stage-1]
		if stage > 1 && b == 0 {
			break
		}
		if b > end {
			end = b
		}
	}
	return end
}

func (e *Engine) emit(kind EventKind) {
	if e.onEvent == nil {
		return
	}
	e.onEvent(Event{Kind: kind, Stage: e.cursor.Stage, Address: e.cursor.Address, Total: e.Total()})
}

func (e *Engine) result() *Result {
	stats := e.stats
	stats.SkippedBlocks = append([]uint32(nil), e.stats.SkippedBlocks...)
	return &Result{State: e.state, Cursor: e.cursor, Stats: stats}
}

func (e *Engine) fail(err error) (*Result, error) {
	e.state = StateFailed
	r := e.result()
	r.Err = err
	return r, err
}

// Run drives the write loop until every stage is written or a step fails.
// Cancellation of ctx is noticed at erase block boundaries only.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if e.state != StateWriting {
		return nil, fmt.Errorf("engine already ran (%s)", e.state)
	}
	e.log.Infof("writing %s: %d stage(s), flash end %#08x, ecc forcing %s",
		e.img.Model, e.img.ActiveStages(), e.Total(), e.img.ECC)
	e.emit(EventStage)

	for e.state == StateWriting {
		if err := e.step(ctx); err != nil {
			e.log.Errorf("write failed at %#08x (stage %d): %v", e.cursor.Address, e.cursor.Stage, err)
			return e.fail(err)
		}
	}

	e.log.Infof("write complete: %d data sectors, %d filler sectors, %d blocks skipped",
		e.stats.DataWrites, e.stats.FillerWrites, len(e.stats.SkippedBlocks))
	e.emit(EventDone)
	return e.result(), nil
}

// step performs one sector-sized iteration of the loop.
func (e *Engine) step(ctx context.Context) error {
	c := &e.cursor
	stageSize := e.img.Stages[c.Stage].Size

	// 1. stage boundary
	if c.Address >= e.img.Boundaries[c.Stage-1] {
		if c.DataPtr < stageSize {
			return &CapacityError{
				Stage:   c.Stage,
				End:     e.img.Boundaries[c.Stage-1],
				Address: c.Address,
				Pending: stageSize - c.DataPtr,
			}
		}
		e.stats.StagesCompleted++
		c.Stage++
		c.DataPtr = 0
		if c.Stage == nfi.NumStages || e.img.Boundaries[c.Stage-1] == 0 {
			e.state = StateDone
			return nil
		}
		e.log.Infof("partition %d: %#08x..%#08x", c.Stage-1, c.Address, e.img.Boundaries[c.Stage-1])
		e.emit(EventStage)
		stageSize = e.img.Stages[c.Stage].Size
	}

	if c.Address >= e.geom.FlashSize {
		return &CapacityError{
			Stage:   c.Stage,
			End:     e.img.Boundaries[c.Stage-1],
			Address: c.Address,
			Pending: stageSize - min(c.DataPtr, stageSize),
		}
	}

	// 2. erase block handling
	if e.geom.IsBlockAligned(c.Address) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w at %#08x: %w", ErrInterrupted, c.Address, err)
		}
		bad, err := blockIsBad(e.dev, e.geom, c.Address, e.spare)
		if err != nil {
			return err
		}
		if bad && e.badBlocks == BadBlocksHonor {
			e.log.Warnf("skipping bad block at %#08x", c.Address)
			e.stats.SkippedBlocks = append(e.stats.SkippedBlocks, c.Address)
			e.emit(EventBadBlock)
			c.Address += e.geom.EraseBlockSize
			return nil
		}
		if err := e.dev.EraseBlock(c.Address); err != nil {
			return err
		}
		e.stats.Erases++
	}

	// 3. payload or filler
	write := true
	if c.DataPtr < stageSize {
		e.fillPayload(stageSize)
		e.stats.DataWrites++
	} else {
		fill(e.sector, 0xFF)
		switch {
		case c.Stage == 1:
			e.stats.FillerWrites++
		case e.cleanMarkers && e.geom.IsBlockAligned(c.Address):
			e.putCleanMarker()
			e.stats.CleanMarkers++
		default:
			write = false
			e.stats.FillerSkipped++
		}
	}

	// 4. write
	if write {
		main, spare := e.sector[:e.geom.SectorSize], e.sector[e.geom.SectorSize:]
		if err := e.dev.WriteSector(c.Address, main, spare); err != nil {
			return err
		}
	}

	if c.Address%e.progressInterval == 0 {
		e.emit(EventProgress)
	}

	// 5. advance
	c.Address += e.geom.SectorSize
	return nil
}

// fillPayload copies the next raw sector of the current stage into the
// sector buffer, padding with 0xFF past the end of the stage.
func (e *Engine) fillPayload(stageSize uint32) {
	c := &e.cursor
	data := e.img.StageData(c.Stage)
	n := copy(e.sector, data[c.DataPtr:])
	fill(e.sector[n:], 0xFF)
	e.stats.BytesFromImage += uint64(n)

	raw := uint32(e.geom.RawSectorSize())
	if stageSize-c.DataPtr < raw {
		c.DataPtr = stageSize
	} else {
		c.DataPtr += raw
	}

	if e.img.ForcesECC(c.Stage) {
		nfi.ForceECC(e.sector[e.geom.SectorSize:])
	}
}

func (e *Engine) putCleanMarker() {
	off := 2
	if e.geom.SpareSize == 16 {
		off = 8
	}
	copy(e.sector[int(e.geom.SectorSize)+off:], jffs2CleanMarker)
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
