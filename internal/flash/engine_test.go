package flash

import (
	"bytes"
	"context"
	"errors"
	"go/ast"
	"go/parser"
	"go/token"
	"testing"

	"github.com/open-edge-platform/nfi-writer/internal/nand"
	"github.com/open-edge-platform/nfi-writer/internal/nfi"
	"github.com/open-edge-platform/nfi-writer/internal/nfi/nfitest"
)

func twoStageSpec() nfitest.Spec {
	return nfitest.Spec{
		Magic:      "NFI1",
		Boundaries: [4]uint32{0x2000, 0x4000, 0, 0},
		Stages:     [3][]byte{nfitest.Pattern(128, 1), nfitest.Pattern(64, 2)},
	}
}

func TestEngineEndToEnd(t *testing.T) {
	g := smallPage(t, 0x4000)
	dev := newDevice(t, g)
	img := parseImage(t, twoStageSpec(), nfi.Host{Model: testModel})

	engine, err := NewEngine(dev, img)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	res, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.State != StateDone || engine.State() != StateDone {
		t.Fatalf("expected done, got %s", res.State)
	}
	if res.Cursor.Address != 0x4000 || res.Cursor.Stage != 3 {
		t.Errorf("unexpected final cursor %+v", res.Cursor)
	}

	// The boundary check runs before the erase, so the block at 0x4000 is
	// never touched.
	if erases := opAddrs(dev, nand.OpErase); !equalAddrs(erases, []uint32{0}) {
		t.Errorf("expected a single erase at 0, got %x", erases)
	}

	var want []uint32
	for addr := uint32(0); addr < 0x2000; addr += 0x200 {
		want = append(want, addr)
	}
	want = append(want, 0x2000)
	if writes := opAddrs(dev, nand.OpWrite); !equalAddrs(writes, want) {
		t.Errorf("unexpected write addresses %x", writes)
	}

	main, spare := dev.Sector(0)
	if !bytes.Equal(main[:128], nfitest.Pattern(128, 1)) || !allFF(main[128:]) || !allFF(spare) {
		t.Error("stage 1 sector does not hold the padded stage data")
	}
	main, _ = dev.Sector(0x2000)
	if !bytes.Equal(main[:64], nfitest.Pattern(64, 2)) || !allFF(main[64:]) {
		t.Error("stage 2 sector does not hold the padded stage data")
	}

	if res.Stats.DataWrites != 2 || res.Stats.FillerWrites != 15 || res.Stats.FillerSkipped != 15 {
		t.Errorf("unexpected stats %+v", res.Stats)
	}
	if res.Stats.BytesFromImage != 192 {
		t.Errorf("expected 192 image bytes, got %d", res.Stats.BytesFromImage)
	}
	if res.Stats.StagesCompleted != 2 {
		t.Errorf("expected 2 completed stages, got %d", res.Stats.StagesCompleted)
	}

	if _, err := engine.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}

func TestEngineEndToEndSmallEraseBlocks(t *testing.T) {
	g := smallPage(t, 0x2000)
	dev := newDevice(t, g)
	img := parseImage(t, twoStageSpec(), nfi.Host{Model: testModel})

	engine, err := NewEngine(dev, img)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if erases := opAddrs(dev, nand.OpErase); !equalAddrs(erases, []uint32{0, 0x2000}) {
		t.Errorf("expected erases at 0 and 0x2000, got %x", erases)
	}
}

func TestEngineCapacityExceeded(t *testing.T) {
	g := smallPage(t, 0x4000)
	raw := g.RawSectorSize()

	tests := []struct {
		name     string
		sectors  int
		boundary uint32
		bad      []uint32
		wantAddr uint32
	}{
		{name: "stage larger than boundary", sectors: 3, boundary: 0x400, wantAddr: 0x400},
		{name: "bad block eats the room", sectors: 40, boundary: 0x8000, bad: []uint32{0x4000}, wantAddr: 0x8000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newDevice(t, g)
			for _, b := range tt.bad {
				if err := dev.MarkBad(b, 0); err != nil {
					t.Fatal(err)
				}
			}
			img := parseImage(t, nfitest.Spec{
				Boundaries: [4]uint32{tt.boundary},
				Stages:     [3][]byte{nfitest.Sectors(tt.sectors, 0x200, 0x10, 3)},
			}, nfi.Host{Model: testModel})

			engine, err := NewEngine(dev, img)
			if err != nil {
				t.Fatal(err)
			}
			res, err := engine.Run(context.Background())
			if !errors.Is(err, ErrCapacityExceeded) {
				t.Fatalf("expected ErrCapacityExceeded, got %v", err)
			}
			var capErr *CapacityError
			if !errors.As(err, &capErr) {
				t.Fatalf("expected *CapacityError, got %T", err)
			}
			if capErr.Stage != 1 || capErr.End != tt.boundary || capErr.Address != tt.wantAddr {
				t.Errorf("unexpected capacity error %+v", capErr)
			}
			if res.State != StateFailed || !errors.Is(res.Err, ErrCapacityExceeded) {
				t.Errorf("unexpected result %+v", res)
			}
			for _, a := range opAddrs(dev, nand.OpWrite) {
				if a >= tt.boundary {
					t.Errorf("write at %#x beyond the boundary", a)
				}
			}
			if capErr.Pending == 0 || int(capErr.Pending) > tt.sectors*raw {
				t.Errorf("unexpected pending byte count %d", capErr.Pending)
			}
		})
	}
}

func TestEngineBadBlocks(t *testing.T) {
	g := smallPage(t, 0x4000)
	data := nfitest.Sectors(40, 0x200, 0x10, 5)
	spec := nfitest.Spec{
		Boundaries: [4]uint32{0xC000},
		Stages:     [3][]byte{data},
	}

	tests := []struct {
		name       string
		policy     BadBlockPolicy
		markSector int
		wantErases []uint32
		wantSkip   []uint32
		wantWrites int
	}{
		{name: "marker in first sector", policy: BadBlocksHonor, markSector: 0,
			wantErases: []uint32{0, 0x8000}, wantSkip: []uint32{0x4000}, wantWrites: 64},
		{name: "marker in second sector", policy: BadBlocksHonor, markSector: 1,
			wantErases: []uint32{0, 0x8000}, wantSkip: []uint32{0x4000}, wantWrites: 64},
		{name: "markers ignored", policy: BadBlocksIgnore, markSector: 0,
			wantErases: []uint32{0, 0x4000, 0x8000}, wantWrites: 96},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newDevice(t, g)
			if err := dev.MarkBad(0x4000, tt.markSector); err != nil {
				t.Fatal(err)
			}
			img := parseImage(t, spec, nfi.Host{Model: testModel})

			var events []Event
			engine, err := NewEngine(dev, img,
				WithBadBlockPolicy(tt.policy),
				WithEventHandler(func(ev Event) {
					if ev.Kind == EventBadBlock {
						events = append(events, ev)
					}
				}))
			if err != nil {
				t.Fatal(err)
			}
			res, err := engine.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}

			if erases := opAddrs(dev, nand.OpErase); !equalAddrs(erases, tt.wantErases) {
				t.Errorf("expected erases %x, got %x", tt.wantErases, erases)
			}
			if !equalAddrs(res.Stats.SkippedBlocks, tt.wantSkip) {
				t.Errorf("expected skipped %x, got %x", tt.wantSkip, res.Stats.SkippedBlocks)
			}
			if len(events) != len(tt.wantSkip) {
				t.Errorf("expected %d bad block events, got %d", len(tt.wantSkip), len(events))
			}
			if n := dev.Count(nand.OpWrite); n != tt.wantWrites {
				t.Errorf("expected %d writes, got %d", tt.wantWrites, n)
			}

			if tt.policy == BadBlocksHonor {
				for _, a := range opAddrs(dev, nand.OpWrite) {
					if a >= 0x4000 && a < 0x8000 {
						t.Errorf("write at %#x inside the bad block", a)
					}
				}
				// sector 32 of the stage lands in the block after the bad one
				main, spare := dev.Sector(0x8000)
				raw := g.RawSectorSize()
				want := data[32*raw : 33*raw]
				if !bytes.Equal(main, want[:0x200]) || !bytes.Equal(spare, want[0x200:]) {
					t.Error("data after the bad block is not the next stage sector")
				}
			}
		})
	}
}

func TestEngineECCForcing(t *testing.T) {
	g := smallPage(t, 0x4000)
	stage1 := nfitest.Sectors(1, 0x200, 0x10, 7)
	stage2 := nfitest.Sectors(1, 0x200, 0x10, 9)
	spec := nfitest.Spec{
		Boundaries: [4]uint32{0x200, 0x400},
		Stages:     [3][]byte{stage1, stage2},
	}

	checkSpare := func(t *testing.T, got, src []byte, forced bool) {
		t.Helper()
		for i, b := range got {
			rel := i % 16
			if forced && (rel == 6 || rel == 7 || rel == 8) {
				if b != 0xFF {
					t.Errorf("spare byte %d: expected 0xFF, got %#x", i, b)
				}
				continue
			}
			if b != src[i] {
				t.Errorf("spare byte %d: expected %#x, got %#x", i, src[i], b)
			}
		}
	}

	tests := []struct {
		name         string
		magic        string
		host         nfi.ECCPolicy
		forceStage1  bool
		forceStage2  bool
		wantResolved nfi.ECCPolicy
	}{
		{name: "NFI1 passes spare through", magic: "NFI1", host: nfi.ECCNone, wantResolved: nfi.ECCNone},
		{name: "NFI2 all stages", magic: "NFI2", host: nfi.ECCAllStages,
			forceStage1: true, forceStage2: true, wantResolved: nfi.ECCAllStages},
		{name: "NFI2 stages after first", magic: "NFI2", host: nfi.ECCStagesAfterFirst,
			forceStage2: true, wantResolved: nfi.ECCStagesAfterFirst},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newDevice(t, g)
			s := spec
			s.Magic = tt.magic
			img := parseImage(t, s, nfi.Host{Model: testModel, ECC: tt.host})
			if img.ECC != tt.wantResolved {
				t.Fatalf("expected policy %s, got %s", tt.wantResolved, img.ECC)
			}

			engine, err := NewEngine(dev, img)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := engine.Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}

			main, spare := dev.Sector(0)
			if !bytes.Equal(main, stage1[:0x200]) {
				t.Error("main area must never be modified")
			}
			checkSpare(t, spare, stage1[0x200:], tt.forceStage1)

			_, spare = dev.Sector(0x200)
			checkSpare(t, spare, stage2[0x200:], tt.forceStage2)
		})
	}
}

func TestEngineDeviceFailures(t *testing.T) {
	g := smallPage(t, 0x4000)
	ioErr := errors.New("EIO")

	tests := []struct {
		name  string
		fault nand.Fault
		want  error
		addr  uint32
	}{
		{name: "write", fault: nand.Fault{Op: nand.OpWrite, Addr: 0x400, Err: ioErr}, want: nand.ErrWrite, addr: 0x400},
		{name: "spare write", fault: nand.Fault{Op: nand.OpWriteSpare, Addr: 0x400, Err: ioErr}, want: nand.ErrWrite, addr: 0x400},
		{name: "erase", fault: nand.Fault{Op: nand.OpErase, Addr: 0, Err: ioErr}, want: nand.ErrErase, addr: 0},
		{name: "spare read", fault: nand.Fault{Op: nand.OpReadSpare, Addr: 0x200, Err: ioErr}, want: nand.ErrSpareRead, addr: 0x200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newDevice(t, g)
			dev.InjectFault(tt.fault)
			img := parseImage(t, twoStageSpec(), nfi.Host{Model: testModel})

			engine, err := NewEngine(dev, img)
			if err != nil {
				t.Fatal(err)
			}
			res, err := engine.Run(context.Background())
			if !errors.Is(err, tt.want) || !errors.Is(err, ioErr) {
				t.Fatalf("expected %v wrapping the device error, got %v", tt.want, err)
			}
			var opErr *nand.OpError
			if !errors.As(err, &opErr) || opErr.Addr != tt.addr {
				t.Errorf("expected an OpError at %#x, got %v", tt.addr, err)
			}
			if res.State != StateFailed {
				t.Errorf("expected failed state, got %s", res.State)
			}
			for _, a := range opAddrs(dev, nand.OpWrite) {
				if a >= tt.addr {
					t.Errorf("write at %#x after the failure", a)
				}
			}
			if main, _ := dev.Sector(0x400); tt.fault.Op == nand.OpWriteSpare && !allFF(main) {
				t.Error("main area programmed after the spare write failed")
			}
		})
	}
}

func TestEngineInterrupted(t *testing.T) {
	g := smallPage(t, 0x4000)
	dev := newDevice(t, g)
	img := parseImage(t, twoStageSpec(), nfi.Host{Model: testModel})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine, err := NewEngine(dev, img)
	if err != nil {
		t.Fatal(err)
	}
	res, err := engine.Run(ctx)
	if !errors.Is(err, ErrInterrupted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if res.State != StateFailed {
		t.Errorf("expected failed state, got %s", res.State)
	}
	if len(dev.Log()) != 0 {
		t.Errorf("device touched after cancellation: %v", dev.Log())
	}
}

func TestEngineJFFS2CleanMarkers(t *testing.T) {
	g := smallPage(t, 0x4000)
	spec := nfitest.Spec{
		Boundaries: [4]uint32{0x4000, 0xC000},
		Stages:     [3][]byte{nfitest.Sectors(1, 0x200, 0x10, 1), nfitest.Sectors(1, 0x200, 0x10, 2)},
	}

	for _, enabled := range []bool{false, true} {
		dev := newDevice(t, g)
		img := parseImage(t, spec, nfi.Host{Model: testModel})
		engine, err := NewEngine(dev, img, WithJFFS2CleanMarkers(enabled))
		if err != nil {
			t.Fatal(err)
		}
		res, err := engine.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}

		main, spare := dev.Sector(0x8000)
		if !allFF(main) {
			t.Error("cleanmarker sector must have an erased main area")
		}
		if !enabled {
			if res.Stats.CleanMarkers != 0 || !allFF(spare) {
				t.Error("cleanmarker written although disabled")
			}
			continue
		}
		if res.Stats.CleanMarkers != 1 {
			t.Errorf("expected one cleanmarker, got %d", res.Stats.CleanMarkers)
		}
		if !allFF(spare[:8]) || !bytes.Equal(spare[8:], jffs2CleanMarker) {
			t.Errorf("unexpected cleanmarker spare % x", spare)
		}
		// the block holding stage 2 data gets no marker
		if _, spare := dev.Sector(0x4000); bytes.Equal(spare[8:], jffs2CleanMarker) {
			t.Error("cleanmarker written into a data sector")
		}
	}
}

func TestEngineEvents(t *testing.T) {
	g := smallPage(t, 0x4000)
	dev := newDevice(t, g)
	img := parseImage(t, twoStageSpec(), nfi.Host{Model: testModel})

	var events []Event
	engine, err := NewEngine(dev, img,
		WithProgressInterval(0x1000),
		WithEventHandler(func(ev Event) { events = append(events, ev) }))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(events) == 0 || events[0].Kind != EventStage || events[len(events)-1].Kind != EventDone {
		t.Fatalf("unexpected event sequence %+v", events)
	}
	var stages, progress []uint32
	for _, ev := range events {
		if ev.Total != 0x4000 {
			t.Errorf("expected total 0x4000, got %#x", ev.Total)
		}
		switch ev.Kind {
		case EventStage:
			stages = append(stages, ev.Address)
		case EventProgress:
			progress = append(progress, ev.Address)
		}
	}
	if !equalAddrs(stages, []uint32{0, 0x2000}) {
		t.Errorf("unexpected stage events at %x", stages)
	}
	if !equalAddrs(progress, []uint32{0, 0x1000, 0x2000, 0x3000}) {
		t.Errorf("unexpected progress events at %x", progress)
	}
}

func TestProgressIntervalRounding(t *testing.T) {
	g := smallPage(t, 0x4000)
	img := parseImage(t, twoStageSpec(), nfi.Host{Model: testModel})

	for in, want := range map[uint32]uint32{0: 0x200, 0x300: 0x400, 0x10000: 0x10000} {
		e, err := NewEngine(newDevice(t, g), img, WithProgressInterval(in))
		if err != nil {
			t.Fatal(err)
		}
		if e.progressInterval != want {
			t.Errorf("interval %#x: expected %#x, got %#x", in, want, e.progressInterval)
		}
	}
}

func TestEngineAPIDocumented(t *testing.T) {
	f, err := parser.ParseFile(token.NewFileSet(), "engine.go", nil, parser.ParseComments)
	if err != nil {
		t.Fatal(err)
	}
	for _, decl := range f.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || !fn.Name.IsExported() {
			continue
		}
		if fn.Doc == nil || fn.Doc.Text() == "" {
			t.Errorf("%s has no doc comment", fn.Name.Name)
		}
	}
}
