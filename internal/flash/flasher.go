package flash

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/open-edge-platform/nfi-writer/internal/hostmodel"
	"github.com/open-edge-platform/nfi-writer/internal/nand"
	"github.com/open-edge-platform/nfi-writer/internal/nfi"
	"github.com/open-edge-platform/nfi-writer/internal/utils/logger"
)

// DeviceOpener opens the flash device of a run.
type DeviceOpener func() (nand.Device, error)

// Flasher runs the whole write: load and parse the image, open the device,
// switch OOB access, scan, write and restore.
type Flasher struct {
	Model      hostmodel.Model
	OpenDevice DeviceOpener

	// Scan runs the informational bad block pre-scan.
	Scan       bool
	ScanPolicy BadBlockPolicy

	EngineOptions []Option
	Logger        *zap.SugaredLogger
}

// Report describes a finished or failed run. Fields stay zero for steps
// that were not reached. Image keeps its header and partition table, but its
// stage data is released when Run returns.
type Report struct {
	RunID     string         `json:"runId" yaml:"runId"`
	ImagePath string         `json:"imagePath" yaml:"imagePath"`
	Container string         `json:"container" yaml:"container"`
	Image     *nfi.Image     `json:"image,omitempty" yaml:"image,omitempty"`
	Geometry  *nand.Geometry `json:"geometry,omitempty" yaml:"geometry,omitempty"`
	Scan      *ScanReport    `json:"scan,omitempty" yaml:"scan,omitempty"`
	OOBMode   OOBMode        `json:"oobMode" yaml:"oobMode"`
	Restored  bool           `json:"restored" yaml:"restored"`
	Result    *Result        `json:"result,omitempty" yaml:"result,omitempty"`
	Duration  time.Duration  `json:"duration" yaml:"duration"`
}

// Succeeded reports whether the engine finished and the OOB mode was put
// back.
func (r *Report) Succeeded() bool {
	return r.Result != nil && r.Result.State == StateDone && r.Restored
}

func (f *Flasher) sugar() *zap.SugaredLogger {
	if f.Logger != nil {
		return f.Logger
	}
	return logger.Logger()
}

// Run writes the image at imagePath. The device is opened only after the
// image was accepted, and the OOB mode is restored on every path once it
// was changed.
func (f *Flasher) Run(ctx context.Context, imagePath string) (report *Report, err error) {
	start := time.Now()
	report = &Report{RunID: uuid.NewString(), ImagePath: imagePath}
	log := f.sugar().With("run", report.RunID)
	defer func() { report.Duration = time.Since(start) }()

	src, err := nfi.Load(imagePath)
	if err != nil {
		return report, err
	}
	defer src.Close()
	report.Container = src.Container
	if src.Container != nfi.ContainerNone {
		log.Infof("expanded %s container: %d bytes", src.Container, src.Len())
	}

	img, err := nfi.Parse(src.Bytes(), f.Model.Host())
	if err != nil {
		return report, fmt.Errorf("reject %s: %w", imagePath, err)
	}
	report.Image = img
	log.Infof("image: %s", img)

	if f.OpenDevice == nil {
		return report, fmt.Errorf("%w: no device opener", nand.ErrDeviceOpen)
	}
	dev, err := f.OpenDevice()
	if err != nil {
		return report, err
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil {
			log.Warnf("close device: %v", cerr)
		}
	}()

	geom := dev.Geometry()
	report.Geometry = &geom
	log.Infof("device: %s", geom)
	if err := f.Model.CheckGeometry(geom); err != nil {
		log.Warnf("%v; using the device geometry", err)
	}
	if err := img.CheckGeometry(geom); err != nil {
		return report, err
	}

	guard, err := AcquireRawOOB(dev)
	if err != nil {
		return report, err
	}
	report.OOBMode = guard.Mode()
	log.Debugf("OOB access mode: %s", guard.Mode())
	defer func() {
		rerr := guard.Release()
		report.Restored = rerr == nil
		if rerr != nil {
			log.Errorf("%v", rerr)
		}
		err = multierr.Append(err, rerr)
	}()

	if f.Scan {
		scan, err := ScanBadBlocks(dev, f.ScanPolicy)
		if err != nil {
			return report, err
		}
		report.Scan = scan
		log.Infof("bad block list: %s", scan)
	}

	opts := append([]Option{WithLogger(log)}, f.EngineOptions...)
	engine, err := NewEngine(dev, img, opts...)
	if err != nil {
		return report, err
	}
	result, err := engine.Run(ctx)
	report.Result = result
	if err != nil {
		return report, err
	}
	log.Infof("done in %s", time.Since(start).Round(time.Millisecond))
	return report, nil
}
