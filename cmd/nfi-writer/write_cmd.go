package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/nfi-writer/internal/config"
	"github.com/open-edge-platform/nfi-writer/internal/flash"
	"github.com/open-edge-platform/nfi-writer/internal/hostmodel"
	"github.com/open-edge-platform/nfi-writer/internal/nand"
	"github.com/open-edge-platform/nfi-writer/internal/utils/display"
	"github.com/open-edge-platform/nfi-writer/internal/utils/logger"
)

// Write command flags
var (
	devicePaths     []string
	modelName       string
	ignoreBadBlocks bool
	cleanMarkers    bool
	noProgress      bool
	noScan          bool
	dryRun          bool
	dumpFile        string
	badBlockAddrs   []string
)

// createWriteCommand creates the write subcommand
func createWriteCommand() *cobra.Command {
	writeCmd := &cobra.Command{
		Use:   "write [flags] IMAGE_FILE",
		Short: "Writes an NFI image to the NAND flash",
		Long: `Write checks the image header against the running model, then erases
and programs the flash stage by stage. Bad erase blocks are skipped,
the OOB mode is switched to raw access for the run and restored
afterwards. With --dry-run the image is written to an in-memory
flash with the geometry of the model instead.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if dumpFile != "" && !dryRun {
				return fmt.Errorf("--dump requires --dry-run")
			}
			if len(badBlockAddrs) > 0 && !dryRun {
				return fmt.Errorf("--bad-block requires --dry-run")
			}
			return nil
		},
		RunE:              executeWrite,
		ValidArgsFunction: imageFileCompletion,
	}

	writeCmd.Flags().StringSliceVar(&devicePaths, "device", nil,
		"MTD device to write, tried in order (default from config)")
	writeCmd.Flags().StringVar(&modelName, "model", "",
		"Receiver model instead of the detected one")
	writeCmd.Flags().BoolVar(&ignoreBadBlocks, "ignore-bad-blocks", false,
		"Erase and write blocks even if they carry a bad block marker")
	writeCmd.Flags().BoolVar(&cleanMarkers, "jffs2-cleanmarkers", false,
		"Write JFFS2 cleanmarkers into empty erase blocks after the first stage")
	writeCmd.Flags().BoolVar(&noProgress, "no-progress", false,
		"Do not draw a progress bar")
	writeCmd.Flags().BoolVar(&noScan, "no-scan", false,
		"Skip the bad block list printed before writing")
	writeCmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"Write to an in-memory flash instead of the device")
	writeCmd.Flags().StringVar(&dumpFile, "dump", "",
		"With --dry-run, save the simulated flash (sectors with spare areas) to this file")
	writeCmd.Flags().StringSliceVar(&badBlockAddrs, "bad-block", nil,
		"With --dry-run, mark the erase block at this address bad (e.g. 0x4000)")

	return writeCmd
}

// resolveModel picks the receiver model: flag, config, then detection.
func resolveModel(cfg config.Config, override string) (hostmodel.Model, error) {
	log := logger.Logger()

	extra, err := cfg.HostModels()
	if err != nil {
		return hostmodel.Model{}, err
	}
	table, err := hostmodel.NewTable(extra...)
	if err != nil {
		return hostmodel.Model{}, err
	}

	name := override
	if name == "" {
		name = cfg.Host.Model
	}
	if name == "" {
		name, err = detectModel(cfg.Host.ModelFile)
		if err != nil {
			return hostmodel.Model{}, err
		}
	}

	m, known := table.Lookup(name)
	if !known {
		log.Warnf("model %q is not in the model table: no hardware ECC, geometry from the device", name)
	}
	log.Debugf("host model %s, ECC %s", m.Name, m.ECC)
	return m, nil
}

func parseAddrs(values []string) ([]uint32, error) {
	out := make([]uint32, 0, len(values))
	for _, v := range values {
		n, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", v, err)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

// newSimulatedDevice builds the in-memory flash of a dry run.
func newSimulatedDevice(m hostmodel.Model, bad []string) (*nand.MemDevice, error) {
	if m.Geometry == nil {
		return nil, fmt.Errorf("model %s has no fixed geometry; add one to the models section of the config for --dry-run", m.Name)
	}
	dev, err := nand.NewMemDevice(*m.Geometry)
	if err != nil {
		return nil, err
	}
	addrs, err := parseAddrs(bad)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if err := dev.MarkBad(a, 0); err != nil {
			return nil, err
		}
	}
	return dev, nil
}

func writeDump(dev *nand.MemDevice, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dump: %w", err)
	}
	if err := dev.Dump(f); err != nil {
		f.Close()
		return fmt.Errorf("write dump: %w", err)
	}
	return f.Close()
}

// executeWrite handles the write command execution logic
func executeWrite(cmd *cobra.Command, args []string) error {
	log := logger.Logger()
	imageFile := args[0]
	cfg := currentConfig()

	model, err := resolveModel(cfg, modelName)
	if err != nil {
		return err
	}

	policy, err := flash.ParseBadBlockPolicy(cfg.Flash.BadBlocks)
	if err != nil {
		return err
	}
	if ignoreBadBlocks {
		policy = flash.BadBlocksIgnore
	}

	paths := devicePaths
	if len(paths) == 0 {
		paths = cfg.Device.Paths
	}
	opener := func() (nand.Device, error) { return openDevice(paths) }

	var sim *nand.MemDevice
	if dryRun {
		sim, err = newSimulatedDevice(model, badBlockAddrs)
		if err != nil {
			return err
		}
		opener = func() (nand.Device, error) { return sim, nil }
		log.Infof("dry run: simulating %s", sim.Geometry())
	}

	progress := display.NewProgress(cmd.ErrOrStderr(), !noProgress)
	f := &flash.Flasher{
		Model:      model,
		OpenDevice: opener,
		Scan:       cfg.ScanEnabled() && !noScan,
		ScanPolicy: policy,
		EngineOptions: []flash.Option{
			flash.WithBadBlockPolicy(policy),
			flash.WithJFFS2CleanMarkers(cleanMarkers || cfg.Flash.JFFS2CleanMarkers),
			flash.WithProgressInterval(cfg.Flash.ProgressInterval),
			flash.WithEventHandler(progress.Handle),
		},
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log.Infof("Writing image file: %s", imageFile)
	report, runErr := f.Run(ctx, imageFile)
	progress.Finish()
	display.PrintFlashSummary(report, dryRun)

	if sim != nil && dumpFile != "" {
		if err := writeDump(sim, dumpFile); err != nil {
			log.Errorf("%v", err)
			if runErr == nil {
				return err
			}
		} else {
			log.Infof("simulated flash saved to %s", dumpFile)
		}
	}

	if runErr != nil {
		return fmt.Errorf("write failed: %w", runErr)
	}
	return nil
}
