package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/open-edge-platform/nfi-writer/internal/flash"
	"github.com/open-edge-platform/nfi-writer/internal/nand"
	"github.com/open-edge-platform/nfi-writer/internal/utils/logger"
)

var scanDevicePaths []string

// ScanResult is what the scan command reports.
type ScanResult struct {
	Device   string            `json:"device,omitempty" yaml:"device,omitempty"`
	Geometry nand.Geometry     `json:"geometry" yaml:"geometry"`
	Scan     *flash.ScanReport `json:"scan" yaml:"scan"`
}

// createScanCommand creates the scan subcommand
func createScanCommand() *cobra.Command {
	scanCmd := &cobra.Command{
		Use:   "scan [flags]",
		Short: "Lists the bad erase blocks of the NAND flash",
		Long: `Scan reads the spare area of the first two sectors of every erase
block and lists the blocks carrying a bad block marker. Nothing is
erased or written.`,
		Args:    cobra.NoArgs,
		PreRunE: validateFormat,
		RunE:    executeScan,
	}

	scanCmd.Flags().StringSliceVar(&scanDevicePaths, "device", nil,
		"MTD device to scan, tried in order (default from config)")
	scanCmd.Flags().StringVar(&outputFormat, "format", "text",
		"Specify the output format for the scan results")
	scanCmd.Flags().BoolVar(&prettyJSON, "pretty", false,
		"Pretty-print JSON output (only for --format json)")

	return scanCmd
}

// executeScan handles the scan command execution logic
func executeScan(cmd *cobra.Command, args []string) (err error) {
	log := logger.Logger()
	cfg := currentConfig()

	paths := scanDevicePaths
	if len(paths) == 0 {
		paths = cfg.Device.Paths
	}
	dev, err := openDevice(paths)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, dev.Close()) }()

	guard, err := flash.AcquireRawOOB(dev)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, guard.Release()) }()

	report, err := flash.ScanBadBlocks(dev, flash.BadBlocksHonor)
	if err != nil {
		return err
	}
	log.Infof("scanned %d erase blocks, %d bad", report.Scanned, report.Count())

	result := &ScanResult{Geometry: dev.Geometry(), Scan: report}
	if p, ok := dev.(interface{ Path() string }); ok {
		result.Device = p.Path()
	}
	return writeResult(cmd.OutOrStdout(), result, outputFormat, prettyJSON, func(w io.Writer) {
		fmt.Fprintf(w, "Device:     %s\n", result.Device)
		fmt.Fprintf(w, "Geometry:   %s\n", result.Geometry)
		fmt.Fprintf(w, "Blocks:     %d\n", report.Scanned)
		fmt.Fprintf(w, "Bad blocks: %s\n", report)
	})
}
