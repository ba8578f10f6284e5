package display

import (
	"fmt"

	"github.com/open-edge-platform/nfi-writer/internal/flash"
	"github.com/open-edge-platform/nfi-writer/internal/utils/logger"
)

func sizeString(n uint64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f kB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d bytes", n)
}

// PrintFlashSummary displays the outcome of a write run.
// This is called after the OOB mode was restored, so it reflects the final result.
func PrintFlashSummary(report *flash.Report, dryRun bool) {
	log := logger.Logger()
	if report == nil {
		return
	}

	title := "                    ✓ FLASH WRITTEN SUCCESSFULLY                            "
	if dryRun {
		title = "                    ✓ DRY RUN COMPLETED                                     "
	}
	if !report.Succeeded() {
		title = "                    ✗ FLASH WRITE FAILED                                    "
	}

	log.Info("")
	log.Info("╔════════════════════════════════════════════════════════════════════════════╗")
	log.Infof("║%s║", title)
	log.Info("╚════════════════════════════════════════════════════════════════════════════╝")
	log.Info("")

	log.Infof("  Run:          %s", report.RunID)
	log.Infof("  Image:        %s", report.ImagePath)
	if report.Container != "" {
		log.Infof("  Container:    %s", report.Container)
	}
	if img := report.Image; img != nil {
		log.Infof("  Format:       %s for %s, ECC forcing %s", img.Magic, img.Model, img.ECC)
		log.Infof("  Stages:       %d", img.ActiveStages())
		for i := 1; i <= img.ActiveStages(); i++ {
			log.Infof("    • partition %d: %s of data, ends at %#08x",
				i, sizeString(uint64(img.Stages[i].Size)), img.Boundaries[i-1])
		}
	}
	if g := report.Geometry; g != nil {
		log.Infof("  Device:       %s flash, %s blocks, %d+%d byte sectors",
			sizeString(uint64(g.FlashSize)), sizeString(uint64(g.EraseBlockSize)), g.SectorSize, g.SpareSize)
	}
	if report.Scan != nil {
		log.Infof("  Bad blocks:   %s", report.Scan)
	}
	log.Infof("  OOB mode:     %s (restored: %v)", report.OOBMode, report.Restored)

	if r := report.Result; r != nil {
		log.Info("")
		log.Infof("  State:        %s at %#08x (stage %d)", r.State, r.Cursor.Address, r.Cursor.Stage)
		log.Infof("  Erases:       %d", r.Stats.Erases)
		log.Infof("  Writes:       %d data, %d filler, %d cleanmarker", r.Stats.DataWrites, r.Stats.FillerWrites, r.Stats.CleanMarkers)
		log.Infof("  Skipped:      %d filler sectors, %d bad blocks", r.Stats.FillerSkipped, len(r.Stats.SkippedBlocks))
		for _, b := range r.Stats.SkippedBlocks {
			log.Infof("    • %#08x", b)
		}
	}
	log.Infof("  Duration:     %s", report.Duration)

	log.Info("════════════════════════════════════════════════════════════════════════════")
	log.Info("")
}
