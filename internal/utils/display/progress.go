package display

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/open-edge-platform/nfi-writer/internal/flash"
	"github.com/open-edge-platform/nfi-writer/internal/utils/logger"
)

// IsTerminal reports whether w is attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Progress renders engine events. On a terminal it drives a progress bar;
// otherwise every progress event becomes a debug log line.
type Progress struct {
	out   io.Writer
	bar   *progressbar.ProgressBar
	total uint32
	last  uint32
	tty   bool
}

// NewProgress returns a Progress writing to out. The bar is only drawn when
// enabled is set and out is a terminal.
func NewProgress(out io.Writer, enabled bool) *Progress {
	return &Progress{out: out, tty: enabled && IsTerminal(out)}
}

func (p *Progress) newBar(total uint32) {
	p.bar = progressbar.NewOptions(int(total),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetDescription("writing"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// Handle is a flash.EventHandler.
func (p *Progress) Handle(ev flash.Event) {
	log := logger.Logger()

	switch ev.Kind {
	case flash.EventStage:
		if p.bar == nil && p.tty && ev.Total > 0 {
			p.total = ev.Total
			p.newBar(ev.Total)
		}
		if p.bar != nil {
			p.bar.Describe("partition " + strconv.Itoa(ev.Stage))
		}
	case flash.EventBadBlock:
		log.Debugf("bad block at %#08x", ev.Address)
	case flash.EventProgress:
		p.advance(ev.Address)
		if p.bar == nil {
			log.Debugf("written up to %#08x of %#08x", ev.Address, ev.Total)
		}
	case flash.EventDone:
		p.advance(ev.Address)
		p.Finish()
	}
}

func (p *Progress) advance(addr uint32) {
	if p.bar == nil || addr <= p.last {
		return
	}
	if addr > p.total {
		addr = p.total
	}
	p.last = addr
	if err := p.bar.Set(int(addr)); err != nil {
		logger.Logger().Errorf("failed to update progress bar: %v", err)
	}
}

// Finish completes and removes the bar.
func (p *Progress) Finish() {
	if p.bar == nil {
		return
	}
	if err := p.bar.Finish(); err != nil {
		logger.Logger().Errorf("failed to finish progress bar: %v", err)
	}
	p.bar = nil
}
