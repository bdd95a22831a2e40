package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// downloadProgress renders install progress: an mpb bar on a terminal,
// coarse percentage lines otherwise.
type downloadProgress struct {
	mu       sync.Mutex
	w        io.Writer
	progress *mpb.Progress
	bar      *mpb.Bar
	label    string
	lastPct  int
	// percent renders a percentage instead of byte counters.
	percent  bool
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func newDownloadProgress(w io.Writer, label string) *downloadProgress {
	p := &downloadProgress{w: w, label: label, lastPct: -1}
	if isTerminal(w) {
		p.progress = mpb.New(mpb.WithOutput(w), mpb.WithWidth(40))
	}
	return p
}

// Update is an installer.ProgressCallback. total is -1 when unknown.
func (p *downloadProgress) Update(downloaded, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.progress == nil {
		if total <= 0 {
			return
		}
		pct := int(downloaded * 100 / total)
		if pct/10 != p.lastPct/10 {
			p.lastPct = pct
			_, _ = fmt.Fprintf(p.w, "  %s %3d%%\n", p.label, pct)
		}
		return
	}
	if p.bar == nil {
		counter := decor.CountersKibiByte("% .1f / % .1f")
		if p.percent {
			counter = decor.Percentage()
		}
		p.bar = p.progress.AddBar(0,
			mpb.BarFillerClearOnComplete(),
			mpb.PrependDecorators(decor.Name("  "+p.label+" ", decor.WC{W: 24, C: decor.DindentRight})),
			mpb.AppendDecorators(
				counter,
				decor.OnComplete(decor.Name(""), " done"),
			),
		)
	}
	if total > 0 {
		p.bar.SetTotal(total, false)
	}
	p.bar.SetCurrent(downloaded)
}

// Done completes the bar (or aborts it on failure) and waits for rendering.
func (p *downloadProgress) Done(ok bool) {
	p.mu.Lock()
	bar := p.bar
	p.mu.Unlock()
	if p.progress == nil {
		return
	}
	if bar != nil {
		if ok {
			bar.SetTotal(-1, true)
		} else {
			bar.Abort(false)
		}
	}
	p.progress.Wait()
}
