package main

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"

	"github.com/kriansa/ventoy-writer/internal/progress"
)

var _ progress.Reporter = (*barReporter)(nil)

// barReporter draws progress events as a terminal progress bar. Log events are
// printed above the bar.
type barReporter struct {
	out io.Writer
	bar *progressbar.ProgressBar
}

func newBarReporter(out io.Writer, description string) *barReporter {
	return &barReporter{
		out: out,
		bar: progressbar.NewOptions(100,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription(description),
			progressbar.OptionSetWidth(30),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionShowBytes(false),
		),
	}
}

// Report implements progress.Reporter
func (b *barReporter) Report(e progress.Event) {
	switch e.Kind {
	case progress.KindProgress:
		b.bar.Set(e.Percent)
	case progress.KindStatus:
		b.bar.Describe(e.Message)
	case progress.KindLog:
		b.bar.Clear()
		fmt.Fprintln(b.out, e.Message)
	case progress.KindFinished:
		if e.Succeeded() {
			b.bar.Describe(e.Message)
			b.bar.Finish()
		} else {
			b.bar.Exit()
		}
		fmt.Fprintln(b.out)
	}
}
