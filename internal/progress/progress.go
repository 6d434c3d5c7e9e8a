// Package progress carries the events long running operations report to their caller.
package progress

// Kind tells the consumer how to render an Event
type Kind int

const (
	// KindProgress updates the percentage of the current phase
	KindProgress Kind = iota
	// KindStatus replaces the one line status
	KindStatus
	// KindLog appends a line to the log
	KindLog
	// KindFinished is the last event of an operation
	KindFinished
)

func (k Kind) String() string {
	switch k {
	case KindProgress:
		return "progress"
	case KindStatus:
		return "status"
	case KindLog:
		return "log"
	case KindFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Phase is the step an operation is in
type Phase string

const (
	PhaseDownloading Phase = "downloading"
	PhaseExtracting  Phase = "extracting"
	PhaseInstalling  Phase = "installing"
	PhaseMounting    Phase = "mounting"
	PhaseCopying     Phase = "copying"
	PhaseCleanup     Phase = "cleanup"
	PhaseSucceeded   Phase = "succeeded"
	PhaseFailed      Phase = "failed"
)

// Event is one update of an operation
type Event struct {
	Kind    Kind
	Phase   Phase
	Percent int
	Message string
	// Err is set on a failed KindFinished event
	Err error
}

// Succeeded reports whether a KindFinished event ended without error
func (e Event) Succeeded() bool {
	return e.Kind == KindFinished && e.Err == nil
}

// Reporter receives the events of an operation
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to a Reporter
type ReporterFunc func(Event)

// Report calls f(e)
func (f ReporterFunc) Report(e Event) {
	f(e)
}

// Discard is a Reporter that drops every event
var Discard Reporter = ReporterFunc(func(Event) {})

// Percent reports the progress of a phase. Values are clamped to 0..100.
func Percent(r Reporter, phase Phase, pct int) {
	r.Report(Event{Kind: KindProgress, Phase: phase, Percent: min(max(pct, 0), 100)})
}

// Status reports a new status line for a phase
func Status(r Reporter, phase Phase, msg string) {
	r.Report(Event{Kind: KindStatus, Phase: phase, Message: msg})
}

// Log reports a log line
func Log(r Reporter, msg string) {
	r.Report(Event{Kind: KindLog, Message: msg})
}

// Finished builds the terminal event of an operation
func Finished(msg string, err error) Event {
	if err != nil {
		return Event{Kind: KindFinished, Phase: PhaseFailed, Message: msg, Err: err}
	}
	return Event{Kind: KindFinished, Phase: PhaseSucceeded, Percent: 100, Message: msg}
}

// Recorder is a Reporter keeping every event, for tests and batch callers
type Recorder struct {
	Events []Event
}

// Report appends e
func (r *Recorder) Report(e Event) {
	r.Events = append(r.Events, e)
}

// Percents returns the reported percentages in order
func (r *Recorder) Percents() []int {
	var out []int
	for _, e := range r.Events {
		if e.Kind == KindProgress {
			out = append(out, e.Percent)
		}
	}
	return out
}

// Logs returns the reported log lines in order
func (r *Recorder) Logs() []string {
	var out []string
	for _, e := range r.Events {
		if e.Kind == KindLog {
			out = append(out, e.Message)
		}
	}
	return out
}
