package telemetry

import (
	"strings"
	"sync"
)

// Report is one call recorded by Recorder.
type Report struct {
	Kind   string
	ID     string
	Params []any
}

// Recorder is an API that keeps everything it is given in memory so tests can assert on what was reported.
// It can optionally forward to another API.
type Recorder struct {
	Forward API

	mutex   sync.Mutex
	reports []Report
}

func (r *Recorder) record(kind, id string, params []any) {
	r.mutex.Lock()
	r.reports = append(r.reports, Report{Kind: kind, ID: id, Params: params})
	r.mutex.Unlock()
}

func (r *Recorder) ReportBroken(id string, params ...any) {
	r.record("broken", id, params)
	if r.Forward != nil {
		r.Forward.ReportBroken(id, params...)
	}
}

func (r *Recorder) ReportWarning(id string, params ...any) {
	r.record("warning", id, params)
	if r.Forward != nil {
		r.Forward.ReportWarning(id, params...)
	}
}

func (r *Recorder) ReportDebug(msg string, params ...any) {
	r.record("debug", msg, params)
	if r.Forward != nil {
		r.Forward.ReportDebug(msg, params...)
	}
}

func (r *Recorder) ReportCount(id string, count int64) {
	r.record("count", id, []any{count})
	if r.Forward != nil {
		r.Forward.ReportCount(id, count)
	}
}

// Reports returns a copy of everything recorded so far.
func (r *Recorder) Reports() []Report {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	out := make([]Report, len(r.reports))
	copy(out, r.reports)
	return out
}

// Count returns how many reports of the given kind have an id ending with suffix.
func (r *Recorder) Count(kind, suffix string) int {
	n := 0
	for _, rep := range r.Reports() {
		if rep.Kind == kind && strings.HasSuffix(rep.ID, suffix) {
			n++
		}
	}
	return n
}
