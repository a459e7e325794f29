// Package sink provides downstream processors for the ordered event stream:
// NDJSON and terminal writers, an in-memory recorder, an invariant validator and
// a fan-out.
package sink

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkoosis/testseq/pkg/event"
)

// Record is one notification as seen by a sink.
type Record struct {
	Seq       int
	Op        event.Op
	Token     event.Token
	ID        event.ID
	ParentID  event.ID
	Kind      event.Kind
	Name      string
	ClassName string
	Time      time.Time
	Result    event.ResultType
	Cause     error
	Output    string
	Dest      event.Destination
}

// IsTerminal reports whether r closes its descriptor.
func (r Record) IsTerminal() bool {
	return r.Op == event.OpCompleted || r.Op == event.OpFailed
}

// String renders a compact form used in test expectations, e.g.
// "started TestA parent=1", "completed 2 success", "failed 1 boom".
func (r Record) String() string {
	switch r.Op {
	case event.OpStarted:
		if r.ParentID != 0 {
			return fmt.Sprintf("started %s parent=%s", r.Name, r.ParentID)
		}
		return fmt.Sprintf("started %s", r.Name)
	case event.OpCompleted:
		if r.Result != event.ResultUnspecified {
			return fmt.Sprintf("completed %s %s", r.ID, r.Result)
		}
		return fmt.Sprintf("completed %s", r.ID)
	case event.OpFailed:
		cause := "<nil>"
		if r.Cause != nil {
			cause = r.Cause.Error()
		}
		return fmt.Sprintf("failed %s %s", r.ID, cause)
	case event.OpOutput:
		return fmt.Sprintf("output %s %q", r.ID, r.Output)
	default:
		return r.Op.String()
	}
}

func startRecord(tok event.Token, d event.Descriptor, e event.StartEvent) Record {
	parent := e.ParentID
	if parent == 0 {
		parent = d.ParentID
	}
	return Record{
		Op:        event.OpStarted,
		Token:     tok,
		ID:        d.ID,
		ParentID:  parent,
		Kind:      d.Kind,
		Name:      d.Name,
		ClassName: d.ClassName,
		Time:      e.Time,
	}
}

// Recorder keeps every notification in memory. It is safe for concurrent use so
// it can also sit in front of a dispatcher in tests.
type Recorder struct {
	mu      sync.Mutex
	records []Record
	names   map[event.ID]string
}

var _ event.Processor = (*Recorder)(nil)

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{names: make(map[event.ID]string)}
}

func (r *Recorder) add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.Seq = len(r.records) + 1
	if rec.Op == event.OpStarted {
		r.names[rec.ID] = rec.Name
	}
	r.records = append(r.records, rec)
}

func (r *Recorder) Started(tok event.Token, d event.Descriptor, e event.StartEvent) error {
	r.add(startRecord(tok, d, e))
	return nil
}

func (r *Recorder) Output(tok event.Token, id event.ID, e event.OutputEvent) error {
	r.add(Record{Op: event.OpOutput, Token: tok, ID: id, Time: e.Time, Output: e.Message, Dest: e.Destination})
	return nil
}

func (r *Recorder) Completed(tok event.Token, id event.ID, e event.CompleteEvent) error {
	r.add(Record{Op: event.OpCompleted, Token: tok, ID: id, Time: e.Time, Result: e.Result})
	return nil
}

func (r *Recorder) Failed(tok event.Token, id event.ID, e event.FailureEvent) error {
	r.add(Record{Op: event.OpFailed, Token: tok, ID: id, Time: e.Time, Cause: e.Cause})
	return nil
}

// Records returns a copy of everything recorded so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Len returns the number of records.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Trace renders the stream with ids replaced by descriptor names, e.g.
// "started TestA parent=pkg", "completed TestA success". Handy for asserting
// whole scenarios.
func (r *Recorder) Trace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := func(id event.ID) string {
		if n, ok := r.names[id]; ok {
			return n
		}
		return id.String()
	}
	out := make([]string, 0, len(r.records))
	for _, rec := range r.records {
		var line string
		switch rec.Op {
		case event.OpStarted:
			line = "started " + rec.Name
			if rec.ParentID != 0 {
				line += " parent=" + name(rec.ParentID)
			}
		case event.OpCompleted:
			line = "completed " + name(rec.ID)
			if rec.Result != event.ResultUnspecified {
				line += " " + string(rec.Result)
			}
		case event.OpFailed:
			line = "failed " + name(rec.ID)
			if rec.Cause != nil {
				line += ": " + rec.Cause.Error()
			}
		case event.OpOutput:
			line = fmt.Sprintf("output %s %q", name(rec.ID), strings.TrimRight(rec.Output, "\n"))
		}
		out = append(out, line)
	}
	return out
}

// ForToken returns the records carrying tok, in order.
func (r *Recorder) ForToken(tok event.Token) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if rec.Token == tok {
			out = append(out, rec)
		}
	}
	return out
}
