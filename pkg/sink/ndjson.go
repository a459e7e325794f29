package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dkoosis/testseq/pkg/event"
)

// WireRecord is the NDJSON form of one notification. See schema/record.schema.json.
type WireRecord struct {
	Seq    int       `json:"seq"`
	Op     string    `json:"op"`
	Token  string    `json:"token,omitempty"`
	ID     uint64    `json:"id"`
	Parent uint64    `json:"parent,omitempty"`
	Kind   string    `json:"kind,omitempty"`
	Name   string    `json:"name,omitempty"`
	Class  string    `json:"class,omitempty"`
	Time   time.Time `json:"time"`
	Result string    `json:"result,omitempty"`
	Cause  string    `json:"cause,omitempty"`
	Dest   string    `json:"dest,omitempty"`
	Output string    `json:"output,omitempty"`
}

// ErrUnknownCause stands in for a Failed notification that carried no cause.
var ErrUnknownCause = errors.New("unknown failure")

// NDJSON writes one JSON object per notification.
type NDJSON struct {
	mu  sync.Mutex
	enc *json.Encoder
	seq int
}

var _ event.Processor = (*NDJSON)(nil)

// NewNDJSON writes records to w.
func NewNDJSON(w io.Writer) *NDJSON {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &NDJSON{enc: enc}
}

func (n *NDJSON) write(rec WireRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	rec.Seq = n.seq
	if err := n.enc.Encode(rec); err != nil {
		return fmt.Errorf("write %s record: %w", rec.Op, err)
	}
	return nil
}

func (n *NDJSON) Started(tok event.Token, d event.Descriptor, e event.StartEvent) error {
	r := startRecord(tok, d, e)
	return n.write(WireRecord{
		Op:     event.OpStarted.String(),
		Token:  string(tok),
		ID:     uint64(r.ID),
		Parent: uint64(r.ParentID),
		Kind:   r.Kind.String(),
		Name:   r.Name,
		Class:  r.ClassName,
		Time:   r.Time,
	})
}

func (n *NDJSON) Output(tok event.Token, id event.ID, e event.OutputEvent) error {
	return n.write(WireRecord{
		Op:     event.OpOutput.String(),
		Token:  string(tok),
		ID:     uint64(id),
		Time:   e.Time,
		Dest:   e.Destination.String(),
		Output: e.Message,
	})
}

func (n *NDJSON) Completed(tok event.Token, id event.ID, e event.CompleteEvent) error {
	return n.write(WireRecord{
		Op:     event.OpCompleted.String(),
		Token:  string(tok),
		ID:     uint64(id),
		Time:   e.Time,
		Result: string(e.Result),
	})
}

func (n *NDJSON) Failed(tok event.Token, id event.ID, e event.FailureEvent) error {
	cause := e.Cause
	if cause == nil {
		cause = ErrUnknownCause
	}
	return n.write(WireRecord{
		Op:    event.OpFailed.String(),
		Token: string(tok),
		ID:    uint64(id),
		Time:  e.Time,
		Cause: cause.Error(),
	})
}

// remoteCause is a failure cause read back from a stream.
type remoteCause string

func (c remoteCause) Error() string { return string(c) }

// Apply replays rec onto p.
func (rec WireRecord) Apply(p event.Processor) error {
	tok := event.Token(rec.Token)
	id := event.ID(rec.ID)
	switch rec.Op {
	case "started":
		kind := event.KindMethod
		if rec.Kind == "class" {
			kind = event.KindClass
		}
		d := event.Descriptor{ID: id, Name: rec.Name, ClassName: rec.Class, ParentID: event.ID(rec.Parent), Kind: kind}
		return p.Started(tok, d, event.StartEvent{Time: rec.Time, ParentID: event.ID(rec.Parent)})
	case "output":
		dest := event.StdOut
		if rec.Dest == "stderr" {
			dest = event.StdErr
		}
		return p.Output(tok, id, event.OutputEvent{Time: rec.Time, Destination: dest, Message: rec.Output})
	case "completed":
		return p.Completed(tok, id, event.CompleteEvent{Time: rec.Time, Result: event.ResultType(rec.Result)})
	case "failed":
		return p.Failed(tok, id, event.FailureEvent{Time: rec.Time, Cause: remoteCause(rec.Cause)})
	default:
		return fmt.Errorf("record %d: unknown op %q", rec.Seq, rec.Op)
	}
}

// ReadNDJSON decodes records from r line by line and calls fn with the raw line and
// the decoded record. Blank lines are skipped. It stops at the first error from fn
// or when ctx is done.
func ReadNDJSON(ctx context.Context, r io.Reader, fn func(raw []byte, rec WireRecord) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec WireRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(raw, rec); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}
