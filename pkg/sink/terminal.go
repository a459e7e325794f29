package sink

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dkoosis/testseq/pkg/event"
)

// Summary counts what a Terminal sink has seen.
type Summary struct {
	Classes       int
	ClassFailures int
	Passed        int
	Failed        int
	Skipped       int
}

// HasFailures reports whether any class or method failed.
func (s Summary) HasFailures() bool {
	return s.Failed > 0 || s.ClassFailures > 0
}

type termNode struct {
	name    string
	parent  event.ID
	kind    event.Kind
	depth   int
	start   time.Time
	output  []string
	shown   bool
	passed  int
	failed  int
	skipped int
}

// Terminal renders the stream as indented, styled lines. A method's result line
// is printed when it finishes; a method that gets subtests is first announced with
// a running line, so subtests read under their parent as in go test -v. Method
// output is buffered and only shown when the method fails.
type Terminal struct {
	mu        sync.Mutex
	w         io.Writer
	theme     Theme
	nameWidth int
	titler    cases.Caser
	nodes     map[event.ID]*termNode
	sum       Summary
}

var _ event.Processor = (*Terminal)(nil)

// NewTerminal writes to w using theme. Method names are padded to nameWidth
// display cells; zero disables padding.
func NewTerminal(w io.Writer, theme Theme, nameWidth int) *Terminal {
	return &Terminal{
		w:         w,
		theme:     theme,
		nameWidth: nameWidth,
		titler:    cases.Title(language.English),
		nodes:     make(map[event.ID]*termNode),
	}
}

// Summary returns the totals so far.
func (t *Terminal) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sum
}

func (t *Terminal) indent(depth int) string {
	return strings.Repeat("  ", depth)
}

func (t *Terminal) pad(name string) string {
	if t.nameWidth <= 0 || runewidth.StringWidth(name) >= t.nameWidth {
		return name
	}
	return runewidth.FillRight(name, t.nameWidth)
}

func elapsed(start, end time.Time) string {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return ""
	}
	return fmt.Sprintf("(%.2fs)", end.Sub(start).Seconds())
}

func (t *Terminal) Started(tok event.Token, d event.Descriptor, e event.StartEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := startRecord(tok, d, e)
	n := &termNode{name: r.Name, parent: r.ParentID, kind: r.Kind, start: r.Time}
	if p, ok := t.nodes[r.ParentID]; ok {
		n.depth = p.depth + 1
	}
	t.nodes[r.ID] = n
	if n.kind == event.KindClass {
		t.sum.Classes++
		n.shown = true
		_, err := fmt.Fprintf(t.w, "%s%s %s\n", t.indent(n.depth), t.theme.Muted.Render(t.theme.Icons.Running), t.theme.Class.Render(n.name))
		return err
	}
	return t.announce(t.nodes[r.ParentID])
}

// announce prints the running line of an enclosing method the first time it
// gets a subtest, after its own unannounced parents.
func (t *Terminal) announce(n *termNode) error {
	if n == nil || n.shown {
		return nil
	}
	if err := t.announce(t.nodes[n.parent]); err != nil {
		return err
	}
	n.shown = true
	_, err := fmt.Fprintf(t.w, "%s%s %s\n", t.indent(n.depth), t.theme.Muted.Render(t.theme.Icons.Running), n.name)
	return err
}

func (t *Terminal) Output(_ event.Token, id event.ID, e event.OutputEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[id]; ok {
		n.output = append(n.output, e.Message)
		return nil
	}
	_, err := io.WriteString(t.w, t.theme.Muted.Render(strings.TrimRight(e.Message, "\n"))+"\n")
	return err
}

func (t *Terminal) Completed(_ event.Token, id event.ID, e event.CompleteEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	delete(t.nodes, id)
	dur := t.theme.Muted.Render(elapsed(n.start, e.Time))

	if n.kind == event.KindClass {
		_, err := fmt.Fprintf(t.w, "%s%s %s %s %s\n", t.indent(n.depth),
			t.theme.Success.Render(t.theme.Icons.Done), t.theme.Class.Render(n.name), t.counts(n), dur)
		return err
	}

	icon, style := t.theme.Icons.Pass, t.theme.Success
	if e.Result == event.ResultSkipped {
		icon, style = t.theme.Icons.Skip, t.theme.Skip
		t.sum.Skipped++
		t.tally(n, func(p *termNode) { p.skipped++ })
	} else {
		t.sum.Passed++
		t.tally(n, func(p *termNode) { p.passed++ })
	}
	_, err := fmt.Fprintf(t.w, "%s%s %s %s\n", t.indent(n.depth), style.Render(icon), t.pad(n.name), dur)
	return err
}

func (t *Terminal) Failed(_ event.Token, id event.ID, e event.FailureEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	delete(t.nodes, id)
	cause := ErrUnknownCause.Error()
	if e.Cause != nil {
		cause = e.Cause.Error()
	}

	var sb strings.Builder
	ind := t.indent(n.depth)
	if n.kind == event.KindClass {
		t.sum.ClassFailures++
		fmt.Fprintf(&sb, "%s%s %s %s %s\n", ind, t.theme.Error.Render(t.theme.Icons.Fail),
			t.theme.Class.Render(n.name), t.counts(n), t.theme.Muted.Render(elapsed(n.start, e.Time)))
	} else {
		t.sum.Failed++
		t.tally(n, func(p *termNode) { p.failed++ })
		fmt.Fprintf(&sb, "%s%s %s %s\n", ind, t.theme.Error.Render(t.theme.Icons.Fail),
			t.pad(n.name), t.theme.Muted.Render(elapsed(n.start, e.Time)))
	}
	for _, line := range strings.Split(strings.TrimRight(cause, "\n"), "\n") {
		sb.WriteString(ind + "    " + t.theme.Error.Render(line) + "\n")
	}
	for _, chunk := range n.output {
		sb.WriteString(ind + "    " + t.theme.Muted.Render(strings.TrimRight(chunk, "\n")) + "\n")
	}
	_, err := io.WriteString(t.w, sb.String())
	return err
}

// tally credits the enclosing class of n.
func (t *Terminal) tally(n *termNode, fn func(*termNode)) {
	for id := n.parent; id != 0; {
		p, ok := t.nodes[id]
		if !ok {
			return
		}
		if p.kind == event.KindClass {
			fn(p)
			return
		}
		id = p.parent
	}
}

func (t *Terminal) counts(n *termNode) string {
	parts := []string{fmt.Sprintf("%d %s", n.passed, t.titler.String("passed"))}
	if n.failed > 0 {
		parts = append(parts, t.theme.Error.Render(fmt.Sprintf("%d %s", n.failed, t.titler.String("failed"))))
	}
	if n.skipped > 0 {
		parts = append(parts, t.theme.Skip.Render(fmt.Sprintf("%d %s", n.skipped, t.titler.String("skipped"))))
	}
	return t.theme.Muted.Render("[") + strings.Join(parts, ", ") + t.theme.Muted.Render("]")
}

// WriteSummary prints the totals line.
func (t *Terminal) WriteSummary() error {
	s := t.Summary()
	style := t.theme.Success
	if s.HasFailures() {
		style = t.theme.Error
	}
	line := fmt.Sprintf("%d %s, %d %s, %d %s, %d %s",
		s.Classes, t.label("classes"), s.Passed, t.label("passed"),
		s.Failed, t.label("failed"), s.Skipped, t.label("skipped"))
	_, err := io.WriteString(t.w, style.Render(line)+"\n")
	return err
}

func (t *Terminal) label(s string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.titler.String(s)
}
