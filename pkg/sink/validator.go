package sink

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dkoosis/testseq/pkg/errs"
	"github.com/dkoosis/testseq/pkg/event"
)

// Rule names an ordering invariant checked by Validator.
type Rule string

const (
	RuleDuplicateStart  Rule = "duplicate-start"
	RuleUnknownTerminal Rule = "terminal-without-start"
	RuleDoubleTerminal  Rule = "double-terminal"
	RuleParentNotOpen   Rule = "parent-not-open"
	RuleChildrenOpen    Rule = "children-open-at-terminal"
	RuleTimeRegression  Rule = "timestamp-regression"
	RuleDangling        Rule = "never-finished"
	RuleOutputOrphan    Rule = "output-outside-bracket"
)

// Violation is one broken invariant.
type Violation struct {
	Seq    int
	ID     event.ID
	Rule   Rule
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("#%d id=%s %s: %s", v.Seq, v.ID, v.Rule, v.Detail)
}

type node struct {
	parent   event.ID
	kind     event.Kind
	name     string
	open     bool
	children int
	last     time.Time
}

// Validator checks that a stream is well formed: one Started and one terminal per
// id, parents open while their children run, terminals closing children first and
// non-decreasing timestamps within a bracket. It never fails the pipeline; call
// Finish once the stream ends.
type Validator struct {
	mu         sync.Mutex
	seq        int
	nodes      map[event.ID]*node
	violations []Violation
	strict     bool
}

var _ event.Processor = (*Validator)(nil)

// NewValidator returns a Validator. With strict set, Output for ids that are not
// open is reported too.
func NewValidator(strict bool) *Validator {
	return &Validator{nodes: make(map[event.ID]*node), strict: strict}
}

func (v *Validator) violate(id event.ID, rule Rule, format string, args ...any) {
	v.violations = append(v.violations, Violation{
		Seq:    v.seq,
		ID:     id,
		Rule:   rule,
		Detail: fmt.Sprintf(format, args...),
	})
}

// root walks to the outermost ancestor still known.
func (v *Validator) root(id event.ID) *node {
	n := v.nodes[id]
	for n != nil && n.parent != 0 {
		p, ok := v.nodes[n.parent]
		if !ok {
			break
		}
		n = p
	}
	return n
}

func (v *Validator) stamp(id event.ID, t time.Time) {
	if t.IsZero() {
		return
	}
	r := v.root(id)
	if r == nil {
		return
	}
	if t.Before(r.last) {
		v.violate(id, RuleTimeRegression, "%s is before %s", t.Format(time.RFC3339Nano), r.last.Format(time.RFC3339Nano))
		return
	}
	r.last = t
}

func (v *Validator) Started(_ event.Token, d event.Descriptor, e event.StartEvent) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++

	if _, dup := v.nodes[d.ID]; dup {
		v.violate(d.ID, RuleDuplicateStart, "%q started twice", d.Name)
		return nil
	}
	parent := e.ParentID
	if parent == 0 {
		parent = d.ParentID
	}
	n := &node{parent: parent, kind: d.Kind, name: d.Name, open: true}
	if parent != 0 {
		p, ok := v.nodes[parent]
		switch {
		case !ok:
			v.violate(d.ID, RuleParentNotOpen, "parent %s of %q never started", parent, d.Name)
		case !p.open:
			v.violate(d.ID, RuleParentNotOpen, "parent %s of %q already finished", parent, d.Name)
		default:
			p.children++
		}
	}
	v.nodes[d.ID] = n
	v.stamp(d.ID, e.Time)
	return nil
}

func (v *Validator) Output(_ event.Token, id event.ID, e event.OutputEvent) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	if n, ok := v.nodes[id]; !ok || !n.open {
		if v.strict {
			v.violate(id, RuleOutputOrphan, "output for id that is not open")
		}
		return nil
	}
	v.stamp(id, e.Time)
	return nil
}

func (v *Validator) Completed(_ event.Token, id event.ID, e event.CompleteEvent) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	v.terminal(id, e.Time)
	return nil
}

func (v *Validator) Failed(_ event.Token, id event.ID, e event.FailureEvent) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	v.terminal(id, e.Time)
	return nil
}

func (v *Validator) terminal(id event.ID, t time.Time) {
	n, ok := v.nodes[id]
	if !ok {
		v.violate(id, RuleUnknownTerminal, "no Started for id")
		return
	}
	if !n.open {
		v.violate(id, RuleDoubleTerminal, "%q already finished", n.name)
		return
	}
	if n.children > 0 {
		v.violate(id, RuleChildrenOpen, "%q finished with %d open children", n.name, n.children)
	}
	v.stamp(id, t)
	n.open = false
	if p, ok := v.nodes[n.parent]; ok && p.children > 0 {
		p.children--
	}
}

// Violations returns everything found so far.
func (v *Validator) Violations() []Violation {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Violation(nil), v.violations...)
}

// Finish reports descriptors that never received a terminal event and returns an
// errs.MalformedEventSequence error listing every violation, or nil.
func (v *Validator) Finish() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	ids := make([]event.ID, 0, len(v.nodes))
	for id := range v.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if n := v.nodes[id]; n.open {
			v.violate(id, RuleDangling, "%q has no terminal event", n.name)
			n.open = false
		}
	}
	if len(v.violations) == 0 {
		return nil
	}
	lines := make([]string, 0, len(v.violations))
	for _, vl := range v.violations {
		lines = append(lines, vl.String())
	}
	return errs.Newf(errs.MalformedEventSequence, "validate", "%d violation(s):\n%s",
		len(v.violations), strings.Join(lines, "\n"))
}
