package gotest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dkoosis/testseq/pkg/event"
	"github.com/dkoosis/testseq/pkg/processor"
	"github.com/dkoosis/testseq/pkg/testjson"
)

// ErrIncompleteStream means the stream ended before a package reported its result.
var ErrIncompleteStream = errors.New("stream ended before package result")

// TestFailure is the cause attached to a failed test.
type TestFailure struct {
	Test    string
	Elapsed float64
}

func (f *TestFailure) Error() string {
	return fmt.Sprintf("--- FAIL: %s (%.2fs)", f.Test, f.Elapsed)
}

// PackageError is returned for a package that failed without a failing test to
// blame: a build failure, a panic outside any test or a failing TestMain.
type PackageError struct {
	Package string
	Build   string
	Output  []string
}

func (e *PackageError) Error() string {
	var sb strings.Builder
	if e.Build != "" {
		fmt.Fprintf(&sb, "FAIL %s [build failed: %s]", e.Package, e.Build)
	} else {
		fmt.Fprintf(&sb, "FAIL %s", e.Package)
	}
	if tail := lastLines(e.Output, 10); len(tail) > 0 {
		sb.WriteString("\n")
		sb.WriteString(strings.Join(tail, "\n"))
	}
	return sb.String()
}

func lastLines(lines []string, n int) []string {
	if len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}

// packageRun turns one package's test2json events into notifications on run.
type packageRun struct {
	run    *processor.Run
	tests  map[string]event.Descriptor
	failed int
	output []string
}

func newPackageRun(run *processor.Run) *packageRun {
	return &packageRun{run: run, tests: make(map[string]event.Descriptor)}
}

// consume reads events until the package result. A nil return means the package
// passed, was skipped, or failed only through failing tests.
func (p *packageRun) consume(ctx context.Context, q *queue[testjson.TestEvent]) error {
	for {
		e, ok, err := q.next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", p.run.Class.Name, ErrIncompleteStream)
		}
		done, err := p.handle(e)
		if err != nil || done {
			return err
		}
	}
}

func (p *packageRun) handle(e testjson.TestEvent) (bool, error) {
	if e.IsPackageLevel() {
		return p.handlePackage(e)
	}
	switch e.Action {
	case testjson.ActionRun:
		parent := p.run.Class
		if d, ok := p.tests[testjson.ParentTest(e.Test)]; ok {
			parent = d
		}
		d := p.run.NewChild(parent, e.Test)
		p.tests[e.Test] = d
		return false, p.run.Started(d, event.StartEvent{Time: e.Time})

	case testjson.ActionOutput, testjson.ActionBench:
		id := p.run.Class.ID
		if d, ok := p.tests[e.Test]; ok {
			id = d.ID
		}
		return false, p.run.Output(id, event.OutputEvent{Time: e.Time, Destination: event.StdOut, Message: e.Output})

	case testjson.ActionPass, testjson.ActionSkip:
		d, ok := p.tests[e.Test]
		if !ok {
			return false, nil
		}
		delete(p.tests, e.Test)
		result := event.ResultSuccess
		if e.Action == testjson.ActionSkip {
			result = event.ResultSkipped
		}
		return false, p.run.Completed(d.ID, event.CompleteEvent{Time: e.Time, Result: result})

	case testjson.ActionFail:
		d, ok := p.tests[e.Test]
		if !ok {
			return false, nil
		}
		delete(p.tests, e.Test)
		p.failed++
		return false, p.run.Failed(d.ID, event.FailureEvent{
			Time:  e.Time,
			Cause: &TestFailure{Test: e.Test, Elapsed: e.Elapsed},
		})
	}
	// pause and cont carry nothing the stream needs.
	return false, nil
}

func (p *packageRun) handlePackage(e testjson.TestEvent) (bool, error) {
	switch e.Action {
	case testjson.ActionOutput:
		if line := strings.TrimRight(e.Output, "\n"); line != "" {
			p.output = append(p.output, line)
		}
		return false, p.run.Output(p.run.Class.ID, event.OutputEvent{Time: e.Time, Destination: event.StdOut, Message: e.Output})
	case testjson.ActionPass, testjson.ActionSkip:
		p.run.Ended(e.Time)
		return true, nil
	case testjson.ActionFail:
		p.run.Ended(e.Time)
		if p.failed == 0 || len(p.tests) > 0 || e.FailedBuild != "" {
			return true, &PackageError{Package: e.Package, Build: e.FailedBuild, Output: p.output}
		}
		return true, nil
	}
	return false, nil
}
