// Package testjson reads go test -json streams.
package testjson

import (
	"strings"
	"time"
)

// Actions emitted by test2json.
const (
	ActionStart  = "start"
	ActionRun    = "run"
	ActionPause  = "pause"
	ActionCont   = "cont"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionOutput = "output"
	ActionBench  = "bench"
)

// TestEvent represents a single event from go test -json output.
type TestEvent struct {
	Time        time.Time `json:"Time"`
	Action      string    `json:"Action"`
	Package     string    `json:"Package"`
	Test        string    `json:"Test"`
	Elapsed     float64   `json:"Elapsed"`
	Output      string    `json:"Output"`
	FailedBuild string    `json:"FailedBuild,omitempty"`
}

// IsPackageLevel reports whether e is about the package rather than a test.
func (e TestEvent) IsPackageLevel() bool {
	return e.Test == ""
}

// IsTerminal reports whether e ends its test or package.
func (e TestEvent) IsTerminal() bool {
	switch e.Action {
	case ActionPass, ActionFail, ActionSkip:
		return true
	}
	return false
}

// Duration converts Elapsed to a time.Duration.
func (e TestEvent) Duration() time.Duration {
	return time.Duration(e.Elapsed * float64(time.Second))
}

// ParentTest returns the name of the test enclosing a subtest, or "" for a
// top-level test. "TestA/b/c" has parent "TestA/b".
func ParentTest(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[:i]
	}
	return ""
}
