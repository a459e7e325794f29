// Package event defines the descriptors, events and notification interfaces that flow
// through the test event pipeline.
package event

import (
	"fmt"
	"time"
)

// ID identifies a descriptor within one run. The zero ID means "no id".
type ID uint64

// String renders the id, or "-" for the zero id.
func (id ID) String() string {
	if id == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", uint64(id))
}

// Token identifies one execution context (one test-class execution on one worker).
type Token string

// Kind distinguishes class descriptors from method descriptors.
type Kind int

const (
	KindMethod Kind = iota
	KindClass
)

func (k Kind) String() string {
	switch k {
	case KindClass:
		return "class"
	case KindMethod:
		return "method"
	default:
		return "unknown"
	}
}

// Descriptor identifies a test class or test method.
type Descriptor struct {
	ID        ID
	Name      string
	ClassName string
	ParentID  ID
	Kind      Kind
}

// IsClass reports whether d describes a test class.
func (d Descriptor) IsClass() bool {
	return d.Kind == KindClass
}

// ResultType is carried by a Completed event. The empty value leaves the outcome
// to downstream consumers.
type ResultType string

const (
	ResultUnspecified ResultType = ""
	ResultSuccess     ResultType = "success"
	ResultSkipped     ResultType = "skipped"
)

// Destination is the stream an output chunk was written to.
type Destination int

const (
	StdOut Destination = iota
	StdErr
)

func (d Destination) String() string {
	if d == StdErr {
		return "stderr"
	}
	return "stdout"
}

// StartEvent accompanies a Started notification.
type StartEvent struct {
	Time     time.Time
	ParentID ID
}

// WithParent returns a copy of e with the parent id set.
func (e StartEvent) WithParent(id ID) StartEvent {
	e.ParentID = id
	return e
}

// CompleteEvent accompanies a Completed notification.
type CompleteEvent struct {
	Time   time.Time
	Result ResultType
}

// FailureEvent accompanies a Failed notification.
type FailureEvent struct {
	Time  time.Time
	Cause error
}

// OutputEvent carries a chunk of output produced by a running test.
type OutputEvent struct {
	Time        time.Time
	Destination Destination
	Message     string
}

// ClassInfo names the class a ClassStarted notification opens. A zero ID asks the
// receiver to issue one; a zero Time asks it to read its clock.
type ClassInfo struct {
	ID   ID
	Name string
	Time time.Time
}

// ClassResult closes a class execution. A non-nil Cause marks the class as failed.
// Time is when the class ended; zero means now.
type ClassResult struct {
	ID    ID
	Cause error
	Time  time.Time
}
