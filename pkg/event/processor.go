package event

import "fmt"

// Processor receives test notifications. Completed and Failed are terminal: each
// descriptor gets exactly one of them after its Started.
type Processor interface {
	Started(tok Token, d Descriptor, e StartEvent) error
	Output(tok Token, id ID, e OutputEvent) error
	Completed(tok Token, id ID, e CompleteEvent) error
	Failed(tok Token, id ID, e FailureEvent) error
}

// ClassListener is told when an executor starts and finishes a test class.
type ClassListener interface {
	ClassStarted(tok Token, c ClassInfo) error
	ClassFinished(tok Token, r ClassResult) error
}

// Handler is the head of a pipeline: it accepts both class and test notifications.
type Handler interface {
	Processor
	ClassListener
}

// Aborter is implemented by stages that can close everything they still hold open.
type Aborter interface {
	Abort(cause error) error
}

// Op names a notification carried by a Message.
type Op int

const (
	OpStarted Op = iota + 1
	OpOutput
	OpCompleted
	OpFailed
	OpClassStarted
	OpClassFinished
)

var opNames = map[Op]string{
	OpStarted:       "started",
	OpOutput:        "output",
	OpCompleted:     "completed",
	OpFailed:        "failed",
	OpClassStarted:  "class-started",
	OpClassFinished: "class-finished",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Message is one queued notification. Only the fields relevant to Op are set.
type Message struct {
	Op         Op
	Token      Token
	ID         ID
	Descriptor Descriptor
	Start      StartEvent
	Output     OutputEvent
	Complete   CompleteEvent
	Failure    FailureEvent
	Class      ClassInfo
	Result     ClassResult
}

// Subject returns the descriptor id the message is about, if any.
func (m Message) Subject() ID {
	switch m.Op {
	case OpStarted:
		return m.Descriptor.ID
	case OpClassStarted:
		return m.Class.ID
	case OpClassFinished:
		return m.Result.ID
	default:
		return m.ID
	}
}

// Deliver replays m onto h.
func Deliver(h Handler, m Message) error {
	switch m.Op {
	case OpStarted:
		return h.Started(m.Token, m.Descriptor, m.Start)
	case OpOutput:
		return h.Output(m.Token, m.ID, m.Output)
	case OpCompleted:
		return h.Completed(m.Token, m.ID, m.Complete)
	case OpFailed:
		return h.Failed(m.Token, m.ID, m.Failure)
	case OpClassStarted:
		return h.ClassStarted(m.Token, m.Class)
	case OpClassFinished:
		return h.ClassFinished(m.Token, m.Result)
	default:
		return fmt.Errorf("deliver: unknown op %v", m.Op)
	}
}

// Discard is a Processor that drops everything.
type Discard struct{}

func (Discard) Started(Token, Descriptor, StartEvent) error { return nil }
func (Discard) Output(Token, ID, OutputEvent) error { return nil }
func (Discard) Completed(Token, ID, CompleteEvent) error { return nil }
func (Discard) Failed(Token, ID, FailureEvent) error { return nil }
