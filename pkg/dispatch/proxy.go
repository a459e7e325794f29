package dispatch

import "github.com/dkoosis/testseq/pkg/event"

// Proxy turns event.Handler calls into queued messages. It is safe for
// concurrent use.
type Proxy struct {
	d *Dispatcher
}

var _ event.Handler = (*Proxy)(nil)

func (p *Proxy) Started(tok event.Token, desc event.Descriptor, e event.StartEvent) error {
	return p.d.Send(event.Message{Op: event.OpStarted, Token: tok, Descriptor: desc, Start: e})
}

func (p *Proxy) Output(tok event.Token, id event.ID, e event.OutputEvent) error {
	return p.d.Send(event.Message{Op: event.OpOutput, Token: tok, ID: id, Output: e})
}

func (p *Proxy) Completed(tok event.Token, id event.ID, e event.CompleteEvent) error {
	return p.d.Send(event.Message{Op: event.OpCompleted, Token: tok, ID: id, Complete: e})
}

func (p *Proxy) Failed(tok event.Token, id event.ID, e event.FailureEvent) error {
	return p.d.Send(event.Message{Op: event.OpFailed, Token: tok, ID: id, Failure: e})
}

func (p *Proxy) ClassStarted(tok event.Token, c event.ClassInfo) error {
	return p.d.Send(event.Message{Op: event.OpClassStarted, Token: tok, Class: c})
}

func (p *Proxy) ClassFinished(tok event.Token, r event.ClassResult) error {
	return p.d.Send(event.Message{Op: event.OpClassFinished, Token: tok, Result: r})
}
