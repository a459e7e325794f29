package sink

import (
	"errors"

	"github.com/dkoosis/testseq/pkg/event"
)

// Multi forwards every notification to each processor in turn. All of them see
// the notification even when an earlier one fails; the errors are joined.
type Multi []event.Processor

var _ event.Processor = Multi(nil)

func (m Multi) each(fn func(event.Processor) error) error {
	var errList []error
	for _, p := range m {
		if err := fn(p); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (m Multi) Started(tok event.Token, d event.Descriptor, e event.StartEvent) error {
	return m.each(func(p event.Processor) error { return p.Started(tok, d, e) })
}

func (m Multi) Output(tok event.Token, id event.ID, e event.OutputEvent) error {
	return m.each(func(p event.Processor) error { return p.Output(tok, id, e) })
}

func (m Multi) Completed(tok event.Token, id event.ID, e event.CompleteEvent) error {
	return m.each(func(p event.Processor) error { return p.Completed(tok, id, e) })
}

func (m Multi) Failed(tok event.Token, id event.ID, e event.FailureEvent) error {
	return m.each(func(p event.Processor) error { return p.Failed(tok, id, e) })
}
