// Package gotest runs the packages in a go test -json stream through a
// processor, one test class per package.
package gotest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dkoosis/testseq/pkg/dispatch"
	"github.com/dkoosis/testseq/pkg/errs"
	"github.com/dkoosis/testseq/pkg/processor"
	"github.com/dkoosis/testseq/pkg/testjson"
)

// Processor is the part of *processor.Processor the demux drives.
type Processor interface {
	Process(ctx context.Context, className string, opts ...processor.ProcessOption) error
}

// firstSeen is a package and the time of its first event.
type firstSeen struct {
	pkg string
	at  time.Time
}

// Result summarizes one demux run.
type Result struct {
	Packages int
	// Failed counts packages whose executor reported a failure.
	Failed int
	// Malformed counts non-JSON lines skipped in the stream.
	Malformed int
}

// Demux splits a go test -json stream by package. It is the processor's executor:
// Run starts a Process for every package it sees, and Execute serves each
// package's events to the run the processor hands it.
type Demux struct {
	workers int
	log     zerolog.Logger

	mu       sync.Mutex
	packages map[string]*queue[testjson.TestEvent]
}

var _ processor.Executor = (*Demux)(nil)

// Option configures a Demux.
type Option func(*Demux)

// WithWorkers bounds how many packages are processed at once. Values below 1
// mean no bound.
func WithWorkers(n int) Option {
	return func(d *Demux) { d.workers = n }
}

// WithLogger sets the demux logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Demux) { d.log = l.With().Str("component", "gotest").Logger() }
}

// NewDemux returns an idle Demux.
func NewDemux(opts ...Option) *Demux {
	d := &Demux{log: zerolog.Nop(), packages: make(map[string]*queue[testjson.TestEvent])}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute implements processor.Executor for a class named after a package.
func (d *Demux) Execute(ctx context.Context, run *processor.Run) error {
	d.mu.Lock()
	q, ok := d.packages[run.Class.Name]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("no events for package %q", run.Class.Name)
	}
	return newPackageRun(run).consume(ctx, q)
}

// isPipelineError reports whether err came from the pipeline rather than from
// the package under test.
func isPipelineError(err error) bool {
	return errors.Is(err, errs.DispatchQueueFailure) || errors.Is(err, dispatch.ErrClosed) || errors.Is(err, processor.ErrNotStarted)
}

// Run reads r to the end, processing each package through p. It returns once
// every package has been processed. Failing packages are counted in Result; only
// read and pipeline errors are returned.
func (d *Demux) Run(ctx context.Context, r io.Reader, p Processor) (Result, error) {
	var res Result
	var resMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if d.workers > 0 {
		g.SetLimit(d.workers)
	}

	pending := newQueue[firstSeen]()
	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for {
			seen, ok, err := pending.next(gctx)
			if err != nil || !ok {
				return
			}
			pkg := seen.pkg
			g.Go(func() error {
				err := p.Process(gctx, pkg, processor.StartedAt(seen.at))
				if err == nil {
					return nil
				}
				if isPipelineError(err) {
					return err
				}
				d.log.Debug().Err(err).Str("package", pkg).Msg("package failed")
				resMu.Lock()
				res.Failed++
				resMu.Unlock()
				return nil
			})
		}
	}()

	malformed, readErr := testjson.Stream(gctx, r, func(e testjson.TestEvent) error {
		if e.Package == "" {
			return nil
		}
		d.mu.Lock()
		q, ok := d.packages[e.Package]
		if !ok {
			q = newQueue[testjson.TestEvent]()
			d.packages[e.Package] = q
		}
		d.mu.Unlock()
		if !ok {
			resMu.Lock()
			res.Packages++
			resMu.Unlock()
			pending.put(firstSeen{pkg: e.Package, at: e.Time})
		}
		q.put(e)
		return nil
	})

	d.mu.Lock()
	for _, q := range d.packages {
		q.close()
	}
	d.mu.Unlock()
	pending.close()
	<-launched

	err := g.Wait()
	resMu.Lock()
	res.Malformed = malformed
	out := res
	resMu.Unlock()

	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		return out, fmt.Errorf("read go test stream: %w", readErr)
	}
	if err != nil {
		return out, err
	}
	if readErr != nil {
		return out, readErr
	}
	return out, nil
}
