// Package probe checks that the test framework a run depends on is present
// before any class is executed.
package probe

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime/debug"
	"strings"

	"github.com/dkoosis/testseq/pkg/errs"
)

// ErrFrameworkUnavailable matches every *UnavailableError.
var ErrFrameworkUnavailable error = errs.FrameworkUnavailable

// Result is the outcome of one probe.
type Result struct {
	Name      string
	Available bool
	// Remedy tells the user how to make the dependency available.
	Remedy string
	// Detail is the underlying reason when unavailable.
	Detail string
}

func (r Result) String() string {
	if r.Available {
		return r.Name + ": available"
	}
	s := r.Name + ": unavailable"
	if r.Detail != "" {
		s += " (" + r.Detail + ")"
	}
	if r.Remedy != "" {
		s += "; " + r.Remedy
	}
	return s
}

// Probe checks one dependency.
type Probe interface {
	Check(ctx context.Context) Result
}

// Func adapts a function to Probe.
type Func func(ctx context.Context) Result

func (f Func) Check(ctx context.Context) Result { return f(ctx) }

// UnavailableError lists the probes that failed.
type UnavailableError struct {
	Missing []Result
}

func (e *UnavailableError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, r := range e.Missing {
		parts = append(parts, r.String())
	}
	return "test framework unavailable: " + strings.Join(parts, ", ")
}

// Is matches ErrFrameworkUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrFrameworkUnavailable
}

// Remedy joins the remediation hints of every missing dependency.
func (e *UnavailableError) Remedy() string {
	var hints []string
	for _, r := range e.Missing {
		if r.Remedy != "" {
			hints = append(hints, r.Remedy)
		}
	}
	return strings.Join(hints, "\n")
}

// Assert runs p and returns an *UnavailableError when it reports unavailable.
// A nil probe always passes.
func Assert(ctx context.Context, p Probe) error {
	if p == nil {
		return nil
	}
	if m, ok := p.(multi); ok {
		var missing []Result
		for _, r := range m.results(ctx) {
			if !r.Available {
				missing = append(missing, r)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		return &UnavailableError{Missing: missing}
	}
	if r := p.Check(ctx); !r.Available {
		return &UnavailableError{Missing: []Result{r}}
	}
	return nil
}

type multi []Probe

// All is available only when every probe is.
func All(probes ...Probe) Probe {
	return multi(probes)
}

func (m multi) results(ctx context.Context) []Result {
	out := make([]Result, 0, len(m))
	for _, p := range m {
		out = append(out, p.Check(ctx))
	}
	return out
}

func (m multi) Check(ctx context.Context) Result {
	all := Result{Available: true}
	var names, remedies, details []string
	for _, r := range m.results(ctx) {
		names = append(names, r.Name)
		if r.Available {
			continue
		}
		all.Available = false
		if r.Remedy != "" {
			remedies = append(remedies, r.Remedy)
		}
		if r.Detail != "" {
			details = append(details, r.Name+": "+r.Detail)
		}
	}
	all.Name = strings.Join(names, ", ")
	all.Remedy = strings.Join(remedies, "; ")
	all.Detail = strings.Join(details, "; ")
	return all
}

var (
	lookPath       = exec.LookPath
	readBuildInfo  = debug.ReadBuildInfo
	commandContext = exec.CommandContext
)

// IsNotFound reports whether err means an executable could not be found.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "executable file not found") || strings.Contains(msg, "no such file or directory")
}

// Binary checks that name resolves on PATH.
func Binary(name, remedy string) Probe {
	return Func(func(ctx context.Context) Result {
		r := Result{Name: name, Remedy: remedy}
		if err := ctx.Err(); err != nil {
			r.Detail = err.Error()
			return r
		}
		path, err := lookPath(name)
		if err != nil {
			if IsNotFound(err) {
				r.Detail = "not found on PATH"
			} else {
				r.Detail = err.Error()
			}
			return r
		}
		r.Available = true
		r.Detail = path
		return r
	})
}

// Command checks that name runs successfully with args, e.g. "go version".
func Command(name, remedy string, args ...string) Probe {
	return Func(func(ctx context.Context) Result {
		label := strings.TrimSpace(name + " " + strings.Join(args, " "))
		r := Result{Name: label, Remedy: remedy}
		out, err := commandContext(ctx, name, args...).CombinedOutput()
		if err != nil {
			if IsNotFound(err) {
				r.Detail = "not found on PATH"
			} else {
				r.Detail = fmt.Sprintf("%v: %s", err, strings.TrimSpace(string(out)))
			}
			return r
		}
		r.Available = true
		r.Detail = strings.TrimSpace(string(out))
		return r
	})
}

// Module checks that the running binary was built with the module at path, either
// as its main module or as a dependency.
func Module(path, remedy string) Probe {
	return Func(func(context.Context) Result {
		r := Result{Name: path, Remedy: remedy}
		bi, ok := readBuildInfo()
		if !ok || bi == nil {
			r.Detail = "no build information in binary"
			return r
		}
		if bi.Main.Path == path {
			r.Available = true
			r.Detail = bi.Main.Version
			return r
		}
		for _, dep := range bi.Deps {
			if dep.Path == path {
				r.Available = true
				r.Detail = dep.Version
				return r
			}
		}
		r.Detail = "not linked into this binary"
		return r
	})
}

// Always is a probe that always passes, used when no framework check is configured.
func Always(name string) Probe {
	return Func(func(context.Context) Result {
		return Result{Name: name, Available: true}
	})
}
