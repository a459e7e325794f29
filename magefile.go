//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"

	"github.com/dkoosis/testseq/internal/magetasks"
)

var Default = Build

func init() {
	if err := magetasks.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		os.Exit(1)
	}
}

// Build compiles ./cmd/testseq into bin/ with version information.
func Build() error { return magetasks.BuildAll() }

// Clean deletes bin/ and coverage output.
func Clean() error { return magetasks.Clean() }

// QA lints, runs the race detector, then runs the suite through testseq.
func QA() {
	magetasks.PrintH1Header("testseq QA")
	mg.SerialDeps(Lint.All, Test.Race, Test.All)
	magetasks.PrintSuccess("QA complete")
}

type Lint mg.Namespace

// All runs gofmt, go vet, and staticcheck and golangci-lint when installed.
func (Lint) All() error { return magetasks.LintAll() }

// Format fails on files gofmt would rewrite.
func (Lint) Format() error { return magetasks.LintFormat() }

// Vet runs go vet on every package.
func (Lint) Vet() error { return magetasks.LintVet() }

// Fix lets golangci-lint apply its fixes.
func (Lint) Fix() error { return magetasks.LintGolangciFix() }

type Test mg.Namespace

// All builds testseq and runs the suite through it.
func (Test) All() error { return magetasks.TestAll() }

// Coverage writes coverage.out and prints per-function coverage.
func (Test) Coverage() error { return magetasks.TestCoverage() }

// Race runs the suite under the race detector.
func (Test) Race() error { return magetasks.TestRace() }
