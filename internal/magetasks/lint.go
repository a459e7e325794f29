package magetasks

import (
	"errors"
	"fmt"
	"strings"

	"github.com/magefile/mage/sh"
)

const golangciDisabled = "--disable=exhaustruct,varnamelen,ireturn,wrapcheck,nlreturn,gochecknoglobals,mnd,depguard,tagalign"

// LintAll runs every linter. Optional linters that are not installed are skipped.
func LintAll() error {
	var errs []error
	for _, lint := range []func() error{LintFormat, LintVet, LintStaticcheck, LintGolangci} {
		if err := lint(); err != nil && !IsCommandNotFound(err) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	PrintSuccess("All linters passed")
	return nil
}

// LintFormat fails when gofmt would change any file.
func LintFormat() error {
	out, err := sh.Output("gofmt", "-l", ".")
	if err != nil {
		return err
	}
	if files := unformatted(out); len(files) > 0 {
		return fmt.Errorf("gofmt: %d files need formatting: %s", len(files), strings.Join(files, ", "))
	}
	return nil
}

// unformatted lists the files in gofmt -l output, ignoring the read-only
// reference tree.
func unformatted(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "_") {
			continue
		}
		files = append(files, line)
	}
	return files
}

// LintVet runs go vet.
func LintVet() error {
	return sh.RunV("go", "vet", "./...")
}

// LintStaticcheck runs staticcheck.
func LintStaticcheck() error {
	if err := sh.RunV("staticcheck", "./..."); err != nil {
		if IsCommandNotFound(err) {
			PrintWarning("Staticcheck not found (install: go install honnef.co/go/tools/cmd/staticcheck@latest)")
			return err
		}
		return fmt.Errorf("staticcheck failed: %w", err)
	}
	return nil
}

// LintGolangci runs golangci-lint.
func LintGolangci() error {
	return golangci(false)
}

// LintGolangciFix runs golangci-lint with auto-fixes.
func LintGolangciFix() error {
	return golangci(true)
}

func golangci(fix bool) error {
	args := []string{"run", golangciDisabled, "--timeout=5m"}
	if fix {
		args = append(args, "--fix")
	}
	if err := sh.RunV("golangci-lint", append(args, "./...")...); err != nil {
		if IsCommandNotFound(err) {
			PrintWarning("Golangci-lint not found (install: go install github.com/golangci/golangci-lint/cmd/golangci-lint@latest)")
			return err
		}
		return fmt.Errorf("golangci-lint failed: %w", err)
	}
	return nil
}
