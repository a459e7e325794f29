package magetasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/magefile/mage/sh"
)

// Ldflags stamps the version package with the given build information.
func Ldflags(version, commit, date string) string {
	pkg := ModulePath + "/internal/version"
	return fmt.Sprintf("-s -w -X '%s.Version=%s' -X '%s.CommitHash=%s' -X '%s.BuildDate=%s'",
		pkg, version, pkg, commit, pkg, date)
}

// BuildAll builds the testseq binary.
func BuildAll() error {
	PrintH2Header("Build")

	ldflags := Ldflags(gitOutput("dev", "describe", "--tags", "--always", "--dirty", "--match=v*"),
		gitOutput("unknown", "rev-parse", "--short", "HEAD"),
		time.Now().UTC().Format(time.RFC3339))
	if err := sh.RunV("go", "build", "-ldflags", ldflags, "-o", BinPath, MainPackage); err != nil {
		PrintError("Build failed")
		return err
	}

	PrintSuccess(fmt.Sprintf("Built: %s", BinPath))
	return nil
}

// Clean removes build artifacts.
func Clean() error {
	PrintH2Header("Clean")

	for _, path := range []string{"./bin", "coverage.out"} {
		if err := sh.Rm(path); err != nil {
			return err
		}
	}
	PrintSuccess("Cleaned build artifacts")
	return nil
}

// gitOutput runs git with args, falling back when git or the repo is missing.
func gitOutput(fallback string, args ...string) string {
	out, err := sh.Output("git", args...)
	if err != nil || strings.TrimSpace(out) == "" {
		return fallback
	}
	return strings.TrimSpace(out)
}
