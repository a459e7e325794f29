package magetasks

import (
	"github.com/magefile/mage/sh"
)

// TestAll runs the test suite through testseq itself, so the output is the
// same sequenced view users get.
func TestAll() error {
	PrintH2Header("Tests")

	if err := BuildAll(); err != nil {
		return err
	}
	if err := sh.RunV(BinPath, "run", "--format", "terminal", "--", "-count=1", "./..."); err != nil {
		PrintError("Tests failed")
		return err
	}
	PrintSuccess("All tests passed")
	return nil
}

// TestCoverage runs tests with coverage and prints the per-function report.
func TestCoverage() error {
	PrintH2Header("Test Coverage")

	if err := sh.RunV("go", "test", "-coverprofile=coverage.out", "./..."); err != nil {
		PrintError("Tests failed")
		return err
	}
	_ = sh.RunV("go", "tool", "cover", "-func=coverage.out")

	PrintSuccess("Coverage report generated")
	return nil
}

// TestRace runs tests with the race detector.
func TestRace() error {
	PrintH2Header("Race Detector")

	if err := sh.RunV("go", "test", "-race", "./..."); err != nil {
		PrintError("Race detector found issues")
		return err
	}
	PrintSuccess("No race conditions detected")
	return nil
}
