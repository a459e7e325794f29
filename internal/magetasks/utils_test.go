package magetasks

import (
	"errors"
	"fmt"
	"os/exec"
	"testing"
)

func TestIsCommandNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"exec.ErrNotFound", exec.ErrNotFound, true},
		{"wrapped exec.ErrNotFound", fmt.Errorf("lookup: %w", exec.ErrNotFound), true},
		{"formatted by sh", fmt.Errorf(`failed to run "staticcheck ./...": %v`, &exec.Error{Name: "staticcheck", Err: exec.ErrNotFound}), true},
		{"no such file or directory", errors.New("fork/exec ./bin/testseq: no such file or directory"), true},
		{"other error", errors.New("exit status 1"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCommandNotFound(tt.err); got != tt.expected {
				t.Errorf("IsCommandNotFound(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}
