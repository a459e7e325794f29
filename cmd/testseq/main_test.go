package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// isolate runs the test in an empty directory with no config file and no
// TESTSEQ_* overrides.
func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("HOME", filepath.Join(dir, "home"))
	for _, k := range []string{
		"TESTSEQ_WORKERS", "TESTSEQ_QUEUE_SIZE", "TESTSEQ_SYNCHRONOUS", "TESTSEQ_ON_SINK_FAILURE",
		"TESTSEQ_ERROR_BUFFER", "TESTSEQ_FORMAT", "TESTSEQ_THEME", "TESTSEQ_LOG_LEVEL",
		"TESTSEQ_METRICS_ADDR", "TESTSEQ_DEBUG", "NO_COLOR", "CI",
	} {
		t.Setenv(k, "")
	}
}

var goTestStream = strings.Join([]string{
	`{"Time":"2026-01-01T00:00:00Z","Action":"start","Package":"example.com/pkg/handler"}`,
	`{"Time":"2026-01-01T00:00:00Z","Action":"run","Package":"example.com/pkg/handler","Test":"TestCreateUser"}`,
	`{"Time":"2026-01-01T00:00:01Z","Action":"pass","Package":"example.com/pkg/handler","Test":"TestCreateUser","Elapsed":0.1}`,
	`{"Time":"2026-01-01T00:00:01Z","Action":"run","Package":"example.com/pkg/handler","Test":"TestDeleteUser"}`,
	`{"Time":"2026-01-01T00:00:02Z","Action":"output","Package":"example.com/pkg/handler","Test":"TestDeleteUser","Output":"    handler_test.go:42: expected 204, got 500\n"}`,
	`{"Time":"2026-01-01T00:00:02Z","Action":"fail","Package":"example.com/pkg/handler","Test":"TestDeleteUser","Elapsed":0.2}`,
	`{"Time":"2026-01-01T00:00:02Z","Action":"fail","Package":"example.com/pkg/handler","Elapsed":0.3}`,
}, "\n") + "\n"

func TestReplay_EmitsRecordsAndFailsOnFailingTest(t *testing.T) {
	isolate(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"replay"}, strings.NewReader(goTestStream), &stdout, &stderr)

	if code != 1 {
		t.Errorf("expected exit code 1, got %d (stderr: %s)", code, stderr.String())
	}
	out := stdout.String()
	if got := strings.Count(out, "\n"); got != 7 {
		t.Errorf("expected 7 records, got %d:\n%s", got, out)
	}
	if !strings.Contains(out, `"cause":"--- FAIL: TestDeleteUser (0.20s)"`) {
		t.Errorf("missing failure cause; got:\n%s", out)
	}
	if !strings.Contains(out, `expected 204, got 500`) {
		t.Errorf("missing test output; got:\n%s", out)
	}
}

func TestReplay_IsTheDefaultCommand(t *testing.T) {
	isolate(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"--format", "terminal", "--theme", "mono"}, strings.NewReader(goTestStream), &stdout, &stderr)

	if code != 1 {
		t.Errorf("expected exit code 1, got %d (stderr: %s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "1 Classes, 1 Passed, 1 Failed, 0 Skipped") {
		t.Errorf("missing summary; got:\n%s", stdout.String())
	}
}

func TestReplay_CleanRunExitsZero(t *testing.T) {
	isolate(t)
	input := `{"Action":"run","Package":"ex/ok","Test":"TestOK"}` + "\n" +
		`{"Action":"pass","Package":"ex/ok","Test":"TestOK"}` + "\n" +
		`{"Action":"pass","Package":"ex/ok"}` + "\n"
	var stdout, stderr bytes.Buffer
	if code := run(nil, strings.NewReader(input), &stdout, &stderr); code != 0 {
		t.Errorf("expected exit code 0, got %d (stderr: %s)", code, stderr.String())
	}
}

func TestReplay_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		input   string
		wantErr string
	}{
		{"empty stdin", nil, "", "no input on stdin"},
		{"record stream", nil, `{"seq":1,"op":"started","id":1,"kind":"class","name":"x","time":"2026-01-01T00:00:00Z"}` + "\n", "use testseq validate"},
		{"stray argument", []string{"replay", "./..."}, goTestStream, "unexpected arguments"},
		{"bad config value", []string{"--format", "xml"}, goTestStream, "config validation failed"},
		{"unknown flag", []string{"--nope"}, goTestStream, "flag provided but not defined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			var stdout, stderr bytes.Buffer
			code := run(tt.args, strings.NewReader(tt.input), &stdout, &stderr)
			if code != 2 {
				t.Errorf("expected exit code 2, got %d", code)
			}
			if !strings.Contains(stderr.String(), tt.wantErr) {
				t.Errorf("expected stderr to contain %q, got %q", tt.wantErr, stderr.String())
			}
		})
	}
}

func TestValidate_AcceptsReplayOutput(t *testing.T) {
	isolate(t)
	var records, stderr bytes.Buffer
	run([]string{"replay", "--format", "ndjson"}, strings.NewReader(goTestStream), &records, &stderr)

	var stdout bytes.Buffer
	stderr.Reset()
	code := run([]string{"validate"}, &records, &stdout, &stderr)
	if code != 0 {
		t.Errorf("expected exit code 0, got %d\nstdout: %s\nstderr: %s", code, stdout.String(), stderr.String())
	}
	if !strings.Contains(stdout.String(), "7 records, 1 classes, 1 passed, 1 failed, 0 skipped") {
		t.Errorf("unexpected summary: %s", stdout.String())
	}
}

func TestValidate_ReportsViolations(t *testing.T) {
	input := strings.Join([]string{
		`{"seq":1,"op":"started","token":"t","id":1,"kind":"class","name":"ex/a","time":"2026-01-01T00:00:00Z"}`,
		`{"seq":2,"op":"started","token":"t","id":2,"parent":1,"kind":"method","name":"TestA","class":"ex/a","time":"2026-01-01T00:00:01Z"}`,
		`{"seq":3,"op":"completed","token":"t","id":2,"result":"success","time":"2026-01-01T00:00:02Z"}`,
		`{"seq":4,"op":"completed","token":"t","id":2,"result":"success","time":"2026-01-01T00:00:02Z"}`,
		`{"seq":5,"op":"completed","token":"t","id":1,"time":"2026-01-01T00:00:03Z"}`,
	}, "\n")

	var stdout, stderr bytes.Buffer
	code := run([]string{"validate"}, strings.NewReader(input), &stdout, &stderr)
	if code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stdout.String(), "double-terminal") {
		t.Errorf("expected a double-terminal violation, got:\n%s", stdout.String())
	}
}

func TestValidate_ReportsSchemaErrors(t *testing.T) {
	input := `{"seq":1,"op":"started","id":1,"time":"2026-01-01T00:00:00Z"}` + "\n"

	var stdout, stderr bytes.Buffer
	code := run([]string{"validate"}, strings.NewReader(input), &stdout, &stderr)
	if code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stdout.String(), "#1 schema:") {
		t.Errorf("expected a schema error, got:\n%s", stdout.String())
	}
}

func TestValidate_InvalidJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"validate"}, strings.NewReader("not json\n"), &stdout, &stderr)
	if code != 2 {
		t.Errorf("expected exit code 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "line 1") {
		t.Errorf("expected the line number in %q", stderr.String())
	}
}

func TestProbe_MissingToolsExitTwo(t *testing.T) {
	isolate(t)
	t.Setenv("PATH", "")

	var stdout, stderr bytes.Buffer
	code := run([]string{"probe"}, strings.NewReader(""), &stdout, &stderr)
	if code != 2 {
		t.Errorf("expected exit code 2, got %d", code)
	}
	if !strings.Contains(stdout.String(), "go: unavailable (not found on PATH)") {
		t.Errorf("unexpected probe output:\n%s", stdout.String())
	}
	if !strings.Contains(stderr.String(), "required tools are missing") {
		t.Errorf("unexpected stderr: %s", stderr.String())
	}
}

func TestVersionAndHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"version"}, nil, &stdout, &stderr); code != 0 {
		t.Errorf("version: expected exit code 0, got %d", code)
	}
	if !strings.HasPrefix(stdout.String(), "testseq dev (commit unknown") {
		t.Errorf("unexpected version output: %q", stdout.String())
	}

	stdout.Reset()
	if code := run([]string{"help"}, nil, &stdout, &stderr); code != 0 {
		t.Errorf("help: expected exit code 0, got %d", code)
	}
	if !strings.Contains(stdout.String(), "testseq validate") {
		t.Errorf("unexpected help output: %q", stdout.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"frobnicate"}, nil, &stdout, &stderr); code != 2 {
		t.Errorf("expected exit code 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), `unknown command "frobnicate"`) {
		t.Errorf("unexpected stderr: %q", stderr.String())
	}
}
