package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkoosis/testseq/internal/config"
	"github.com/dkoosis/testseq/internal/metrics"
	"github.com/dkoosis/testseq/pkg/errs"
	"github.com/dkoosis/testseq/pkg/sink"
)

func testConfig(format string) *config.ResolvedConfig {
	return &config.ResolvedConfig{
		QueueSize:   64,
		ErrorBuffer: 4,
		Format:      format,
		Theme:       "mono",
	}
}

func stream(lines ...string) *strings.Reader {
	return strings.NewReader(strings.Join(lines, "\n") + "\n")
}

// syncBuffer lets the test read output the pipeline is still writing.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func records(t *testing.T, out string) []sink.WireRecord {
	t.Helper()
	var recs []sink.WireRecord
	err := sink.ReadNDJSON(context.Background(), strings.NewReader(out), func(_ []byte, rec sink.WireRecord) error {
		recs = append(recs, rec)
		return nil
	})
	require.NoError(t, err)
	return recs
}

func TestReplay_NDJSON(t *testing.T) {
	var stdout bytes.Buffer
	r := New(testConfig(config.FormatNDJSON), &stdout, io.Discard)

	out, err := r.Replay(context.Background(), stream(
		`{"Action":"run","Package":"ex/a","Test":"TestA"}`,
		`{"Action":"run","Package":"ex/b","Test":"TestB"}`,
		`{"Action":"pass","Package":"ex/a","Test":"TestA"}`,
		`{"Action":"output","Package":"ex/b","Test":"TestB","Output":"nope\n"}`,
		`{"Action":"fail","Package":"ex/b","Test":"TestB"}`,
		`{"Action":"pass","Package":"ex/a"}`,
		`{"Action":"fail","Package":"ex/b"}`,
	))
	require.NoError(t, err)

	assert.Equal(t, 2, out.Packages)
	assert.Equal(t, sink.Summary{Classes: 2, Passed: 1, Failed: 1}, out.Summary)
	assert.Empty(t, out.Violations)
	assert.Equal(t, ExitFailures, out.ExitCode())
	assert.Equal(t, int64(9), out.Stats.Delivered)

	recs := records(t, stdout.String())
	require.Len(t, recs, 9)
	for i, rec := range recs {
		assert.Equal(t, i+1, rec.Seq)
	}
	var failed []string
	for _, rec := range recs {
		if rec.Op == "failed" {
			failed = append(failed, rec.Cause)
		}
	}
	assert.Equal(t, []string{"--- FAIL: TestB (0.00s)"}, failed)
}

func TestReplay_TerminalSummary(t *testing.T) {
	var stdout bytes.Buffer
	r := New(testConfig(config.FormatTerminal), &stdout, io.Discard)

	out, err := r.Replay(context.Background(), stream(
		`{"Action":"run","Package":"ex/a","Test":"TestA"}`,
		`{"Action":"skip","Package":"ex/a","Test":"TestA"}`,
		`{"Action":"skip","Package":"ex/a"}`,
	))
	require.NoError(t, err)
	assert.Equal(t, ExitOK, out.ExitCode())
	assert.Contains(t, stdout.String(), "ex/a")
	assert.Contains(t, stdout.String(), "1 Classes, 0 Passed, 0 Failed, 1 Skipped")
}

func TestReplay_AutoFormatIsNDJSONWhenPiped(t *testing.T) {
	var stdout bytes.Buffer
	r := New(testConfig(config.FormatAuto), &stdout, io.Discard)

	_, err := r.Replay(context.Background(), stream(`{"Action":"pass","Package":"ex/a"}`))
	require.NoError(t, err)
	recs := records(t, stdout.String())
	require.Len(t, recs, 2)
	assert.Equal(t, "class", recs[0].Kind)
}

func TestReplay_Interrupt(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	signals := make(chan os.Signal, 1)
	var stdout syncBuffer
	r := New(testConfig(config.FormatNDJSON), &stdout, io.Discard, WithSignals(signals))

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := r.Replay(context.Background(), pr)
		done <- result{out, err}
	}()

	_, err := io.WriteString(pw, `{"Action":"run","Package":"ex/slow","Test":"TestSlow"}`+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Count(stdout.String(), `"op":"started"`) == 2
	}, 5*time.Second, 10*time.Millisecond)

	signals <- os.Interrupt

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("replay did not stop after interrupt")
	}
	require.NoError(t, res.err)
	assert.True(t, res.out.Interrupted)
	assert.Equal(t, ExitInterrupted, res.out.ExitCode())
	assert.Empty(t, res.out.Violations)

	recs := records(t, stdout.String())
	require.Len(t, recs, 4)
	assert.Equal(t, "failed", recs[2].Op)
	assert.Equal(t, "TestSlow", nameOf(recs, recs[2].ID))
	assert.Contains(t, recs[2].Cause, "interrupted")
	assert.Equal(t, "failed", recs[3].Op)
	assert.Equal(t, recs[0].ID, recs[3].ID)
	assert.Contains(t, recs[3].Cause, "interrupted")
}

// nameOf finds the name a started record gave id.
func nameOf(recs []sink.WireRecord, id uint64) string {
	for _, rec := range recs {
		if rec.Op == "started" && rec.ID == id {
			return rec.Name
		}
	}
	return ""
}

func helperCommand(calls *[]string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		*calls = append(*calls, name+" "+strings.Join(args, " "))
		cs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "TESTSEQ_HELPER_PROCESS=1")
		return cmd
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("TESTSEQ_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	emit := func(fields map[string]any) {
		b, _ := json.Marshal(fields)
		fmt.Fprintln(os.Stdout, string(b))
	}
	emit(map[string]any{"Action": "run", "Package": "ex/h", "Test": "TestArgs"})
	emit(map[string]any{"Action": "output", "Package": "ex/h", "Test": "TestArgs", "Output": "args=" + strings.Join(args, " ") + "\n"})
	emit(map[string]any{"Action": "fail", "Package": "ex/h", "Test": "TestArgs", "Elapsed": 0.1})
	emit(map[string]any{"Action": "fail", "Package": "ex/h", "Elapsed": 0.2})
	fmt.Fprint(os.Stderr, "exit status 1")
	os.Exit(1)
}

func TestRun_SpawnsGoTest(t *testing.T) {
	var calls []string
	var stdout, stderr bytes.Buffer
	cfg := testConfig(config.FormatNDJSON)
	cfg.GoTestArgs = []string{"-count=1", "./..."}
	reg := metrics.NewRegistry()
	r := New(cfg, &stdout, &stderr, WithCommand(helperCommand(&calls)), WithMetrics(reg))

	out, err := r.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"go test -json -count=1 ./..."}, calls)
	assert.Equal(t, sink.Summary{Classes: 1, Failed: 1}, out.Summary)
	assert.Equal(t, ExitFailures, out.ExitCode())
	assert.Equal(t, "exit status 1", stderr.String())

	recs := records(t, stdout.String())
	require.Len(t, recs, 5)
	assert.Equal(t, "args=test -json -count=1 ./...\n", recs[2].Output)
	assert.Equal(t, "completed", recs[4].Op)
}

func TestRun_ExplicitArgsWin(t *testing.T) {
	var calls []string
	cfg := testConfig(config.FormatNDJSON)
	cfg.GoTestArgs = []string{"./..."}
	r := New(cfg, io.Discard, io.Discard, WithCommand(helperCommand(&calls)))

	_, err := r.Run(context.Background(), []string{"-run", "TestX", "./pkg/..."})
	require.NoError(t, err)
	assert.Equal(t, []string{"go test -json -run TestX ./pkg/..."}, calls)
}

func TestRun_ProbeFailureEmitsNothing(t *testing.T) {
	var calls []string
	var stdout bytes.Buffer
	cfg := testConfig(config.FormatNDJSON)
	cfg.Require = []string{"testseq-no-such-binary"}
	r := New(cfg, &stdout, io.Discard, WithCommand(helperCommand(&calls)))

	_, err := r.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, errs.FrameworkUnavailable, errs.KindOf(err))
	assert.Contains(t, err.Error(), "testseq-no-such-binary")
	assert.Empty(t, calls)
	assert.Empty(t, stdout.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, fmt.Errorf("disk full") }

func TestReplay_SinkFailureIsReturned(t *testing.T) {
	r := New(testConfig(config.FormatNDJSON), failingWriter{}, io.Discard)

	out, err := r.Replay(context.Background(), stream(
		`{"Action":"run","Package":"ex/a","Test":"TestA"}`,
		`{"Action":"pass","Package":"ex/a","Test":"TestA"}`,
		`{"Action":"pass","Package":"ex/a"}`,
	))
	require.Error(t, err)
	assert.Equal(t, errs.DispatchQueueFailure, errs.KindOf(err))
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, out.Interrupted)
}

func TestServe_ExposesMetrics(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := New(testConfig(config.FormatNDJSON), io.Discard, io.Discard, WithMetrics(metrics.NewRegistry()))
	stop := r.serve(ln)
	defer stop()

	resp, err := http.Get("http://" + ln.Addr().String() + MetricsPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestServeMetrics_DisabledWithoutAddress(t *testing.T) {
	r := New(testConfig(config.FormatNDJSON), io.Discard, io.Discard, WithMetrics(metrics.NewRegistry()))
	stop, err := r.serveMetrics()
	require.NoError(t, err)
	stop()
}

func TestOutcome_ExitCode(t *testing.T) {
	tests := []struct {
		name string
		out  Outcome
		want int
	}{
		{"clean", Outcome{Summary: sink.Summary{Classes: 1, Passed: 3}}, ExitOK},
		{"failed test", Outcome{Summary: sink.Summary{Failed: 1}}, ExitFailures},
		{"failed class", Outcome{Summary: sink.Summary{ClassFailures: 1}}, ExitFailures},
		{"violations", Outcome{Violations: []sink.Violation{{Rule: sink.RuleDangling}}}, ExitFailures},
		{"interrupted wins", Outcome{Interrupted: true, Summary: sink.Summary{Failed: 2}}, ExitInterrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.out.ExitCode())
		})
	}
}
