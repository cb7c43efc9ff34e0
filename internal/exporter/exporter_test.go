package exporter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatbackup/internal/backup"
	"chatbackup/internal/month"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	guildTarget = backup.Target{
		ID:         "123456789012345678",
		Name:       "Guild",
		Kind:       backup.KindGuild,
		Credential: "abcdefghijklmnop",
		StartMonth: month.New(2020, time.January),
		Enabled:    true,
	}
	dmTarget = backup.Target{
		ID:         backup.DMTargetID,
		Name:       "DMs",
		Kind:       backup.KindDM,
		Credential: "abcdefghijklmnop",
		StartMonth: month.New(2020, time.January),
		Enabled:    true,
	}
)

type step struct {
	out       RunOutput
	err       error
	writeData bool
	block     bool
}

type fakeRunner struct {
	mu    sync.Mutex
	steps []step
	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string) (RunOutput, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	s := f.steps[0]
	if len(f.steps) > 1 {
		f.steps = f.steps[1:]
	}
	f.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return RunOutput{ExitCode: -1}, ctx.Err()
	}
	if s.writeData {
		out := argValue(args, "--output")
		if err := os.WriteFile(filepath.Join(out, "channel.json"), []byte(`{}`), 0o644); err != nil {
			return RunOutput{}, err
		}
	}
	return s.out, s.err
}

func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func newInvoker(t *testing.T, cfg Config, runner Runner) *Invoker {
	t.Helper()
	cfg.RequireOutput = true
	return New(cfg, runner, zaptest.NewLogger(t))
}

func TestBuildArgs_Guild(t *testing.T) {
	chunk := backup.Chunk{TargetID: guildTarget.ID, Month: month.New(2020, time.December)}
	args := BuildArgs(guildTarget, chunk, "/exports/Guild/2020/12", []string{"--parallel", "2"})

	assert.Equal(t, "exportguild", args[0])
	assert.Equal(t, guildTarget.ID, argValue(args, "--guild"))
	assert.Equal(t, "All", argValue(args, "--include-threads"))
	assert.Equal(t, "Json", argValue(args, "--format"))
	assert.Equal(t, "abcdefghijklmnop", argValue(args, "--token"))
	assert.Equal(t, "/exports/Guild/2020/12/", argValue(args, "--output"))
	assert.Equal(t, "/exports/Guild/2020/12/media/", argValue(args, "--media-dir"))
	assert.Equal(t, "2020-12-01T00:00:00Z", argValue(args, "--after"))
	assert.Equal(t, "2021-01-01T00:00:00Z", argValue(args, "--before"))
	assert.Equal(t, []string{"--parallel", "2"}, args[len(args)-2:])
}

func TestBuildArgs_DM(t *testing.T) {
	chunk := backup.Chunk{TargetID: dmTarget.ID, Month: month.New(2020, time.February)}
	args := BuildArgs(dmTarget, chunk, "/exports/DMs/2020/02", nil)

	assert.Equal(t, "exportdm", args[0])
	assert.NotContains(t, args, "--guild")
	assert.Equal(t, "2020-03-01T00:00:00Z", argValue(args, "--before"))
}

func TestRedact(t *testing.T) {
	args := []string{"exportdm", "--token", "abcdefghijklmnop", "--output", "/tmp/My Server/"}
	line := Redact("/opt/app/DiscordChatExporter.Cli", args)

	assert.Contains(t, line, "--token abcde***")
	assert.NotContains(t, line, "fghijklmnop")
	assert.Contains(t, line, `"/tmp/My Server/"`)
	assert.Equal(t, "***", redactToken("abc"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		exit     int
		output   string
		timedOut bool
		wrote    bool
		want     backup.Outcome
	}{
		{name: "clean exit with data", exit: 0, wrote: true, want: backup.OutcomeSuccess},
		{name: "clean exit without data", exit: 0, want: backup.OutcomeTransient},
		{name: "timeout", exit: -1, timedOut: true, wrote: true, want: backup.OutcomeTransient},
		{name: "unauthorized", exit: 1, output: "Error: 401 Unauthorized", want: backup.OutcomeAuth},
		{name: "invalid token", exit: 1, output: "Authentication token is invalid.", want: backup.OutcomeAuth},
		{name: "rate limited", exit: 1, output: "HTTP 429 Too Many Requests", want: backup.OutcomeRateLimit},
		{name: "rate limit phrase", exit: 2, output: "hit the rate limit, retry later", want: backup.OutcomeRateLimit},
		{name: "snowflake containing 401", exit: 1, output: "channel 1234014012345678 failed", want: backup.OutcomeTransient},
		{name: "generic crash", exit: 134, output: "Unhandled exception", want: backup.OutcomeTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.exit, tt.output, tt.timedOut, tt.wrote, true))
		})
	}

	assert.Equal(t, backup.OutcomeSuccess, Classify(0, "", false, false, false))
}

func TestExport_Success(t *testing.T) {
	runner := &fakeRunner{steps: []step{{writeData: true}}}
	inv := newInvoker(t, Config{Executable: "dce"}, runner)
	outDir := filepath.Join(t.TempDir(), "Guild", "2020", "01")

	res := inv.Export(context.Background(), guildTarget, backup.Chunk{TargetID: guildTarget.ID, Month: month.New(2020, time.January)}, outDir)

	assert.Equal(t, backup.OutcomeSuccess, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.DirExists(t, outDir)
}

func TestExport_AuthFailureIsNotRetried(t *testing.T) {
	runner := &fakeRunner{steps: []step{{out: RunOutput{ExitCode: 1, Stderr: "401 Unauthorized"}}}}
	inv := newInvoker(t, Config{Executable: "dce", Retries: 3, RetryBackoff: time.Millisecond}, runner)

	res := inv.Export(context.Background(), guildTarget, backup.Chunk{TargetID: guildTarget.ID, Month: month.New(2020, time.January)}, t.TempDir())

	assert.Equal(t, backup.OutcomeAuth, res.Outcome)
	assert.True(t, errors.Is(res.Err, backup.ErrAuthFailure))
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Detail, "Unauthorized")
}

func TestExport_RateLimitedIsNotRetried(t *testing.T) {
	runner := &fakeRunner{steps: []step{{out: RunOutput{ExitCode: 1, Stdout: "429 Too Many Requests"}}}}
	inv := newInvoker(t, Config{Executable: "dce", Retries: 3, RetryBackoff: time.Millisecond}, runner)

	res := inv.Export(context.Background(), guildTarget, backup.Chunk{TargetID: guildTarget.ID, Month: month.New(2020, time.January)}, t.TempDir())

	assert.Equal(t, backup.OutcomeRateLimit, res.Outcome)
	assert.True(t, errors.Is(res.Err, backup.ErrRateLimited))
	assert.Len(t, runner.calls, 1)
}

func TestExport_TransientRetriedThenSucceeds(t *testing.T) {
	runner := &fakeRunner{steps: []step{
		{out: RunOutput{ExitCode: 1, Stderr: "connection reset"}},
		{writeData: true},
	}}
	inv := newInvoker(t, Config{Executable: "dce", Retries: 2, RetryBackoff: time.Millisecond}, runner)

	res := inv.Export(context.Background(), guildTarget, backup.Chunk{TargetID: guildTarget.ID, Month: month.New(2020, time.January)}, t.TempDir())

	assert.Equal(t, backup.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
}

func TestExport_TransientExhaustsRetries(t *testing.T) {
	runner := &fakeRunner{steps: []step{{out: RunOutput{ExitCode: 1}}}}
	inv := newInvoker(t, Config{Executable: "dce", Retries: 2, RetryBackoff: time.Millisecond}, runner)

	res := inv.Export(context.Background(), guildTarget, backup.Chunk{TargetID: guildTarget.ID, Month: month.New(2020, time.January)}, t.TempDir())

	assert.Equal(t, backup.OutcomeTransient, res.Outcome)
	assert.True(t, errors.Is(res.Err, backup.ErrTransientFailure))
	assert.Equal(t, 3, res.Attempts)
}

func TestExport_TimeoutIsTransient(t *testing.T) {
	runner := &fakeRunner{steps: []step{{block: true}}}
	inv := newInvoker(t, Config{Executable: "dce", Timeout: 50 * time.Millisecond}, runner)

	res := inv.Export(context.Background(), guildTarget, backup.Chunk{TargetID: guildTarget.ID, Month: month.New(2020, time.January)}, t.TempDir())

	assert.Equal(t, backup.OutcomeTransient, res.Outcome)
	assert.Contains(t, res.Err.Error(), "timeout")
}

func TestExport_StaleFilesDoNotCountAsOutput(t *testing.T) {
	outDir := t.TempDir()
	stale := filepath.Join(outDir, "old.json")
	require.NoError(t, os.WriteFile(stale, []byte(`{}`), 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	runner := &fakeRunner{steps: []step{{out: RunOutput{ExitCode: 0}}}}
	inv := newInvoker(t, Config{Executable: "dce"}, runner)

	res := inv.Export(context.Background(), guildTarget, backup.Chunk{TargetID: guildTarget.ID, Month: month.New(2020, time.January)}, outDir)

	assert.Equal(t, backup.OutcomeTransient, res.Outcome)
}

func TestExecRunner_RealProcess(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}

	out, err := ExecRunner{}.Run(context.Background(), "/bin/sh", []string{"-c", "echo hello; echo oops >&2; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "hello", strings.TrimSpace(out.Stdout))
	assert.Equal(t, "oops", strings.TrimSpace(out.Stderr))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = ExecRunner{WaitDelay: time.Second}.Run(ctx, "/bin/sh", []string{"-c", "sleep 5"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abcdef"))

	assert.Equal(t, "...(truncated)\ncdef", b.String())
}
