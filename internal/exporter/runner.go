package exporter

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"
)

// outputLimit caps how much of each stream is kept in memory; the exporter
// prints progress for hours on large guilds.
const outputLimit = 64 * 1024

// RunOutput is what a finished (or killed) process left behind.
type RunOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner starts a process and waits for it to exit. A non-nil error means
// the process could not be started or did not exit on its own; a non-zero
// exit status alone is not an error.
type Runner interface {
	Run(ctx context.Context, name string, args []string) (RunOutput, error)
}

// ExecRunner runs real child processes.
type ExecRunner struct {
	// WaitDelay bounds how long to wait for output pipes after the process
	// was killed.
	WaitDelay time.Duration
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, name string, args []string) (RunOutput, error) {
	stdout := &tailBuffer{limit: outputLimit}
	stderr := &tailBuffer{limit: outputLimit}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 10 * time.Second
	}

	err := cmd.Run()

	out := RunOutput{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, nil
	}
	return out, err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return "...(truncated)\n" + string(b.buf)
	}
	return string(b.buf)
}
