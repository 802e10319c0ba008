// Package launcher runs the external coding-agent CLI under a timeout and
// captures its output.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/paiworks/ivy/internal/debug"
)

// Options describes one agent invocation.
type Options struct {
	WorkDir   string
	Prompt    string
	SessionID string
	Timeout   time.Duration
	// DisableMCP strips external tool servers from the agent; worker
	// pipelines always set it so subprocess agents stay sandboxed.
	DisableMCP bool
}

// Result is the captured outcome of one invocation. ExitCode is -1 when
// the process was killed by the timeout.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Launcher starts coding-agent subprocesses.
type Launcher interface {
	Launch(ctx context.Context, opts Options) (*Result, error)
}

// Exec launches a real CLI binary.
type Exec struct {
	bin string
}

// NewExec creates a launcher for the given agent binary (e.g. "claude").
func NewExec(bin string) *Exec {
	return &Exec{bin: bin}
}

// Launch runs the agent in WorkDir with the prompt on the command line.
// A non-zero exit is reported in the result, not as an error; errors are
// reserved for failures to start the process at all.
func (e *Exec) Launch(ctx context.Context, opts Options) (*Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := []string{"-p", opts.Prompt}
	if opts.DisableMCP {
		args = append(args, "--strict-mcp-config", "--mcp-config", "{}")
	}
	cmd := exec.CommandContext(ctx, e.bin, args...) // #nosec G204 - binary from config
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), "IVY_SESSION_ID="+opts.SessionID)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
		}
		if result.ExitCode == -1 && !result.TimedOut {
			return result, err
		}
	}
	debug.Logf("agent exited %d after %s (session %s)",
		result.ExitCode, time.Since(start).Round(time.Second), opts.SessionID)
	return result, nil
}

// Fake is a scripted launcher for tests. Calls records every invocation;
// Results are returned in order, the last one repeating.
type Fake struct {
	Calls   []Options
	Results []*Result
	Err     error
}

func (f *Fake) Launch(ctx context.Context, opts Options) (*Result, error) {
	f.Calls = append(f.Calls, opts)
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.Results) == 0 {
		return &Result{ExitCode: 0}, nil
	}
	idx := len(f.Calls) - 1
	if idx >= len(f.Results) {
		idx = len(f.Results) - 1
	}
	return f.Results[idx], nil
}
