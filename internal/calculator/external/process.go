package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"
)

const (
	// maxStderrBytes caps the amount of stderr kept from a program run.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Program describes how to launch an external code.
type Program struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
	// StdoutCopy names a file in the working directory that receives
	// stdout when a backend keeps it in memory.
	StdoutCopy string
}

// Invocation is what a backend adds to one launch.
type Invocation struct {
	Args       []string
	Stdin      []byte
	StdoutFile string // relative to the working directory; empty keeps stdout in memory
}

// RunOutput is what a finished program left behind.
type RunOutput struct {
	Stdout   []byte // nil when stdout went to a file
	Stderr   string
	ExitCode int
	Elapsed  time.Duration
}

// run starts the program in dir and waits for it, the timeout or ctx.
// On timeout or cancellation the process gets SIGTERM, then SIGKILL after
// the grace period.
func (p Program) run(ctx context.Context, dir string, inv Invocation, logger *slog.Logger) (RunOutput, error) {
	timeout := p.Timeout
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Don't use CommandContext; termination is managed below.
	args := append(append([]string(nil), p.Args...), inv.Args...)
	cmd := exec.Command(p.Command, args...)
	cmd.Dir = dir
	cmd.Env = p.environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return RunOutput{}, fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stderr = &stderr
	if inv.StdoutFile != "" {
		f, err := os.Create(filepath.Join(dir, inv.StdoutFile))
		if err != nil {
			return RunOutput{}, fmt.Errorf("create %s: %w", inv.StdoutFile, err)
		}
		defer f.Close()
		cmd.Stdout = f
	} else {
		cmd.Stdout = &stdout
	}

	logger.Debug("spawning program", "command", p.Command, "args", args, "dir", dir, "timeout", timeout)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RunOutput{}, fmt.Errorf("start %s: %w", p.Command, err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if len(inv.Stdin) == 0 {
			writeErr <- nil
			return
		}
		_, err := io.Copy(stdin, bytes.NewReader(inv.Stdin))
		if err != nil && !errors.Is(err, syscall.EPIPE) && !errors.Is(err, os.ErrClosed) {
			writeErr <- fmt.Errorf("write stdin: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var stopErr error
	select {
	case <-timeoutTimer.C:
		logger.Warn("program timed out, sending SIGTERM", "timeout", timeout)
		stopErr = context.DeadlineExceeded
	case <-ctx.Done():
		logger.Warn("run cancelled, sending SIGTERM")
		stopErr = ctx.Err()
	case err := <-waitErr:
		out := RunOutput{Stderr: truncateStderr(stderr.String()), Elapsed: time.Since(start)}
		if inv.StdoutFile == "" {
			out.Stdout = stdout.Bytes()
			p.keepStdout(dir, out.Stdout, logger)
		}
		if werr := <-writeErr; werr != nil {
			return out, werr
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return out, fmt.Errorf("wait for %s: %w", p.Command, err)
			}
			out.ExitCode = exitErr.ExitCode()
			logger.Warn("program exited with non-zero status", "exit_code", out.ExitCode)
		}
		logger.Debug("program finished", "exit_code", out.ExitCode, "elapsed", out.Elapsed)
		return out, nil
	}

	p.terminate(cmd, waitErr, logger)
	out := RunOutput{Stderr: truncateStderr(stderr.String()), ExitCode: -1, Elapsed: time.Since(start)}
	return out, stopErr
}

func (p Program) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("program exited after SIGTERM")
	case <-grace.C:
		logger.Warn("program did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

func (p Program) keepStdout(dir string, data []byte, logger *slog.Logger) {
	if p.StdoutCopy == "" {
		return
	}
	if err := os.WriteFile(filepath.Join(dir, p.StdoutCopy), data, 0o644); err != nil {
		logger.Warn("failed to write stdout copy", "file", p.StdoutCopy, "error", err)
	}
}

func (p Program) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+p.Env[k])
	}
	return env
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
