package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Result captures the outcome of a finished subprocess.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Combined joins stdout and stderr the way a terminal would show them.
func (r Result) Combined() string {
	parts := make([]string, 0, 2)
	if out := strings.TrimRight(r.Stdout, "\n"); out != "" {
		parts = append(parts, out)
	}
	if errOut := strings.TrimRight(r.Stderr, "\n"); errOut != "" {
		parts = append(parts, "[stderr]\n"+errOut)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("(exit %d)", r.ExitCode)
	}
	return strings.Join(parts, "\n")
}

func RequireExecutable(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("missing executable")
	}
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("executable not found: %s", name)
	}
	return nil
}

// Run executes name with args in dir, capturing stdout and stderr
// separately. A non-zero exit is reported through Result.ExitCode, not the
// error; the error is reserved for failures to run at all (missing binary,
// timeout, cancelled context).
func Run(ctx context.Context, dir string, name string, args []string, timeout time.Duration) (Result, error) {
	execCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(execCtx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	result := Result{
		Stdout: outBuf.String(),
		Stderr: errBuf.String(),
	}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if execCtx.Err() != nil {
			return result, fmt.Errorf("command %s timed out after %s", name, timeout)
		}
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("run %s: %w", name, err)
}

// RunWithInput is Run with a string piped to the subprocess stdin.
func RunWithInput(ctx context.Context, dir string, name string, args []string, input string, timeout time.Duration) (Result, error) {
	execCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(execCtx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	result := Result{
		Stdout: outBuf.String(),
		Stderr: errBuf.String(),
	}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if execCtx.Err() != nil {
			return result, fmt.Errorf("command %s timed out after %s", name, timeout)
		}
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("run %s: %w", name, err)
}
