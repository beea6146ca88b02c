package execute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/anmitsu/go-shlex"

	"github.com/mattjoyce/edgecmd/internal/log"
)

const (
	// DefaultShell runs command lines when no shell is configured.
	DefaultShell = "/bin/sh"

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ErrEmptyCommand is returned in argv mode when the command has no words.
var ErrEmptyCommand = errors.New("empty command")

// ShellRunner executes command lines on the local host.
type ShellRunner struct {
	// Shell is invoked as `<Shell> -c <command>`.
	Shell string
	// ArgvMode splits the command with POSIX quoting rules and executes the
	// first word directly, without a shell.
	ArgvMode bool
	// Timeout of zero lets commands run until they exit.
	Timeout time.Duration
	// MaxOutputBytes caps each captured stream. Zero is unlimited.
	MaxOutputBytes int
	// Merged captures stdout and stderr as one stream into Outcome.Stdout.
	Merged bool
	// GracePeriod between SIGTERM and SIGKILL. Zero uses five seconds.
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// Run executes command and waits for it. Cancelling ctx terminates the
// command the same way a timeout does.
func (r *ShellRunner) Run(ctx context.Context, command string) Outcome {
	start := time.Now()
	logger := r.logger()

	cmd, err := r.command(command)
	if err != nil {
		return launchFailed(fmt.Errorf("failed to start command: %w", err), start)
	}
	setProcessGroup(cmd)

	stdout := newCappedBuffer(r.MaxOutputBytes)
	stderr := stdout
	if !r.Merged {
		stderr = newCappedBuffer(r.MaxOutputBytes)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug("executing command", "command", command, "argv_mode", r.ArgvMode, "timeout", r.Timeout)

	if err := cmd.Start(); err != nil {
		logger.Warn("command failed to start", "error", err)
		return launchFailed(fmt.Errorf("failed to start command: %w", err), start)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if r.Timeout > 0 {
		timer := time.NewTimer(r.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	out := Outcome{Combined: r.Merged, ExitCode: -1}

	select {
	case err = <-waitErr:
		out.Status, out.ExitCode, out.Err = classifyExit(err)

	case <-timeout:
		logger.Warn("command timed out, sending SIGTERM", "timeout", r.Timeout)
		r.terminate(cmd, waitErr, logger)
		out.Status = StatusTimedOut
		out.Err = fmt.Errorf("%w after %s", ErrTimeout, r.Timeout)

	case <-ctx.Done():
		logger.Warn("command canceled, sending SIGTERM")
		r.terminate(cmd, waitErr, logger)
		out.Status = StatusCanceled
		out.Err = fmt.Errorf("command canceled: %w", ctx.Err())
	}

	if out.Status == StatusTimedOut || out.Status == StatusCanceled {
		if ps := cmd.ProcessState; ps != nil {
			out.ExitCode = ps.ExitCode()
		}
	}

	out.Stdout = stdout.String()
	if !r.Merged {
		out.Stderr = stderr.String()
	}
	out.Truncated = stdout.Truncated() || stderr.Truncated()
	out.Duration = time.Since(start)

	if out.Truncated {
		logger.Warn("command output truncated", "max_output_bytes", r.MaxOutputBytes)
	}
	logger.Debug("command finished", "status", out.Status.String(), "exit_code", out.ExitCode, "duration", out.Duration)
	return out
}

func (r *ShellRunner) command(command string) (*exec.Cmd, error) {
	if !r.ArgvMode {
		shell := r.Shell
		if shell == "" {
			shell = DefaultShell
		}
		return exec.Command(shell, "-c", command), nil
	}

	args, err := shlex.Split(command, true)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	return exec.Command(args[0], args[1:]...), nil
}

// terminate sends SIGTERM to the process group, then SIGKILL once the grace
// period runs out. It returns after the process has been reaped.
func (r *ShellRunner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if err := terminateGroup(cmd, false); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := r.GracePeriod
	if grace <= 0 {
		grace = terminationGracePeriod
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-waitErr:
		logger.Info("command exited after SIGTERM")
	case <-timer.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
		if err := terminateGroup(cmd, true); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

func (r *ShellRunner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.WithComponent("execute")
}

func classifyExit(err error) (Status, int, error) {
	if err == nil {
		return StatusSucceeded, 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return StatusFailed, code, nil
		}
		return StatusFailed, -1, fmt.Errorf("command terminated: %w", err)
	}
	return StatusFailed, -1, fmt.Errorf("wait for command: %w", err)
}
