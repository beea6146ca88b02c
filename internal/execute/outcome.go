// Package execute runs command lines locally or over SSH and reports what
// happened as an Outcome value. Runners never panic and never return a bare
// error: every failure mode is a Status.
package execute

import (
	"errors"
	"fmt"
	"time"
)

// Status classifies how a command ended.
type Status int

const (
	// StatusSucceeded means the command exited 0.
	StatusSucceeded Status = iota
	// StatusFailed means the command ran and exited non-zero (or its exit
	// status could not be read).
	StatusFailed
	// StatusLaunchFailed means the command never started.
	StatusLaunchFailed
	// StatusTimedOut means the command was terminated after the timeout.
	StatusTimedOut
	// StatusCanceled means the command was terminated because the caller's
	// context ended.
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusLaunchFailed:
		return "launch_failed"
	case StatusTimedOut:
		return "timed_out"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ErrTimeout is wrapped by the Err of a timed-out Outcome.
var ErrTimeout = errors.New("command timed out")

// Outcome is the result of one command.
type Outcome struct {
	Status Status
	Stdout string
	Stderr string
	// Combined is set when both streams were captured into Stdout, either
	// because merged output was requested or because the transport (a PTY)
	// cannot separate them.
	Combined bool
	// ExitCode is -1 when the process did not report one.
	ExitCode  int
	Err       error
	Duration  time.Duration
	Truncated bool
}

// OK reports whether the command exited 0.
func (o Outcome) OK() bool {
	return o.Status == StatusSucceeded
}

// Note describes failures that are not visible in the captured output.
// It is empty for successes and for plain non-zero exits.
func (o Outcome) Note() string {
	switch o.Status {
	case StatusLaunchFailed, StatusTimedOut, StatusCanceled:
		if o.Err != nil {
			return o.Err.Error()
		}
		return o.Status.String()
	case StatusFailed:
		if o.Err != nil && o.ExitCode < 0 {
			return o.Err.Error()
		}
	}
	return ""
}

func launchFailed(err error, start time.Time) Outcome {
	return Outcome{
		Status:   StatusLaunchFailed,
		ExitCode: -1,
		Err:      err,
		Duration: time.Since(start),
	}
}
