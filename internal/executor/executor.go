// Package executor runs one external command and captures its output.
//
// It is the only place that spawns processes. The provisioner scripts and the
// apprise CLI both go through an Executor, so tests can swap in a fake.
package executor

import (
	"context"
	"time"
)

// TimeoutExitCode is reported when a command is killed for exceeding its
// deadline, matching the convention of timeout(1).
const TimeoutExitCode = 124

// Command describes one invocation. Args are passed verbatim; nothing is
// interpreted by a shell.
type Command struct {
	Name    string
	Args    []string
	Timeout time.Duration // zero means the executor default
}

// Result is the captured outcome of a command.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timedOut"`
}

// Executor runs commands. A non-nil error means the command could not be
// started or its output could not be collected; a command that ran and failed
// is reported through Result.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (*Result, error)
}
