// Package local runs commands as child processes of the server.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/sakif/borgwarehouse/internal/executor"
)

// DefaultTimeout applies when neither the command nor the config sets one.
const DefaultTimeout = 30 * time.Second

// Config holds the settings for local execution.
type Config struct {
	// Timeout bounds every command that does not carry its own.
	Timeout time.Duration
	// Env is appended to the server's environment for every command.
	Env []string
}

// DefaultConfig returns a Config with DefaultTimeout.
func DefaultConfig() Config {
	return Config{Timeout: DefaultTimeout}
}

// Executor implements executor.Executor with os/exec.
type Executor struct {
	config Config
	logger *slog.Logger
}

var _ executor.Executor = (*Executor)(nil)

// New returns an executor that runs commands on this host.
func New(cfg Config, logger *slog.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Executor{config: cfg, logger: logger}
}

// Execute runs cmd and waits for it to finish or time out.
func (e *Executor) Execute(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	if cmd.Name == "" {
		return nil, errors.New("local: command name is required")
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = e.config.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	if len(e.config.Env) > 0 {
		c.Env = append(c.Environ(), e.config.Env...)
	}
	// Give the process a moment to flush after the context fires.
	c.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := &executor.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = executor.TimeoutExitCode
		res.Stderr += fmt.Sprintf("\ncommand timed out after %s\n", timeout)
		e.logger.Warn("command timed out",
			slog.String("command", cmd.Name),
			slog.Duration("timeout", timeout),
		)
		return res, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("local: running %s: %w", cmd.Name, err)
	}

	e.logger.Debug("command finished",
		slog.String("command", cmd.Name),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}
