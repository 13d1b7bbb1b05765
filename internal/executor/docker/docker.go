// Package docker runs commands inside an already running container through
// the Docker Engine API. It is used when the server and the borg repositories
// live in different containers.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/borgwarehouse/internal/executor"
)

// Executor implements executor.Executor with `docker exec`.
type Executor struct {
	cli    *client.Client
	config Config
	logger *slog.Logger
}

var _ executor.Executor = (*Executor)(nil)

// New connects to the Docker daemon (DOCKER_HOST etc.) and checks that the
// target container is running.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Executor, error) {
	if cfg.Container == "" {
		return nil, errors.New("docker: container is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: creating client: %w", err)
	}

	inspectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	info, err := cli.ContainerInspect(inspectCtx, cfg.Container)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker: inspecting container %s: %w", cfg.Container, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		cli.Close()
		return nil, fmt.Errorf("docker: container %s is not running", cfg.Container)
	}

	logger.Info("docker executor ready", slog.String("container", cfg.Container))
	return &Executor{cli: cli, config: cfg, logger: logger}, nil
}

// Close releases the Docker client.
func (e *Executor) Close() error {
	return e.cli.Close()
}

// Execute runs cmd inside the configured container.
func (e *Executor) Execute(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	if cmd.Name == "" {
		return nil, errors.New("docker: command name is required")
	}
	start := time.Now()

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = e.config.Timeout
	}
	executeCtx, executeCancel := context.WithTimeout(ctx, timeout)
	defer executeCancel()

	execResp, err := e.cli.ContainerExecCreate(executeCtx, e.config.Container, container.ExecOptions{
		User:         e.config.User,
		WorkingDir:   e.config.WorkingDir,
		Env:          e.config.Env,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          append([]string{cmd.Name}, cmd.Args...),
	})
	if err != nil {
		return nil, fmt.Errorf("docker: creating exec: %w", err)
	}

	attachResp, err := e.cli.ContainerExecAttach(executeCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("docker: attaching to exec: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		// The exec stream multiplexes stdout and stderr.
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader)
		done <- copyErr
	}()

	res := &executor.Result{}

	select {
	case copyErr := <-done:
		if copyErr != nil {
			return nil, fmt.Errorf("docker: reading exec output: %w", copyErr)
		}
		inspectResp, err := e.cli.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			return nil, fmt.Errorf("docker: inspecting exec: %w", err)
		}
		res.ExitCode = inspectResp.ExitCode
	case <-executeCtx.Done():
		// Closing the stream ends the copy goroutine before the buffers are read.
		attachResp.Close()
		<-done
		res.TimedOut = true
		res.ExitCode = executor.TimeoutExitCode
		stderr.WriteString(fmt.Sprintf("\ncommand timed out after %s\n", timeout))
		e.logger.Warn("docker exec timed out",
			slog.String("container", e.config.Container),
			slog.String("command", cmd.Name),
		)
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Duration = time.Since(start)
	return res, nil
}
