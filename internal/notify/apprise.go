package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/sakif/borgwarehouse/internal/executor"
	"github.com/sakif/borgwarehouse/internal/model"
)

const (
	DefaultAppriseBinary  = "apprise"
	DefaultAppriseTimeout = 15 * time.Second
)

// errAppriseConfig marks a user-side configuration problem. Those are
// skipped rather than counted as delivery failures.
var errAppriseConfig = errors.New("apprise configuration")

// AppriseConfig configures both apprise delivery modes.
type AppriseConfig struct {
	Binary  string
	Timeout time.Duration
}

// Apprise delivers a message to a user's apprise services, either through the
// local apprise executable or through an apprise-api server.
type Apprise struct {
	exec   executor.Executor
	http   *resty.Client
	config AppriseConfig
}

// NewApprise runs cfg.Binary through exec, so the CLI must exist wherever
// exec runs commands.
func NewApprise(exec executor.Executor, cfg AppriseConfig) *Apprise {
	if cfg.Binary == "" {
		cfg.Binary = DefaultAppriseBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAppriseTimeout
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	return &Apprise{exec: exec, http: client, config: cfg}
}

type statelessRequest struct {
	URLs string `json:"urls"`
	Body string `json:"body"`
}

// Send delivers body using the user's apprise mode.
func (a *Apprise) Send(ctx context.Context, user model.User, body string) error {
	urls := joinServices(user.AppriseServices)
	if urls == "" {
		return fmt.Errorf("%w: no apprise services configured", errAppriseConfig)
	}

	switch user.AppriseMode {
	case model.ApprisePackage:
		return a.sendPackage(ctx, urls, body)
	case model.AppriseStateless:
		if strings.TrimSpace(user.AppriseStatelessURL) == "" {
			return fmt.Errorf("%w: stateless mode without a server url", errAppriseConfig)
		}
		return a.sendStateless(ctx, user.AppriseStatelessURL, urls, body)
	default:
		return fmt.Errorf("%w: unknown mode %q", errAppriseConfig, user.AppriseMode)
	}
}

func (a *Apprise) sendPackage(ctx context.Context, urls, body string) error {
	if a.exec == nil {
		return fmt.Errorf("%w: package mode is not available", errAppriseConfig)
	}
	args := append([]string{"-v", "-b", body}, strings.Fields(urls)...)
	res, err := a.exec.Execute(ctx, executor.Command{
		Name:    a.config.Binary,
		Args:    args,
		Timeout: a.config.Timeout,
	})
	if err != nil {
		return fmt.Errorf("running apprise: %w", err)
	}
	if res.TimedOut {
		return fmt.Errorf("apprise timed out after %s", a.config.Timeout)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("apprise exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (a *Apprise) sendStateless(ctx context.Context, serverURL, urls, body string) error {
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(statelessRequest{URLs: urls, Body: body}).
		Post(serverURL + "/notify")
	if err != nil {
		return fmt.Errorf("posting to apprise api: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("apprise api returned %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// joinServices builds the single space-separated url list apprise expects.
func joinServices(services []string) string {
	parts := make([]string, 0, len(services))
	for _, s := range services {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
