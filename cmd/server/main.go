// Command server runs the BorgWarehouse API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/sakif/borgwarehouse/internal/config"
	"github.com/sakif/borgwarehouse/internal/events"
	"github.com/sakif/borgwarehouse/internal/executor"
	"github.com/sakif/borgwarehouse/internal/executor/docker"
	"github.com/sakif/borgwarehouse/internal/executor/local"
	"github.com/sakif/borgwarehouse/internal/logging"
	"github.com/sakif/borgwarehouse/internal/notify"
	"github.com/sakif/borgwarehouse/internal/provisioner"
	"github.com/sakif/borgwarehouse/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("BORGWAREHOUSE_CONFIG"), "path to borgwarehouse.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "borgwarehouse:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	if err != nil {
		return err
	}

	ctx := context.Background()

	// The apprise CLI always runs on this host; the scripts may run in a
	// container next to the borg repositories.
	hostExec := local.New(local.Config{Timeout: cfg.Provisioner.Timeout}, logger)
	var scriptExec executor.Executor = hostExec
	if cfg.Provisioner.Mode == "docker" {
		dockerCfg := docker.DefaultConfig()
		dockerCfg.Container = cfg.Provisioner.Docker.Container
		dockerCfg.User = cfg.Provisioner.Docker.User
		dockerCfg.Timeout = cfg.Provisioner.Timeout
		dexec, err := docker.New(ctx, dockerCfg, logger)
		if err != nil {
			return fmt.Errorf("docker executor: %w", err)
		}
		defer dexec.Close()
		scriptExec = dexec
	}
	prov := provisioner.NewScripts(scriptExec, provisioner.Config{
		ScriptsDir:     cfg.Provisioner.ScriptsDir,
		Timeout:        cfg.Provisioner.Timeout,
		CompactTimeout: cfg.Provisioner.CompactTimeout,
	}, logger)

	smtp := notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Security: cfg.SMTP.Security,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}
	var mailer notify.Mailer
	if smtp.Configured() {
		mailer = notify.NewShoutrrrMailer(smtp)
	} else {
		logger.Warn("smtp is not configured, email alerts will be skipped")
	}
	apprise := notify.NewApprise(hostExec, notify.AppriseConfig{
		Binary:  cfg.Apprise.Binary,
		Timeout: cfg.Apprise.Timeout,
	})

	fleet := config.NewFleetSource(cfg.Fleet)
	if configPath != "" {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		w, err := config.Watch(watchCtx, configPath, fleet, logger)
		if err != nil {
			logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		} else {
			defer w.Close()
		}
	}

	srv, err := server.New(ctx, cfg, server.Deps{
		Provisioner: prov,
		Notifier:    notify.NewDispatcher(mailer, apprise, logger),
		Fleet:       fleet,
		Bus:         events.NewBus(logger),
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Error("closing server", slog.String("error", err.Error()))
		}
	}()

	if err := srv.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping admin account: %w", err)
	}
	return srv.Start(ctx)
}
