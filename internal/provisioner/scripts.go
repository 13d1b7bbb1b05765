package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sakif/borgwarehouse/internal/apperror"
	"github.com/sakif/borgwarehouse/internal/executor"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultCompactTimeout = 30 * time.Minute
)

// Script file names inside Config.ScriptsDir.
const (
	ScriptCreate      = "createRepo.sh"
	ScriptUpdate      = "updateRepo.sh"
	ScriptDelete      = "deleteRepo.sh"
	ScriptCompact     = "compactRepo.sh"
	ScriptLastSave    = "getLastSave.sh"
	ScriptStorageUsed = "getStorageUsed.sh"
)

// Config locates the scripts and bounds their run time.
type Config struct {
	ScriptsDir string
	// Timeout applies to every script except compaction.
	Timeout time.Duration
	// CompactTimeout applies to compactRepo.sh.
	CompactTimeout time.Duration
}

// Scripts implements Provisioner by running one shell script per operation.
//
// Script contract:
//
//	createRepo.sh  <sshPublicKey> <storageSizeGB> <appendOnly>     stdout: repository name
//	updateRepo.sh  <name> <sshPublicKey> <storageSizeGB> <appendOnly>
//	deleteRepo.sh  <name>
//	compactRepo.sh <name>
//	getLastSave.sh                                                 stdout: JSON report
//	getStorageUsed.sh                                              stdout: JSON report
//
// Anything on stderr means failure.
type Scripts struct {
	exec   executor.Executor
	config Config
	logger *slog.Logger
}

var _ Provisioner = (*Scripts)(nil)

// NewScripts fills in the default timeouts when cfg leaves them at zero.
func NewScripts(exec executor.Executor, cfg Config, logger *slog.Logger) *Scripts {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CompactTimeout <= 0 {
		cfg.CompactTimeout = DefaultCompactTimeout
	}
	return &Scripts{exec: exec, config: cfg, logger: logger}
}

// CreateRepo runs createRepo.sh and returns the repository name the script
// prints on stdout.
func (s *Scripts) CreateRepo(ctx context.Context, sshPublicKey string, storageSizeGB int, appendOnly bool) (string, error) {
	stdout, err := s.run(ctx, "createRepo", ScriptCreate, s.config.Timeout,
		sshPublicKey, strconv.Itoa(storageSizeGB), strconv.FormatBool(appendOnly))
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(stdout)
	if name == "" {
		return "", apperror.Provisioner("createRepo", "no repository name on stdout")
	}
	return name, nil
}

// UpdateRepo rewrites the authorized_keys entry and quota of repositoryName.
func (s *Scripts) UpdateRepo(ctx context.Context, repositoryName, sshPublicKey string, storageSizeGB int, appendOnly bool) error {
	_, err := s.run(ctx, "updateRepo", ScriptUpdate, s.config.Timeout,
		repositoryName, sshPublicKey, strconv.Itoa(storageSizeGB), strconv.FormatBool(appendOnly))
	return err
}

// DeleteRepo removes the repository and its key entry from the host.
func (s *Scripts) DeleteRepo(ctx context.Context, repositoryName string) error {
	_, err := s.run(ctx, "deleteRepo", ScriptDelete, s.config.Timeout, repositoryName)
	return err
}

// CompactRepo runs under CompactTimeout instead of Timeout.
func (s *Scripts) CompactRepo(ctx context.Context, repositoryName string) error {
	_, err := s.run(ctx, "compactRepo", ScriptCompact, s.config.CompactTimeout, repositoryName)
	return err
}

// GetLastSaveList decodes the lastsave.json report printed by getLastSave.sh.
func (s *Scripts) GetLastSaveList(ctx context.Context) ([]LastSave, error) {
	stdout, err := s.run(ctx, "getLastSave", ScriptLastSave, s.config.Timeout)
	if err != nil {
		return nil, err
	}
	var out []LastSave
	if err := decodeReport("lastsave.json", stdout, &out); err != nil {
		return nil, apperror.Provisioner("getLastSave", err.Error())
	}
	return out, nil
}

// GetStorageUsed decodes the storageused.json report.
func (s *Scripts) GetStorageUsed(ctx context.Context) ([]StorageUsage, error) {
	stdout, err := s.run(ctx, "getStorageUsed", ScriptStorageUsed, s.config.Timeout)
	if err != nil {
		return nil, err
	}
	var out []StorageUsage
	if err := decodeReport("storageused.json", stdout, &out); err != nil {
		return nil, apperror.Provisioner("getStorageUsed", err.Error())
	}
	return out, nil
}

// run executes one script and applies the stderr contract.
func (s *Scripts) run(ctx context.Context, op, script string, timeout time.Duration, args ...string) (string, error) {
	cmd := executor.Command{
		Name:    filepath.Join(s.config.ScriptsDir, script),
		Args:    args,
		Timeout: timeout,
	}

	res, err := s.exec.Execute(ctx, cmd)
	if err != nil {
		s.logger.Error("provisioner script could not run",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return "", apperror.Provisioner(op, err.Error())
	}

	if res.TimedOut {
		s.logger.Error("provisioner script timed out",
			slog.String("op", op),
			slog.Duration("timeout", timeout),
		)
		return "", apperror.Provisioner(op, fmt.Sprintf("timed out after %s", timeout))
	}

	if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
		s.logger.Error("provisioner script failed",
			slog.String("op", op),
			slog.Int("exitCode", res.ExitCode),
			slog.String("stderr", stderr),
		)
		return "", apperror.Provisioner(op, stderr)
	}

	if res.ExitCode != 0 {
		s.logger.Warn("provisioner script exited non-zero without stderr",
			slog.String("op", op),
			slog.Int("exitCode", res.ExitCode),
		)
	}

	s.logger.Debug("provisioner script finished",
		slog.String("op", op),
		slog.Duration("duration", res.Duration),
	)
	return res.Stdout, nil
}
