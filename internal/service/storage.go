package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sakif/borgwarehouse/internal/model"
	"github.com/sakif/borgwarehouse/internal/provisioner"
	"github.com/sakif/borgwarehouse/internal/repository"
)

// StorageMonitor copies the provisioner's disk usage report into the
// repositories. Usage refreshes are frequent and carry no history.
type StorageMonitor struct {
	store  repository.RecordStore
	prov   provisioner.Provisioner
	logger *slog.Logger
}

// NewStorageMonitor creates a StorageMonitor.
func NewStorageMonitor(store repository.RecordStore, prov provisioner.Provisioner, logger *slog.Logger) *StorageMonitor {
	return &StorageMonitor{store: store, prov: prov, logger: logger}
}

// Refresh copies the provisioner storage report into storageUsed. Nothing is
// written when no value changed.
func (m *StorageMonitor) Refresh(ctx context.Context) (*RunResult, error) {
	repos, err := m.store.GetRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("refreshing storage usage: %w", err)
	}
	if len(repos) == 0 {
		return &RunResult{Message: MsgNothingToCheck}, nil
	}

	report, err := m.prov.GetStorageUsed(ctx)
	if err != nil {
		m.logger.Error("reading storage report failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("refreshing storage usage: %w", err)
	}
	if len(report) == 0 {
		return &RunResult{Message: MsgNothingToCheck}, nil
	}
	usage := make(map[string]float64, len(report))
	for _, e := range report {
		usage[e.RepositoryName] = e.StorageUsed
	}

	result := &RunResult{Message: MsgExecutedSuccessful}
	err = m.store.UpdateRepositories(ctx, false, func(current []model.Repository) ([]model.Repository, error) {
		result.Checked = 0
		changed := false
		for i := range current {
			used, ok := usage[current[i].RepositoryName]
			if !ok {
				continue
			}
			result.Checked++
			if current[i].StorageUsed != used {
				current[i].StorageUsed = used
				changed = true
			}
		}
		if !changed {
			return nil, repository.ErrSkipWrite
		}
		return current, nil
	})
	if err != nil {
		return nil, fmt.Errorf("refreshing storage usage: %w", err)
	}

	m.logger.Info("storage usage refreshed", slog.Int("checked", result.Checked))
	return result, nil
}
