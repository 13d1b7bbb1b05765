// Package memory is an in-process RecordStore backend. Collections are kept
// as encoded JSON so callers can never alias stored records.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/sakif/borgwarehouse/internal/model"
	"github.com/sakif/borgwarehouse/internal/repository"
)

type Backend struct {
	mu      sync.Mutex
	repos   []byte
	users   []byte
	history []model.HistorySnapshot
}

var _ repository.Backend = (*Backend)(nil)

// New returns an empty backend.
func New() *Backend {
	return &Backend{}
}

// Seed stores initial collections, bypassing history. Intended for tests.
func Seed(repos []model.Repository, users []model.User) *Backend {
	b := New()
	if repos != nil {
		b.repos, _ = json.Marshal(repos)
	}
	if users != nil {
		b.users, _ = json.Marshal(users)
	}
	return b
}

func (b *Backend) LoadRepositories(_ context.Context) ([]model.Repository, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Repository
	if err := decode(b.repos, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) StoreRepositories(_ context.Context, repos []model.Repository) error {
	data, err := json.Marshal(repos)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.repos = data
	b.mu.Unlock()
	return nil
}

func (b *Backend) LoadUsers(_ context.Context) ([]model.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.User
	if err := decode(b.users, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) StoreUsers(_ context.Context, users []model.User) error {
	data, err := json.Marshal(users)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.users = data
	b.mu.Unlock()
	return nil
}

func (b *Backend) AppendHistory(_ context.Context, snap model.HistorySnapshot, keep int) error {
	snap.Repositories = model.CloneRepositories(snap.Repositories)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, snap)
	if keep > 0 && len(b.history) > keep {
		b.history = append([]model.HistorySnapshot(nil), b.history[len(b.history)-keep:]...)
	}
	return nil
}

func (b *Backend) DropHistory(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = slices.DeleteFunc(b.history, func(s model.HistorySnapshot) bool { return s.ID == id })
	return nil
}

func (b *Backend) LoadHistory(_ context.Context) ([]model.HistorySnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.HistorySnapshot, len(b.history))
	for i, snap := range b.history {
		snap.Repositories = model.CloneRepositories(snap.Repositories)
		out[i] = snap
	}
	return out, nil
}

func (b *Backend) Close() error { return nil }

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
