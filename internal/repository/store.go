package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/borgwarehouse/internal/apperror"
	"github.com/sakif/borgwarehouse/internal/model"
)

// DefaultHistoryRetention is the number of repository snapshots kept when the
// configuration does not say otherwise.
const DefaultHistoryRetention = 8

const (
	collectionRepositories = "repositories"
	collectionUsers        = "users"
	collectionHistory      = "history"
)

// Store implements RecordStore on top of a Backend.
//
// One mutex per collection: a repository write never waits for a user write
// and vice versa. Reads also take the lock so they never observe a backend
// mid-replace on backends without their own isolation.
type Store struct {
	backend   Backend
	retention int
	now       func() time.Time
	logger    *slog.Logger

	repoMu sync.Mutex
	userMu sync.Mutex
}

var _ RecordStore = (*Store)(nil)

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithHistoryRetention sets how many snapshots are kept (minimum 1).
func WithHistoryRetention(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.retention = n
		}
	}
}

// WithClock replaces time.Now for snapshot timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore wraps backend. Closing the Store closes the backend.
func NewStore(backend Backend, logger *slog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		backend:   backend,
		retention: DefaultHistoryRetention,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// === REPOSITORIES ===

// GetRepositories returns the repository collection, empty if never written.
func (s *Store) GetRepositories(ctx context.Context) ([]model.Repository, error) {
	s.repoMu.Lock()
	defer s.repoMu.Unlock()
	return s.loadRepositories(ctx)
}

// SaveRepositories replaces the collection, snapshotting the old one first
// when withHistory is set.
func (s *Store) SaveRepositories(ctx context.Context, repos []model.Repository, withHistory bool) error {
	s.repoMu.Lock()
	defer s.repoMu.Unlock()

	var prev []model.Repository
	if withHistory {
		var err error
		if prev, err = s.loadRepositories(ctx); err != nil {
			return err
		}
	}
	return s.commitRepositories(ctx, prev, repos, withHistory)
}

// UpdateRepositories runs fn on a copy of the collection and commits the
// result under the collection lock. fn returning ErrSkipWrite commits nothing.
func (s *Store) UpdateRepositories(ctx context.Context, withHistory bool, fn func([]model.Repository) ([]model.Repository, error)) error {
	s.repoMu.Lock()
	defer s.repoMu.Unlock()

	current, err := s.loadRepositories(ctx)
	if err != nil {
		return err
	}

	next, err := fn(model.CloneRepositories(current))
	if errors.Is(err, ErrSkipWrite) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.commitRepositories(ctx, current, next, withHistory)
}

func (s *Store) loadRepositories(ctx context.Context) ([]model.Repository, error) {
	repos, err := s.backend.LoadRepositories(ctx)
	if err != nil {
		s.logger.Error("loading repositories failed", slog.String("error", err.Error()))
		return nil, apperror.StorageUnavailable(collectionRepositories, err)
	}
	if repos == nil {
		repos = []model.Repository{}
	}
	return repos, nil
}

// commitRepositories appends the pre-write collection to history (when asked)
// and then replaces the collection. A failed history append aborts the write;
// a failed replace takes the new snapshot back out.
func (s *Store) commitRepositories(ctx context.Context, prev, next []model.Repository, withHistory bool) error {
	if next == nil {
		next = []model.Repository{}
	}

	var snapID string
	if withHistory {
		snap := model.HistorySnapshot{
			ID:           uuid.NewString(),
			Timestamp:    s.now().UTC(),
			Repositories: model.CloneRepositories(prev),
		}
		if snap.Repositories == nil {
			snap.Repositories = []model.Repository{}
		}
		if err := s.backend.AppendHistory(ctx, snap, s.retention); err != nil {
			s.logger.Error("appending history failed", slog.String("error", err.Error()))
			return apperror.StorageUnavailable(collectionHistory, err)
		}
		snapID = snap.ID
	}

	if err := s.backend.StoreRepositories(ctx, next); err != nil {
		s.logger.Error("storing repositories failed", slog.String("error", err.Error()))
		if snapID != "" {
			s.dropSnapshot(ctx, snapID)
		}
		return apperror.StorageUnavailable(collectionRepositories, err)
	}

	s.logger.Debug("repositories committed",
		slog.Int("count", len(next)),
		slog.Bool("history", withHistory),
	)
	return nil
}

// dropSnapshot removes a snapshot whose write never landed. It runs even when
// ctx is done, otherwise history would show a state that never existed.
func (s *Store) dropSnapshot(ctx context.Context, id string) {
	if err := s.backend.DropHistory(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Error("dropping orphan snapshot failed",
			slog.String("snapshot", id),
			slog.String("error", err.Error()),
		)
	}
}

// === USERS ===

// GetUsers returns the user collection.
func (s *Store) GetUsers(ctx context.Context) ([]model.User, error) {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	return s.loadUsers(ctx)
}

// SaveUsers replaces the user collection.
func (s *Store) SaveUsers(ctx context.Context, users []model.User) error {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	return s.commitUsers(ctx, users)
}

// UpdateUsers is UpdateRepositories for users. Users carry no history.
func (s *Store) UpdateUsers(ctx context.Context, fn func([]model.User) ([]model.User, error)) error {
	s.userMu.Lock()
	defer s.userMu.Unlock()

	current, err := s.loadUsers(ctx)
	if err != nil {
		return err
	}
	next, err := fn(model.CloneUsers(current))
	if errors.Is(err, ErrSkipWrite) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.commitUsers(ctx, next)
}

func (s *Store) loadUsers(ctx context.Context) ([]model.User, error) {
	users, err := s.backend.LoadUsers(ctx)
	if err != nil {
		s.logger.Error("loading users failed", slog.String("error", err.Error()))
		return nil, apperror.StorageUnavailable(collectionUsers, err)
	}
	if users == nil {
		users = []model.User{}
	}
	return users, nil
}

func (s *Store) commitUsers(ctx context.Context, users []model.User) error {
	if users == nil {
		users = []model.User{}
	}
	if err := s.backend.StoreUsers(ctx, users); err != nil {
		s.logger.Error("storing users failed", slog.String("error", err.Error()))
		return apperror.StorageUnavailable(collectionUsers, err)
	}
	return nil
}

// === HISTORY ===

// History returns the retained snapshots, newest first.
func (s *Store) History(ctx context.Context) ([]model.HistorySnapshot, error) {
	s.repoMu.Lock()
	defer s.repoMu.Unlock()

	snaps, err := s.backend.LoadHistory(ctx)
	if err != nil {
		return nil, apperror.StorageUnavailable(collectionHistory, err)
	}
	slices.Reverse(snaps)
	if snaps == nil {
		snaps = []model.HistorySnapshot{}
	}
	return snaps, nil
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("closing record store: %w", err)
	}
	return nil
}
