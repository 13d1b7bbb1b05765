// Package repository holds the RecordStore: the durable home of the
// Repositories and Users collections and of the repository history log.
//
// LAYOUT:
//
//	repository.Store      serialization, history retention, error mapping
//	repository.Backend    raw load/store of whole collections
//	repository/jsonfile   repo.json / users.json / history.json (temp file + rename)
//	repository/sqlite     modernc.org/sqlite document rows
//	repository/postgres   lib/pq document rows
//	repository/memory     in-process, for tests and ephemeral runs
//
// Services depend on the RecordStore interface only.
package repository

import (
	"context"
	"errors"

	"github.com/sakif/borgwarehouse/internal/model"
)

// ErrSkipWrite may be returned by an Update callback to commit nothing.
// The Update call then returns nil.
var ErrSkipWrite = errors.New("repository: nothing to write")

// RecordStore is the contract consumed by the service layer.
//
// Writes replace the whole collection and are serialized per collection.
// UpdateRepositories and UpdateUsers hold the collection lock across
// load → fn → persist, so a read-modify-write can never interleave with
// another writer.
type RecordStore interface {
	GetRepositories(ctx context.Context) ([]model.Repository, error)
	SaveRepositories(ctx context.Context, repos []model.Repository, withHistory bool) error
	UpdateRepositories(ctx context.Context, withHistory bool, fn func([]model.Repository) ([]model.Repository, error)) error

	GetUsers(ctx context.Context) ([]model.User, error)
	SaveUsers(ctx context.Context, users []model.User) error
	UpdateUsers(ctx context.Context, fn func([]model.User) ([]model.User, error)) error

	History(ctx context.Context) ([]model.HistorySnapshot, error)
}

// Backend persists whole collections. Implementations must make each
// Store* call atomic from a reader's point of view and must return
// (nil, nil) when a collection has never been written.
type Backend interface {
	LoadRepositories(ctx context.Context) ([]model.Repository, error)
	StoreRepositories(ctx context.Context, repos []model.Repository) error
	LoadUsers(ctx context.Context) ([]model.User, error)
	StoreUsers(ctx context.Context, users []model.User) error

	// AppendHistory adds snap and evicts the oldest entries beyond keep.
	AppendHistory(ctx context.Context, snap model.HistorySnapshot, keep int) error
	// DropHistory removes the snapshot with the given id, if it is still there.
	DropHistory(ctx context.Context, id string) error
	// LoadHistory returns retained snapshots, oldest first.
	LoadHistory(ctx context.Context) ([]model.HistorySnapshot, error)

	Close() error
}
