// Package jsonfile stores each collection as one JSON document on disk.
//
// Files inside Dir:
//
//	repo.json      Repositories collection
//	users.json     Users collection
//	history.json   retained repository snapshots, oldest first
//
// Every write goes to "<file>.tmp", is synced, and is then renamed over the
// target; the directory is synced after the rename. A crash leaves either the
// old or the new document.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/sakif/borgwarehouse/internal/model"
	"github.com/sakif/borgwarehouse/internal/repository"
)

const (
	RepositoriesFile = "repo.json"
	UsersFile        = "users.json"
	HistoryFile      = "history.json"
)

type Backend struct {
	Dir string
}

var _ repository.Backend = (*Backend)(nil)

// New returns a backend rooted at dir. The directory is created on first write.
func New(dir string) (*Backend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("jsonfile: directory is required")
	}
	return &Backend{Dir: dir}, nil
}

func (b *Backend) LoadRepositories(_ context.Context) ([]model.Repository, error) {
	var out []model.Repository
	if err := b.read(RepositoriesFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) StoreRepositories(_ context.Context, repos []model.Repository) error {
	return b.write(RepositoriesFile, repos)
}

func (b *Backend) LoadUsers(_ context.Context) ([]model.User, error) {
	var out []model.User
	if err := b.read(UsersFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) StoreUsers(_ context.Context, users []model.User) error {
	return b.write(UsersFile, users)
}

// AppendHistory rewrites history.json with snap added and the oldest
// snapshots beyond keep dropped.
func (b *Backend) AppendHistory(ctx context.Context, snap model.HistorySnapshot, keep int) error {
	history, err := b.LoadHistory(ctx)
	if err != nil {
		return err
	}
	history = append(history, snap)
	if keep > 0 && len(history) > keep {
		history = history[len(history)-keep:]
	}
	return b.write(HistoryFile, history)
}

// DropHistory rewrites history.json without id. A missing id writes nothing.
func (b *Backend) DropHistory(ctx context.Context, id string) error {
	history, err := b.LoadHistory(ctx)
	if err != nil {
		return err
	}
	kept := slices.DeleteFunc(history, func(s model.HistorySnapshot) bool { return s.ID == id })
	if len(kept) == len(history) {
		return nil
	}
	return b.write(HistoryFile, kept)
}

func (b *Backend) LoadHistory(_ context.Context) ([]model.HistorySnapshot, error) {
	var out []model.HistorySnapshot
	if err := b.read(HistoryFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) Close() error { return nil }

// read decodes name into v. A missing file leaves v untouched.
func (b *Backend) read(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(b.Dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("jsonfile: reading %s: %w", name, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return fmt.Errorf("jsonfile: %s is empty", name)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("jsonfile: decoding %s: %w", name, err)
	}
	return nil
}

func (b *Backend) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonfile: encoding %s: %w", name, err)
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return fmt.Errorf("jsonfile: creating %s: %w", b.Dir, err)
	}

	path := filepath.Join(b.Dir, name)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("jsonfile: opening %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("jsonfile: writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("jsonfile: syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("jsonfile: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("jsonfile: renaming %s: %w", tmp, err)
	}
	return syncDir(b.Dir)
}

// syncDir flushes dir so a completed rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("jsonfile: opening %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, errors.ErrUnsupported) && !errors.Is(err, syscall.EINVAL) {
		return fmt.Errorf("jsonfile: syncing %s: %w", dir, err)
	}
	return nil
}
