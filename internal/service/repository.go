// Package service holds the business rules of the repository host: the
// repository lifecycle, health reconciliation, storage monitoring,
// integration tokens and accounts.
//
// Services depend on interfaces (repository.RecordStore,
// provisioner.Provisioner) and never on HTTP. Errors are apperror values so
// the handler layer can map them to status codes.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sakif/borgwarehouse/internal/apperror"
	"github.com/sakif/borgwarehouse/internal/config"
	"github.com/sakif/borgwarehouse/internal/events"
	"github.com/sakif/borgwarehouse/internal/model"
	"github.com/sakif/borgwarehouse/internal/provisioner"
	"github.com/sakif/borgwarehouse/internal/repository"
	"github.com/sakif/borgwarehouse/internal/sshkey"
)

const (
	MaxAliasLength   = 100
	MaxCommentLength = 500
)

// FleetFlags yields the current fleet-wide switches.
type FleetFlags interface {
	Load() config.Fleet
}

// Publisher receives events after they are committed.
type Publisher interface {
	Publish(events.Event)
}

// CreateRepositoryInput is the body of a create request.
type CreateRepositoryInput struct {
	Alias          string `json:"alias" validate:"required,max=100"`
	SSHPublicKey   string `json:"sshPublicKey" validate:"required,sshkey"`
	StorageSize    int    `json:"storageSize" validate:"required,gt=0"`
	Comment        string `json:"comment" validate:"max=500"`
	Alert          *int64 `json:"alert" validate:"omitnil,gte=0"`
	LanCommand     bool   `json:"lanCommand"`
	AppendOnlyMode bool   `json:"appendOnlyMode"`
}

// EditRepositoryInput carries only the fields to change. Nil means
// "leave as is".
type EditRepositoryInput struct {
	Alias          *string `json:"alias" validate:"omitnil,min=1,max=100"`
	SSHPublicKey   *string `json:"sshPublicKey" validate:"omitnil,sshkey"`
	StorageSize    *int    `json:"storageSize" validate:"omitnil,gt=0"`
	Comment        *string `json:"comment" validate:"omitnil,max=500"`
	Alert          *int64  `json:"alert" validate:"omitnil,gte=0"`
	LanCommand     *bool   `json:"lanCommand"`
	AppendOnlyMode *bool   `json:"appendOnlyMode"`
}

// CreateResult identifies a newly created repository.
type CreateResult struct {
	ID             int    `json:"id"`
	RepositoryName string `json:"repositoryName"`
}

// CompactResult reports how a compaction request ended.
type CompactResult struct {
	// Started is true when the compaction runs in the background.
	Started    bool              `json:"started"`
	Message    string            `json:"message"`
	Repository *model.Repository `json:"repository,omitempty"`
}

// RepositoryService creates, edits, deletes and compacts repositories.
//
// Create, edit and delete call the provisioner while holding the
// repositories write lock, so the provisioned state and the stored record
// change together or not at all. Compaction runs outside the lock because it
// can take minutes; only the storageUsed refresh takes it.
type RepositoryService struct {
	store  repository.RecordStore
	prov   provisioner.Provisioner
	fleet  FleetFlags
	events Publisher
	logger *slog.Logger
	now    func() time.Time

	background sync.WaitGroup
}

// NewRepositoryService wires the repository lifecycle.
//
// FLOW (create, edit, delete):
//  1. permission and input checks, nothing touched yet
//  2. the provisioner script changes the host
//  3. the record store commits the new collection with a history snapshot
//  4. an event goes out on the bus
//
// After step 1 the request context no longer cancels anything: a
// host change without a matching record is worse than a slow response.
func NewRepositoryService(
	store repository.RecordStore,
	prov provisioner.Provisioner,
	fleet FleetFlags,
	events Publisher,
	logger *slog.Logger,
) *RepositoryService {
	return &RepositoryService{
		store:  store,
		prov:   prov,
		fleet:  fleet,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

func requirePermission(p model.Principal, perm model.Permission) error {
	if !p.Can(perm) {
		return apperror.Forbidden(fmt.Sprintf("token %q lacks the %s permission", p.TokenName, perm))
	}
	return nil
}

func ownedBy(r *model.Repository, p model.Principal) bool {
	return r.OwnerID == p.UserID
}

// findOwned returns the index of name in repos if p owns it.
func findOwned(repos []model.Repository, name string, p model.Principal) (int, error) {
	i := model.FindRepository(repos, name)
	if i < 0 || !ownedBy(&repos[i], p) {
		return -1, apperror.NotFound("repository", name)
	}
	return i, nil
}

// keyConflict returns the repository whose key material equals key, skipping
// the one named except.
func keyConflict(repos []model.Repository, key, except string) *model.Repository {
	for i := range repos {
		if repos[i].RepositoryName == except {
			continue
		}
		if sshkey.SameMaterial(repos[i].SSHPublicKey, key) {
			return &repos[i]
		}
	}
	return nil
}

// keyInUse logs the rejected key by fingerprint and returns the Conflict.
func (s *RepositoryService) keyInUse(key string, other *model.Repository) error {
	attrs := []any{slog.String("repositoryName", other.RepositoryName)}
	if k, err := sshkey.Parse(key); err == nil {
		attrs = append(attrs, slog.String("fingerprint", k.Fingerprint))
	}
	s.logger.Warn("ssh key already in use", attrs...)
	return apperror.Conflict("sshPublicKey", other.RepositoryName)
}

// List returns the repositories owned by the principal.
func (s *RepositoryService) List(ctx context.Context, p model.Principal) ([]model.Repository, error) {
	if err := requirePermission(p, model.PermRead); err != nil {
		return nil, err
	}
	repos, err := s.store.GetRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	out := make([]model.Repository, 0, len(repos))
	for i := range repos {
		if ownedBy(&repos[i], p) {
			out = append(out, repos[i])
		}
	}
	return out, nil
}

// Get returns one repository. A repository owned by someone else is
// NotFound for non-admins, same as a name that does not exist.
func (s *RepositoryService) Get(ctx context.Context, p model.Principal, name string) (*model.Repository, error) {
	if err := requirePermission(p, model.PermRead); err != nil {
		return nil, err
	}
	repos, err := s.store.GetRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting repository: %w", err)
	}
	i, err := findOwned(repos, name, p)
	if err != nil {
		return nil, err
	}
	return &repos[i], nil
}

// Create provisions a new repository and records it.
func (s *RepositoryService) Create(ctx context.Context, p model.Principal, in CreateRepositoryInput) (*CreateResult, error) {
	if err := requirePermission(p, model.PermCreate); err != nil {
		return nil, err
	}
	in.Alias = strings.TrimSpace(in.Alias)
	in.SSHPublicKey = strings.TrimSpace(in.SSHPublicKey)
	in.Comment = strings.TrimSpace(in.Comment)
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	// From here on the provisioner and the store must both see the change,
	// so a client that goes away no longer cancels anything.
	ctx = context.WithoutCancel(ctx)

	var created model.Repository
	err := s.store.UpdateRepositories(ctx, true, func(repos []model.Repository) ([]model.Repository, error) {
		if other := keyConflict(repos, in.SSHPublicKey, ""); other != nil {
			return nil, s.keyInUse(in.SSHPublicKey, other)
		}
		id := model.NextRepositoryID(repos)

		name, err := s.prov.CreateRepo(ctx, in.SSHPublicKey, in.StorageSize, in.AppendOnlyMode)
		if err != nil {
			return nil, err
		}

		now := s.now().Unix()
		created = model.Repository{
			ID:                  id,
			RepositoryName:      name,
			Alias:               in.Alias,
			SSHPublicKey:        in.SSHPublicKey,
			StorageSize:         in.StorageSize,
			StorageUsed:         0,
			Status:              false,
			LastSave:            0,
			LastStatusAlertSend: &now,
			Comment:             in.Comment,
			LanCommand:          in.LanCommand,
			AppendOnlyMode:      in.AppendOnlyMode,
			OwnerID:             p.UserID,
		}
		if in.Alert != nil {
			created.Alert = *in.Alert
		}
		return append(repos, created), nil
	})
	if err != nil {
		s.logger.Error("repository creation failed",
			slog.String("alias", in.Alias),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("creating repository: %w", err)
	}

	s.logger.Info("repository created",
		slog.Int("id", created.ID),
		slog.String("repositoryName", created.RepositoryName),
		slog.Int("ownerId", created.OwnerID),
	)
	s.events.Publish(events.ForRepository(events.RepositoryCreated, created.ID, created.OwnerID, created.RepositoryName))

	return &CreateResult{ID: created.ID, RepositoryName: created.RepositoryName}, nil
}

// Edit merges the supplied fields into the repository, tells the
// provisioner about the resulting key, size and append-only flag, and
// commits only if that succeeded.
func (s *RepositoryService) Edit(ctx context.Context, p model.Principal, name string, in EditRepositoryInput) (*model.Repository, error) {
	if err := requirePermission(p, model.PermUpdate); err != nil {
		return nil, err
	}
	trimPtr(in.Alias)
	trimPtr(in.SSHPublicKey)
	trimPtr(in.Comment)
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	var updated model.Repository
	err := s.store.UpdateRepositories(ctx, true, func(repos []model.Repository) ([]model.Repository, error) {
		i, err := findOwned(repos, name, p)
		if err != nil {
			return nil, err
		}
		if in.SSHPublicKey != nil {
			if other := keyConflict(repos, *in.SSHPublicKey, name); other != nil {
				return nil, s.keyInUse(*in.SSHPublicKey, other)
			}
		}

		r := repos[i]
		applyEdit(&r, in)

		if err := s.prov.UpdateRepo(ctx, r.RepositoryName, r.SSHPublicKey, r.StorageSize, r.AppendOnlyMode); err != nil {
			return nil, err
		}
		repos[i] = r
		updated = r
		return repos, nil
	})
	if err != nil {
		s.logger.Error("repository edit failed",
			slog.String("repositoryName", name),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("editing repository %s: %w", name, err)
	}

	s.logger.Info("repository updated", slog.String("repositoryName", name))
	s.events.Publish(events.ForRepository(events.RepositoryUpdated, updated.ID, updated.OwnerID, updated.RepositoryName))
	return &updated, nil
}

func applyEdit(r *model.Repository, in EditRepositoryInput) {
	if in.Alias != nil {
		r.Alias = *in.Alias
	}
	if in.SSHPublicKey != nil {
		r.SSHPublicKey = *in.SSHPublicKey
	}
	if in.StorageSize != nil {
		r.StorageSize = *in.StorageSize
	}
	if in.Comment != nil {
		r.Comment = *in.Comment
	}
	if in.Alert != nil {
		r.Alert = *in.Alert
	}
	if in.LanCommand != nil {
		r.LanCommand = *in.LanCommand
	}
	if in.AppendOnlyMode != nil {
		r.AppendOnlyMode = *in.AppendOnlyMode
	}
}

// Delete removes the repository from the provisioner and then from the store.
func (s *RepositoryService) Delete(ctx context.Context, p model.Principal, name string) error {
	if err := requirePermission(p, model.PermDelete); err != nil {
		return err
	}
	if s.fleet.Load().DisableDeleteRepo {
		return apperror.Forbidden("deleting repositories is disabled on this server")
	}
	ctx = context.WithoutCancel(ctx)

	var deleted model.Repository
	err := s.store.UpdateRepositories(ctx, true, func(repos []model.Repository) ([]model.Repository, error) {
		i, err := findOwned(repos, name, p)
		if err != nil {
			return nil, err
		}
		if err := s.prov.DeleteRepo(ctx, name); err != nil {
			return nil, err
		}
		deleted = repos[i]
		return append(repos[:i], repos[i+1:]...), nil
	})
	if err != nil {
		s.logger.Error("repository deletion failed",
			slog.String("repositoryName", name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("deleting repository %s: %w", name, err)
	}

	s.logger.Info("repository deleted",
		slog.Int("id", deleted.ID),
		slog.String("repositoryName", name),
	)
	s.events.Publish(events.ForRepository(events.RepositoryDeleted, deleted.ID, deleted.OwnerID, name))
	return nil
}

// Compact compacts the repository. With await the call returns after the
// refreshed storage usage is committed; without it the work continues in the
// background and Compact returns at once.
func (s *RepositoryService) Compact(ctx context.Context, p model.Principal, name string, await bool) (*CompactResult, error) {
	if err := requirePermission(p, model.PermUpdate); err != nil {
		return nil, err
	}
	repos, err := s.store.GetRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("compacting repository %s: %w", name, err)
	}
	i, err := findOwned(repos, name, p)
	if err != nil {
		return nil, err
	}
	if repos[i].AppendOnlyMode && !s.fleet.Load().AllowCompactAppendOnly {
		return nil, apperror.Forbidden("compacting append-only repositories is disabled on this server")
	}

	if !await {
		bg := context.WithoutCancel(ctx)
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			if _, err := s.compactAndRefresh(bg, name); err != nil {
				s.logger.Error("background compaction failed",
					slog.String("repositoryName", name),
					slog.String("error", err.Error()),
				)
			}
		}()
		return &CompactResult{Started: true, Message: "compaction started"}, nil
	}

	r, err := s.compactAndRefresh(context.WithoutCancel(ctx), name)
	if err != nil {
		return nil, fmt.Errorf("compacting repository %s: %w", name, err)
	}
	return &CompactResult{Message: "compaction completed", Repository: r}, nil
}

func (s *RepositoryService) compactAndRefresh(ctx context.Context, name string) (*model.Repository, error) {
	start := s.now()
	if err := s.prov.CompactRepo(ctx, name); err != nil {
		return nil, err
	}
	usage, err := s.prov.GetStorageUsed(ctx)
	if err != nil {
		return nil, err
	}

	var refreshed *model.Repository
	err = s.store.UpdateRepositories(ctx, true, func(repos []model.Repository) ([]model.Repository, error) {
		i := model.FindRepository(repos, name)
		if i < 0 {
			// Deleted while compacting.
			return nil, apperror.NotFound("repository", name)
		}
		for _, u := range usage {
			if u.RepositoryName == name {
				repos[i].StorageUsed = u.StorageUsed
				break
			}
		}
		r := repos[i]
		refreshed = &r
		return repos, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("repository compacted",
		slog.String("repositoryName", name),
		slog.Duration("duration", s.now().Sub(start)),
		slog.Float64("storageUsed", refreshed.StorageUsed),
	)
	ev := events.ForRepository(events.RepositoryCompacted, refreshed.ID, refreshed.OwnerID, name)
	ev.Data = map[string]any{"storageUsed": refreshed.StorageUsed}
	s.events.Publish(ev)
	return refreshed, nil
}

// Wait blocks until background compactions have finished.
func (s *RepositoryService) Wait() {
	s.background.Wait()
}

// History returns the retained repository snapshots, newest first, limited
// to the repositories the principal owns.
func (s *RepositoryService) History(ctx context.Context, p model.Principal) ([]model.HistorySnapshot, error) {
	if err := requirePermission(p, model.PermRead); err != nil {
		return nil, err
	}
	snaps, err := s.store.History(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	for i := range snaps {
		owned := make([]model.Repository, 0, len(snaps[i].Repositories))
		for _, r := range snaps[i].Repositories {
			if ownedBy(&r, p) {
				owned = append(owned, r)
			}
		}
		snaps[i].Repositories = owned
	}
	return snaps, nil
}
