package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/borgwarehouse/internal/apperror"
	"github.com/sakif/borgwarehouse/internal/config"
	"github.com/sakif/borgwarehouse/internal/events"
	"github.com/sakif/borgwarehouse/internal/model"
	"github.com/sakif/borgwarehouse/internal/provisioner"
	"github.com/sakif/borgwarehouse/internal/repository"
)

type repoFixture struct {
	svc    *RepositoryService
	store  *repository.Store
	prov   *fakeProvisioner
	fleet  *staticFleet
	events *recordingPublisher
}

func newRepoFixture(t *testing.T, repos []model.Repository) *repoFixture {
	t.Helper()
	f := &repoFixture{
		store:  newStore(t, repos, []model.User{alice(), bob()}),
		prov:   &fakeProvisioner{},
		fleet:  &staticFleet{},
		events: &recordingPublisher{},
	}
	f.svc = NewRepositoryService(f.store, f.prov, f.fleet, f.events, testLogger())
	f.svc.now = fixedClock(1_700_000_000)
	return f
}

func (f *repoFixture) repos(t *testing.T) []model.Repository {
	t.Helper()
	repos, err := f.store.GetRepositories(context.Background())
	require.NoError(t, err)
	return repos
}

func existing(id int, name string, owner int, key string) model.Repository {
	return model.Repository{
		ID:             id,
		RepositoryName: name,
		Alias:          "alias-" + name,
		SSHPublicKey:   key,
		StorageSize:    10,
		Alert:          90000,
		OwnerID:        owner,
	}
}

// =========================================================================
// CREATE
// =========================================================================

func TestCreate_AllocatesMaxPlusOne(t *testing.T) {
	f := newRepoFixture(t, []model.Repository{
		existing(0, "aaaa0000", 0, newKey(t, "")),
		existing(1, "aaaa0001", 0, newKey(t, "")),
		existing(3, "aaaa0003", 0, newKey(t, "")),
	})

	res, err := f.svc.Create(context.Background(), model.SessionPrincipal(0), CreateRepositoryInput{
		Alias:        "laptop",
		SSHPublicKey: newKey(t, "me@laptop"),
		StorageSize:  50,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.ID)
	assert.Equal(t, "repo0001", res.RepositoryName)
}

func TestCreate_InitialRecord(t *testing.T) {
	f := newRepoFixture(t, nil)
	key := newKey(t, "me@laptop")

	res, err := f.svc.Create(context.Background(), model.SessionPrincipal(1), CreateRepositoryInput{
		Alias:          "  laptop  ",
		SSHPublicKey:   key,
		StorageSize:    50,
		Comment:        "daily",
		Alert:          ptr(int64(3600)),
		AppendOnlyMode: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ID)

	repos := f.repos(t)
	require.Len(t, repos, 1)
	r := repos[0]
	assert.Equal(t, "laptop", r.Alias)
	assert.Equal(t, key, r.SSHPublicKey)
	assert.Equal(t, 50, r.StorageSize)
	assert.Equal(t, int64(3600), r.Alert)
	assert.False(t, r.Status)
	assert.Zero(t, r.LastSave)
	assert.Zero(t, r.StorageUsed)
	require.NotNil(t, r.LastStatusAlertSend)
	assert.Equal(t, int64(1_700_000_000), *r.LastStatusAlertSend)
	assert.Equal(t, 1, r.OwnerID)
	assert.True(t, r.AppendOnlyMode)

	assert.Equal(t, []events.EventType{events.RepositoryCreated}, f.events.types())

	history, err := f.store.History(context.Background())
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCreate_AlertDefaultsToZero(t *testing.T) {
	f := newRepoFixture(t, nil)
	_, err := f.svc.Create(context.Background(), model.SessionPrincipal(0), CreateRepositoryInput{
		Alias:        "nas",
		SSHPublicKey: newKey(t, ""),
		StorageSize:  1,
	})
	require.NoError(t, err)
	assert.Zero(t, f.repos(t)[0].Alert)
}

func TestCreate_SameKeyDifferentCommentConflicts(t *testing.T) {
	f := newRepoFixture(t, nil)
	key := newKey(t, "alice@laptop")
	p := model.SessionPrincipal(0)

	first, err := f.svc.Create(context.Background(), p, CreateRepositoryInput{
		Alias: "first", SSHPublicKey: key, StorageSize: 10,
	})
	require.NoError(t, err)

	_, err = f.svc.Create(context.Background(), p, CreateRepositoryInput{
		Alias: "second", SSHPublicKey: withComment(key, "alice@desktop"), StorageSize: 10,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrConflict)
	assert.Contains(t, err.Error(), first.RepositoryName)

	assert.Len(t, f.repos(t), 1)
	assert.Len(t, f.prov.created, 1, "provisioner must not run for a conflicting key")
}

func TestCreate_KeyConflictAcrossOwners(t *testing.T) {
	key := newKey(t, "")
	f := newRepoFixture(t, []model.Repository{existing(0, "bobsrepo", 1, key)})

	_, err := f.svc.Create(context.Background(), model.SessionPrincipal(0), CreateRepositoryInput{
		Alias: "mine", SSHPublicKey: withComment(key, "copy"), StorageSize: 10,
	})
	assert.ErrorIs(t, err, apperror.ErrConflict)
}

func TestCreate_ProvisionerFailurePersistsNothing(t *testing.T) {
	f := newRepoFixture(t, nil)
	f.prov.failCreate = "quota: disk full"

	_, err := f.svc.Create(context.Background(), model.SessionPrincipal(0), CreateRepositoryInput{
		Alias: "nas", SSHPublicKey: newKey(t, ""), StorageSize: 10,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrProvisioner)
	assert.Contains(t, err.Error(), "disk full")

	assert.Empty(t, f.repos(t))
	history, err := f.store.History(context.Background())
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, f.events.types())
}

func TestCreate_Validation(t *testing.T) {
	key := newKey(t, "")
	tests := []struct {
		name  string
		in    CreateRepositoryInput
		field string
	}{
		{"missing alias", CreateRepositoryInput{SSHPublicKey: key, StorageSize: 1}, "alias"},
		{"blank alias", CreateRepositoryInput{Alias: "   ", SSHPublicKey: key, StorageSize: 1}, "alias"},
		{"bad key", CreateRepositoryInput{Alias: "a", SSHPublicKey: "ssh-rsa nope", StorageSize: 1}, "sshPublicKey"},
		{"zero size", CreateRepositoryInput{Alias: "a", SSHPublicKey: key, StorageSize: 0}, "storageSize"},
		{"negative alert", CreateRepositoryInput{Alias: "a", SSHPublicKey: key, StorageSize: 1, Alert: ptr(int64(-1))}, "alert"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRepoFixture(t, nil)
			_, err := f.svc.Create(context.Background(), model.SessionPrincipal(0), tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperror.ErrValidation)

			var appErr *apperror.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.field, appErr.Field)
			assert.Empty(t, f.prov.created)
		})
	}
}

func TestCreate_TokenNeedsCreatePermission(t *testing.T) {
	f := newRepoFixture(t, nil)
	p := model.TokenPrincipal(0, model.IntegrationToken{Name: "ci", Permissions: model.Permissions{Read: true}})

	_, err := f.svc.Create(context.Background(), p, CreateRepositoryInput{
		Alias: "nas", SSHPublicKey: newKey(t, ""), StorageSize: 10,
	})
	assert.ErrorIs(t, err, apperror.ErrForbidden)
	assert.Empty(t, f.prov.created)
}

// =========================================================================
// EDIT
// =========================================================================

func TestEdit_PartialUpdate(t *testing.T) {
	key := newKey(t, "")
	orig := existing(0, "aaaa0000", 0, key)
	orig.Comment = "keep me"
	orig.LanCommand = true
	f := newRepoFixture(t, []model.Repository{orig})

	updated, err := f.svc.Edit(context.Background(), model.SessionPrincipal(0), "aaaa0000", EditRepositoryInput{
		Alias: ptr("renamed"),
	})
	require.NoError(t, err)

	want := orig
	want.Alias = "renamed"
	assert.Equal(t, want, *updated)
	assert.Equal(t, []model.Repository{want}, f.repos(t))

	require.Len(t, f.prov.updates, 1)
	assert.Equal(t, updateCall{Name: "aaaa0000", Key: key, Size: 10, AppendOnly: false}, f.prov.updates[0])
}

func TestEdit_PassesMergedValuesToProvisioner(t *testing.T) {
	f := newRepoFixture(t, []model.Repository{existing(0, "aaaa0000", 0, newKey(t, ""))})
	newKeyLine := newKey(t, "rotated")

	_, err := f.svc.Edit(context.Background(), model.SessionPrincipal(0), "aaaa0000", EditRepositoryInput{
		SSHPublicKey:   &newKeyLine,
		StorageSize:    ptr(200),
		AppendOnlyMode: ptr(true),
	})
	require.NoError(t, err)
	require.Len(t, f.prov.updates, 1)
	assert.Equal(t, updateCall{Name: "aaaa0000", Key: newKeyLine, Size: 200, AppendOnly: true}, f.prov.updates[0])
}

func TestEdit_OwnKeyWithNewCommentIsNotAConflict(t *testing.T) {
	key := newKey(t, "old")
	f := newRepoFixture(t, []model.Repository{existing(0, "aaaa0000", 0, key)})

	_, err := f.svc.Edit(context.Background(), model.SessionPrincipal(0), "aaaa0000", EditRepositoryInput{
		SSHPublicKey: ptr(withComment(key, "new")),
	})
	assert.NoError(t, err)
}

func TestEdit_KeyOfAnotherRepositoryConflicts(t *testing.T) {
	other := newKey(t, "")
	f := newRepoFixture(t, []model.Repository{
		existing(0, "aaaa0000", 0, newKey(t, "")),
		existing(1, "aaaa0001", 0, other),
	})

	_, err := f.svc.Edit(context.Background(), model.SessionPrincipal(0), "aaaa0000", EditRepositoryInput{
		SSHPublicKey: ptr(withComment(other, "x")),
	})
	assert.ErrorIs(t, err, apperror.ErrConflict)
	assert.Empty(t, f.prov.updates)
}

func TestEdit_ProvisionerFailureKeepsRecord(t *testing.T) {
	orig := existing(0, "aaaa0000", 0, newKey(t, ""))
	f := newRepoFixture(t, []model.Repository{orig})
	f.prov.failUpdate = "cannot resize"

	_, err := f.svc.Edit(context.Background(), model.SessionPrincipal(0), "aaaa0000", EditRepositoryInput{
		StorageSize: ptr(1),
	})
	assert.ErrorIs(t, err, apperror.ErrProvisioner)
	assert.Equal(t, []model.Repository{orig}, f.repos(t))
}

func TestEdit_NotOwnedIsNotFound(t *testing.T) {
	f := newRepoFixture(t, []model.Repository{existing(0, "aaaa0000", 1, newKey(t, ""))})

	_, err := f.svc.Edit(context.Background(), model.SessionPrincipal(0), "aaaa0000", EditRepositoryInput{
		Alias: ptr("mine now"),
	})
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = f.svc.Edit(context.Background(), model.SessionPrincipal(0), "missing", EditRepositoryInput{})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

// =========================================================================
// DELETE
// =========================================================================

func TestDelete(t *testing.T) {
	f := newRepoFixture(t, []model.Repository{
		existing(0, "aaaa0000", 0, newKey(t, "")),
		existing(1, "aaaa0001", 0, newKey(t, "")),
	})

	require.NoError(t, f.svc.Delete(context.Background(), model.SessionPrincipal(0), "aaaa0000"))

	repos := f.repos(t)
	require.Len(t, repos, 1)
	assert.Equal(t, "aaaa0001", repos[0].RepositoryName)
	assert.Equal(t, []string{"aaaa0000"}, f.prov.deleted)
	assert.Equal(t, []events.EventType{events.RepositoryDeleted}, f.events.types())
}

func TestDelete_DisabledFleetWide(t *testing.T) {
	f := newRepoFixture(t, []model.Repository{existing(0, "aaaa0000", 0, newKey(t, ""))})
	*f.fleet = staticFleet(config.Fleet{DisableDeleteRepo: true})

	err := f.svc.Delete(context.Background(), model.SessionPrincipal(0), "aaaa0000")
	assert.ErrorIs(t, err, apperror.ErrForbidden)
	assert.Len(t, f.repos(t), 1)
	assert.Empty(t, f.prov.deleted)
}

func TestDelete_ProvisionerFailureKeepsRecord(t *testing.T) {
	f := newRepoFixture(t, []model.Repository{existing(0, "aaaa0000", 0, newKey(t, ""))})
	f.prov.failDelete = "rm: permission denied"

	err := f.svc.Delete(context.Background(), model.SessionPrincipal(0), "aaaa0000")
	assert.ErrorIs(t, err, apperror.ErrProvisioner)
	assert.Len(t, f.repos(t), 1)
}

func TestDelete_TokenNeedsDeletePermission(t *testing.T) {
	f := newRepoFixture(t, []model.Repository{existing(0, "aaaa0000", 0, newKey(t, ""))})
	p := model.TokenPrincipal(0, model.IntegrationToken{Name: "ci", Permissions: model.Permissions{Read: true, Update: true}})

	err := f.svc.Delete(context.Background(), p, "aaaa0000")
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}

// =========================================================================
// COMPACT
// =========================================================================

func TestCompact_AwaitRefreshesStorage(t *testing.T) {
	f := newRepoFixture(t, []model.Repository{existing(0, "aaaa0000", 0, newKey(t, ""))})
	f.prov.storage = []provisioner.StorageUsage{{RepositoryName: "aaaa0000", StorageUsed: 1234}}

	res, err := f.svc.Compact(context.Background(), model.SessionPrincipal(0), "aaaa0000", true)
	require.NoError(t, err)
	assert.False(t, res.Started)
	require.NotNil(t, res.Repository)
	assert.Equal(t, 1234.0, res.Repository.StorageUsed)
	assert.Equal(t, 1234.0, f.repos(t)[0].StorageUsed)
	assert.Equal(t, []string{"aaaa0000"}, f.prov.compacted)
	assert.Equal(t, []events.EventType{events.RepositoryCompacted}, f.events.types())
}

func TestCompact_Background(t *testing.T) {
	f := newRepoFixture(t, []model.Repository{existing(0, "aaaa0000", 0, newKey(t, ""))})
	f.prov.storage = []provisioner.StorageUsage{{RepositoryName: "aaaa0000", StorageUsed: 42}}

	res, err := f.svc.Compact(context.Background(), model.SessionPrincipal(0), "aaaa0000", false)
	require.NoError(t, err)
	assert.True(t, res.Started)

	f.svc.Wait()
	assert.Equal(t, 42.0, f.repos(t)[0].StorageUsed)
}

func TestCompact_AppendOnly(t *testing.T) {
	repo := existing(0, "aaaa0000", 0, newKey(t, ""))
	repo.AppendOnlyMode = true
	f := newRepoFixture(t, []model.Repository{repo})

	_, err := f.svc.Compact(context.Background(), model.SessionPrincipal(0), "aaaa0000", true)
	assert.ErrorIs(t, err, apperror.ErrForbidden)
	assert.Empty(t, f.prov.compacted)

	*f.fleet = staticFleet(config.Fleet{AllowCompactAppendOnly: true})
	_, err = f.svc.Compact(context.Background(), model.SessionPrincipal(0), "aaaa0000", true)
	assert.NoError(t, err)
	assert.Equal(t, []string{"aaaa0000"}, f.prov.compacted)
}

func TestCompact_ProvisionerFailure(t *testing.T) {
	f := newRepoFixture(t, []model.Repository{existing(0, "aaaa0000", 0, newKey(t, ""))})
	f.prov.failCompact = "repository locked"

	_, err := f.svc.Compact(context.Background(), model.SessionPrincipal(0), "aaaa0000", true)
	assert.ErrorIs(t, err, apperror.ErrProvisioner)
}

// =========================================================================
// READ
// =========================================================================

func TestListAndGet_ScopedToOwner(t *testing.T) {
	f := newRepoFixture(t, []model.Repository{
		existing(0, "aaaa0000", 0, newKey(t, "")),
		existing(1, "bbbb0001", 1, newKey(t, "")),
	})

	list, err := f.svc.List(context.Background(), model.SessionPrincipal(1))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "bbbb0001", list[0].RepositoryName)

	_, err = f.svc.Get(context.Background(), model.SessionPrincipal(1), "aaaa0000")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	r, err := f.svc.Get(context.Background(), model.SessionPrincipal(0), "aaaa0000")
	require.NoError(t, err)
	assert.Equal(t, 0, r.ID)
}

func TestList_TokenNeedsRead(t *testing.T) {
	f := newRepoFixture(t, nil)
	p := model.TokenPrincipal(0, model.IntegrationToken{Name: "w", Permissions: model.Permissions{Create: true}})
	_, err := f.svc.List(context.Background(), p)
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}

func TestHistory_FiltersToOwner(t *testing.T) {
	f := newRepoFixture(t, []model.Repository{
		existing(0, "aaaa0000", 0, newKey(t, "")),
		existing(1, "bbbb0001", 1, newKey(t, "")),
	})
	_, err := f.svc.Edit(context.Background(), model.SessionPrincipal(0), "aaaa0000", EditRepositoryInput{Alias: ptr("x")})
	require.NoError(t, err)

	snaps, err := f.svc.History(context.Background(), model.SessionPrincipal(1))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Len(t, snaps[0].Repositories, 1)
	assert.Equal(t, "bbbb0001", snaps[0].Repositories[0].RepositoryName)
}
