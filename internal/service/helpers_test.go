package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/sakif/borgwarehouse/internal/apperror"
	"github.com/sakif/borgwarehouse/internal/config"
	"github.com/sakif/borgwarehouse/internal/events"
	"github.com/sakif/borgwarehouse/internal/model"
	"github.com/sakif/borgwarehouse/internal/notify"
	"github.com/sakif/borgwarehouse/internal/provisioner"
	"github.com/sakif/borgwarehouse/internal/repository"
	"github.com/sakif/borgwarehouse/internal/repository/memory"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStore(t *testing.T, repos []model.Repository, users []model.User) *repository.Store {
	t.Helper()
	s := repository.NewStore(memory.Seed(repos, users), testLogger())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newKey returns a fresh ed25519 authorized_keys line with the given comment.
func newKey(t *testing.T, comment string) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		line += " " + comment
	}
	return line
}

// withComment swaps the comment of an authorized_keys line.
func withComment(line, comment string) string {
	f := strings.Fields(line)
	return f[0] + " " + f[1] + " " + comment
}

func fixedClock(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}

type fakeClock struct {
	unix int64
}

func (c *fakeClock) Now() time.Time { return time.Unix(c.unix, 0) }

func ptr[T any](v T) *T { return &v }

// fakeProvisioner records calls and fails on demand with a provisioner error,
// the way a script writing to stderr would.
type fakeProvisioner struct {
	mu sync.Mutex

	nextName    int
	failCreate  string
	failUpdate  string
	failDelete  string
	failCompact string

	lastSaves []provisioner.LastSave
	storage   []provisioner.StorageUsage
	reportErr error

	// onCall runs at the start of every script call, e.g. to cancel the
	// caller's context mid-operation.
	onCall func(op string)

	created   []string
	updates   []updateCall
	deleted   []string
	compacted []string
}

type updateCall struct {
	Name       string
	Key        string
	Size       int
	AppendOnly bool
}

func (f *fakeProvisioner) called(op string) {
	if f.onCall != nil {
		f.onCall(op)
	}
}

func (f *fakeProvisioner) CreateRepo(_ context.Context, key string, _ int, _ bool) (string, error) {
	f.called("createRepo")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != "" {
		return "", apperror.Provisioner("createRepo", f.failCreate)
	}
	f.nextName++
	name := fmt.Sprintf("repo%04d", f.nextName)
	f.created = append(f.created, key)
	return name, nil
}

func (f *fakeProvisioner) UpdateRepo(_ context.Context, name, key string, size int, appendOnly bool) error {
	f.called("updateRepo")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate != "" {
		return apperror.Provisioner("updateRepo", f.failUpdate)
	}
	f.updates = append(f.updates, updateCall{Name: name, Key: key, Size: size, AppendOnly: appendOnly})
	return nil
}

func (f *fakeProvisioner) DeleteRepo(_ context.Context, name string) error {
	f.called("deleteRepo")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete != "" {
		return apperror.Provisioner("deleteRepo", f.failDelete)
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeProvisioner) CompactRepo(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCompact != "" {
		return apperror.Provisioner("compactRepo", f.failCompact)
	}
	f.compacted = append(f.compacted, name)
	return nil
}

func (f *fakeProvisioner) GetLastSaveList(context.Context) ([]provisioner.LastSave, error) {
	f.called("getLastSave")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSaves, f.reportErr
}

func (f *fakeProvisioner) GetStorageUsed(context.Context) ([]provisioner.StorageUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storage, f.reportErr
}

type alertCall struct {
	UserID  int
	Aliases []string
}

// fakeAlerter records down alerts and returns a fixed report.
type fakeAlerter struct {
	mu      sync.Mutex
	calls   []alertCall
	ctxErrs []error
	report  notify.Report
}

func (f *fakeAlerter) SendDownAlert(ctx context.Context, user model.User, aliases []string) notify.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, alertCall{UserID: user.ID, Aliases: aliases})
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return f.report
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingPublisher) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type staticFleet config.Fleet

func (f *staticFleet) Load() config.Fleet { return config.Fleet(*f) }

func alice() model.User {
	return model.User{ID: 0, Username: "alice", Email: "alice@example.com", Roles: []string{RoleAdmin}, EmailAlert: true}
}

func bob() model.User {
	return model.User{ID: 1, Username: "bob", Email: "bob@example.com", EmailAlert: true}
}
