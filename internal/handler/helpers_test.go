package handler_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/sakif/borgwarehouse/internal/apperror"
	"github.com/sakif/borgwarehouse/internal/auth"
	"github.com/sakif/borgwarehouse/internal/config"
	"github.com/sakif/borgwarehouse/internal/events"
	"github.com/sakif/borgwarehouse/internal/handler"
	"github.com/sakif/borgwarehouse/internal/model"
	"github.com/sakif/borgwarehouse/internal/notify"
	"github.com/sakif/borgwarehouse/internal/provisioner"
	"github.com/sakif/borgwarehouse/internal/repository"
	"github.com/sakif/borgwarehouse/internal/repository/memory"
	"github.com/sakif/borgwarehouse/internal/service"
)

const cronSecret = "cron-secret-for-tests"

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// MockProvisioner answers every script call from fields set by the test.
type MockProvisioner struct {
	mu        sync.Mutex
	Name      string
	Stderr    string
	LastSaves []provisioner.LastSave
	Storage   []provisioner.StorageUsage
}

func (m *MockProvisioner) fail(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Stderr != "" {
		return apperror.Provisioner(op, m.Stderr)
	}
	return nil
}

func (m *MockProvisioner) CreateRepo(context.Context, string, int, bool) (string, error) {
	if err := m.fail("createRepo"); err != nil {
		return "", err
	}
	return m.Name, nil
}

func (m *MockProvisioner) UpdateRepo(context.Context, string, string, int, bool) error {
	return m.fail("updateRepo")
}

func (m *MockProvisioner) DeleteRepo(context.Context, string) error { return m.fail("deleteRepo") }

func (m *MockProvisioner) CompactRepo(context.Context, string) error { return m.fail("compactRepo") }

func (m *MockProvisioner) GetLastSaveList(context.Context) ([]provisioner.LastSave, error) {
	return m.LastSaves, m.fail("getLastSave")
}

func (m *MockProvisioner) GetStorageUsed(context.Context) ([]provisioner.StorageUsage, error) {
	return m.Storage, m.fail("getStorageUsed")
}

type silentAlerter struct{}

func (silentAlerter) SendDownAlert(context.Context, model.User, []string) notify.Report {
	return notify.Report{}
}

// testAPI is the route table of the server, with the principal injected
// from the X-Test-User header instead of a cookie.
type testAPI struct {
	router   http.Handler
	store    *repository.Store
	prov     *MockProvisioner
	fleet    *config.FleetSource
	bus      *events.Bus
	repos    *service.RepositoryService
	tokens   *service.TokenService
	accounts *service.AccountService
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	hasher := auth.NewPasswordServiceWithCost(4)
	sessions, err := auth.NewSessionTokens("handler-test-secret-0123", time.Hour)
	require.NoError(t, err)

	api := &testAPI{
		store: repository.NewStore(memory.Seed(nil, []model.User{
			{ID: 0, Username: "admin", Roles: []string{service.RoleAdmin}},
			{ID: 1, Username: "bob"},
		}), testLogger),
		prov:  &MockProvisioner{Name: "6f1c2a9d"},
		fleet: config.NewFleetSource(config.Fleet{}),
		bus:   events.NewBus(testLogger),
	}
	api.repos = service.NewRepositoryService(api.store, api.prov, api.fleet, api.bus, testLogger)
	api.tokens = service.NewTokenService(api.store, hasher, testLogger)
	api.accounts = service.NewAccountService(api.store, sessions, hasher, testLogger)
	t.Cleanup(api.repos.Wait)

	repoH := handler.NewRepositoryHandler(api.repos, testLogger)
	tokenH := handler.NewTokenHandler(api.tokens, testLogger)
	authH := handler.NewAuthHandler(api.accounts, time.Hour, false, testLogger)
	cronH := handler.NewCronHandler(
		service.NewReconciler(api.store, api.prov, silentAlerter{}, api.bus, testLogger),
		service.NewStorageMonitor(api.store, api.prov, testLogger),
		cronSecret, testLogger,
	)
	stream := handler.NewEventStream(api.bus, testLogger)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", authH.HandleLogin)
		r.Post("/auth/logout", authH.HandleLogout)
		r.Group(func(r chi.Router) {
			r.Use(cronH.RequireSecret)
			r.Post("/cronjob/check-status", cronH.HandleCheckStatus)
			r.Post("/cronjob/storage-used", cronH.HandleStorageUsed)
		})
		r.Group(func(r chi.Router) {
			r.Use(injectPrincipal(api.tokens))
			r.Get("/me", authH.HandleMe)
			r.Get("/repositories", repoH.HandleList)
			r.Get("/repositories/{name}", repoH.HandleGet)
			r.Post("/repositories", repoH.HandleCreate)
			r.Patch("/repositories/{name}", repoH.HandleEdit)
			r.Delete("/repositories/{name}", repoH.HandleDelete)
			r.Post("/repositories/{name}/compact", repoH.HandleCompact)
			r.Get("/history", repoH.HandleHistory)
			r.Get("/events", stream.HandleStream)
			r.Get("/tokens", tokenH.HandleList)
			r.Post("/tokens", tokenH.HandleCreate)
			r.Delete("/tokens/{name}", tokenH.HandleDelete)
		})
	})
	api.router = r
	return api
}

// injectPrincipal reads X-Test-User as a session user id, or resolves a
// bearer integration token.
func injectPrincipal(tokens *service.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bearer, ok := auth.BearerToken(r.Header.Get("Authorization")); ok {
				p, err := tokens.Resolve(r.Context(), bearer)
				if err != nil {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
				return
			}
			var id int
			if _, err := fmt.Sscanf(r.Header.Get("X-Test-User"), "%d", &id); err != nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), model.SessionPrincipal(id))))
		})
	}
}

// do sends a request as the given session user (-1 for none).
func (a *testAPI) do(t *testing.T, method, path string, user int, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user >= 0 {
		req.Header.Set("X-Test-User", fmt.Sprint(user))
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "body: %s", rr.Body.String())
	return v
}

func newKey(t *testing.T, comment string) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + comment
}
