// Package server is the composition root: it builds the services over a
// record store, mounts the HTTP routes and runs the listener until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/borgwarehouse/internal/auth"
	"github.com/sakif/borgwarehouse/internal/config"
	"github.com/sakif/borgwarehouse/internal/events"
	"github.com/sakif/borgwarehouse/internal/handler"
	"github.com/sakif/borgwarehouse/internal/middleware"
	"github.com/sakif/borgwarehouse/internal/notify"
	"github.com/sakif/borgwarehouse/internal/provisioner"
	"github.com/sakif/borgwarehouse/internal/repository"
	"github.com/sakif/borgwarehouse/internal/repository/jsonfile"
	"github.com/sakif/borgwarehouse/internal/repository/memory"
	"github.com/sakif/borgwarehouse/internal/repository/postgres"
	"github.com/sakif/borgwarehouse/internal/repository/sqlite"
	"github.com/sakif/borgwarehouse/internal/service"
)

const (
	shutdownTimeout = 30 * time.Second
	tokenHashCost   = 4
)

// Deps are the pieces main builds from the environment.
type Deps struct {
	Provisioner provisioner.Provisioner
	Notifier    *notify.Dispatcher
	Fleet       *config.FleetSource
	Bus         *events.Bus
}

// Server represents the HTTP server and everything it owns.
type Server struct {
	router *chi.Mux
	config config.Config
	logger *slog.Logger

	store    *repository.Store
	repos    *service.RepositoryService
	accounts *service.AccountService
}

// OpenBackend selects a record store backend from a DSN:
//
//	file://<dir>       JSON files in dir
//	sqlite://<path>    SQLite database file
//	postgres://...     PostgreSQL (the DSN is passed through)
//	memory://          in-process
func OpenBackend(ctx context.Context, dsn string) (repository.Backend, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("storage dsn %q has no scheme", dsn)
	}
	switch scheme {
	case "file":
		if rest == "" {
			return nil, errors.New("file dsn needs a directory")
		}
		return jsonfile.New(rest)
	case "sqlite":
		if rest == "" {
			return nil, errors.New("sqlite dsn needs a path")
		}
		if rest != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(rest), 0o750); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		return sqlite.New(ctx, rest)
	case "postgres", "postgresql":
		return postgres.New(ctx, dsn)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("storage dsn scheme %q is not supported", scheme)
	}
}

// New opens the record store, builds the services and mounts the routes.
func New(ctx context.Context, cfg config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	backend, err := OpenBackend(ctx, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	store := repository.NewStore(backend, logger,
		repository.WithHistoryRetention(cfg.Storage.HistoryRetention))

	s, err := newWithStore(cfg, store, deps, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

func newWithStore(cfg config.Config, store *repository.Store, deps Deps, logger *slog.Logger) (*Server, error) {
	sessions, err := auth.NewSessionTokens(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("session tokens: %w", err)
	}
	passwords := auth.NewPasswordService()

	s := &Server{
		router:   chi.NewRouter(),
		config:   cfg,
		logger:   logger,
		store:    store,
		repos:    service.NewRepositoryService(store, deps.Provisioner, deps.Fleet, deps.Bus, logger),
		accounts: service.NewAccountService(store, sessions, passwords, logger),
	}

	// Token secrets are random, so bcrypt's minimum cost is enough and keeps
	// per-request verification fast.
	tokens := service.NewTokenService(store, auth.NewPasswordServiceWithCost(tokenHashCost), logger)
	reconciler := service.NewReconciler(store, deps.Provisioner, deps.Notifier, deps.Bus, logger)
	storage := service.NewStorageMonitor(store, deps.Provisioner, logger)
	notifications := service.NewNotificationService(s.accounts, deps.Notifier, logger)

	authn := auth.NewAuthenticator(sessions, tokens, logger)
	repoH := handler.NewRepositoryHandler(s.repos, logger)
	authH := handler.NewAuthHandler(s.accounts, cfg.Auth.SessionTTL, cfg.HTTP.SecureCookies, logger)
	tokenH := handler.NewTokenHandler(tokens, logger)
	notifyH := handler.NewNotificationHandler(notifications, logger)
	cronH := handler.NewCronHandler(reconciler, storage, cfg.Cron.Secret, logger)
	stream := handler.NewEventStream(deps.Bus, logger)

	if cfg.Cron.Secret == "" {
		logger.Warn("cron secret is not set, cron endpoints will reject every call")
	}

	s.routes(authn, repoH, authH, tokenH, notifyH, cronH, stream)
	return s, nil
}

// routes mounts every endpoint.
//
//	POST   /api/auth/login                      public
//	POST   /api/auth/logout                     public
//	POST   /api/cronjob/check-status            cron secret
//	POST   /api/cronjob/storage-used            cron secret
//	GET    /api/repositories                    session or token
//	POST   /api/repositories
//	GET    /api/repositories/{name}
//	PATCH  /api/repositories/{name}
//	DELETE /api/repositories/{name}
//	POST   /api/repositories/{name}/compact
//	GET    /api/history
//	GET    /api/events                          WebSocket
//	GET    /api/me                              session only
//	PATCH  /api/me/notifications
//	POST   /api/notifications/test              session only
//	GET    /api/tokens                          session only
//	POST   /api/tokens
//	DELETE /api/tokens/{name}
func (s *Server) routes(
	authn *auth.Authenticator,
	repoH *handler.RepositoryHandler,
	authH *handler.AuthHandler,
	tokenH *handler.TokenHandler,
	notifyH *handler.NotificationHandler,
	cronH *handler.CronHandler,
	stream *handler.EventStream,
) {
	// Order matters: the request id must exist before the logger reads it.
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", authH.HandleLogin)
		r.Post("/auth/logout", authH.HandleLogout)

		r.Group(func(r chi.Router) {
			r.Use(cronH.RequireSecret)
			r.Post("/cronjob/check-status", cronH.HandleCheckStatus)
			r.Post("/cronjob/storage-used", cronH.HandleStorageUsed)
		})

		r.Group(func(r chi.Router) {
			r.Use(authn.Require)

			r.Get("/repositories", repoH.HandleList)
			r.Post("/repositories", repoH.HandleCreate)
			r.Get("/repositories/{name}", repoH.HandleGet)
			r.Patch("/repositories/{name}", repoH.HandleEdit)
			r.Delete("/repositories/{name}", repoH.HandleDelete)
			r.Post("/repositories/{name}/compact", repoH.HandleCompact)
			r.Get("/history", repoH.HandleHistory)
			r.Get("/events", stream.HandleStream)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireSession)
				r.Get("/me", authH.HandleMe)
				r.Patch("/me/notifications", authH.HandleUpdateNotifications)
				r.Post("/notifications/test", notifyH.HandleTest)
				r.Get("/tokens", tokenH.HandleList)
				r.Post("/tokens", tokenH.HandleCreate)
				r.Delete("/tokens/{name}", tokenH.HandleDelete)
			})
		})
	})
}

// handleHealth reports 503 when the record store cannot be read.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := s.store.GetUsers(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Bootstrap creates the first admin account on an empty user collection.
func (s *Server) Bootstrap(ctx context.Context) error {
	return s.accounts.Bootstrap(ctx, s.config.Auth.BootstrapUsername, s.config.Auth.BootstrapPassword)
}

// Close waits for background compactions and closes the record store.
func (s *Server) Close() error {
	s.repos.Wait()
	return s.store.Close()
}

// Start serves until SIGINT/SIGTERM or ctx is cancelled, then drains
// in-flight requests. The caller still owns Close.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: awaited compactions and the event stream run long.
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.String("addr", srv.Addr),
			slog.String("storage", redactDSN(s.config.Storage.DSN)),
			slog.String("provisioner", s.config.Provisioner.Mode),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}
	return nil
}

// redactDSN hides the password of a postgres DSN.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, hasPass := strings.Cut(userinfo, ":")
	if !hasPass {
		return dsn
	}
	return scheme + "://" + user + ":***@" + host
}
