package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/borgwarehouse/internal/auth"
	"github.com/sakif/borgwarehouse/internal/service"
)

// AuthHandler handles login, logout and the caller's own account.
//
// FLOW:
//  1. POST /api/auth/login with {"username", "password"}
//  2. AccountService checks the bcrypt hash and issues a JWT
//  3. The JWT goes into the HttpOnly "token" cookie
//  4. auth.Authenticator reads the cookie on every /api request
type AuthHandler struct {
	accounts      *service.AccountService
	sessionTTL    time.Duration
	secureCookies bool
	logger        *slog.Logger
}

// NewAuthHandler issues session cookies valid for sessionTTL. secureCookies
// should be on whenever the API is served over TLS.
func NewAuthHandler(accounts *service.AccountService, sessionTTL time.Duration, secureCookies bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		accounts:      accounts,
		sessionTTL:    sessionTTL,
		secureCookies: secureCookies,
		logger:        logger,
	}
}

// HandleLogin checks credentials and sets the session cookie.
//
// HTTP: POST /api/auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in service.LoginInput
	if err := decodeJSON(w, r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.accounts.Login(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	auth.SetSessionCookie(w, res.Token, h.sessionTTL, h.secureCookies)
	writeJSON(w, http.StatusOK, res.User)
}

// HandleLogout clears the session cookie. JWTs are stateless, so the token
// itself stays valid until it expires.
//
// HTTP: POST /api/auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	auth.ClearSessionCookie(w, h.secureCookies)
	w.WriteHeader(http.StatusNoContent)
}

// HandleMe returns the current account.
//
// HTTP: GET /api/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	acc, err := h.accounts.Me(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// HandleUpdateNotifications edits the caller's alert settings.
//
// HTTP: PATCH /api/me/notifications
func (h *AuthHandler) HandleUpdateNotifications(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var in service.NotificationSettingsInput
	if err := decodeJSON(w, r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	acc, err := h.accounts.UpdateNotifications(r.Context(), p, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}
