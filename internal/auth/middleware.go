package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sakif/borgwarehouse/internal/model"
)

// SessionCookie is the name of the cookie carrying the session JWT.
const SessionCookie = "token"

type contextKey string

const principalKey contextKey = "principal"

// TokenResolver resolves an integration token to the principal it acts as.
type TokenResolver interface {
	Resolve(ctx context.Context, bearer string) (model.Principal, error)
}

// Authenticator resolves the acting principal of a request.
type Authenticator struct {
	sessions *SessionTokens
	tokens   TokenResolver
	logger   *slog.Logger
}

// NewAuthenticator accepts session cookies signed by sessions and API tokens
// resolved by tokens.
func NewAuthenticator(sessions *SessionTokens, tokens TokenResolver, logger *slog.Logger) *Authenticator {
	return &Authenticator{sessions: sessions, tokens: tokens, logger: logger}
}

// Require rejects requests without a valid session cookie or bearer token
// with 401, and stores the principal in the request context otherwise.
//
// A bearer token takes precedence over the cookie: an Authorization header
// that fails to resolve is a 401 even if a valid cookie is also present.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.principal(r)
		if err != nil {
			a.logger.Debug("request not authenticated",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "valid authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireSession only admits session principals. It must run after Require.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "valid authentication required")
			return
		}
		if p.Kind != model.PrincipalSession {
			writeAuthError(w, http.StatusForbidden, "forbidden", "this operation requires a logged-in user")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) principal(r *http.Request) (model.Principal, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		bearer, ok := BearerToken(h)
		if !ok {
			return model.Principal{}, errMalformedAuthorization
		}
		return a.tokens.Resolve(r.Context(), bearer)
	}

	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return model.Principal{}, err
	}
	userID, err := a.sessions.Validate(cookie.Value)
	if err != nil {
		return model.Principal{}, err
	}
	return model.SessionPrincipal(userID), nil
}

type authError string

func (e authError) Error() string { return string(e) }

const errMalformedAuthorization = authError("auth: malformed Authorization header")

// BearerToken extracts the credential from an "Authorization: Bearer x" value.
func BearerToken(header string) (string, bool) {
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal stored by Require.
func PrincipalFromContext(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalKey).(model.Principal)
	return p, ok
}

// SetSessionCookie writes the session JWT as an HttpOnly cookie.
func SetSessionCookie(w http.ResponseWriter, token string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeAuthError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + kind + `","message":"` + message + `"}` + "\n"))
}
