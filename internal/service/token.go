package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/borgwarehouse/internal/apperror"
	"github.com/sakif/borgwarehouse/internal/auth"
	"github.com/sakif/borgwarehouse/internal/model"
	"github.com/sakif/borgwarehouse/internal/repository"
)

const secretBytes = 32

// CreateTokenInput is the body of a token creation request.
type CreateTokenInput struct {
	Name        string            `json:"name" validate:"required,max=64,tokenname"`
	Permissions model.Permissions `json:"permissions"`
	// Expiration is a unix timestamp. Nil means the token never expires.
	Expiration *int64 `json:"expiration"`
}

// TokenInfo is a token without its secret.
type TokenInfo struct {
	Name        string            `json:"name"`
	Creation    int64             `json:"creation"`
	Expiration  *int64            `json:"expiration,omitempty"`
	Expired     bool              `json:"expired"`
	Permissions model.Permissions `json:"permissions"`
}

// CreatedToken is returned once, at creation. Token is the only copy of the
// plaintext credential.
type CreatedToken struct {
	TokenInfo
	Token string `json:"token"`
}

// TokenService manages integration tokens and resolves bearer credentials.
//
// A token reads "<id>.<secret>". The id is an xid stored in clear to find the
// record, the secret is stored as a bcrypt hash.
type TokenService struct {
	store  repository.RecordStore
	hasher *auth.PasswordService
	logger *slog.Logger
	now    func() time.Time
}

var _ auth.TokenResolver = (*TokenService)(nil)

// NewTokenService stores token hashes made by hasher.
func NewTokenService(store repository.RecordStore, hasher *auth.PasswordService, logger *slog.Logger) *TokenService {
	return &TokenService{store: store, hasher: hasher, logger: logger, now: time.Now}
}

func requireSession(p model.Principal) error {
	if p.Kind != model.PrincipalSession {
		return apperror.Forbidden("integration tokens cannot manage tokens")
	}
	return nil
}

// Create mints a token for the session user. The plaintext is returned once
// and never stored.
func (s *TokenService) Create(ctx context.Context, p model.Principal, in CreateTokenInput) (*CreatedToken, error) {
	if err := requireSession(p); err != nil {
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if !in.Permissions.Any() {
		return nil, apperror.ValidationFailed("permissions", "at least one permission is required")
	}
	now := s.now().Unix()
	if in.Expiration != nil && *in.Expiration <= now {
		return nil, apperror.ValidationFailed("expiration", "expiration must be in the future")
	}

	secret, err := newSecret()
	if err != nil {
		return nil, fmt.Errorf("creating token: %w", err)
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, fmt.Errorf("creating token: %w", err)
	}

	tok := model.IntegrationToken{
		ID:          xid.New().String(),
		Name:        in.Name,
		TokenHash:   hash,
		Creation:    now,
		Expiration:  in.Expiration,
		Permissions: in.Permissions,
	}

	err = s.store.UpdateUsers(ctx, func(users []model.User) ([]model.User, error) {
		i := model.FindUser(users, p.UserID)
		if i < 0 {
			return nil, apperror.NotFound("user", userKey(p.UserID))
		}
		for _, t := range users[i].Tokens {
			if t.Name == in.Name {
				return nil, apperror.Conflict("token", in.Name)
			}
		}
		users[i].Tokens = append(users[i].Tokens, tok)
		return users, nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating token: %w", err)
	}

	s.logger.Info("integration token created",
		slog.Int("userId", p.UserID),
		slog.String("name", tok.Name),
	)
	return &CreatedToken{
		TokenInfo: toInfo(tok, now),
		Token:     tok.ID + "." + secret,
	}, nil
}

// List returns the caller's tokens without their hashes.
func (s *TokenService) List(ctx context.Context, p model.Principal) ([]TokenInfo, error) {
	if err := requireSession(p); err != nil {
		return nil, err
	}
	users, err := s.store.GetUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	i := model.FindUser(users, p.UserID)
	if i < 0 {
		return nil, apperror.NotFound("user", userKey(p.UserID))
	}
	now := s.now().Unix()
	out := make([]TokenInfo, 0, len(users[i].Tokens))
	for _, t := range users[i].Tokens {
		out = append(out, toInfo(t, now))
	}
	return out, nil
}

// Delete revokes the caller's token called name.
func (s *TokenService) Delete(ctx context.Context, p model.Principal, name string) error {
	if err := requireSession(p); err != nil {
		return err
	}
	err := s.store.UpdateUsers(ctx, func(users []model.User) ([]model.User, error) {
		i := model.FindUser(users, p.UserID)
		if i < 0 {
			return nil, apperror.NotFound("user", userKey(p.UserID))
		}
		tokens := users[i].Tokens
		for j := range tokens {
			if tokens[j].Name == name {
				users[i].Tokens = append(tokens[:j], tokens[j+1:]...)
				return users, nil
			}
		}
		return nil, apperror.NotFound("token", name)
	})
	if err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	s.logger.Info("integration token deleted",
		slog.Int("userId", p.UserID),
		slog.String("name", name),
	)
	return nil
}

// Resolve returns the principal a bearer credential acts as. Every failure
// is an Unauthorized error except storage outages.
func (s *TokenService) Resolve(ctx context.Context, bearer string) (model.Principal, error) {
	id, secret, ok := strings.Cut(bearer, ".")
	if !ok || secret == "" {
		return model.Principal{}, apperror.Unauthorized("malformed token")
	}
	if _, err := xid.FromString(id); err != nil {
		return model.Principal{}, apperror.Unauthorized("malformed token")
	}

	users, err := s.store.GetUsers(ctx)
	if err != nil {
		return model.Principal{}, fmt.Errorf("resolving token: %w", err)
	}
	for _, u := range users {
		for _, t := range u.Tokens {
			if t.ID != id {
				continue
			}
			if t.Expired(s.now().Unix()) {
				return model.Principal{}, apperror.Unauthorized("token expired")
			}
			if err := s.hasher.Verify(t.TokenHash, secret); err != nil {
				if !errors.Is(err, auth.ErrMismatch) {
					s.logger.Error("stored token hash is unusable",
						slog.Int("userId", u.ID),
						slog.String("name", t.Name),
						slog.String("error", err.Error()),
					)
				}
				return model.Principal{}, apperror.Unauthorized("invalid token")
			}
			return model.TokenPrincipal(u.ID, t), nil
		}
	}
	return model.Principal{}, apperror.Unauthorized("invalid token")
}

func toInfo(t model.IntegrationToken, now int64) TokenInfo {
	return TokenInfo{
		Name:        t.Name,
		Creation:    t.Creation,
		Expiration:  t.Expiration,
		Expired:     t.Expired(now),
		Permissions: t.Permissions,
	}
}

func newSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
