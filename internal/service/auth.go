package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/sakif/borgwarehouse/internal/apperror"
	"github.com/sakif/borgwarehouse/internal/auth"
	"github.com/sakif/borgwarehouse/internal/model"
	"github.com/sakif/borgwarehouse/internal/repository"
)

const RoleAdmin = "admin"

// AccountService handles login, the bootstrap account and per-user
// notification settings.
//
//	AuthHandler (HTTP) → AccountService → RecordStore (users)
//	                   ↘ SessionTokens (JWT)
type AccountService struct {
	store     repository.RecordStore
	sessions  *auth.SessionTokens
	passwords *auth.PasswordService
	logger    *slog.Logger
}

// NewAccountService creates an AccountService.
func NewAccountService(
	store repository.RecordStore,
	sessions *auth.SessionTokens,
	passwords *auth.PasswordService,
	logger *slog.Logger,
) *AccountService {
	return &AccountService{
		store:     store,
		sessions:  sessions,
		passwords: passwords,
		logger:    logger,
	}
}

// LoginInput is the body of a login request.
type LoginInput struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResult bundles the session token with the account so the handler can
// set the cookie and respond in one step.
type LoginResult struct {
	User  Account
	Token string
}

// Account is a user as shown to its owner: no password hash, no tokens.
type Account struct {
	ID                  int               `json:"id"`
	Username            string            `json:"username"`
	Email               string            `json:"email,omitempty"`
	Roles               []string          `json:"roles"`
	EmailAlert          bool              `json:"emailAlert"`
	AppriseAlert        bool              `json:"appriseAlert"`
	AppriseServices     []string          `json:"appriseServices"`
	AppriseMode         model.AppriseMode `json:"appriseMode"`
	AppriseStatelessURL string            `json:"appriseStatelessURL,omitempty"`
}

func toAccount(u model.User) Account {
	services := u.AppriseServices
	if services == nil {
		services = []string{}
	}
	return Account{
		ID:                  u.ID,
		Username:            u.Username,
		Email:               u.Email,
		Roles:               u.Roles,
		EmailAlert:          u.EmailAlert,
		AppriseAlert:        u.AppriseAlert,
		AppriseServices:     services,
		AppriseMode:         u.AppriseMode,
		AppriseStatelessURL: u.AppriseStatelessURL,
	}
}

// Bootstrap creates the first administrator when the users collection is
// empty. It does nothing otherwise.
func (s *AccountService) Bootstrap(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return apperror.ValidationFailed("username", "bootstrap credentials are required")
	}
	hash, err := s.passwords.Hash(password)
	if err != nil {
		return fmt.Errorf("bootstrapping account: %w", err)
	}

	created := false
	err = s.store.UpdateUsers(ctx, func(users []model.User) ([]model.User, error) {
		if len(users) > 0 {
			return nil, repository.ErrSkipWrite
		}
		created = true
		return []model.User{{
			ID:              model.NextUserID(users),
			Username:        username,
			Password:        hash,
			Roles:           []string{RoleAdmin},
			AppriseServices: []string{},
			AppriseMode:     model.ApprisePackage,
		}}, nil
	})
	if err != nil {
		return fmt.Errorf("bootstrapping account: %w", err)
	}
	if created {
		s.logger.Warn("created bootstrap account, change its password",
			slog.String("username", username),
		)
	}
	return nil
}

// Login checks the credentials and issues a session token. Unknown users and
// wrong passwords fail the same way.
func (s *AccountService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	in.Username = strings.TrimSpace(in.Username)
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	users, err := s.store.GetUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}
	i := slices.IndexFunc(users, func(u model.User) bool {
		return strings.EqualFold(u.Username, in.Username)
	})
	if i < 0 {
		s.logger.Info("login failed", slog.String("username", in.Username))
		return nil, apperror.Unauthorized("invalid username or password")
	}
	user := users[i]
	if err := s.passwords.Verify(user.Password, in.Password); err != nil {
		if !errors.Is(err, auth.ErrMismatch) {
			s.logger.Error("stored password hash is unusable",
				slog.Int("userId", user.ID),
				slog.String("error", err.Error()),
			)
		}
		s.logger.Info("login failed", slog.String("username", in.Username))
		return nil, apperror.Unauthorized("invalid username or password")
	}

	token, err := s.sessions.Generate(user.ID)
	if err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}
	s.logger.Info("user logged in", slog.Int("userId", user.ID))
	return &LoginResult{User: toAccount(user), Token: token}, nil
}

// Me returns the calling principal's account.
func (s *AccountService) Me(ctx context.Context, p model.Principal) (*Account, error) {
	users, err := s.store.GetUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	i := model.FindUser(users, p.UserID)
	if i < 0 {
		return nil, apperror.NotFound("user", userKey(p.UserID))
	}
	acc := toAccount(users[i])
	return &acc, nil
}

// user returns the full record, for the notification test.
func (s *AccountService) user(ctx context.Context, id int) (model.User, error) {
	users, err := s.store.GetUsers(ctx)
	if err != nil {
		return model.User{}, err
	}
	i := model.FindUser(users, id)
	if i < 0 {
		return model.User{}, apperror.NotFound("user", userKey(id))
	}
	return users[i], nil
}

// userKey renders a user id for NotFound messages.
func userKey(id int) string {
	return strconv.Itoa(id)
}

// NotificationSettingsInput is a partial update of a user's alert settings.
type NotificationSettingsInput struct {
	Email               *string   `json:"email" validate:"omitempty,email"`
	EmailAlert          *bool     `json:"emailAlert"`
	AppriseAlert        *bool     `json:"appriseAlert"`
	AppriseServices     *[]string `json:"appriseServices" validate:"omitnil,dive,required"`
	AppriseMode         *string   `json:"appriseMode" validate:"omitnil,oneof=package stateless"`
	AppriseStatelessURL *string   `json:"appriseStatelessURL" validate:"omitempty,url"`
}

// UpdateNotifications merges in into the caller's settings. Session only.
func (s *AccountService) UpdateNotifications(ctx context.Context, p model.Principal, in NotificationSettingsInput) (*Account, error) {
	if err := requireSession(p); err != nil {
		return nil, err
	}
	trimPtr(in.Email)
	trimPtr(in.AppriseStatelessURL)
	if in.AppriseServices != nil {
		cleaned := make([]string, 0, len(*in.AppriseServices))
		for _, svc := range *in.AppriseServices {
			cleaned = append(cleaned, strings.TrimSpace(svc))
		}
		in.AppriseServices = &cleaned
	}
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	var updated model.User
	err := s.store.UpdateUsers(ctx, func(users []model.User) ([]model.User, error) {
		i := model.FindUser(users, p.UserID)
		if i < 0 {
			return nil, apperror.NotFound("user", userKey(p.UserID))
		}
		u := &users[i]
		if in.Email != nil {
			if *in.Email != "" {
				for j := range users {
					if j != i && strings.EqualFold(users[j].Email, *in.Email) {
						return nil, apperror.Conflict("email", *in.Email)
					}
				}
			}
			u.Email = *in.Email
		}
		if in.EmailAlert != nil {
			u.EmailAlert = *in.EmailAlert
		}
		if in.AppriseAlert != nil {
			u.AppriseAlert = *in.AppriseAlert
		}
		if in.AppriseServices != nil {
			u.AppriseServices = *in.AppriseServices
		}
		if in.AppriseMode != nil {
			u.AppriseMode = model.AppriseMode(*in.AppriseMode)
		}
		if in.AppriseStatelessURL != nil {
			u.AppriseStatelessURL = *in.AppriseStatelessURL
		}
		if u.AppriseMode == model.AppriseStateless && u.AppriseStatelessURL == "" {
			return nil, apperror.ValidationFailed("appriseStatelessURL", "appriseStatelessURL is required in stateless mode")
		}
		updated = *u
		return users, nil
	})
	if err != nil {
		return nil, fmt.Errorf("updating notification settings: %w", err)
	}

	s.logger.Info("notification settings updated", slog.Int("userId", p.UserID))
	acc := toAccount(updated)
	return &acc, nil
}
