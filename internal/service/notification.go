package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sakif/borgwarehouse/internal/apperror"
	"github.com/sakif/borgwarehouse/internal/model"
	"github.com/sakif/borgwarehouse/internal/notify"
)

// TestSender sends a one-off test message on a single channel.
type TestSender interface {
	SendTest(ctx context.Context, user model.User, channel string) (notify.Report, error)
}

// NotificationService lets a user check that a channel reaches them.
type NotificationService struct {
	accounts *AccountService
	sender   TestSender
	logger   *slog.Logger
}

// NewNotificationService reads recipients through accounts and delivers
// test messages through sender.
func NewNotificationService(accounts *AccountService, sender TestSender, logger *slog.Logger) *NotificationService {
	return &NotificationService{accounts: accounts, sender: sender, logger: logger}
}

// Test sends a test message on channel ("email" or "apprise"). Delivery
// failures are reported in the returned Report, not as an error.
func (s *NotificationService) Test(ctx context.Context, p model.Principal, channel string) (*notify.Report, error) {
	if err := requireSession(p); err != nil {
		return nil, err
	}
	if channel != notify.ChannelEmail && channel != notify.ChannelApprise {
		return nil, apperror.ValidationFailed("channel", "channel must be one of: email apprise")
	}
	user, err := s.accounts.user(ctx, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("sending test notification: %w", err)
	}
	report, err := s.sender.SendTest(ctx, user, channel)
	if err != nil {
		return nil, fmt.Errorf("sending test notification: %w", err)
	}
	s.logger.Info("test notification sent",
		slog.Int("userId", p.UserID),
		slog.String("channel", channel),
	)
	return &report, nil
}
