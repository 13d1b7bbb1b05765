// Package notify delivers down-status alerts to a user's enabled channels.
//
// Email and apprise are attempted independently. A failure, or a panic, in
// one channel never prevents the other from running, and SendDownAlert never
// returns an error: the outcome of each channel is reported and logged.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/borgwarehouse/internal/model"
)

// Outcome of one channel for one dispatch.
type Outcome string

const (
	OutcomeDisabled Outcome = "disabled"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeSent     Outcome = "sent"
	OutcomeFailed   Outcome = "failed"
)

type ChannelReport struct {
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// Report holds the per-channel outcome of a dispatch.
type Report struct {
	Email   ChannelReport `json:"email"`
	Apprise ChannelReport `json:"apprise"`
}

// Channel names accepted by SendTest.
const (
	ChannelEmail   = "email"
	ChannelApprise = "apprise"
)

// AppriseSender is the apprise channel.
type AppriseSender interface {
	Send(ctx context.Context, user model.User, body string) error
}

type Dispatcher struct {
	mailer  Mailer
	apprise AppriseSender
	logger  *slog.Logger
}

// NewDispatcher wires the channels. A nil mailer means email is not
// configured on this server; email alerts are then skipped.
func NewDispatcher(mailer Mailer, apprise AppriseSender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{mailer: mailer, apprise: apprise, logger: logger}
}

// SendDownAlert notifies user that the repositories named by aliases are down.
func (d *Dispatcher) SendDownAlert(ctx context.Context, user model.User, aliases []string) Report {
	var report Report
	if len(aliases) == 0 {
		report.Email.Outcome = OutcomeDisabled
		report.Apprise.Outcome = OutcomeDisabled
		return report
	}
	data := downData{Username: user.Username, Aliases: aliases}

	if user.EmailAlert {
		report.Email = d.guard(ChannelEmail, user, func() error {
			body, err := render(downEmailTmpl, data)
			if err != nil {
				return fmt.Errorf("rendering email: %w", err)
			}
			return d.sendEmail(ctx, user, downSubject, body)
		})
	} else {
		report.Email.Outcome = OutcomeDisabled
	}

	if user.AppriseAlert {
		report.Apprise = d.guard(ChannelApprise, user, func() error {
			body, err := render(downShortTmpl, data)
			if err != nil {
				return fmt.Errorf("rendering apprise message: %w", err)
			}
			return d.sendApprise(ctx, user, body)
		})
	} else {
		report.Apprise.Outcome = OutcomeDisabled
	}

	return report
}

// SendTest sends a test message on one channel regardless of the user's
// alert opt-in.
func (d *Dispatcher) SendTest(ctx context.Context, user model.User, channel string) (Report, error) {
	report := Report{
		Email:   ChannelReport{Outcome: OutcomeDisabled},
		Apprise: ChannelReport{Outcome: OutcomeDisabled},
	}
	switch channel {
	case ChannelEmail:
		report.Email = d.guard(channel, user, func() error {
			return d.sendEmail(ctx, user, testSubject, testBody)
		})
	case ChannelApprise:
		report.Apprise = d.guard(channel, user, func() error {
			return d.sendApprise(ctx, user, testBody)
		})
	default:
		return report, fmt.Errorf("unknown channel %q", channel)
	}
	return report, nil
}

var errSkipped = errors.New("channel not configured")

func (d *Dispatcher) sendEmail(ctx context.Context, user model.User, subject, body string) error {
	if d.mailer == nil {
		return fmt.Errorf("%w: smtp is not configured", errSkipped)
	}
	if user.Email == "" {
		return fmt.Errorf("%w: user has no email address", errSkipped)
	}
	return d.mailer.Send(ctx, user.Email, subject, body)
}

func (d *Dispatcher) sendApprise(ctx context.Context, user model.User, body string) error {
	if d.apprise == nil {
		return fmt.Errorf("%w: apprise is not configured", errSkipped)
	}
	err := d.apprise.Send(ctx, user, body)
	if errors.Is(err, errAppriseConfig) {
		return fmt.Errorf("%w: %w", errSkipped, err)
	}
	return err
}

// guard runs one channel, converting errors and panics into a ChannelReport.
func (d *Dispatcher) guard(channel string, user model.User, fn func() error) (report ChannelReport) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification channel panicked",
				slog.String("channel", channel),
				slog.Int("userId", user.ID),
				slog.Any("panic", r),
			)
			report = ChannelReport{Outcome: OutcomeFailed, Error: fmt.Sprint(r)}
		}
	}()

	err := fn()
	switch {
	case err == nil:
		d.logger.Info("notification sent",
			slog.String("channel", channel),
			slog.Int("userId", user.ID),
		)
		return ChannelReport{Outcome: OutcomeSent}
	case errors.Is(err, errSkipped):
		d.logger.Warn("notification skipped",
			slog.String("channel", channel),
			slog.Int("userId", user.ID),
			slog.String("error", err.Error()),
		)
		return ChannelReport{Outcome: OutcomeSkipped, Error: err.Error()}
	default:
		d.logger.Error("notification failed",
			slog.String("channel", channel),
			slog.Int("userId", user.ID),
			slog.String("error", err.Error()),
		)
		return ChannelReport{Outcome: OutcomeFailed, Error: err.Error()}
	}
}
