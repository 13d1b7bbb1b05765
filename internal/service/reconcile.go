package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sakif/borgwarehouse/internal/events"
	"github.com/sakif/borgwarehouse/internal/model"
	"github.com/sakif/borgwarehouse/internal/notify"
	"github.com/sakif/borgwarehouse/internal/provisioner"
	"github.com/sakif/borgwarehouse/internal/repository"
)

// AlertThrottleWindow is the minimum number of seconds between two down
// alerts for the same repository. It does not depend on the repository's
// alert threshold.
const AlertThrottleWindow int64 = 90000

// Run summaries returned to the cron caller.
const (
	MsgNothingToCheck     = "no repository to check"
	MsgExecutedSuccessful = "executed successfully"
)

// Alerter delivers a down alert to a user. It reports per-channel outcomes
// and never fails the caller.
type Alerter interface {
	SendDownAlert(ctx context.Context, user model.User, aliases []string) notify.Report
}

// RunResult summarises one reconciliation or storage refresh.
type RunResult struct {
	Message string `json:"message"`
	// Checked counts repositories with a matching provisioner entry.
	Checked int `json:"checked"`
	Down    int `json:"down"`
	Alerted int `json:"alerted"`
}

// Reconciler recomputes repository health from the provisioner's last-save
// report and sends throttled down alerts.
type Reconciler struct {
	store   repository.RecordStore
	prov    provisioner.Provisioner
	alerter Alerter
	events  Publisher
	logger  *slog.Logger
	now     func() time.Time
}

// NewReconciler creates a Reconciler. alerter may be a Dispatcher with no
// channels configured; users then simply receive nothing.
func NewReconciler(
	store repository.RecordStore,
	prov provisioner.Provisioner,
	alerter Alerter,
	events Publisher,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		store:   store,
		prov:    prov,
		alerter: alerter,
		events:  events,
		logger:  logger,
		now:     time.Now,
	}
}

// StatusAt is the freshness rule: a repository is up when its last save is
// no older than its alert threshold.
func StatusAt(now, lastSave, alert int64) bool {
	return now-lastSave <= alert
}

// AlertDue reports whether a repository belongs in this run's alert batch.
func AlertDue(r *model.Repository, now int64) bool {
	if r.Status || !r.AlertingEnabled() {
		return false
	}
	return r.LastStatusAlertSend == nil || now-*r.LastStatusAlertSend > AlertThrottleWindow
}

type transition struct {
	repo model.Repository
	up   bool
}

// Run performs one reconciliation pass.
//
// The recomputed collection is committed (with history) before any alert is
// sent, and lastStatusAlertSend is stamped before dispatch, so a failed
// delivery is not retried until the throttle window has passed again.
func (r *Reconciler) Run(ctx context.Context) (*RunResult, error) {
	repos, err := r.store.GetRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciling: %w", err)
	}
	if len(repos) == 0 {
		return &RunResult{Message: MsgNothingToCheck}, nil
	}

	report, err := r.prov.GetLastSaveList(ctx)
	if err != nil {
		r.logger.Error("reading last save report failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("reconciling: %w", err)
	}
	if len(report) == 0 {
		return &RunResult{Message: MsgNothingToCheck}, nil
	}
	// The stamps are committed before dispatch, so a caller that hangs up
	// past this point must not suppress the alerts for a whole window.
	ctx = context.WithoutCancel(ctx)

	lastSaves := make(map[string]int64, len(report))
	for _, e := range report {
		lastSaves[e.RepositoryName] = e.LastSave
	}

	now := r.now().Unix()
	result := &RunResult{Message: MsgExecutedSuccessful}
	batches := map[int][]string{}
	var transitions []transition

	err = r.store.UpdateRepositories(ctx, true, func(current []model.Repository) ([]model.Repository, error) {
		// Recomputed from scratch: the callback may see a newer list than the
		// one read above.
		*result = RunResult{Message: MsgExecutedSuccessful}
		clear(batches)
		transitions = transitions[:0]

		changed := false
		for i := range current {
			repo := &current[i]
			if lastSave, ok := lastSaves[repo.RepositoryName]; ok {
				result.Checked++
				status := StatusAt(now, lastSave, repo.Alert)
				if repo.LastSave != lastSave || repo.Status != status {
					changed = true
				}
				if repo.Status != status {
					transitions = append(transitions, transition{repo: *repo, up: status})
				}
				repo.LastSave = lastSave
				repo.Status = status
			}
			if !repo.Status {
				result.Down++
			}
			if AlertDue(repo, now) {
				stamp := now
				repo.LastStatusAlertSend = &stamp
				batches[repo.OwnerID] = append(batches[repo.OwnerID], repo.Alias)
				result.Alerted++
				changed = true
			}
		}
		if !changed {
			return nil, repository.ErrSkipWrite
		}
		return current, nil
	})
	if err != nil {
		r.logger.Error("committing reconciliation failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("reconciling: %w", err)
	}

	for _, t := range transitions {
		kind := events.RepositoryDown
		if t.up {
			kind = events.RepositoryRecovered
		}
		ev := events.ForRepository(kind, t.repo.ID, t.repo.OwnerID, t.repo.RepositoryName)
		ev.Data = map[string]any{"lastSave": t.repo.LastSave, "alias": t.repo.Alias}
		r.events.Publish(ev)
	}

	r.dispatch(ctx, batches)

	r.logger.Info("reconciliation finished",
		slog.Int("checked", result.Checked),
		slog.Int("down", result.Down),
		slog.Int("alerted", result.Alerted),
	)
	r.events.Publish(events.Event{
		Type:    events.ReconciliationCompleted,
		Message: result.Message,
		Data: map[string]any{
			"checked": result.Checked,
			"down":    result.Down,
			"alerted": result.Alerted,
		},
	})
	return result, nil
}

// dispatch sends one alert per owning user. Failures are logged only.
func (r *Reconciler) dispatch(ctx context.Context, batches map[int][]string) {
	if len(batches) == 0 {
		return
	}
	users, err := r.store.GetUsers(ctx)
	if err != nil {
		r.logger.Error("loading users for alerts failed", slog.String("error", err.Error()))
		return
	}

	owners := make([]int, 0, len(batches))
	for id := range batches {
		owners = append(owners, id)
	}
	sort.Ints(owners)

	for _, ownerID := range owners {
		i := model.FindUser(users, ownerID)
		if i < 0 {
			r.logger.Warn("alert owner not found",
				slog.Int("ownerId", ownerID),
				slog.Any("aliases", batches[ownerID]),
			)
			continue
		}
		report := r.alerter.SendDownAlert(ctx, users[i], batches[ownerID])
		r.logger.Info("down alert dispatched",
			slog.Int("ownerId", ownerID),
			slog.Int("repositories", len(batches[ownerID])),
			slog.String("email", string(report.Email.Outcome)),
			slog.String("apprise", string(report.Apprise.Outcome)),
		)
	}
}
