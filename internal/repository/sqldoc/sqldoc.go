// Package sqldoc is the database/sql backend shared by the sqlite and
// postgres RecordStore drivers.
//
// Each collection is a single JSON document row in `collections`, so a
// whole-collection replace is one upsert statement and therefore atomic.
// History snapshots are rows in `repository_history`, ordered by seq.
package sqldoc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sakif/borgwarehouse/internal/model"
	"github.com/sakif/borgwarehouse/internal/repository"
)

// DefaultOperationTimeout bounds each statement when the caller's context
// carries no earlier deadline.
const DefaultOperationTimeout = 5 * time.Second

const (
	docRepositories = "repositories"
	docUsers        = "users"
)

// Dialect captures the differences between SQL engines.
type Dialect struct {
	Name string
	// Migrations run in order at startup; each must be idempotent.
	Migrations []string
	// Numbered placeholders ($1, $2, ...) instead of "?".
	NumberedPlaceholders bool
}

type Backend struct {
	db      *sql.DB
	dialect Dialect
	timeout time.Duration
}

var _ repository.Backend = (*Backend)(nil)

// New runs the dialect migrations on db and returns a ready backend.
// The backend owns db and closes it on Close.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Backend, error) {
	b := &Backend{db: db, dialect: dialect, timeout: DefaultOperationTimeout}
	for i, stmt := range dialect.Migrations {
		if err := b.exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: migration %d: %w", dialect.Name, i+1, err)
		}
	}
	return b, nil
}

func (b *Backend) LoadRepositories(ctx context.Context) ([]model.Repository, error) {
	var out []model.Repository
	if err := b.loadDoc(ctx, docRepositories, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) StoreRepositories(ctx context.Context, repos []model.Repository) error {
	return b.storeDoc(ctx, docRepositories, repos)
}

func (b *Backend) LoadUsers(ctx context.Context) ([]model.User, error) {
	var out []model.User
	if err := b.loadDoc(ctx, docUsers, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) StoreUsers(ctx context.Context, users []model.User) error {
	return b.storeDoc(ctx, docUsers, users)
}

// AppendHistory inserts snap and evicts beyond keep in one transaction.
func (b *Backend) AppendHistory(ctx context.Context, snap model.HistorySnapshot, keep int) error {
	payload, err := json.Marshal(snap.Repositories)
	if err != nil {
		return fmt.Errorf("%s: encoding snapshot: %w", b.dialect.Name, err)
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: beginning history transaction: %w", b.dialect.Name, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		b.rebind(`INSERT INTO repository_history (id, taken_at, doc) VALUES (?, ?, ?)`),
		snap.ID, snap.Timestamp.UTC().Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		return fmt.Errorf("%s: inserting snapshot: %w", b.dialect.Name, err)
	}

	if keep > 0 {
		_, err = tx.ExecContext(ctx, b.rebind(`
			DELETE FROM repository_history
			WHERE seq NOT IN (
				SELECT seq FROM (
					SELECT seq FROM repository_history ORDER BY seq DESC LIMIT ?
				) AS kept
			)`), keep)
		if err != nil {
			return fmt.Errorf("%s: evicting snapshots: %w", b.dialect.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: committing snapshot: %w", b.dialect.Name, err)
	}
	return nil
}

func (b *Backend) DropHistory(ctx context.Context, id string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	if _, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM repository_history WHERE id = ?`), id); err != nil {
		return fmt.Errorf("%s: dropping snapshot %s: %w", b.dialect.Name, id, err)
	}
	return nil
}

func (b *Backend) LoadHistory(ctx context.Context) ([]model.HistorySnapshot, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	rows, err := b.db.QueryContext(ctx, `SELECT id, taken_at, doc FROM repository_history ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("%s: querying history: %w", b.dialect.Name, err)
	}
	defer rows.Close()

	var out []model.HistorySnapshot
	for rows.Next() {
		var (
			snap    model.HistorySnapshot
			takenAt string
			doc     string
		)
		if err := rows.Scan(&snap.ID, &takenAt, &doc); err != nil {
			return nil, fmt.Errorf("%s: scanning snapshot: %w", b.dialect.Name, err)
		}
		if snap.Timestamp, err = time.Parse(time.RFC3339Nano, takenAt); err != nil {
			return nil, fmt.Errorf("%s: snapshot %s timestamp: %w", b.dialect.Name, snap.ID, err)
		}
		if err := json.Unmarshal([]byte(doc), &snap.Repositories); err != nil {
			return nil, fmt.Errorf("%s: decoding snapshot %s: %w", b.dialect.Name, snap.ID, err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterating history: %w", b.dialect.Name, err)
	}
	return out, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

// loadDoc decodes the named document into v. A missing row leaves v untouched.
func (b *Backend) loadDoc(ctx context.Context, name string, v any) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	var doc string
	err := b.db.QueryRowContext(ctx, b.rebind(`SELECT doc FROM collections WHERE name = ?`), name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: loading %s: %w", b.dialect.Name, name, err)
	}
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return fmt.Errorf("%s: decoding %s: %w", b.dialect.Name, name, err)
	}
	return nil
}

func (b *Backend) storeDoc(ctx context.Context, name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: encoding %s: %w", b.dialect.Name, name, err)
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err = b.db.ExecContext(ctx, b.rebind(`
		INSERT INTO collections (name, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`),
		name, string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%s: storing %s: %w", b.dialect.Name, name, err)
	}
	return nil
}

func (b *Backend) exec(ctx context.Context, stmt string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.db.ExecContext(ctx, stmt)
	return err
}

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < b.timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}

// rebind rewrites "?" placeholders to "$n" for dialects that need it.
func (b *Backend) rebind(query string) string {
	if !b.dialect.NumberedPlaceholders {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
