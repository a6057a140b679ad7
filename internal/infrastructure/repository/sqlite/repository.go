// Package sqlite persists learned patterns and the accuracy estimate in a
// single SQLite file. It is the default pattern store for single-node runs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS patterns (
	id TEXT PRIMARY KEY,
	pattern_key TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	body TEXT NOT NULL,
	usage_count INTEGER NOT NULL DEFAULT 1,
	boost REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS accuracy (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	body TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// Repository implements ports.PatternRepository on SQLite.
type Repository struct {
	db   *sql.DB
	path string
}

// Open creates the database file (and its directory) when missing and
// applies the schema.
func Open(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	// WAL lets a CLI read statistics while the worker writes.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; the pattern store serializes writes anyway.
	db.SetMaxOpenConns(1)

	r := &Repository{db: db, path: path}
	if err := r.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Path() string {
	return r.path
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return classify("apply schema", err)
	}
	return nil
}

// LoadPatterns skips rows that cannot be decoded and reports them as
// domain.ErrCorruptRecord next to the readable patterns.
func (r *Repository) LoadPatterns(ctx context.Context) ([]domain.Pattern, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, body, usage_count, boost FROM patterns ORDER BY created_at, id`)
	if err != nil {
		return nil, classify("query patterns", err)
	}
	defer rows.Close()

	var out []domain.Pattern
	var skipped []error
	for rows.Next() {
		var (
			id, body string
			usage    int
			boost    float64
		)
		if err := rows.Scan(&id, &body, &usage, &boost); err != nil {
			skipped = append(skipped, fmt.Errorf("scan pattern row: %w", err))
			continue
		}
		p, err := decodePattern(id, body, usage, boost)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate patterns", err)
	}
	if len(skipped) > 0 {
		return out, domain.WrapError(domain.ErrCorruptRecord, "load patterns", errors.Join(skipped...))
	}
	return out, nil
}

func (r *Repository) InsertPattern(ctx context.Context, p domain.Pattern) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pattern: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO patterns (id, pattern_key, kind, body, usage_count, boost, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, p.ID, p.Key(), string(p.Kind), string(body), p.UsageCount, p.ConfidenceBoost, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		if isConstraint(err) {
			return domain.WrapError(domain.ErrDuplicatePattern, "insert pattern "+p.ID, err)
		}
		return classify("insert pattern", err)
	}
	return nil
}

// UpsertPattern relies on the unique pattern_key so that concurrent writers
// sharing the file converge on one row per key.
func (r *Repository) UpsertPattern(ctx context.Context, p domain.Pattern, rf domain.Reinforcement) (domain.Pattern, bool, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return domain.Pattern{}, false, fmt.Errorf("marshal pattern: %w", err)
	}
	var (
		id, stored string
		usage      int
		boost      float64
	)
	err = r.db.QueryRowContext(ctx, `
INSERT INTO patterns (id, pattern_key, kind, body, usage_count, boost, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(pattern_key) DO UPDATE SET
	usage_count = patterns.usage_count + 1,
	boost = MIN(?, patterns.boost + ?),
	updated_at = excluded.updated_at
RETURNING id, body, usage_count, boost
`, p.ID, p.Key(), string(p.Kind), string(body), p.UsageCount, p.ConfidenceBoost, p.CreatedAt.UTC(), rf.At.UTC(),
		rf.MaxBoost, rf.Step).Scan(&id, &stored, &usage, &boost)
	if err != nil {
		if isConstraint(err) {
			return domain.Pattern{}, false, domain.WrapError(domain.ErrDuplicatePattern, "upsert pattern "+p.ID, err)
		}
		return domain.Pattern{}, false, classify("upsert pattern", err)
	}
	out, err := decodePattern(id, stored, usage, boost)
	if err != nil {
		return domain.Pattern{}, false, domain.WrapError(domain.ErrCorruptRecord, "upsert pattern", err)
	}
	out.UpdatedAt = rf.At
	return out, id == p.ID, nil
}

func (r *Repository) StrengthenPattern(ctx context.Context, id string, rf domain.Reinforcement) (domain.Pattern, error) {
	var (
		body  string
		usage int
		boost float64
	)
	err := r.db.QueryRowContext(ctx, `
UPDATE patterns SET usage_count = usage_count + 1, boost = MIN(?, boost + ?), updated_at = ?
WHERE id = ?
RETURNING body, usage_count, boost
`, rf.MaxBoost, rf.Step, rf.At.UTC(), id).Scan(&body, &usage, &boost)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Pattern{}, domain.WrapError(domain.ErrPatternNotFound, "strengthen pattern", fmt.Errorf("id=%s", id))
		}
		return domain.Pattern{}, classify("strengthen pattern", err)
	}
	out, err := decodePattern(id, body, usage, boost)
	if err != nil {
		return domain.Pattern{}, domain.WrapError(domain.ErrCorruptRecord, "strengthen pattern", err)
	}
	out.UpdatedAt = rf.At
	return out, nil
}

func (r *Repository) LoadAccuracy(ctx context.Context) (domain.AccuracyEstimate, bool, error) {
	var body string
	err := r.db.QueryRowContext(ctx, `SELECT body FROM accuracy WHERE id = 1`).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AccuracyEstimate{}, false, nil
		}
		return domain.AccuracyEstimate{}, false, classify("query accuracy", err)
	}
	var est domain.AccuracyEstimate
	if err := json.Unmarshal([]byte(body), &est); err != nil {
		return domain.AccuracyEstimate{}, false, domain.WrapError(domain.ErrPatternStoreCorruption, "decode accuracy", err)
	}
	return est, true, nil
}

func (r *Repository) SaveAccuracy(ctx context.Context, est domain.AccuracyEstimate) error {
	body, err := json.Marshal(est)
	if err != nil {
		return fmt.Errorf("marshal accuracy: %w", err)
	}
	updated := est.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO accuracy (id, body, updated_at) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
`, string(body), updated.UTC())
	if err != nil {
		return classify("save accuracy", err)
	}
	return nil
}

// Reset renames the current tables to *_corrupt_<unix> and recreates an empty
// schema, so nothing is dropped.
func (r *Repository) Reset(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	suffix := "_corrupt_" + strconv.FormatInt(time.Now().UnixNano(), 10)
	for _, table := range []string{"patterns", "accuracy"} {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE `+table+` RENAME TO `+table+suffix); err != nil {
			return fmt.Errorf("move %s aside: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("recreate schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset tx: %w", err)
	}
	return nil
}

func decodePattern(id, body string, usage int, boost float64) (domain.Pattern, error) {
	var p domain.Pattern
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return domain.Pattern{}, fmt.Errorf("decode pattern %s: %w", id, err)
	}
	if p.ID != id {
		return domain.Pattern{}, fmt.Errorf("decode pattern %s: body id %q does not match row", id, p.ID)
	}
	p.UsageCount = usage
	p.ConfidenceBoost = boost
	return p, nil
}

// classify maps SQLite's corruption errors onto ErrPatternStoreCorruption.
func classify(op string, err error) error {
	if isCorruption(err) {
		return domain.WrapError(domain.ErrPatternStoreCorruption, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isCorruption(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "sqlite_corrupt")
}

func isConstraint(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint failed") || strings.Contains(msg, "unique")
}
