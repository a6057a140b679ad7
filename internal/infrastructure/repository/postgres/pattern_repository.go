package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

// PatternRepository implements ports.PatternRepository on PostgreSQL so that
// several workers can share one learned pattern set.
type PatternRepository struct {
	db *sql.DB
}

func NewPatternRepository(db *sql.DB) *PatternRepository {
	return &PatternRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

const schemaLockID = int64(2026101901)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS extraction_patterns (
	id TEXT PRIMARY KEY,
	pattern_key TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	body JSONB NOT NULL,
	usage_count INTEGER NOT NULL DEFAULT 1,
	boost DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_document_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_accuracy (
	id SMALLINT PRIMARY KEY CHECK (id = 1),
	body JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

func (r *PatternRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across worker and CLI startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// LoadPatterns skips rows that cannot be decoded and reports them as
// domain.ErrCorruptRecord next to the readable patterns.
func (r *PatternRepository) LoadPatterns(ctx context.Context) ([]domain.Pattern, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, body, usage_count, boost
FROM extraction_patterns
ORDER BY created_at, id
`)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	var out []domain.Pattern
	var skipped []error
	for rows.Next() {
		var (
			id    string
			body  []byte
			usage int
			boost float64
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
		return nil, fmt.Errorf("iterate patterns: %w", err)
	}
	if len(skipped) > 0 {
		return out, domain.WrapError(domain.ErrCorruptRecord, "load patterns", errors.Join(skipped...))
	}
	return out, nil
}

func (r *PatternRepository) InsertPattern(ctx context.Context, p domain.Pattern) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pattern: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO extraction_patterns (id, pattern_key, kind, body, usage_count, boost, source_document_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, p.ID, p.Key(), string(p.Kind), body, p.UsageCount, p.ConfidenceBoost, p.SourceDocumentID, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrDuplicatePattern, "insert pattern "+p.ID, err)
		}
		return fmt.Errorf("insert pattern: %w", err)
	}
	return nil
}

// UpsertPattern relies on the unique pattern_key so that workers sharing the
// database converge on one row per key.
func (r *PatternRepository) UpsertPattern(ctx context.Context, p domain.Pattern, rf domain.Reinforcement) (domain.Pattern, bool, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return domain.Pattern{}, false, fmt.Errorf("marshal pattern: %w", err)
	}
	var (
		id     string
		stored []byte
		usage  int
		boost  float64
	)
	err = r.db.QueryRowContext(ctx, `
INSERT INTO extraction_patterns (id, pattern_key, kind, body, usage_count, boost, source_document_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (pattern_key) DO UPDATE SET
	usage_count = extraction_patterns.usage_count + 1,
	boost = LEAST($10, extraction_patterns.boost + $11),
	updated_at = EXCLUDED.updated_at
RETURNING id, body, usage_count, boost
`, p.ID, p.Key(), string(p.Kind), body, p.UsageCount, p.ConfidenceBoost, p.SourceDocumentID, p.CreatedAt.UTC(), rf.At.UTC(),
		rf.MaxBoost, rf.Step).Scan(&id, &stored, &usage, &boost)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Pattern{}, false, domain.WrapError(domain.ErrDuplicatePattern, "upsert pattern "+p.ID, err)
		}
		return domain.Pattern{}, false, fmt.Errorf("upsert pattern: %w", err)
	}
	out, err := decodePattern(id, stored, usage, boost)
	if err != nil {
		return domain.Pattern{}, false, domain.WrapError(domain.ErrCorruptRecord, "upsert pattern", err)
	}
	out.UpdatedAt = rf.At
	return out, id == p.ID, nil
}

func (r *PatternRepository) StrengthenPattern(ctx context.Context, id string, rf domain.Reinforcement) (domain.Pattern, error) {
	var (
		body  []byte
		usage int
		boost float64
	)
	err := r.db.QueryRowContext(ctx, `
UPDATE extraction_patterns
SET usage_count = usage_count + 1, boost = LEAST($2, boost + $3), updated_at = $4
WHERE id = $1
RETURNING body, usage_count, boost
`, id, rf.MaxBoost, rf.Step, rf.At.UTC()).Scan(&body, &usage, &boost)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Pattern{}, domain.WrapError(domain.ErrPatternNotFound, "strengthen pattern", fmt.Errorf("id=%s", id))
		}
		return domain.Pattern{}, fmt.Errorf("strengthen pattern: %w", err)
	}
	out, err := decodePattern(id, body, usage, boost)
	if err != nil {
		return domain.Pattern{}, domain.WrapError(domain.ErrCorruptRecord, "strengthen pattern", err)
	}
	out.UpdatedAt = rf.At
	return out, nil
}

func (r *PatternRepository) LoadAccuracy(ctx context.Context) (domain.AccuracyEstimate, bool, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx, `SELECT body FROM extraction_accuracy WHERE id = 1`).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AccuracyEstimate{}, false, nil
		}
		return domain.AccuracyEstimate{}, false, fmt.Errorf("query accuracy: %w", err)
	}
	var est domain.AccuracyEstimate
	if err := json.Unmarshal(body, &est); err != nil {
		return domain.AccuracyEstimate{}, false, domain.WrapError(domain.ErrPatternStoreCorruption, "unmarshal accuracy", err)
	}
	return est, true, nil
}

func (r *PatternRepository) SaveAccuracy(ctx context.Context, est domain.AccuracyEstimate) error {
	body, err := json.Marshal(est)
	if err != nil {
		return fmt.Errorf("marshal accuracy: %w", err)
	}
	updated := est.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO extraction_accuracy (id, body, updated_at) VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
`, body, updated.UTC())
	if err != nil {
		return fmt.Errorf("save accuracy: %w", err)
	}
	return nil
}

// Reset renames the current tables to *_corrupt_<unix> and recreates an empty
// schema, so nothing is dropped.
func (r *PatternRepository) Reset(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	suffix := "_corrupt_" + strconv.FormatInt(time.Now().UnixNano(), 10)
	for _, table := range []string{"extraction_patterns", "extraction_accuracy"} {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE `+table+` RENAME TO `+table+suffix); err != nil {
			return fmt.Errorf("move %s aside: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("recreate schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset tx: %w", err)
	}
	return nil
}

func decodePattern(id string, body []byte, usage int, boost float64) (domain.Pattern, error) {
	var p domain.Pattern
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.Pattern{}, fmt.Errorf("unmarshal pattern %s: %w", id, err)
	}
	if p.ID != id {
		return domain.Pattern{}, fmt.Errorf("unmarshal pattern %s: body id %q does not match row", id, p.ID)
	}
	p.UsageCount = usage
	p.ConfidenceBoost = boost
	return p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
