// internal/agent/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/nexus-agent/internal/agent/bus"
	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
)

// DBPool abstracts the pgxpool.Pool so the store can be exercised with
// pgxmock in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const uniqueViolationCode = "23505"

// Postgres is the durable Repository implementation. The unique index on
// (fingerprint, tag, category) enforces the duplicate-fingerprint contract at
// the database level.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
	bus  *bus.Bus
}

// NewPostgres creates a Postgres-backed store and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger, b *bus.Bus) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{
		pool: pool,
		log:  logger.Named("store"),
		bus:  b,
	}, nil
}

// Migrate creates the patterns table if it does not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS patterns (
            id            TEXT PRIMARY KEY,
            fp_text       TEXT NOT NULL,
            fp_tag        TEXT NOT NULL DEFAULT '',
            category      TEXT NOT NULL DEFAULT '',
            action        JSONB NOT NULL,
            confidence    DOUBLE PRECISION NOT NULL,
            created_at    TIMESTAMPTZ NOT NULL,
            last_used_at  TIMESTAMPTZ,
            use_count     BIGINT NOT NULL DEFAULT 0,
            UNIQUE (fp_text, fp_tag, category)
        );`)
	if err != nil {
		return fmt.Errorf("failed to create patterns table: %w", err)
	}
	return nil
}

func (s *Postgres) Insert(ctx context.Context, p models.Pattern) (string, error) {
	if p.Action == nil {
		return "", fmt.Errorf("pattern requires an action")
	}
	if err := p.Action.Validate(); err != nil {
		return "", err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Confidence = clampConfidence(p.Confidence)

	actionJSON, err := models.MarshalAction(p.Action)
	if err != nil {
		return "", err
	}

	_, err = s.pool.Exec(ctx, `
        INSERT INTO patterns (id, fp_text, fp_tag, category, action, confidence, created_at, last_used_at, use_count)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`,
		p.ID, p.Fingerprint.Text, p.Fingerprint.Tag, p.Category,
		actionJSON, p.Confidence, p.CreatedAt.UTC(), nullableTime(p.LastUsedAt), p.UseCount,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return "", fmt.Errorf("%w: category %q", ErrDuplicateFingerprint, p.Category)
		}
		return "", fmt.Errorf("failed to insert pattern: %w", err)
	}

	s.emitChange(ctx, "inserted", p)
	return p.ID, nil
}

func (s *Postgres) Update(ctx context.Context, id string, mut Mutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	row := tx.QueryRow(ctx, selectPattern+` WHERE id = $1 FOR UPDATE;`, id)
	p, err := scanPattern(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}

	applyMutation(&p, mut)
	actionJSON, err := models.MarshalAction(p.Action)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
        UPDATE patterns
        SET category = $2, action = $3, confidence = $4, last_used_at = $5, use_count = $6
        WHERE id = $1;`,
		p.ID, p.Category, actionJSON, p.Confidence, nullableTime(p.LastUsedAt), p.UseCount,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return fmt.Errorf("%w: category %q", ErrDuplicateFingerprint, p.Category)
		}
		return fmt.Errorf("failed to update pattern: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.emitChange(ctx, "updated", p)
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (models.Pattern, error) {
	row := s.pool.QueryRow(ctx, selectPattern+` WHERE id = $1;`, id)
	p, err := scanPattern(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Pattern{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return models.Pattern{}, err
	}
	return p, nil
}

func (s *Postgres) Lookup(ctx context.Context, fp models.Fingerprint, category string) ([]models.Pattern, error) {
	query := selectPattern + ` WHERE fp_text = $1 AND fp_tag = $2`
	args := []interface{}{fp.Text, fp.Tag}
	if category != "" {
		query += ` AND category = $3`
		args = append(args, category)
	}
	query += ` ORDER BY confidence DESC, use_count DESC, id ASC;`
	return s.queryPatterns(ctx, query, args...)
}

func (s *Postgres) Remove(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM patterns WHERE id = $1;`, id); err != nil {
		return fmt.Errorf("failed to remove pattern: %w", err)
	}
	s.emitChange(ctx, "removed", p)
	return nil
}

func (s *Postgres) List(ctx context.Context, f Filter) ([]models.Pattern, error) {
	query := selectPattern + ` WHERE confidence >= $1`
	args := []interface{}{f.MinConfidence}
	if f.Category != "" {
		query += ` AND category = $2`
		args = append(args, f.Category)
	}
	query += ` ORDER BY confidence DESC, use_count DESC, id ASC;`
	return s.queryPatterns(ctx, query, args...)
}

func (s *Postgres) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM patterns;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count patterns: %w", err)
	}
	return n, nil
}

func (s *Postgres) ExportAll(ctx context.Context) ([]models.Pattern, error) {
	return s.List(ctx, Filter{})
}

func (s *Postgres) ImportBatch(ctx context.Context, patterns []models.Pattern) (int, error) {
	// Bulk load with CopyFrom; duplicates are filtered out beforehand since
	// COPY cannot skip conflicting rows.
	rows := make([][]interface{}, 0, len(patterns))
	pending := make([]models.Pattern, 0, len(patterns))
	now := time.Now().UTC()
	for _, p := range patterns {
		if p.Action == nil {
			continue
		}
		existing, err := s.Lookup(ctx, p.Fingerprint, p.Category)
		if err != nil {
			return 0, err
		}
		if len(existing) > 0 {
			continue
		}
		actionJSON, err := models.MarshalAction(p.Action)
		if err != nil {
			return 0, err
		}
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.Confidence = clampConfidence(p.Confidence)
		p.LastUsedAt = time.Time{}
		p.UseCount = 0
		rows = append(rows, []interface{}{
			p.ID, p.Fingerprint.Text, p.Fingerprint.Tag, p.Category,
			actionJSON, p.Confidence, p.CreatedAt.UTC(), nil, 0,
		})
		pending = append(pending, p)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	copied, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"patterns"},
		[]string{"id", "fp_text", "fp_tag", "category", "action", "confidence", "created_at", "last_used_at", "use_count"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to copy patterns: %w", err)
	}
	// The COPY is one statement, but each imported pattern is a mutation of
	// record, same as the in-memory store's import path.
	for _, p := range pending {
		s.emitChange(ctx, "inserted", p)
	}
	return int(copied), nil
}

const selectPattern = `
    SELECT id, fp_text, fp_tag, category, action, confidence, created_at, last_used_at, use_count
    FROM patterns`

func (s *Postgres) queryPatterns(ctx context.Context, query string, args ...interface{}) ([]models.Pattern, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var out []models.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func scanPattern(row pgx.Row) (models.Pattern, error) {
	var (
		p          models.Pattern
		actionJSON []byte
		lastUsed   *time.Time
	)
	err := row.Scan(
		&p.ID, &p.Fingerprint.Text, &p.Fingerprint.Tag, &p.Category,
		&actionJSON, &p.Confidence, &p.CreatedAt, &lastUsed, &p.UseCount,
	)
	if err != nil {
		return models.Pattern{}, err
	}
	if lastUsed != nil {
		p.LastUsedAt = *lastUsed
	}
	action, err := models.UnmarshalAction(actionJSON)
	if err != nil {
		return models.Pattern{}, fmt.Errorf("failed to decode stored action: %w", err)
	}
	p.Action = action
	return p, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func (s *Postgres) emitChange(ctx context.Context, change string, p models.Pattern) {
	if s.bus == nil {
		return
	}
	rec := models.AuditRecord{
		Timestamp: time.Now().UTC(),
		Kind:      models.AuditPatternLearned,
		Severity:  models.SeverityInfo,
		Payload: map[string]any{
			"change":      change,
			"patternId":   p.ID,
			"category":    p.Category,
			"fingerprint": p.Fingerprint.Text,
			"confidence":  p.Confidence,
		},
	}
	if err := s.bus.Publish(ctx, models.TypeAudit, rec); err != nil && ctx.Err() == nil {
		s.log.Warn("Failed to publish pattern change record", zap.Error(err))
	}
}
