// Package postgres provides Postgres-backed persistence for cases and
// sources.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claimradar/harvester/internal/harvest"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// dbPool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it
// in tests.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements harvest.CaseStore and harvest.SourceStore on Postgres.
// The cases table carries a unique constraint on claim_url; UpsertCase relies
// on it as the last line of defense against concurrent collectors discovering
// the same case simultaneously.
type Store struct {
	pool dbPool
}

// New connects a Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool; tests pass a pgxmock pool here.
func NewWithPool(pool dbPool) *Store {
	return &Store{pool: pool}
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const caseColumns = `id, title, description, eligibility, deadline, claim_url, source_url,
payout_estimate, category, contact_info, faqs, required_docs, source_name,
is_active, created_at, updated_at`

// FindByClaimURL returns the case with the given claim URL, or nil.
func (s *Store) FindByClaimURL(ctx context.Context, claimURL string) (*harvest.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE claim_url = $1`
	c, err := s.scanCase(s.pool.QueryRow(ctx, query, claimURL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find case by claim url: %w", err)
	}
	return c, nil
}

// FindBySourceURL returns the most recent case with the given source URL, or nil.
func (s *Store) FindBySourceURL(ctx context.Context, sourceURL string) (*harvest.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE source_url = $1 ORDER BY created_at DESC LIMIT 1`
	c, err := s.scanCase(s.pool.QueryRow(ctx, query, sourceURL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find case by source url: %w", err)
	}
	return c, nil
}

// FindSimilarByTitle returns cases whose title matches case-insensitively.
func (s *Store) FindSimilarByTitle(ctx context.Context, title string, activeOnly bool) ([]harvest.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE lower(title) = lower($1)`
	if activeOnly {
		query += ` AND is_active`
	}
	rows, err := s.pool.Query(ctx, query, title)
	if err != nil {
		return nil, fmt.Errorf("find similar by title: %w", err)
	}
	return s.collectCases(rows)
}

// GetRecentCases returns cases created within the window.
func (s *Store) GetRecentCases(ctx context.Context, window time.Duration) ([]harvest.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE created_at > $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, time.Now().UTC().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("get recent cases: %w", err)
	}
	return s.collectCases(rows)
}

// UpsertCase inserts a case or refreshes the existing row sharing its claim
// URL, and returns the row ID.
func (s *Store) UpsertCase(ctx context.Context, c harvest.Case) (string, error) {
	if c.ClaimURL == "" {
		return "", errors.New("case claim url is required")
	}
	faqs, err := json.Marshal(c.FAQs)
	if err != nil {
		return "", fmt.Errorf("marshal faqs: %w", err)
	}
	docs, err := json.Marshal(c.RequiredDocs)
	if err != nil {
		return "", fmt.Errorf("marshal required docs: %w", err)
	}
	query := `
		INSERT INTO cases (title, description, eligibility, deadline, claim_url, source_url,
			payout_estimate, category, contact_info, faqs, required_docs, source_name,
			is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		ON CONFLICT (claim_url) DO UPDATE SET
			description = EXCLUDED.description,
			deadline = EXCLUDED.deadline,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`
	var id string
	err = s.pool.QueryRow(ctx, query,
		c.Title, c.Description, c.Eligibility, c.Deadline, c.ClaimURL, c.SourceURL,
		c.PayoutEstimate, c.Category, c.ContactInfo, faqs, docs, c.SourceName,
		c.IsActive, c.CreatedAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert case: %w", err)
	}
	return id, nil
}

// MarkExpired deactivates cases whose deadline has passed.
func (s *Store) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cases SET is_active = false, updated_at = $1 WHERE is_active AND deadline IS NOT NULL AND deadline < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("mark expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const sourceColumns = `id, name, type, endpoint, last_checked_at, is_active, config`

// GetSource fetches a source by name, or nil when unknown.
func (s *Store) GetSource(ctx context.Context, name string) (*harvest.Source, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE name = $1`, name)
	src, err := scanSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// ListSources returns all known sources.
func (s *Store) ListSources(ctx context.Context) ([]harvest.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	var out []harvest.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, *src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// CreateSource registers a new source.
func (s *Store) CreateSource(ctx context.Context, src harvest.Source) error {
	cfg, err := json.Marshal(src.Config)
	if err != nil {
		return fmt.Errorf("marshal source config: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sources (name, type, endpoint, last_checked_at, is_active, config)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		src.Name, string(src.Type), src.Endpoint, src.LastCheckedAt, src.IsActive, cfg,
	)
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	return nil
}

// UpdateSourceLastChecked advances lastCheckedAt; the WHERE clause keeps it
// monotonic.
func (s *Store) UpdateSourceLastChecked(ctx context.Context, name string, checkedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sources SET last_checked_at = $2 WHERE name = $1 AND last_checked_at < $2`,
		name, checkedAt,
	)
	if err != nil {
		return fmt.Errorf("update source last checked: %w", err)
	}
	return nil
}

// DeactivateSource marks a source inactive.
func (s *Store) DeactivateSource(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sources SET is_active = false WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("deactivate source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %q not found", name)
	}
	return nil
}

func (s *Store) collectCases(rows pgx.Rows) ([]harvest.Case, error) {
	defer rows.Close()
	var out []harvest.Case
	for rows.Next() {
		c, err := s.scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return out, nil
}

func (s *Store) scanCase(row pgx.Row) (*harvest.Case, error) {
	var (
		c    harvest.Case
		faqs []byte
		docs []byte
	)
	err := row.Scan(
		&c.ID, &c.Title, &c.Description, &c.Eligibility, &c.Deadline, &c.ClaimURL,
		&c.SourceURL, &c.PayoutEstimate, &c.Category, &c.ContactInfo, &faqs, &docs,
		&c.SourceName, &c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(faqs) > 0 {
		if err := json.Unmarshal(faqs, &c.FAQs); err != nil {
			return nil, fmt.Errorf("unmarshal faqs: %w", err)
		}
	}
	if len(docs) > 0 {
		if err := json.Unmarshal(docs, &c.RequiredDocs); err != nil {
			return nil, fmt.Errorf("unmarshal required docs: %w", err)
		}
	}
	return &c, nil
}

func scanSource(row pgx.Row) (*harvest.Source, error) {
	var (
		src harvest.Source
		typ string
		cfg []byte
	)
	err := row.Scan(&src.ID, &src.Name, &typ, &src.Endpoint, &src.LastCheckedAt, &src.IsActive, &cfg)
	if err != nil {
		return nil, err
	}
	src.Type = harvest.SourceType(typ)
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &src.Config); err != nil {
			return nil, fmt.Errorf("unmarshal source config: %w", err)
		}
	}
	return &src, nil
}
