package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contentforge/orchestrator/internal/item"
)

// Postgres is the pgx-backed Store for multi-instance deployments.
type Postgres struct {
	pool *pgxpool.Pool
}

// Connect establishes a connection pool and verifies it.
func Connect(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Migrate creates the content_items table when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS content_items (
			id           UUID PRIMARY KEY,
			topic        TEXT NOT NULL,
			fingerprint  TEXT NOT NULL,
			stage        TEXT NOT NULL,
			version      INT  NOT NULL,
			outputs      JSONB NOT NULL DEFAULT '{}',
			failures     JSONB NOT NULL DEFAULT '[]',
			attempts     INT  NOT NULL DEFAULT 0,
			approved_at  TIMESTAMPTZ,
			idle_until   TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS content_items_stage_idx ON content_items (stage);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate content_items: %w", err)
	}
	return nil
}

// Create inserts a new item row.
func (p *Postgres) Create(ctx context.Context, it *item.ContentItem) error {
	outputs, failures, err := marshalBags(it)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO content_items (id, topic, fingerprint, stage, version, outputs, failures, attempts, approved_at, idle_until, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		it.ID, it.Topic, it.Fingerprint, string(it.Stage), it.Version, outputs, failures,
		it.Attempts, it.ApprovedAt, it.IdleUntil, it.CreatedAt, it.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create item %s: %w", it.ID, err)
	}
	return nil
}

// Load fetches one item by ID.
func (p *Postgres) Load(ctx context.Context, id uuid.UUID) (*item.ContentItem, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, topic, fingerprint, stage, version, outputs, failures, attempts, approved_at, idle_until, created_at, updated_at
		 FROM content_items WHERE id = $1`, id)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load item %s: %w", id, err)
	}
	return it, nil
}

// Save updates the row guarded by the optimistic version check.
func (p *Postgres) Save(ctx context.Context, it *item.ContentItem, expectedVersion int) error {
	outputs, failures, err := marshalBags(it)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE content_items
		 SET topic = $2, fingerprint = $3, stage = $4, version = $5, outputs = $6,
		     failures = $7, attempts = $8, approved_at = $9, idle_until = $10, updated_at = NOW()
		 WHERE id = $1 AND version = $11`,
		it.ID, it.Topic, it.Fingerprint, string(it.Stage), it.Version, outputs, failures,
		it.Attempts, it.ApprovedAt, it.IdleUntil, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to save item %s: %w", it.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a version mismatch.
		var exists bool
		if qerr := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM content_items WHERE id = $1)`, it.ID).Scan(&exists); qerr != nil {
			return fmt.Errorf("failed to save item %s: %w", it.ID, qerr)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

// ListReady returns non-terminal items eligible for advancement,
// oldest first. Idle-parked items and not-yet-due scheduled posts are
// excluded in SQL so workers never load them.
func (p *Postgres) ListReady(ctx context.Context, f ReadyFilter) ([]*item.ContentItem, error) {
	now := f.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	query := `SELECT id, topic, fingerprint, stage, version, outputs, failures, attempts, approved_at, idle_until, created_at, updated_at
		 FROM content_items
		 WHERE stage NOT IN ('analyzed', 'failed', 'cancelled')
		   AND (idle_until IS NULL OR idle_until <= $1)
		   AND (stage <> 'scheduled' OR (outputs->>'scheduled_at') IS NULL OR (outputs->>'scheduled_at')::timestamptz <= $1)`
	args := []any{now}
	if len(f.Stages) > 0 {
		names := make([]string, len(f.Stages))
		for i, s := range f.Stages {
			names[i] = string(s)
		}
		query += fmt.Sprintf(" AND stage = ANY($%d)", len(args)+1)
		args = append(args, names)
	}
	query += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready items: %w", err)
	}
	defer rows.Close()

	var out []*item.ContentItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list ready items: %w", err)
	}
	return out, nil
}

func marshalBags(it *item.ContentItem) (outputs, failures []byte, err error) {
	outputs, err = json.Marshal(it.Outputs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal outputs: %w", err)
	}
	failures, err = json.Marshal(it.Failures)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal failures: %w", err)
	}
	return outputs, failures, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*item.ContentItem, error) {
	var (
		it       item.ContentItem
		stage    string
		outputs  []byte
		failures []byte
	)
	if err := row.Scan(&it.ID, &it.Topic, &it.Fingerprint, &stage, &it.Version,
		&outputs, &failures, &it.Attempts, &it.ApprovedAt, &it.IdleUntil,
		&it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, err
	}
	it.Stage = item.Stage(stage)
	if err := json.Unmarshal(outputs, &it.Outputs); err != nil {
		return nil, fmt.Errorf("corrupt outputs payload: %w", err)
	}
	if len(failures) > 0 && strings.TrimSpace(string(failures)) != "null" {
		if err := json.Unmarshal(failures, &it.Failures); err != nil {
			return nil, fmt.Errorf("corrupt failures payload: %w", err)
		}
	}
	return &it, nil
}
