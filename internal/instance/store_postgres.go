package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

// PostgresStore persists instance records in a single JSONB-backed table.
// A partial unique index on (subject_id, kind) over non-terminal rows backs
// the one-in-flight-instance invariant across process restarts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Schema is the DDL the store expects. Applied by migrations in deployment;
// tests apply it directly.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
    id           UUID PRIMARY KEY,
    subject_id   UUID NOT NULL,
    kind         TEXT NOT NULL,
    status       TEXT NOT NULL,
    target_tier  TEXT NOT NULL DEFAULT '',
    current_step TEXT NOT NULL DEFAULT '',
    body         JSONB NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    updated_at   TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS workflow_instances_one_in_flight
    ON workflow_instances (subject_id, kind)
    WHERE status NOT IN ('approved','rejected','expired','cancelled','suspended','failed');
CREATE INDEX IF NOT EXISTS workflow_instances_subject
    ON workflow_instances (subject_id, started_at DESC);
`

func (s *PostgresStore) Put(ctx context.Context, rec *Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal instance record: %w", err)
	}
	var completed *time.Time
	if !rec.CompletedAt.IsZero() {
		completed = &rec.CompletedAt
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances
			(id, subject_id, kind, status, target_tier, current_step, body, started_at, completed_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			target_tier = EXCLUDED.target_tier,
			current_step = EXCLUDED.current_step,
			body = EXCLUDED.body,
			completed_at = EXCLUDED.completed_at,
			updated_at = now()`,
		rec.ID.String(), rec.SubjectID.String(), rec.Kind.String(), rec.Status.String(),
		rec.TargetTier.String(), rec.CurrentStep, body, rec.StartedAt, completed,
	)
	if err != nil {
		return fmt.Errorf("upsert instance record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id domain.InstanceID) (*Record, error) {
	return s.scanOne(s.pool.QueryRow(ctx,
		`SELECT body FROM workflow_instances WHERE id = $1`, id.String()))
}

func (s *PostgresStore) FindActive(ctx context.Context, subject domain.SubjectID, kind domain.WorkflowKind) (*Record, error) {
	return s.scanOne(s.pool.QueryRow(ctx, `
		SELECT body FROM workflow_instances
		WHERE subject_id = $1 AND kind = $2
		  AND status NOT IN ('approved','rejected','expired','cancelled','suspended','failed')`,
		subject.String(), kind.String()))
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subject domain.SubjectID) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT body FROM workflow_instances
		WHERE subject_id = $1
		ORDER BY started_at DESC`, subject.String())
	if err != nil {
		return nil, fmt.Errorf("list instance records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan instance record: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal instance record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanOne(row rowScanner) (*Record, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan instance record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal instance record: %w", err)
	}
	return &rec, nil
}
