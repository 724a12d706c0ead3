// Package pg provides a PostgreSQL-backed RecordStore using pgx.
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/facturalink/sri-engine/internal/model"
	"github.com/facturalink/sri-engine/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS document_records (
    access_key           TEXT PRIMARY KEY,
    tenant_id            TEXT NOT NULL,
    document_type        TEXT NOT NULL,
    number               TEXT NOT NULL DEFAULT '',
    sequence             BIGINT NOT NULL,
    state                TEXT NOT NULL,
    attempt_count        INT NOT NULL DEFAULT 0,
    poll_count           INT NOT NULL DEFAULT 0,
    canonical_xml        BYTEA,
    signed_xml           BYTEA,
    last_code            TEXT NOT NULL DEFAULT '',
    last_message         TEXT NOT NULL DEFAULT '',
    authorization_number TEXT NOT NULL DEFAULT '',
    authorized_at        TIMESTAMPTZ,
    submitted_at         TIMESTAMPTZ,
    next_poll_at         TIMESTAMPTZ,
    created_at           TIMESTAMPTZ NOT NULL,
    updated_at           TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_document_records_tenant
    ON document_records (tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_document_records_due
    ON document_records (next_poll_at)
    WHERE next_poll_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS document_events (
    id         UUID PRIMARY KEY,
    access_key TEXT NOT NULL REFERENCES document_records (access_key),
    from_state TEXT NOT NULL,
    to_state   TEXT NOT NULL,
    code       TEXT NOT NULL DEFAULT '',
    message    TEXT NOT NULL DEFAULT '',
    at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_document_events_access_key
    ON document_events (access_key, at);
`

// Store persists records and audit events in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool to dsn and returns a Store.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the record and event tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Create implements pipeline.RecordStore.
func (s *Store) Create(ctx context.Context, rec *pipeline.DocumentRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_records (
			access_key, tenant_id, document_type, number, sequence, state,
			attempt_count, poll_count, canonical_xml, signed_xml,
			last_code, last_message, authorization_number,
			authorized_at, submitted_at, next_poll_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		rec.AccessKey, rec.TenantID, string(rec.DocumentType), rec.Number, rec.Sequence, string(rec.State),
		rec.AttemptCount, rec.PollCount, rec.CanonicalXML, rec.SignedXML,
		rec.LastCode, rec.LastMessage, rec.AuthorizationNumber,
		rec.AuthorizedAt, rec.SubmittedAt, rec.NextPollAt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.AccessKey, err)
	}
	return nil
}

// Get implements pipeline.RecordStore.
func (s *Store) Get(ctx context.Context, accessKey string) (*pipeline.DocumentRecord, error) {
	row := s.pool.QueryRow(ctx, selectColumns+` WHERE access_key = $1`, accessKey)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pipeline.ErrRecordNotFound
	}
	return rec, err
}

// Update implements pipeline.RecordStore.
func (s *Store) Update(ctx context.Context, rec *pipeline.DocumentRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE document_records SET
			number = $2, state = $3, attempt_count = $4, poll_count = $5,
			canonical_xml = $6, signed_xml = $7, last_code = $8, last_message = $9,
			authorization_number = $10, authorized_at = $11, submitted_at = $12,
			next_poll_at = $13, updated_at = $14
		WHERE access_key = $1`,
		rec.AccessKey, rec.Number, string(rec.State), rec.AttemptCount, rec.PollCount,
		rec.CanonicalXML, rec.SignedXML, rec.LastCode, rec.LastMessage,
		rec.AuthorizationNumber, rec.AuthorizedAt, rec.SubmittedAt,
		rec.NextPollAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update record %s: %w", rec.AccessKey, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrRecordNotFound
	}
	return nil
}

// AppendEvent implements pipeline.RecordStore.
func (s *Store) AppendEvent(ctx context.Context, ev *pipeline.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_events (id, access_key, from_state, to_state, code, message, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ev.ID, ev.AccessKey, string(ev.FromState), string(ev.ToState), ev.Code, ev.Message, ev.At,
	)
	if err != nil {
		return fmt.Errorf("insert event for %s: %w", ev.AccessKey, err)
	}
	return nil
}

// Events implements pipeline.RecordStore.
func (s *Store) Events(ctx context.Context, accessKey string) ([]pipeline.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, access_key, from_state, to_state, code, message, at
		FROM document_events WHERE access_key = $1 ORDER BY at`, accessKey)
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", accessKey, err)
	}
	defer rows.Close()

	var out []pipeline.Event
	for rows.Next() {
		var ev pipeline.Event
		var from, to string
		if err := rows.Scan(&ev.ID, &ev.AccessKey, &from, &to, &ev.Code, &ev.Message, &ev.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.FromState = pipeline.State(from)
		ev.ToState = pipeline.State(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Due implements pipeline.RecordStore.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*pipeline.DocumentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, selectColumns+`
		WHERE next_poll_at IS NOT NULL
		  AND next_poll_at <= $1
		  AND state NOT IN ('AUTHORIZED','REJECTED','FAILED')
		ORDER BY next_poll_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due records: %w", err)
	}
	return collectRecords(rows)
}

// ByTenant implements pipeline.RecordStore.
func (s *Store) ByTenant(ctx context.Context, tenantID string, limit int) ([]*pipeline.DocumentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, selectColumns+`
		WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tenant records: %w", err)
	}
	return collectRecords(rows)
}

const selectColumns = `
	SELECT access_key, tenant_id, document_type, number, sequence, state,
	       attempt_count, poll_count, canonical_xml, signed_xml,
	       last_code, last_message, authorization_number,
	       authorized_at, submitted_at, next_poll_at, created_at, updated_at
	FROM document_records`

func scanRecord(row pgx.Row) (*pipeline.DocumentRecord, error) {
	var rec pipeline.DocumentRecord
	var docType, state string
	err := row.Scan(
		&rec.AccessKey, &rec.TenantID, &docType, &rec.Number, &rec.Sequence, &state,
		&rec.AttemptCount, &rec.PollCount, &rec.CanonicalXML, &rec.SignedXML,
		&rec.LastCode, &rec.LastMessage, &rec.AuthorizationNumber,
		&rec.AuthorizedAt, &rec.SubmittedAt, &rec.NextPollAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.DocumentType = model.DocumentType(docType)
	rec.State = pipeline.State(state)
	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]*pipeline.DocumentRecord, error) {
	defer rows.Close()
	var out []*pipeline.DocumentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
