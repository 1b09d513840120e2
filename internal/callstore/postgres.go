package callstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/switchboard-voice/switchboard/internal/transcript"
)

var _ Store = (*PostgresStore)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlVendors = `
CREATE TABLE IF NOT EXISTS vendors (
    id           TEXT         PRIMARY KEY,
    name         TEXT         NOT NULL,
    phone_number TEXT         NOT NULL UNIQUE,
    instructions TEXT         NOT NULL DEFAULT '',
    greeting     TEXT         NOT NULL DEFAULT '',
    documents    JSONB        NOT NULL DEFAULT '[]',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id            TEXT         PRIMARY KEY,
    call_sid      TEXT         NOT NULL DEFAULT '',
    stream_sid    TEXT         NOT NULL,
    vendor_id     TEXT         NOT NULL DEFAULT '',
    from_number   TEXT         NOT NULL DEFAULT '',
    to_number     TEXT         NOT NULL DEFAULT '',
    started_at    TIMESTAMPTZ  NOT NULL,
    ended_at      TIMESTAMPTZ  NOT NULL,
    transcript    JSONB        NOT NULL DEFAULT '[]',
    summary       TEXT         NOT NULL DEFAULT '',
    interruptions INT          NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_calls_vendor_id
    ON calls (vendor_id);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at);
`

// Migrate ensures the vendors and calls tables exist. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlVendors, ddlCalls} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("callstore: migrate: %w", err)
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Store
// ─────────────────────────────────────────────────────────────────────────────

// PostgresStore is a PostgreSQL-backed Store. It holds a single
// [pgxpool.Pool] and is safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore establishes a connection pool to the database at dsn,
// verifies connectivity, and runs [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("callstore: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("callstore: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callstore: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) VendorByPhone(ctx context.Context, phone string) (Vendor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, phone_number, instructions, greeting, documents, created_at, updated_at
		FROM vendors
		WHERE phone_number = $1`, phone)
	if err != nil {
		return Vendor{}, fmt.Errorf("callstore: vendor by phone: %w", err)
	}

	v, err := pgx.CollectOneRow(rows, scanVendor)
	if errors.Is(err, pgx.ErrNoRows) {
		return Vendor{}, ErrNotFound
	}
	if err != nil {
		return Vendor{}, fmt.Errorf("callstore: vendor by phone: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) UpsertVendor(ctx context.Context, v Vendor) (Vendor, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Documents == nil {
		v.Documents = []Document{}
	}
	docs, err := json.Marshal(v.Documents)
	if err != nil {
		return Vendor{}, fmt.Errorf("callstore: upsert vendor: marshal documents: %w", err)
	}
	now := time.Now().UTC()

	rows, err := s.pool.Query(ctx, `
		INSERT INTO vendors (id, name, phone_number, instructions, greeting, documents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (phone_number) DO UPDATE SET
			name         = EXCLUDED.name,
			instructions = EXCLUDED.instructions,
			greeting     = EXCLUDED.greeting,
			documents    = EXCLUDED.documents,
			updated_at   = EXCLUDED.updated_at
		RETURNING id, name, phone_number, instructions, greeting, documents, created_at, updated_at`,
		v.ID, v.Name, v.PhoneNumber, v.Instructions, v.Greeting, docs, now)
	if err != nil {
		return Vendor{}, fmt.Errorf("callstore: upsert vendor: %w", err)
	}

	out, err := pgx.CollectOneRow(rows, scanVendor)
	if err != nil {
		return Vendor{}, fmt.Errorf("callstore: upsert vendor: %w", err)
	}
	return out, nil
}

func scanVendor(row pgx.CollectableRow) (Vendor, error) {
	var v Vendor
	var docs []byte
	err := row.Scan(&v.ID, &v.Name, &v.PhoneNumber, &v.Instructions, &v.Greeting, &docs, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return Vendor{}, err
	}
	if err := json.Unmarshal(docs, &v.Documents); err != nil {
		return Vendor{}, fmt.Errorf("unmarshal documents: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) SaveCall(ctx context.Context, rec CallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Transcript == nil {
		rec.Transcript = []transcript.Entry{}
	}
	tr, err := json.Marshal(rec.Transcript)
	if err != nil {
		return fmt.Errorf("callstore: save call: marshal transcript: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO calls (id, call_sid, stream_sid, vendor_id, from_number, to_number,
		                   started_at, ended_at, transcript, summary, interruptions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.CallSID, rec.StreamSID, rec.VendorID, rec.FromNumber, rec.ToNumber,
		rec.StartedAt, rec.EndedAt, tr, rec.Summary, rec.Interruptions)
	if err != nil {
		return fmt.Errorf("callstore: save call: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetSummary(ctx context.Context, callID, summary string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE calls SET summary = $2 WHERE id = $1`, callID, summary)
	if err != nil {
		return fmt.Errorf("callstore: set summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("callstore: ping: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
