// Optional Postgres-backed export sink for the Event Store, satisfying the
// "external key-value log" backend option named in §4.3, built on
// jackc/pgx/v5. This sink only appends; it does not replace the in-process
// ring buffer used for live query/stream.
package eventstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGExporter writes Events to a Postgres table, one row per Export call, for
// durable export, used
// alongside (never instead of) the in-process Store.
type PGExporter struct {
	pool *pgxpool.Pool
}

// NewPGExporter connects to dsn and ensures the export table exists.
func NewPGExporter(ctx context.Context, dsn string) (*PGExporter, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: connect: %w", err)
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS exhibit_events (
	request_id  text NOT NULL,
	client_id   text NOT NULL,
	seq         bigint NOT NULL,
	ts_ms       bigint NOT NULL,
	kind        text NOT NULL,
	name        text NOT NULL,
	level       text NOT NULL,
	fields      jsonb,
	PRIMARY KEY (request_id, seq)
)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventstore: ensure table: %w", err)
	}

	return &PGExporter{pool: pool}, nil
}

// Export appends a single event row. Best-effort: callers should not block
// the hot path on export failures, only log them.
func (p *PGExporter) Export(ctx context.Context, e Event) error {
	const q = `
INSERT INTO exhibit_events (request_id, client_id, seq, ts_ms, kind, name, level, fields)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (request_id, seq) DO NOTHING`
	_, err := p.pool.Exec(ctx, q, e.RequestID, e.ClientID, e.Seq, e.TSMillis, e.Kind, e.Name, e.Level, e.Fields)
	return err
}

// Close releases the pool.
func (p *PGExporter) Close() {
	p.pool.Close()
}
