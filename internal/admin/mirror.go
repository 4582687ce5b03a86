// Package admin implements the read-only message/search surface that
// coexists on Reservoir's listener alongside the chat completions proxy.
// It mirrors message metadata into Postgres so listing and text search
// don't have to round-trip the graph store for every admin request.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"reservoir/internal/convo"
)

// Mirror is a write-behind Postgres index of stored messages, queried by
// the admin handlers. It is never the system of record: the Conversation
// Store is.
type Mirror struct {
	pool *pgxpool.Pool
}

// NewMirror wraps pool and ensures the mirror table exists.
func NewMirror(ctx context.Context, pool *pgxpool.Pool) (*Mirror, error) {
	m := &Mirror{pool: pool}
	if err := m.init(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mirror) init(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS reservoir_messages (
    id TEXT PRIMARY KEY,
    trace_id TEXT NOT NULL,
    partition TEXT NOT NULL,
    instance TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    url TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS reservoir_messages_scope_idx ON reservoir_messages(partition, instance, created_at DESC);
`)
	if err != nil {
		return fmt.Errorf("init admin mirror: %w", err)
	}
	return nil
}

// Record mirrors a just-persisted message. Failures here never abort the
// pipeline; the admin surface is a convenience index, not the record of
// truth.
func (m *Mirror) Record(ctx context.Context, msg convo.Message) error {
	_, err := m.pool.Exec(ctx, `
INSERT INTO reservoir_messages (id, trace_id, partition, instance, role, content, url, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING
`, msg.ID, msg.TraceID, msg.Partition, msg.Instance, string(msg.Role), msg.Content, msg.URL, msg.Timestamp)
	return err
}

// Messages lists the most recent n mirrored messages for a (partition,
// instance) pair, newest first.
func (m *Mirror) Messages(ctx context.Context, partition, instance string, n int) ([]convo.Message, error) {
	rows, err := m.pool.Query(ctx, `
SELECT id, trace_id, partition, instance, role, content, url, created_at
FROM reservoir_messages
WHERE partition = $1 AND instance = $2
ORDER BY created_at DESC
LIMIT $3
`, partition, instance, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []convo.Message
	for rows.Next() {
		var msg convo.Message
		var role string
		var ts time.Time
		if err := rows.Scan(&msg.ID, &msg.TraceID, &msg.Partition, &msg.Instance, &role, &msg.Content, &msg.URL, &ts); err != nil {
			return nil, err
		}
		msg.Role = convo.Role(role)
		msg.Timestamp = ts
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Search does a plain substring text search scoped to (partition, instance).
func (m *Mirror) Search(ctx context.Context, partition, instance, query string, limit int) ([]convo.Message, error) {
	rows, err := m.pool.Query(ctx, `
SELECT id, trace_id, partition, instance, role, content, url, created_at
FROM reservoir_messages
WHERE partition = $1 AND instance = $2 AND content ILIKE '%' || $3 || '%'
ORDER BY created_at DESC
LIMIT $4
`, partition, instance, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []convo.Message
	for rows.Next() {
		var msg convo.Message
		var role string
		var ts time.Time
		if err := rows.Scan(&msg.ID, &msg.TraceID, &msg.Partition, &msg.Instance, &role, &msg.Content, &msg.URL, &ts); err != nil {
			return nil, err
		}
		msg.Role = convo.Role(role)
		msg.Timestamp = ts
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (m *Mirror) Close() { m.pool.Close() }
