package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore wraps a [KVStore] for the hot path (every turn-controller
// and dialog operation reads/writes against memory) and additionally
// mirrors every session write to Postgres so a call can be resumed after a
// gateway restart and so completed calls remain auditable for compliance
// review.
//
// Mirroring failures are logged but never propagated — a database outage
// must not take down live calls. Grounded on the session store's original
// pgx-based write/search pattern: positional-arg text search via
// to_tsvector/plainto_tsquery, pgx.CollectRows for scanning.
type PostgresStore struct {
	hot  *KVStore
	pool *pgxpool.Pool
}

// NewPostgresStore creates a [PostgresStore] backed by pool. The caller is
// responsible for running migrations that create the sessions and
// session_turns tables.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{hot: NewKVStore(), pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// Load reads from the in-memory hot store. If the process just restarted
// and the hot store is cold, it hydrates from Postgres first.
func (s *PostgresStore) Load(ctx context.Context, id string) (*Session, error) {
	sess, err := s.hot.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(sess.Histories) > 0 || len(sess.Context) > 0 {
		return sess, nil
	}
	hydrated, err := s.hydrate(ctx, id)
	if err != nil {
		logMirrorError("load_hydrate", id, err)
		return sess, nil
	}
	if hydrated == nil {
		return sess, nil
	}
	if err := s.hot.Persist(ctx, hydrated, 0); err != nil {
		logMirrorError("load_hydrate_cache", id, err)
	}
	return hydrated, nil
}

func (s *PostgresStore) hydrate(ctx context.Context, id string) (*Session, error) {
	var authenticated bool
	var activeAgent string
	var contextRaw, queueRaw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT authenticated, active_agent, context, queue FROM sessions WHERE id = $1`, id,
	).Scan(&authenticated, &activeAgent, &contextRaw, &queueRaw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hydrate sessions row: %w", err)
	}

	sess := NewSession(id)
	sess.Authenticated = authenticated
	sess.ActiveAgent = activeAgent
	if len(contextRaw) > 0 {
		_ = json.Unmarshal(contextRaw, &sess.Context)
	}
	if len(queueRaw) > 0 {
		_ = json.Unmarshal(queueRaw, &sess.Queue)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT agent, kind, text, tool_name, args_json, call_id, result, recorded_at
		   FROM session_turns WHERE session_id = $1 ORDER BY recorded_at ASC`, id)
	if err != nil {
		return sess, fmt.Errorf("hydrate session_turns: %w", err)
	}
	defer rows.Close()

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (struct {
		Agent string
		Entry TurnEntry
	}, error) {
		var out struct {
			Agent string
			Entry TurnEntry
		}
		var kind string
		if err := row.Scan(&out.Agent, &kind, &out.Entry.Text, &out.Entry.ToolName,
			&out.Entry.ArgsJSON, &out.Entry.CallID, &out.Entry.Result, &out.Entry.Timestamp); err != nil {
			return out, err
		}
		out.Entry.Kind = Kind(kind)
		return out, nil
	})
	if err != nil {
		return sess, fmt.Errorf("hydrate session_turns scan: %w", err)
	}
	for _, row := range entries {
		sess.Histories[row.Agent] = append(sess.Histories[row.Agent], row.Entry)
	}
	return sess, nil
}

// Persist writes through to the hot store, then mirrors the session row and
// any new turn-history entries to Postgres.
func (s *PostgresStore) Persist(ctx context.Context, sess *Session, ttl time.Duration) error {
	if err := s.hot.Persist(ctx, sess, ttl); err != nil {
		return err
	}

	contextRaw, err := json.Marshal(sess.Context)
	if err != nil {
		logMirrorError("persist_marshal_context", sess.ID, err)
		return nil
	}
	queueRaw, err := json.Marshal(sess.Queue)
	if err != nil {
		logMirrorError("persist_marshal_queue", sess.ID, err)
		return nil
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, authenticated, active_agent, context, queue, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (id) DO UPDATE SET
		   authenticated = EXCLUDED.authenticated,
		   active_agent  = EXCLUDED.active_agent,
		   context       = EXCLUDED.context,
		   queue         = EXCLUDED.queue,
		   updated_at    = now()`,
		sess.ID, sess.Authenticated, sess.ActiveAgent, contextRaw, queueRaw,
	)
	if err != nil {
		logMirrorError("persist_session_row", sess.ID, err)
		return nil
	}

	for agent, entries := range sess.Histories {
		for _, e := range entries {
			_, err := s.pool.Exec(ctx,
				`INSERT INTO session_turns (session_id, agent, kind, text, tool_name, args_json, call_id, result, recorded_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				 ON CONFLICT DO NOTHING`,
				sess.ID, agent, string(e.Kind), e.Text, e.ToolName, e.ArgsJSON, e.CallID, e.Result, e.Timestamp,
			)
			if err != nil {
				logMirrorError("persist_turn", sess.ID, err)
			}
		}
	}
	return nil
}

func (s *PostgresStore) GetContextKey(ctx context.Context, id, key string) (any, bool, error) {
	return s.hot.GetContextKey(ctx, id, key)
}

// SetContextKey writes through to the hot store immediately (this is the
// fast path live flags must use) and mirrors the single key to Postgres's
// jsonb context column with jsonb_set, best-effort.
func (s *PostgresStore) SetContextKey(ctx context.Context, id, key string, value any) error {
	if err := s.hot.SetContextKey(ctx, id, key, value); err != nil {
		return err
	}
	valueRaw, err := json.Marshal(value)
	if err != nil {
		logMirrorError("set_context_key_marshal", id, err)
		return nil
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE sessions SET context = jsonb_set(COALESCE(context, '{}'::jsonb), $2, $3::jsonb, true), updated_at = now()
		 WHERE id = $1`,
		id, "{"+key+"}", valueRaw,
	)
	if err != nil {
		logMirrorError("set_context_key", id, err)
	}
	return nil
}

func (s *PostgresStore) Refresh(ctx context.Context, id string) (ChangedFlags, error) {
	return s.hot.Refresh(ctx, id)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if err := s.hot.Delete(ctx, id); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		logMirrorError("delete", id, err)
	}
	return nil
}

// SearchOpts narrows a [PostgresStore.SearchTurns] query.
type SearchOpts struct {
	// Limit caps the number of returned turns; zero or less means 50.
	Limit int
	// Since, when non-zero, excludes turns recorded before it.
	Since time.Time
}

// SearchTurns runs a Postgres full-text query against the durable mirror so
// that an audit reviewer can find turns even after they age out of the hot
// store. This is a supplemental capability, not part of [Store]: the call
// pipeline itself never needs ad hoc search, only the compliance/audit
// surface does. Falls back to an in-memory substring scan over the
// currently hot session if the database is unreachable.
func (s *PostgresStore) SearchTurns(ctx context.Context, id string, query string, opts SearchOpts) ([]TurnEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	sql := `SELECT kind, text, tool_name, args_json, call_id, result, recorded_at
	        FROM session_turns
	        WHERE session_id = $1 AND to_tsvector('english', text) @@ plainto_tsquery('english', $2)`
	args := []any{id, query}
	if !opts.Since.IsZero() {
		sql += fmt.Sprintf(" AND recorded_at >= $%d", len(args)+1)
		args = append(args, opts.Since)
	}
	sql += fmt.Sprintf(" ORDER BY recorded_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		logMirrorError("search", id, err)
		return s.fallbackSearch(ctx, id, query, opts)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (TurnEntry, error) {
		var e TurnEntry
		var kind string
		if err := row.Scan(&kind, &e.Text, &e.ToolName, &e.ArgsJSON, &e.CallID, &e.Result, &e.Timestamp); err != nil {
			return TurnEntry{}, err
		}
		e.Kind = Kind(kind)
		return e, nil
	})
}

func (s *PostgresStore) fallbackSearch(ctx context.Context, id string, query string, opts SearchOpts) ([]TurnEntry, error) {
	sess, err := s.hot.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	q := strings.ToLower(query)
	var out []TurnEntry
	for _, entries := range sess.Histories {
		for _, e := range entries {
			if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
				continue
			}
			if strings.Contains(strings.ToLower(e.Text), q) {
				out = append(out, e)
				if len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

func logMirrorError(op, sessionID string, err error) {
	slog.Warn("postgres mirror write failed, hot store unaffected",
		"op", op, "session_id", sessionID, "error", err)
}
