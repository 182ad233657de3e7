package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thewalkeragency/tree-ring/internal/model"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	ids    *idSource
	index  *VectorIndex
	opts   Options
	vector bool
}

// NewPostgresStore connects to dsn and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string, vectorSearch bool, opts Options) (*PostgresStore, error) {
	opts.defaults()

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &model.InputError{Field: "store.dsn", Reason: err.Error()}
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, storageErr("open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storageErr("open", err)
	}

	s := &PostgresStore{pool: pool, ids: newIDSource(), opts: opts, vector: vectorSearch}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, storageErr("migrate", err)
	}
	if vectorSearch {
		s.index = NewVectorIndex(opts.Embedder, opts.Now)
		recs, err := s.Export(ctx, "")
		if err != nil {
			pool.Close()
			return nil, err
		}
		now := opts.Now()
		for _, r := range recs {
			if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
				continue
			}
			if err := s.index.Add(ctx, r); err != nil {
				pool.Close()
				return nil, storageErr("index", err)
			}
		}
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS memory_entries (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		agent_id    TEXT NOT NULL,
		scope       TEXT NOT NULL,
		content     JSONB NOT NULL,
		metadata    JSONB NOT NULL DEFAULT '{}',
		created_at  TIMESTAMPTZ NOT NULL,
		expires_at  TIMESTAMPTZ,
		is_durable  BOOLEAN NOT NULL DEFAULT TRUE
	);
	CREATE INDEX IF NOT EXISTS idx_entries_session_agent ON memory_entries(session_id, agent_id);
	CREATE INDEX IF NOT EXISTS idx_entries_scope ON memory_entries(scope text_pattern_ops);
	CREATE INDEX IF NOT EXISTS idx_entries_created ON memory_entries(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_expires ON memory_entries(expires_at);
	`)
	return err
}

func (s *PostgresStore) Save(ctx context.Context, p SaveParams) (string, error) {
	if err := validateSave(p); err != nil {
		return "", err
	}
	content, meta, err := encodeRow(p)
	if err != nil {
		return "", err
	}

	now := s.opts.Now().UTC()
	id := s.ids.next(now)
	var expires *time.Time
	if p.TTL > 0 {
		t := now.Add(p.TTL)
		expires = &t
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO memory_entries (id, session_id, agent_id, scope, content, metadata, created_at, expires_at, is_durable)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, TRUE)`,
		id, p.SessionID, string(p.AgentID), p.Scope, content, meta, now, expires)
	if err != nil {
		return "", storageErr("save", err)
	}

	if s.index != nil {
		rec := Record{
			ID: id, SessionID: p.SessionID, AgentID: p.AgentID, Scope: p.Scope,
			Content: p.Data, CreatedAt: now, ExpiresAt: expires, Durable: true,
		}
		if err := s.index.Add(ctx, rec); err != nil {
			return id, storageErr("index", err)
		}
	}
	return id, nil
}

const pgSelectColumns = `SELECT id, session_id, agent_id, scope, content::text, metadata::text, created_at, expires_at, is_durable FROM memory_entries`

// pgWhere numbers placeholders as conditions are added.
type pgWhere struct {
	conds []string
	args  []any
}

func (w *pgWhere) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *pgWhere) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (s *PostgresStore) Retrieve(ctx context.Context, p RetrieveParams) (*Record, error) {
	var w pgWhere
	w.add("session_id = ?", p.SessionID)
	w.add(`scope LIKE ? ESCAPE '\'`, likePrefix(p.ScopePrefix))
	w.add("(expires_at IS NULL OR expires_at > ?)", s.opts.Now().UTC())
	if p.AgentID != "" {
		w.add("agent_id = ?", string(p.AgentID))
	}

	row := s.pool.QueryRow(ctx, pgSelectColumns+w.String()+` ORDER BY created_at DESC, id DESC LIMIT 1`, w.args...)
	r, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("retrieve", err)
	}
	return &r, nil
}

func (s *PostgresStore) Search(ctx context.Context, p SearchParams) ([]model.SearchResult, error) {
	if s.index == nil {
		s.opts.Logger.Warn("vector search is disabled", "session", p.SessionID, "scope", p.Scope)
		return nil, nil
	}
	res, err := s.index.Query(ctx, p)
	return res, storageErr("search", err)
}

func (s *PostgresStore) ByScope(ctx context.Context, sessionID string, agentID model.AgentID, scopePrefix string) ([]Record, error) {
	var w pgWhere
	w.add("session_id = ?", sessionID)
	w.add(`scope LIKE ? ESCAPE '\'`, likePrefix(scopePrefix))
	if agentID != "" {
		w.add("agent_id = ?", string(agentID))
	}
	return s.query(ctx, "by_scope", pgSelectColumns+w.String()+` ORDER BY created_at DESC, id DESC`, w.args...)
}

func (s *PostgresStore) Export(ctx context.Context, sessionID string) ([]Record, error) {
	var w pgWhere
	if sessionID != "" {
		w.add("session_id = ?", sessionID)
	}
	return s.query(ctx, "export", pgSelectColumns+w.String()+` ORDER BY created_at, id`, w.args...)
}

func (s *PostgresStore) Import(ctx context.Context, records []Record) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, storageErr("import", err)
	}
	defer tx.Rollback(ctx)

	var added []Record
	for _, r := range records {
		if err := validateRecord(r); err != nil {
			return 0, err
		}
		content, meta, err := encodeRow(SaveParams{Data: r.Content, Metadata: r.Metadata})
		if err != nil {
			return 0, err
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO memory_entries (id, session_id, agent_id, scope, content, metadata, created_at, expires_at, is_durable)
			 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9)
			 ON CONFLICT (id) DO NOTHING`,
			r.ID, r.SessionID, string(r.AgentID), r.Scope, content, meta, r.CreatedAt.UTC(), r.ExpiresAt, r.Durable)
		if err != nil {
			return 0, storageErr("import", err)
		}
		if tag.RowsAffected() > 0 {
			added = append(added, r)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storageErr("import", err)
	}

	if s.index != nil {
		for _, r := range added {
			if err := s.index.Add(ctx, r); err != nil {
				return len(added), storageErr("index", err)
			}
		}
	}
	return len(added), nil
}

func (s *PostgresStore) query(ctx context.Context, op, q string, args ...any) ([]Record, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, r)
	}
	return out, storageErr(op, rows.Err())
}

func (s *PostgresStore) Cleanup(ctx context.Context) (int64, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM memory_entries WHERE expires_at IS NOT NULL AND expires_at < $1 RETURNING id, session_id`,
		s.opts.Now().UTC())
	if err != nil {
		return 0, storageErr("cleanup", err)
	}
	removed := map[string][]string{}
	var n int64
	for rows.Next() {
		var id, session string
		if err := rows.Scan(&id, &session); err != nil {
			rows.Close()
			return n, storageErr("cleanup", err)
		}
		removed[session] = append(removed[session], id)
		n++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return n, storageErr("cleanup", err)
	}

	if s.index != nil {
		for session, ids := range removed {
			if err := s.index.Remove(ctx, session, ids...); err != nil {
				return n, storageErr("cleanup", err)
			}
		}
	}
	return n, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Driver: "postgres"}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memory_entries`).Scan(&st.Count); err != nil {
		return nil, storageErr("stats", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT split_part(scope, ':', 1) AS root, COUNT(*) AS cnt
		FROM memory_entries
		GROUP BY root ORDER BY cnt DESC, root`)
	if err != nil {
		return nil, storageErr("stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sc ScopeStats
		var cnt int64
		if err := rows.Scan(&sc.Root, &cnt); err != nil {
			return nil, storageErr("stats", err)
		}
		sc.Count = int(cnt)
		st.Scopes = append(st.Scopes, sc)
	}
	if s.index != nil {
		st.Indexed = s.index.Len()
	}
	return st, storageErr("stats", rows.Err())
}

func (s *PostgresStore) VectorSearchEnabled() bool { return s.vector }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgRecord(row pgx.Row) (Record, error) {
	var r Record
	var agent, content, meta string
	var expiresAt *time.Time

	err := row.Scan(&r.ID, &r.SessionID, &agent, &r.Scope, &content, &meta, &r.CreatedAt, &expiresAt, &r.Durable)
	if err != nil {
		return r, err
	}
	r.AgentID = model.AgentID(agent)
	r.CreatedAt = r.CreatedAt.UTC()
	if expiresAt != nil {
		t := expiresAt.UTC()
		r.ExpiresAt = &t
	}
	return r, decodeRow(&r, content, meta)
}
