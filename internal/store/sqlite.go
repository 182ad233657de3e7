package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/thewalkeragency/tree-ring/internal/model"
)

// timeLayout is fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	ids    *idSource
	index  *VectorIndex
	opts   Options
	vector bool
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
// With vector search on, the index is rebuilt from the live rows.
func NewSQLiteStore(ctx context.Context, dbPath string, vectorSearch bool, opts Options) (*SQLiteStore, error) {
	opts.defaults()

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageErr("open", fmt.Errorf("create db dir: %w", err))
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, storageErr("open", err)
	}

	s := &SQLiteStore{
		db:     db,
		path:   dbPath,
		ids:    newIDSource(),
		opts:   opts,
		vector: vectorSearch,
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, storageErr("migrate", err)
	}

	if vectorSearch {
		s.index = NewVectorIndex(opts.Embedder, opts.Now)
		if err := s.rebuildIndex(ctx); err != nil {
			db.Close()
			return nil, storageErr("index", err)
		}
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_entries (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		agent_id    TEXT NOT NULL,
		scope       TEXT NOT NULL,
		content     TEXT NOT NULL,
		metadata    TEXT NOT NULL DEFAULT '{}',
		created_at  TEXT NOT NULL,
		expires_at  TEXT,
		is_durable  INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_entries_session_agent ON memory_entries(session_id, agent_id);
	CREATE INDEX IF NOT EXISTS idx_entries_scope ON memory_entries(scope);
	CREATE INDEX IF NOT EXISTS idx_entries_created ON memory_entries(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_expires ON memory_entries(expires_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) rebuildIndex(ctx context.Context) error {
	recs, err := s.Export(ctx, "")
	if err != nil {
		return err
	}
	now := s.opts.Now()
	for _, r := range recs {
		if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			continue
		}
		if err := s.index.Add(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, p SaveParams) (string, error) {
	if err := validateSave(p); err != nil {
		return "", err
	}
	content, meta, err := encodeRow(p)
	if err != nil {
		return "", err
	}

	now := s.opts.Now().UTC()
	id := s.ids.next(now)
	var expiresAt *string
	var expires *time.Time
	if p.TTL > 0 {
		t := now.Add(p.TTL)
		exp := t.Format(timeLayout)
		expiresAt, expires = &exp, &t
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_entries (id, session_id, agent_id, scope, content, metadata, created_at, expires_at, is_durable)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		id, p.SessionID, string(p.AgentID), p.Scope, content, meta, now.Format(timeLayout), expiresAt)
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

const selectColumns = `SELECT id, session_id, agent_id, scope, content, metadata, created_at, expires_at, is_durable FROM memory_entries`

func (s *SQLiteStore) Retrieve(ctx context.Context, p RetrieveParams) (*Record, error) {
	where := []string{"session_id = ?", "scope GLOB ?", "(expires_at IS NULL OR expires_at > ?)"}
	args := []any{p.SessionID, globPrefix(p.ScopePrefix), s.opts.Now().UTC().Format(timeLayout)}
	if p.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, string(p.AgentID))
	}

	row := s.db.QueryRowContext(ctx,
		selectColumns+` WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC, id DESC LIMIT 1`,
		args...)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("retrieve", err)
	}
	return &r, nil
}

func (s *SQLiteStore) Search(ctx context.Context, p SearchParams) ([]model.SearchResult, error) {
	if s.index == nil {
		s.opts.Logger.Warn("vector search is disabled", "session", p.SessionID, "scope", p.Scope)
		return nil, nil
	}
	res, err := s.index.Query(ctx, p)
	return res, storageErr("search", err)
}

func (s *SQLiteStore) ByScope(ctx context.Context, sessionID string, agentID model.AgentID, scopePrefix string) ([]Record, error) {
	where := []string{"session_id = ?", "scope GLOB ?"}
	args := []any{sessionID, globPrefix(scopePrefix)}
	if agentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, string(agentID))
	}
	return s.query(ctx, "by_scope",
		selectColumns+` WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC, id DESC`, args...)
}

func (s *SQLiteStore) query(ctx context.Context, op, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, r)
	}
	return out, storageErr(op, rows.Err())
}

func (s *SQLiteStore) Cleanup(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM memory_entries WHERE expires_at IS NOT NULL AND expires_at < ? RETURNING id, session_id`,
		s.opts.Now().UTC().Format(timeLayout))
	if err != nil {
		return 0, storageErr("cleanup", err)
	}
	defer rows.Close()

	removed := map[string][]string{}
	var n int64
	for rows.Next() {
		var id, session string
		if err := rows.Scan(&id, &session); err != nil {
			return n, storageErr("cleanup", err)
		}
		removed[session] = append(removed[session], id)
		n++
	}
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

// Stats returns row counts overall and per scope root.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Driver: "sqlite", DBPath: s.path}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_entries`).Scan(&st.Count); err != nil {
		return nil, storageErr("stats", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN instr(scope, ':') > 0 THEN substr(scope, 1, instr(scope, ':') - 1) ELSE scope END AS root,
		       COUNT(*) AS cnt
		FROM memory_entries
		GROUP BY root ORDER BY cnt DESC, root`)
	if err != nil {
		return nil, storageErr("stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sc ScopeStats
		if err := rows.Scan(&sc.Root, &sc.Count); err != nil {
			return nil, storageErr("stats", err)
		}
		st.Scopes = append(st.Scopes, sc)
	}
	if s.index != nil {
		st.Indexed = s.index.Len()
	}
	return st, storageErr("stats", rows.Err())
}

func (s *SQLiteStore) VectorSearchEnabled() bool { return s.vector }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var r Record
	var agent, content, meta, createdAt string
	var expiresAt sql.NullString
	var durable int

	err := row.Scan(&r.ID, &r.SessionID, &agent, &r.Scope, &content, &meta, &createdAt, &expiresAt, &durable)
	if err != nil {
		return r, err
	}
	r.AgentID = model.AgentID(agent)
	r.Durable = durable != 0
	if r.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return r, fmt.Errorf("parse created_at of %s: %w", r.ID, err)
	}
	if expiresAt.Valid {
		t, err := time.Parse(timeLayout, expiresAt.String)
		if err != nil {
			return r, fmt.Errorf("parse expires_at of %s: %w", r.ID, err)
		}
		r.ExpiresAt = &t
	}
	return r, decodeRow(&r, content, meta)
}
