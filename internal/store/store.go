// Package store provides the persistent context layer: an append-only
// table of context rows with SQLite and Postgres implementations, plus an
// optional vector index for semantic search.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/thewalkeragency/tree-ring/internal/embedding"
	"github.com/thewalkeragency/tree-ring/internal/model"
)

// SaveParams holds parameters for appending a context row.
type SaveParams struct {
	SessionID string
	AgentID   model.AgentID
	Scope     string
	Data      any
	Metadata  map[string]any
	TTL       time.Duration // 0 keeps the row until deleted
}

// RetrieveParams selects the latest row under a scope prefix. An empty
// AgentID matches rows from every agent.
type RetrieveParams struct {
	SessionID   string
	AgentID     model.AgentID
	ScopePrefix string
}

// SearchParams holds parameters for semantic search.
type SearchParams struct {
	Query     string
	SessionID string
	AgentID   model.AgentID
	Scope     string
	Limit     int
}

// Record is one stored row.
type Record struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	AgentID   model.AgentID  `json:"agent_id"`
	Scope     string         `json:"scope"`
	Content   any            `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Durable   bool           `json:"is_durable"`
}

// Entry converts the row to the shared entry shape.
func (r Record) Entry() model.Entry {
	e := model.Entry{
		Key:  r.ID,
		Data: r.Content,
		Metadata: model.Metadata{
			Agent:     r.AgentID,
			Scope:     r.Scope,
			Session:   r.SessionID,
			CreatedAt: r.CreatedAt,
			Extra:     r.Metadata,
		},
		Layer:   model.LayerPersistent,
		Durable: r.Durable,
	}
	if r.ExpiresAt != nil {
		e.Metadata.ExpiresAt = *r.ExpiresAt
	}
	return e
}

// Stats holds storage statistics.
type Stats struct {
	Driver      string       `json:"driver"`
	DBPath      string       `json:"db_path,omitempty"`
	DBSizeBytes int64        `json:"db_size_bytes,omitempty"`
	Count       int          `json:"count"`
	Scopes      []ScopeStats `json:"scopes"`
	Indexed     int          `json:"indexed,omitempty"`
}

// ScopeStats holds per-scope-root counts.
type ScopeStats struct {
	Root  string `json:"scope_root"`
	Count int    `json:"count"`
}

// Store defines the persistent layer. Every I/O failure is returned as a
// *model.StorageError.
type Store interface {
	// Save appends a row and returns its id. History is never overwritten.
	Save(ctx context.Context, p SaveParams) (string, error)

	// Retrieve returns the most recent live row under the scope prefix, or
	// nil when there is none.
	Retrieve(ctx context.Context, p RetrieveParams) (*Record, error)

	// Search ranks rows by semantic similarity. With vector search
	// disabled it logs a warning and returns no results.
	Search(ctx context.Context, p SearchParams) ([]model.SearchResult, error)

	// ByScope lists rows under the scope prefix, newest first.
	ByScope(ctx context.Context, sessionID string, agentID model.AgentID, scopePrefix string) ([]Record, error)

	// Export returns every row of a session (all sessions when empty),
	// oldest first.
	Export(ctx context.Context, sessionID string) ([]Record, error)

	// Import appends previously exported rows, keeping their ids.
	Import(ctx context.Context, records []Record) (int, error)

	// Cleanup deletes rows whose expiry has passed.
	Cleanup(ctx context.Context) (int64, error)

	Stats(ctx context.Context) (*Stats, error)

	VectorSearchEnabled() bool

	Close() error
}

// Config selects and locates the backing store.
type Config struct {
	Driver       string // "sqlite" or "postgres"
	Path         string // sqlite database file
	DSN          string // postgres connection string
	VectorSearch bool
}

// Options holds collaborators shared by both drivers.
type Options struct {
	// Embedder backs the vector index; nil selects the hash embedder.
	Embedder embedding.Embedder
	Logger   *slog.Logger
	Now      func() time.Time
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Embedder == nil {
		o.Embedder = embedding.NewHashEmbedder(0)
	}
}

// Open creates the store named by cfg.Driver.
func Open(ctx context.Context, cfg Config, opts Options) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(ctx, cfg.Path, cfg.VectorSearch, opts)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, cfg.VectorSearch, opts)
	default:
		return nil, &model.InputError{Field: "store.driver", Reason: fmt.Sprintf("unknown driver %q", cfg.Driver)}
	}
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &model.StorageError{Op: op, Err: err}
}

// likePrefix escapes LIKE wildcards in prefix and appends "%". One
// trailing "*" is treated as "match anything below".
func likePrefix(prefix string) string {
	prefix = strings.TrimSuffix(prefix, "*")
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// globPrefix is likePrefix for SQLite GLOB, which unlike LIKE is case
// sensitive.
func globPrefix(prefix string) string {
	prefix = strings.TrimSuffix(prefix, "*")
	r := strings.NewReplacer(`*`, `[*]`, `?`, `[?]`, `[`, `[[]`)
	return r.Replace(prefix) + "*"
}

func encodeRow(p SaveParams) (content, meta string, err error) {
	c, err := json.Marshal(p.Data)
	if err != nil {
		return "", "", &model.InputError{Field: "data", Reason: "not JSON-serializable: " + err.Error()}
	}
	m := []byte("{}")
	if len(p.Metadata) > 0 {
		if m, err = json.Marshal(p.Metadata); err != nil {
			return "", "", &model.InputError{Field: "metadata", Reason: "not JSON-serializable: " + err.Error()}
		}
	}
	return string(c), string(m), nil
}

func decodeRow(r *Record, content, meta string) error {
	if err := json.Unmarshal([]byte(content), &r.Content); err != nil {
		return fmt.Errorf("decode content of %s: %w", r.ID, err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return fmt.Errorf("decode metadata of %s: %w", r.ID, err)
		}
	}
	return nil
}

func validateSave(p SaveParams) error {
	if p.SessionID == "" {
		return &model.InputError{Field: "session", Reason: "must not be empty"}
	}
	if p.Scope == "" {
		return &model.InputError{Field: "scope", Reason: "must not be empty"}
	}
	return nil
}

// idSource hands out monotonic ULIDs so rows saved within the same
// millisecond still sort in save order.
type idSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)}
}

func (s *idSource) next(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}
