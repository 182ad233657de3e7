// Package memory composes the permission gate, fast cache, persistent
// store and chunker into the context API agents talk to.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/thewalkeragency/tree-ring/internal/cache"
	"github.com/thewalkeragency/tree-ring/internal/chunker"
	"github.com/thewalkeragency/tree-ring/internal/metrics"
	"github.com/thewalkeragency/tree-ring/internal/model"
	"github.com/thewalkeragency/tree-ring/internal/permission"
	"github.com/thewalkeragency/tree-ring/internal/store"
)

const tracerName = "github.com/thewalkeragency/tree-ring/internal/memory"

// DefaultSearchLimit caps SearchContext results when no limit is given.
const DefaultSearchLimit = 10

// Deps are the collaborators a Manager orchestrates. Gate, Cache and Store
// are required.
type Deps struct {
	Gate    *permission.Gate
	Cache   *cache.Cache
	Store   store.Store
	Chunker *chunker.Chunker
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Options struct {
	// StrictPermissions enables read/write checks. Seeding is always
	// restricted to the seeding agent.
	StrictPermissions bool
}

// Manager is safe for concurrent use. Concurrent writers to the same key
// race: the fast layer keeps the last write and the persistent layer keeps
// both rows.
type Manager struct {
	gate    *permission.Gate
	cache   *cache.Cache
	store   store.Store
	chunker *chunker.Chunker
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
	strict  bool

	reads singleflight.Group
}

func New(d Deps, o Options) (*Manager, error) {
	if d.Gate == nil || d.Cache == nil || d.Store == nil {
		return nil, errors.New("memory: gate, cache and store are required")
	}
	if d.Chunker == nil {
		c, err := chunker.New(chunker.DefaultOptions())
		if err != nil {
			return nil, err
		}
		d.Chunker = c
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Manager{
		gate:    d.Gate,
		cache:   d.Cache,
		store:   d.Store,
		chunker: d.Chunker,
		logger:  d.Logger,
		metrics: d.Metrics,
		tracer:  otel.Tracer(tracerName),
		now:     d.Now,
		strict:  o.StrictPermissions,
	}, nil
}

func (m *Manager) Gate() *permission.Gate { return m.gate }

func (m *Manager) Chunker() *chunker.Chunker { return m.chunker }

func (m *Manager) Metrics() *metrics.Metrics { return m.metrics }

func (m *Manager) VectorSearchEnabled() bool { return m.store.VectorSearchEnabled() }

func (m *Manager) begin(ctx context.Context, op, session string, agent model.AgentID, scope string) (context.Context, trace.Span, time.Time) {
	ctx, span := m.tracer.Start(ctx, "memory."+op, trace.WithAttributes(
		attribute.String("agent", agent.String()),
		attribute.String("scope", scope),
		attribute.String("session", session),
	))
	return ctx, span, time.Now()
}

func (m *Manager) end(span trace.Span, op string, start time.Time, err error) {
	result := metrics.ResultOK
	switch {
	case errors.Is(err, model.ErrPermissionDenied):
		result = metrics.ResultDenied
	case err != nil:
		result = metrics.ResultError
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	m.metrics.ObserveOp(op, result, start)
}

// authorize returns a *model.PermissionError when strict checks are on and
// the gate refuses.
func (m *Manager) authorize(agent model.AgentID, scope model.Scope, op model.Operation) error {
	if !m.strict || m.gate.Validate(agent, scope, op) {
		return nil
	}
	m.logger.Warn("permission denied", "agent", agent, "scope", scope.String(), "op", op)
	m.metrics.Denied(string(op))
	return &model.PermissionError{Agent: agent, Scope: scope.String(), Op: op}
}

func key(session string, agent model.AgentID, scope model.Scope) cache.Key {
	return cache.Key{Session: session, Agent: agent, Scope: scope.String()}
}

// GetContext returns the value for the key, reading the fast layer first
// and falling back to the newest persistent row under the scope. A
// persistent hit warms the fast layer. Nil, nil means nothing was found.
//
// The persistent lookup is a plain prefix match on the scope string, so a
// read of "project" may return a newer "project:alpha" or "projects" row.
// Use a trailing ":" or a full path to narrow it.
func (m *Manager) GetContext(ctx context.Context, session string, agent model.AgentID, scope model.Scope) (data any, err error) {
	ctx, span, start := m.begin(ctx, "get", session, agent, scope.String())
	defer func() { m.end(span, "get", start, err) }()

	if err := m.authorize(agent, scope, model.OpRead); err != nil {
		return nil, err
	}

	k := key(session, agent, scope)
	if v, ok := m.cache.Get(k); ok {
		m.metrics.CacheLookup(true)
		span.SetAttributes(attribute.String("layer", string(model.LayerFast)))
		return v, nil
	}
	m.metrics.CacheLookup(false)

	if err := ctx.Err(); err != nil {
		return nil, &model.StorageError{Op: "retrieve", Err: err}
	}

	// Persisted context is shared by every agent allowed on the scope, so
	// concurrent misses on the same session and scope share one query. The
	// query outlives any single caller's cancellation; each caller checks
	// its own context afterwards.
	shared := context.WithoutCancel(ctx)
	v, err, _ := m.reads.Do(session+"\x00"+scope.String(), func() (any, error) {
		return m.store.Retrieve(shared, store.RetrieveParams{SessionID: session, ScopePrefix: scope.String()})
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &model.StorageError{Op: "retrieve", Err: err}
	}
	rec, _ := v.(*store.Record)
	if rec == nil {
		return nil, nil
	}

	so := cache.SetOptions{Extra: rec.Metadata}
	if rec.ExpiresAt != nil {
		so.TTL = rec.ExpiresAt.Sub(m.now())
		if so.TTL <= 0 {
			// Expired since the query; a zero TTL would mean the cache default.
			return rec.Content, nil
		}
	}
	m.cache.Set(k, rec.Content, so)
	m.metrics.SetCacheEntries(m.cache.Len())
	m.logger.Debug("cache warm", "session", session, "agent", agent, "scope", scope.String(), "row", rec.ID)
	span.SetAttributes(attribute.String("layer", string(model.LayerPersistent)))
	return rec.Content, nil
}

type UpdateOptions struct {
	// Persistent also appends a durable row.
	Persistent bool
	// Chunked runs string data through the chunker and stores the chunks.
	Chunked  bool
	Metadata map[string]any
	// TTL overrides the fast layer TTL and gives the persistent row an
	// expiry. Zero keeps the defaults.
	TTL time.Duration
}

type UpdateResult struct {
	Success    bool      `json:"success"`
	Chunked    bool      `json:"chunked"`
	Persistent bool      `json:"persistent"`
	RowID      string    `json:"row_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// UpdateContext always writes the fast layer and, when requested, appends
// a persistent row with the same data and metadata.
func (m *Manager) UpdateContext(ctx context.Context, session string, agent model.AgentID, scope model.Scope, data any, o UpdateOptions) (res *UpdateResult, err error) {
	ctx, span, start := m.begin(ctx, "update", session, agent, scope.String())
	defer func() { m.end(span, "update", start, err) }()

	if err := m.authorize(agent, scope, model.OpWrite); err != nil {
		return nil, err
	}
	return m.write(ctx, session, agent, scope, data, o)
}

func (m *Manager) write(ctx context.Context, session string, agent model.AgentID, scope model.Scope, data any, o UpdateOptions) (*UpdateResult, error) {
	res := &UpdateResult{Success: true, Persistent: o.Persistent}
	if text, ok := data.(string); ok && o.Chunked {
		meta := map[string]any{
			"agent":   agent.String(),
			"scope":   scope.String(),
			"session": session,
		}
		for k, v := range o.Metadata {
			meta[k] = v
		}
		data = m.chunker.ChunkText(text, meta)
		res.Chunked = true
	}

	m.cache.Set(key(session, agent, scope), data, cache.SetOptions{TTL: o.TTL, Extra: o.Metadata})
	m.metrics.SetCacheEntries(m.cache.Len())

	if o.Persistent {
		id, err := m.store.Save(ctx, store.SaveParams{
			SessionID: session,
			AgentID:   agent,
			Scope:     scope.String(),
			Data:      data,
			Metadata:  o.Metadata,
			TTL:       o.TTL,
		})
		if err != nil {
			return nil, err
		}
		res.RowID = id
	}
	res.Timestamp = m.now().UTC()
	return res, nil
}

type SearchOptions struct {
	// Limit defaults to DefaultSearchLimit.
	Limit int
	// Layers defaults to both layers.
	Layers []model.Layer
}

func (o SearchOptions) includes(l model.Layer) bool {
	if len(o.Layers) == 0 {
		return true
	}
	for _, x := range o.Layers {
		if x == l {
			return true
		}
	}
	return false
}

// SearchContext queries the selected layers concurrently and merges the
// hits by score. On equal scores fast layer hits come first.
func (m *Manager) SearchContext(ctx context.Context, query, session string, agent model.AgentID, scope model.Scope, o SearchOptions) (results []model.SearchResult, err error) {
	ctx, span, start := m.begin(ctx, "search", session, agent, scope.String())
	defer func() { m.end(span, "search", start, err) }()

	if err := m.authorize(agent, scope, model.OpRead); err != nil {
		return nil, err
	}
	limit := o.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	var fast, persistent []model.SearchResult
	g, gctx := errgroup.WithContext(ctx)
	if o.includes(model.LayerFast) {
		g.Go(func() error {
			fast = m.cache.Search(query, session, agent, scope.String())
			return nil
		})
	}
	if o.includes(model.LayerPersistent) {
		g.Go(func() error {
			var err error
			persistent, err = m.store.Search(gctx, store.SearchParams{
				Query:     query,
				SessionID: session,
				AgentID:   agent,
				Scope:     scope.String(),
				Limit:     limit,
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results = make([]model.SearchResult, 0, len(fast)+len(persistent))
	results = append(results, fast...)
	results = append(results, persistent...)
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// seedScopes maps each seeded scope root to the seed fields it receives.
// A field may feed more than one scope.
var seedScopes = []struct {
	root   string
	fields []string
}{
	{"project", []string{"goals", "requirements", "architecture", "timeline", "technical_details"}},
	{"implementation", []string{"code", "tasks", "technical_details", "dependencies"}},
	{"monitoring", []string{"metrics", "performance", "alerts", "logs", "requirements"}},
	{"prototype", []string{"experiments", "poc", "drafts", "iterations"}},
}

// SeedFields returns the seed field names routed to root.
func SeedFields(root string) []string {
	for _, s := range seedScopes {
		if s.root == root {
			return append([]string(nil), s.fields...)
		}
	}
	return nil
}

// SeedContext fans seed data out to the root scopes it maps to, writing
// each non-empty subset to both layers. Only the seeding agent may call it.
// Nothing is written when the privilege check fails or no field maps.
func (m *Manager) SeedContext(ctx context.Context, session string, agent model.AgentID, seed map[string]any) (results map[string]*UpdateResult, err error) {
	ctx, span, start := m.begin(ctx, "seed", session, agent, "")
	defer func() { m.end(span, "seed", start, err) }()

	if agent != model.SeedingAgent || !m.gate.Validate(agent, model.RootScope("project"), model.OpSeed) {
		m.logger.Warn("permission denied", "agent", agent, "op", model.OpSeed)
		m.metrics.Denied(string(model.OpSeed))
		return nil, &model.PermissionError{Agent: agent, Op: model.OpSeed}
	}

	type subset struct {
		scope model.Scope
		data  map[string]any
	}
	var subsets []subset
	for _, s := range seedScopes {
		data := map[string]any{}
		for _, f := range s.fields {
			if v, ok := seed[f]; ok && !empty(v) {
				data[f] = v
			}
		}
		if len(data) > 0 {
			subsets = append(subsets, subset{scope: model.RootScope(s.root), data: data})
		}
	}
	if len(subsets) == 0 {
		return nil, &model.InputError{Field: "seed", Reason: "no field maps to a seeded scope"}
	}

	results = make(map[string]*UpdateResult, len(subsets))
	for _, s := range subsets {
		if err := m.authorize(agent, s.scope, model.OpWrite); err != nil {
			return results, err
		}
		res, err := m.write(ctx, session, agent, s.scope, s.data, UpdateOptions{Persistent: true, Chunked: true})
		if err != nil {
			return results, err
		}
		results[s.scope.Root] = res
	}
	span.SetAttributes(attribute.Int("scopes", len(results)))
	return results, nil
}

// empty reports values a seed treats as absent.
func empty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Bool:
		return !rv.Bool()
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return rv.IsZero()
}

// History lists persistent rows under a scope prefix, newest first. An
// empty agent lists rows from every agent.
func (m *Manager) History(ctx context.Context, session string, agent model.AgentID, scope model.Scope, rowAgent model.AgentID) (rows []store.Record, err error) {
	ctx, span, start := m.begin(ctx, "history", session, agent, scope.String())
	defer func() { m.end(span, "history", start, err) }()

	if err := m.authorize(agent, scope, model.OpRead); err != nil {
		return nil, err
	}
	return m.store.ByScope(ctx, session, rowAgent, scope.String())
}

// Handoff validates a handoff from one agent to another, creates the task
// scope taskID under h.TaskScope and stores the handoff there under the
// sending agent. The row expires with the task scope.
func (m *Manager) Handoff(ctx context.Context, session string, from, to model.AgentID, taskID string, h permission.Handoff) (ts permission.TaskScope, err error) {
	ctx, span, start := m.begin(ctx, "handoff", session, from, h.TaskScope)
	defer func() { m.end(span, "handoff", start, err) }()

	if err := m.gate.ValidateHandoff(from, to, h); err != nil {
		return permission.TaskScope{}, err
	}
	ts, err = permission.NewTaskScope(taskID, h.TaskScope, from, m.now())
	if err != nil {
		return permission.TaskScope{}, err
	}
	if !m.gate.CanDelegate(from, to, ts.Scope) {
		m.metrics.Denied(string(model.OpDelegate))
		return permission.TaskScope{}, &model.PermissionError{Agent: from, Scope: ts.Scope.String(), Op: model.OpDelegate}
	}
	if err := m.authorize(from, ts.Scope, model.OpWrite); err != nil {
		return permission.TaskScope{}, err
	}
	_, err = m.write(ctx, session, from, ts.Scope, h, UpdateOptions{
		Persistent: true,
		TTL:        ts.ExpiresAt.Sub(ts.CreatedAt),
		Metadata:   map[string]any{"handoff_to": to.String(), "task_id": taskID},
	})
	if err != nil {
		return permission.TaskScope{}, err
	}
	return ts, nil
}

type CleanupResult struct {
	Fast       int   `json:"fast"`
	Persistent int64 `json:"persistent"`
}

// Cleanup removes expired entries from both layers.
func (m *Manager) Cleanup(ctx context.Context) (res CleanupResult, err error) {
	ctx, span, start := m.begin(ctx, "cleanup", "", "", "")
	defer func() { m.end(span, "cleanup", start, err) }()

	res.Fast = m.cache.Cleanup()
	m.metrics.SetCacheEntries(m.cache.Len())
	res.Persistent, err = m.store.Cleanup(ctx)
	return res, err
}

type Stats struct {
	Fast          cache.Stats  `json:"fast"`
	Persistent    *store.Stats `json:"persistent"`
	TotalContexts int          `json:"total_contexts"`
	CacheHitRatio float64      `json:"cache_hit_ratio"`
	Timestamp     time.Time    `json:"timestamp"`
}

func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	ps, err := m.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	fs := m.cache.Stats()
	m.metrics.SetCacheEntries(fs.Count)
	return &Stats{
		Fast:          fs,
		Persistent:    ps,
		TotalContexts: fs.Count + ps.Count,
		CacheHitRatio: fs.HitRatio,
		Timestamp:     m.now().UTC(),
	}, nil
}

// Export returns the persistent rows of a session, oldest first.
func (m *Manager) Export(ctx context.Context, session string) ([]store.Record, error) {
	return m.store.Export(ctx, session)
}

// Import appends exported rows to the persistent layer.
func (m *Manager) Import(ctx context.Context, rows []store.Record) (int, error) {
	return m.store.Import(ctx, rows)
}

// Close stops the cache janitor and closes the store.
func (m *Manager) Close() error {
	m.cache.Destroy()
	return m.store.Close()
}
