package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thewalkeragency/tree-ring/internal/cache"
	"github.com/thewalkeragency/tree-ring/internal/logging"
	"github.com/thewalkeragency/tree-ring/internal/metrics"
	"github.com/thewalkeragency/tree-ring/internal/model"
	"github.com/thewalkeragency/tree-ring/internal/permission"
	"github.com/thewalkeragency/tree-ring/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	mgr     *Manager
	cache   *cache.Cache
	store   store.Store
	clock   *testClock
	metrics *metrics.Metrics
}

// newFixture builds a manager over a temp SQLite store. mutate may swap
// dependencies before the manager is built.
func newFixture(t *testing.T, strict bool, mutate ...func(*Deps)) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := logging.Discard()

	st, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "memory.db"), false,
		store.Options{Logger: logger, Now: clk.Now})
	require.NoError(t, err)

	c, err := cache.New(cache.Options{TTL: 30 * time.Minute, MaxSize: 100},
		cache.WithClock(clk.Now), cache.WithLogger(logger))
	require.NoError(t, err)

	d := Deps{
		Gate:    permission.Default(logger),
		Cache:   c,
		Store:   st,
		Logger:  logger,
		Metrics: metrics.New(),
		Now:     clk.Now,
	}
	for _, fn := range mutate {
		fn(&d)
	}
	mgr, err := New(d, Options{StrictPermissions: strict})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	return &fixture{mgr: mgr, cache: c, store: d.Store, clock: clk, metrics: d.Metrics}
}

func scope(s string) model.Scope { return model.MustScope(s) }

func TestNewRequiresLayers(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}

func TestGetContextReadThroughWarmsCache(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.store.Save(ctx, store.SaveParams{
		SessionID: "s1",
		AgentID:   model.AgentMemex,
		Scope:     "project:alpha",
		Data:      map[string]any{"data": "alpha"},
	})
	require.NoError(t, err)

	k := cache.Key{Session: "s1", Agent: model.AgentWarp, Scope: "project:alpha"}
	require.False(t, f.cache.Has(k))

	got, err := f.mgr.GetContext(ctx, "s1", model.AgentWarp, scope("project:alpha"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"data": "alpha"}, got)

	warmed, ok := f.cache.Get(k)
	require.True(t, ok, "persistent hit should warm the fast layer")
	assert.Equal(t, got, warmed)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheLookups.WithLabelValues("miss")))
}

func TestGetContextMissingEverywhere(t *testing.T) {
	f := newFixture(t, true)

	got, err := f.mgr.GetContext(context.Background(), "s1", model.AgentWarp, scope("implementation:none"))
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, f.cache.Len())
}

func TestGetContextPrefersFastLayer(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope("implementation:api"), "old", UpdateOptions{Persistent: true})
	require.NoError(t, err)
	_, err = f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope("implementation:api"), "new", UpdateOptions{})
	require.NoError(t, err)

	got, err := f.mgr.GetContext(ctx, "s1", model.AgentWarp, scope("implementation:api"))
	require.NoError(t, err)
	assert.Equal(t, "new", got)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheLookups.WithLabelValues("hit")))
}

func TestWarmedEntryKeepsRowExpiry(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.store.Save(ctx, store.SaveParams{
		SessionID: "s1", AgentID: model.AgentWarp, Scope: "task:t1", Data: "short lived", TTL: time.Minute,
	})
	require.NoError(t, err)

	got, err := f.mgr.GetContext(ctx, "s1", model.AgentWarp, scope("task:t1"))
	require.NoError(t, err)
	assert.Equal(t, "short lived", got)

	f.clock.Advance(2 * time.Minute)
	got, err = f.mgr.GetContext(ctx, "s1", model.AgentWarp, scope("task:t1"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExpiredRowIsNotWarmed(t *testing.T) {
	// The manager's clock runs ahead of the store's.
	f := newFixture(t, true, func(d *Deps) {
		base := d.Now
		d.Now = func() time.Time { return base().Add(2 * time.Minute) }
	})
	ctx := context.Background()

	_, err := f.store.Save(ctx, store.SaveParams{
		SessionID: "s1", AgentID: model.AgentWarp, Scope: "task:t1", Data: "short lived", TTL: time.Minute,
	})
	require.NoError(t, err)

	got, err := f.mgr.GetContext(ctx, "s1", model.AgentWarp, scope("task:t1"))
	require.NoError(t, err)
	assert.Equal(t, "short lived", got)
	assert.False(t, f.cache.Has(key("s1", model.AgentWarp, scope("task:t1"))))
	assert.Zero(t, f.cache.Len())
}

func TestGetContextPrefixMatch(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.store.Save(ctx, store.SaveParams{SessionID: "s1", AgentID: model.AgentMemex, Scope: "project", Data: "root"})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.store.Save(ctx, store.SaveParams{SessionID: "s1", AgentID: model.AgentMemex, Scope: "project:alpha", Data: "alpha"})
	require.NoError(t, err)

	// A bare root reads the newest row anywhere below it.
	got, err := f.mgr.GetContext(ctx, "s1", model.AgentMemex, scope("project"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", got)

	f.clock.Advance(time.Second)
	_, err = f.store.Save(ctx, store.SaveParams{SessionID: "s1", AgentID: model.AgentMemex, Scope: "projects", Data: "other"})
	require.NoError(t, err)
	f.cache.Clear()

	got, err = f.mgr.GetContext(ctx, "s1", model.AgentMemex, scope("project"))
	require.NoError(t, err)
	assert.Equal(t, "other", got, "the match is on the raw string")

	got, err = f.mgr.GetContext(ctx, "s1", model.AgentMemex, scope("project:alpha"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", got)
}

// blockingStore holds Retrieve until release is closed.
type blockingStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	ctxErr []error
}

func (s *blockingStore) Retrieve(ctx context.Context, p store.RetrieveParams) (*store.Record, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	s.mu.Lock()
	s.ctxErr = append(s.ctxErr, ctx.Err())
	s.mu.Unlock()
	return s.Store.Retrieve(ctx, p)
}

func TestGetContextCallerCancelDoesNotFailSharedRead(t *testing.T) {
	stub := &blockingStore{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixture(t, true, func(d *Deps) {
		stub.Store = d.Store
		d.Store = stub
	})
	_, err := f.store.Save(context.Background(), store.SaveParams{
		SessionID: "s1", AgentID: model.AgentMemex, Scope: "project:alpha", Data: "shared",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var firstErr, secondErr error
	var second any
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = f.mgr.GetContext(ctx, "s1", model.AgentMemex, scope("project:alpha"))
	}()
	<-stub.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		second, secondErr = f.mgr.GetContext(context.Background(), "s1", model.AgentWarp, scope("project:alpha"))
	}()
	cancel()
	close(stub.release)
	wg.Wait()

	assert.ErrorIs(t, firstErr, model.ErrStorage)
	assert.ErrorIs(t, firstErr, context.Canceled)
	require.NoError(t, secondErr)
	assert.Equal(t, "shared", second)
	for _, err := range stub.ctxErr {
		assert.NoError(t, err, "the shared query must not see a caller's cancellation")
	}
}

func TestUpdateContextLayers(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	res, err := f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope("implementation:x"), map[string]any{"v": 1}, UpdateOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Persistent)
	assert.Empty(t, res.RowID)
	assert.Equal(t, f.clock.Now(), res.Timestamp)

	st, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Count, "fast-only write must not reach the store")

	res, err = f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope("implementation:x"), map[string]any{"v": 2},
		UpdateOptions{Persistent: true, Metadata: map[string]any{"origin": "test"}})
	require.NoError(t, err)
	assert.True(t, res.Persistent)
	assert.NotEmpty(t, res.RowID)

	rows, err := f.store.ByScope(ctx, "s1", model.AgentWarp, "implementation:x")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "test", rows[0].Metadata["origin"])

	entries := f.cache.ByScope("s1", model.AgentWarp, "implementation:x")
	require.Len(t, entries, 1)
	assert.Equal(t, "test", entries[0].Metadata.Extra["origin"])
}

func TestUpdateContextChunked(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	text := strings.Repeat("The deploy pipeline runs every hour. ", 60)

	res, err := f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope("implementation:notes"), text,
		UpdateOptions{Chunked: true, Metadata: map[string]any{"source": "notes.md"}})
	require.NoError(t, err)
	assert.True(t, res.Chunked)

	got, err := f.mgr.GetContext(ctx, "s1", model.AgentWarp, scope("implementation:notes"))
	require.NoError(t, err)
	chunks, ok := got.([]model.Chunk)
	require.True(t, ok, "chunked text is stored as chunks, got %T", got)
	require.Greater(t, len(chunks), 1)
	extra := chunks[0].Metadata.Extra
	assert.Equal(t, "warp", extra["agent"])
	assert.Equal(t, "implementation:notes", extra["scope"])
	assert.Equal(t, "s1", extra["session"])
	assert.Equal(t, "notes.md", extra["source"])

	res, err = f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope("implementation:obj"), map[string]any{"a": 1},
		UpdateOptions{Chunked: true})
	require.NoError(t, err)
	assert.False(t, res.Chunked, "only text is chunked")
}

func TestCrossAgentIsolation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.mgr.UpdateContext(ctx, "s1", model.AgentMemex, scope("project:alpha"), map[string]any{"data": "alpha"}, UpdateOptions{Persistent: true})
	require.NoError(t, err)
	_, err = f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope("project:beta"), map[string]any{"data": "beta"}, UpdateOptions{Persistent: true})
	require.NoError(t, err)

	a, err := f.mgr.GetContext(ctx, "s1", model.AgentMemex, scope("project:alpha"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"data": "alpha"}, a)

	b, err := f.mgr.GetContext(ctx, "s1", model.AgentWarp, scope("project:beta"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"data": "beta"}, b)

	// Drop the fast layer so both reads go through the persistent rows.
	f.cache.Clear()
	a, err = f.mgr.GetContext(ctx, "s1", model.AgentWarp, scope("project:alpha"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"data": "alpha"}, a)
	b, err = f.mgr.GetContext(ctx, "s1", model.AgentMemex, scope("project:beta"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"data": "beta"}, b)

	other, err := f.mgr.GetContext(ctx, "s2", model.AgentWarp, scope("project:alpha"))
	require.NoError(t, err)
	assert.Nil(t, other, "sessions never share context")
}

func TestHierarchicalDenial(t *testing.T) {
	policies := map[model.AgentID]permission.Policy{
		model.AgentWarp: {Name: "Warp", Scopes: []string{"implementation:*"}, ReadAccess: true, WriteAccess: true},
	}
	f := newFixture(t, true, func(d *Deps) {
		d.Gate = permission.NewGate(policies, permission.DefaultHierarchy(), logging.Discard())
	})
	ctx := context.Background()

	_, err := f.mgr.GetContext(ctx, "s1", model.AgentWarp, scope("monitoring:metrics"))
	require.Error(t, err)
	var pe *model.PermissionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, model.AgentWarp, pe.Agent)
	assert.Equal(t, "monitoring:metrics", pe.Scope)
	assert.Equal(t, model.OpRead, pe.Op)
	assert.NotErrorIs(t, err, model.ErrStorage)

	_, err = f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope("monitoring:metrics"), "x", UpdateOptions{Persistent: true})
	assert.ErrorIs(t, err, model.ErrPermissionDenied)
	assert.Equal(t, 0, f.cache.Len())

	_, err = f.mgr.GetContext(ctx, "s1", model.AgentWarp, scope("implementation:api"))
	assert.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PermissionDenials.WithLabelValues("read")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PermissionDenials.WithLabelValues("write")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("get", metrics.ResultDenied)))
}

func TestUnknownAgentDenied(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.mgr.GetContext(context.Background(), "s1", model.AgentID("copilot"), scope("project:alpha"))
	assert.ErrorIs(t, err, model.ErrPermissionDenied)
}

func TestNonStrictSkipsChecks(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.mgr.UpdateContext(ctx, "s1", model.AgentJules, scope("tools:linter"), "cfg", UpdateOptions{})
	require.NoError(t, err)
	got, err := f.mgr.GetContext(ctx, "s1", model.AgentJules, scope("tools:linter"))
	require.NoError(t, err)
	assert.Equal(t, "cfg", got)
}

func TestSeedContextPrivilege(t *testing.T) {
	seed := map[string]any{"goals": "ship it", "code": "main.go"}
	for _, agent := range []model.AgentID{model.AgentWarp, model.AgentJules, model.AgentGeminiCLI, "nobody"} {
		t.Run(string(agent), func(t *testing.T) {
			for _, strict := range []bool{true, false} {
				f := newFixture(t, strict)
				ctx := context.Background()

				res, err := f.mgr.SeedContext(ctx, "s1", agent, seed)
				require.Error(t, err)
				assert.Nil(t, res)
				var pe *model.PermissionError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, model.OpSeed, pe.Op)
				assert.Contains(t, err.Error(), string(agent))

				assert.Equal(t, 0, f.cache.Len())
				st, err := f.store.Stats(ctx)
				require.NoError(t, err)
				assert.Equal(t, 0, st.Count)
			}
		})
	}
}

func TestSeedContextFansOut(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	seed := map[string]any{
		"goals":             "ship the beta",
		"technical_details": "go + sqlite",
		"tasks":             []any{"api", "cli"},
		"requirements":      "p99 < 50ms",
		"drafts":            []any{},
		"timeline":          "",
		"unrelated":         "ignored",
	}
	res, err := f.mgr.SeedContext(ctx, "s1", model.AgentMemex, seed)
	require.NoError(t, err)
	require.Len(t, res, 3)
	for _, root := range []string{"project", "implementation", "monitoring"} {
		require.Contains(t, res, root)
		assert.True(t, res[root].Persistent)
		assert.False(t, res[root].Chunked, "seed subsets are objects")
	}
	assert.NotContains(t, res, "prototype", "empty values are skipped")

	f.cache.Clear()
	got, err := f.mgr.GetContext(ctx, "s1", model.AgentMemex, scope("project"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"goals":             "ship the beta",
		"technical_details": "go + sqlite",
		"requirements":      "p99 < 50ms",
	}, got)

	got, err = f.mgr.GetContext(ctx, "s1", model.AgentMemex, scope("implementation"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"technical_details": "go + sqlite",
		"tasks":             []any{"api", "cli"},
	}, got)

	got, err = f.mgr.GetContext(ctx, "s1", model.AgentMemex, scope("monitoring"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"requirements": "p99 < 50ms"}, got)
}

func TestSeedContextNothingMapped(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.mgr.SeedContext(ctx, "s1", model.AgentMemex, map[string]any{"color": "blue", "goals": ""})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	assert.Equal(t, 0, f.cache.Len())
	st, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Count)
}

func TestSeedFields(t *testing.T) {
	assert.Equal(t, []string{"experiments", "poc", "drafts", "iterations"}, SeedFields("prototype"))
	assert.Nil(t, SeedFields("tools"))
}

func TestSearchContextFastLayer(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	write := func(sc, text string) {
		t.Helper()
		_, err := f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope(sc), text, UpdateOptions{})
		require.NoError(t, err)
	}
	write("implementation:a", "deploy deploy deploy")
	write("implementation:b", "deploy once")
	write("implementation:c", "nothing here")
	write("monitoring:d", "deploy deploy deploy deploy")

	res, err := f.mgr.SearchContext(ctx, "deploy", "s1", model.AgentWarp, scope("implementation:*"), SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "deploy deploy deploy", res[0].Data)
	assert.Equal(t, "deploy once", res[1].Data)
	for _, r := range res {
		assert.Equal(t, model.LayerFast, r.Source)
	}

	res, err = f.mgr.SearchContext(ctx, "deploy", "s1", model.AgentWarp, scope("implementation:*"), SearchOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, res, 1)

	res, err = f.mgr.SearchContext(ctx, "deploy", "s1", model.AgentWarp, scope("implementation:*"),
		SearchOptions{Layers: []model.Layer{model.LayerPersistent}})
	require.NoError(t, err)
	assert.Empty(t, res, "persistent search is disabled")

	_, err = f.mgr.SearchContext(ctx, "deploy", "s1", model.AgentGeminiCLI, scope("implementation:*"), SearchOptions{})
	assert.ErrorIs(t, err, model.ErrPermissionDenied)
}

// searchStore stubs persistent search results.
type searchStore struct {
	store.Store
	results []model.SearchResult
	err     error
}

func (s *searchStore) Search(context.Context, store.SearchParams) ([]model.SearchResult, error) {
	return s.results, s.err
}

func TestSearchContextMergesLayers(t *testing.T) {
	stub := &searchStore{results: []model.SearchResult{
		{Key: "row-tie", Data: "persistent tie", Score: 15, Source: model.LayerPersistent},
		{Key: "row-top", Data: "persistent top", Score: 40, Source: model.LayerPersistent},
	}}
	f := newFixture(t, true, func(d *Deps) {
		stub.Store = d.Store
		d.Store = stub
	})
	ctx := context.Background()

	// One occurrence, age zero, never read: 10 + 5 + 0.
	_, err := f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope("implementation:a"), "release", UpdateOptions{})
	require.NoError(t, err)

	res, err := f.mgr.SearchContext(ctx, "release", "s1", model.AgentWarp, scope("implementation:*"), SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "row-top", res[0].Key)
	assert.Equal(t, model.LayerFast, res[1].Source)
	assert.Equal(t, 15.0, res[1].Score)
	assert.Equal(t, "row-tie", res[2].Key)
}

func TestSearchContextStorageError(t *testing.T) {
	boom := &model.StorageError{Op: "search", Err: errors.New("index offline")}
	stub := &searchStore{err: boom}
	f := newFixture(t, true, func(d *Deps) {
		stub.Store = d.Store
		d.Store = stub
	})

	_, err := f.mgr.SearchContext(context.Background(), "x", "s1", model.AgentWarp, scope("implementation:*"), SearchOptions{})
	assert.ErrorIs(t, err, model.ErrStorage)
	assert.Same(t, boom, err, "component errors are returned unwrapped")
}

func TestStorageFailureDistinctFromDenial(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.store.Close())

	_, err := f.mgr.UpdateContext(context.Background(), "s1", model.AgentWarp, scope("implementation:x"), "v", UpdateOptions{Persistent: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrStorage)
	assert.NotErrorIs(t, err, model.ErrPermissionDenied)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("update", metrics.ResultError)))
}

func TestCancelledContextIsStorageFailure(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope("implementation:x"), "v", UpdateOptions{Persistent: true})
	assert.ErrorIs(t, err, model.ErrStorage)
}

func TestConcurrentWritersRace(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope("implementation:race"), fmt.Sprintf("v%d", i), UpdateOptions{Persistent: true})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Last write wins in the fast layer; every row survives in the store.
	got, err := f.mgr.GetContext(ctx, "s1", model.AgentWarp, scope("implementation:race"))
	require.NoError(t, err)
	assert.Regexp(t, `^v[0-7]$`, got)

	rows, err := f.mgr.History(ctx, "s1", model.AgentWarp, scope("implementation:race"), "")
	require.NoError(t, err)
	assert.Len(t, rows, writers)
}

func TestConcurrentReadThrough(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.store.Save(ctx, store.SaveParams{SessionID: "s1", AgentID: model.AgentMemex, Scope: "monitoring:cpu", Data: "80%"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, agent := range []model.AgentID{model.AgentMemex, model.AgentWarp, model.AgentJules} {
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := f.mgr.GetContext(ctx, "s1", agent, scope("monitoring:cpu"))
				assert.NoError(t, err)
				assert.Equal(t, "80%", got)
			}()
		}
	}
	wg.Wait()
	assert.Equal(t, 3, f.cache.Len())
}

func TestHistory(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	for _, v := range []string{"one", "two"} {
		_, err := f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope("task:t9"), v, UpdateOptions{Persistent: true})
		require.NoError(t, err)
	}
	rows, err := f.mgr.History(ctx, "s1", model.AgentWarp, scope("task:*"), model.AgentWarp)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "two", rows[0].Content)

	_, err = f.mgr.History(ctx, "s1", model.AgentJules, scope("task:*"), "")
	assert.ErrorIs(t, err, model.ErrPermissionDenied)
}

func TestHandoff(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	h := permission.Handoff{
		PreviousState:     "schema drafted",
		TaskScope:         "task",
		ExpectedOutput:    "migrations",
		AccessPermissions: []string{"read", "write"},
	}

	ts, err := f.mgr.Handoff(ctx, "s1", model.AgentMemex, model.AgentWarp, "t42", h)
	require.NoError(t, err)
	assert.Equal(t, "task:t42", ts.Scope.String())
	assert.Equal(t, f.clock.Now().Add(permission.TaskScopeTTL), ts.ExpiresAt)

	got, err := f.mgr.GetContext(ctx, "s1", model.AgentWarp, ts.Scope)
	require.NoError(t, err)
	m, ok := got.(map[string]any)
	require.True(t, ok, "handoff read back from the store, got %T", got)
	assert.Equal(t, "schema drafted", m["previous_state"])

	_, err = f.mgr.Handoff(ctx, "s1", model.AgentWarp, model.AgentJules, "t43", h)
	var pe *model.PermissionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, model.OpDelegate, pe.Op)

	h.AccessPermissions = append(h.AccessPermissions, "delegate")
	_, err = f.mgr.Handoff(ctx, "s1", model.AgentWarp, model.AgentJules, "t43", h)
	require.ErrorAs(t, err, &pe, "jules does not cover task scopes")
	assert.Equal(t, "task:t43", pe.Scope)

	_, err = f.mgr.Handoff(ctx, "s1", model.AgentMemex, model.AgentWarp, "t44", permission.Handoff{TaskScope: "task"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope("task:tmp"), "x", UpdateOptions{Persistent: true, TTL: time.Minute})
	require.NoError(t, err)
	_, err = f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope("task:keep"), "y", UpdateOptions{Persistent: true})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	res, err := f.mgr.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fast)
	assert.Equal(t, int64(1), res.Persistent)

	got, err := f.mgr.GetContext(ctx, "s1", model.AgentWarp, scope("task:keep"))
	require.NoError(t, err)
	assert.Equal(t, "y", got)
}

func TestStats(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope("implementation:a"), "a", UpdateOptions{Persistent: true})
	require.NoError(t, err)
	_, err = f.mgr.UpdateContext(ctx, "s1", model.AgentWarp, scope("implementation:b"), "b", UpdateOptions{})
	require.NoError(t, err)
	_, _ = f.mgr.GetContext(ctx, "s1", model.AgentWarp, scope("implementation:a"))
	_, _ = f.mgr.GetContext(ctx, "s1", model.AgentWarp, scope("implementation:zz"))

	st, err := f.mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Fast.Count)
	assert.Equal(t, 1, st.Persistent.Count)
	assert.Equal(t, 3, st.TotalContexts)
	assert.InDelta(t, 0.5, st.CacheHitRatio, 1e-9)
	assert.Equal(t, f.clock.Now(), st.Timestamp)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CacheEntries))
}

func TestEmpty(t *testing.T) {
	assert.True(t, empty(nil))
	assert.True(t, empty(""))
	assert.True(t, empty([]any{}))
	assert.True(t, empty(map[string]any{}))
	assert.True(t, empty(false))
	assert.True(t, empty(0))
	assert.False(t, empty("x"))
	assert.False(t, empty([]string{"a"}))
	assert.False(t, empty(3.5))
	assert.False(t, empty(true))
}
