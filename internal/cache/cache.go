// Package cache implements the fast in-process context layer: a TTL-bounded,
// size-bounded map with least-recently-used eviction.
package cache

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/robfig/cron/v3"

	"github.com/thewalkeragency/tree-ring/internal/model"
)

const (
	DefaultTTL             = 30 * time.Minute
	DefaultMaxSize         = 1000
	DefaultCleanupInterval = 5 * time.Minute
)

// Key identifies one cached context value.
type Key struct {
	Session string
	Agent   model.AgentID
	Scope   string
}

func (k Key) String() string {
	return k.Session + model.ScopeSeparator + string(k.Agent) + model.ScopeSeparator + k.Scope
}

// Options configures a Cache. A non-positive CleanupInterval disables the
// background janitor.
type Options struct {
	TTL             time.Duration
	MaxSize         int
	CleanupInterval time.Duration
}

// SetOptions overrides per-entry behaviour on Set.
type SetOptions struct {
	TTL   time.Duration
	Extra map[string]any
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Count              int     `json:"count"`
	ActiveEntries      int     `json:"active_entries"`
	ExpiredEntries     int     `json:"expired_entries"`
	Hits               int64   `json:"hits"`
	Misses             int64   `json:"misses"`
	Evictions          int64   `json:"evictions"`
	HitRatio           float64 `json:"hit_ratio"`
	EstimatedSizeBytes int     `json:"estimated_size_bytes"`
	MaxSize            int     `json:"max_size"`
	TTLMs              int64   `json:"ttl_ms"`
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithEvictCallback registers fn for capacity evictions. It runs with the
// cache lock held and must not call back into the cache.
func WithEvictCallback(fn func(Key, model.Entry)) Option {
	return func(c *Cache) { c.onEvict = fn }
}

// Cache is safe for concurrent use; each call holds one mutex for its
// whole read-modify-write of entries, LRU order and counters.
type Cache struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[Key, *model.Entry]
	ttl     time.Duration
	maxSize int

	hits      int64
	misses    int64
	evictions int64

	now     func() time.Time
	logger  *slog.Logger
	onEvict func(Key, model.Entry)
	janitor *cron.Cron
}

// New creates a cache and, when configured, starts its cleanup schedule.
// Call Destroy to stop it.
func New(o Options, opts ...Option) (*Cache, error) {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	lru, err := simplelru.NewLRU[Key, *model.Entry](o.MaxSize, nil)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		lru:     lru,
		ttl:     o.TTL,
		maxSize: o.MaxSize,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if o.CleanupInterval > 0 {
		c.janitor = cron.New()
		c.janitor.Schedule(cron.Every(o.CleanupInterval), cron.FuncJob(func() {
			if n := c.Cleanup(); n > 0 {
				c.logger.Debug("cache cleanup", "removed", n)
			}
		}))
		c.janitor.Start()
	}
	return c, nil
}

// Set inserts or replaces the entry for k. Inserting a new key into a full
// cache first evicts the least recently used entry.
func (c *Cache) Set(k Key, data any, so SetOptions) model.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ttl := c.ttl
	if so.TTL > 0 {
		ttl = so.TTL
	}

	if !c.lru.Contains(k) && c.lru.Len() >= c.maxSize {
		if ek, ev, ok := c.lru.RemoveOldest(); ok {
			c.evictions++
			if c.onEvict != nil {
				c.onEvict(ek, *ev)
			}
		}
	}

	e := &model.Entry{
		Key:  k.String(),
		Data: data,
		Metadata: model.Metadata{
			Agent:        k.Agent,
			Scope:        k.Scope,
			Session:      k.Session,
			CreatedAt:    now,
			ExpiresAt:    now.Add(ttl),
			LastAccessed: now,
			Extra:        so.Extra,
		},
		Layer: model.LayerFast,
	}
	c.lru.Add(k, e)
	return *e
}

// Get returns the value for k, counting a hit or a miss. Expired entries
// are removed on access.
func (c *Cache) Get(k Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(k)
	if !ok {
		c.misses++
		return nil, false
	}
	now := c.now()
	if e.Expired(now) {
		c.lru.Remove(k)
		c.misses++
		return nil, false
	}
	e.Metadata.AccessCount++
	e.Metadata.LastAccessed = now
	c.hits++
	return e.Data, true
}

// Has reports whether a live entry exists without touching LRU order,
// access counters or stats.
func (c *Cache) Has(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(k)
	return ok && !e.Expired(c.now())
}

// Delete removes k and reports whether it was present.
func (c *Cache) Delete(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(k)
}

// matches filters by session, agent and scope prefix. Empty session or
// agent match anything; one trailing "*" on the prefix is ignored.
func matches(k Key, session string, agent model.AgentID, scopePrefix string) bool {
	if session != "" && k.Session != session {
		return false
	}
	if agent != "" && k.Agent != agent {
		return false
	}
	return strings.HasPrefix(k.Scope, strings.TrimSuffix(scopePrefix, "*"))
}

// Search ranks live entries by case-insensitive occurrences of query in
// their JSON encoding. Entries with no occurrence are left out.
func (c *Cache) Search(query, session string, agent model.AgentID, scopePrefix string) []model.SearchResult {
	if query == "" {
		return nil
	}
	needle := strings.ToLower(query)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var results []model.SearchResult
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if !ok || e.Expired(now) || !matches(k, session, agent, scopePrefix) {
			continue
		}
		raw, err := encodeJSON(e.Data)
		if err != nil {
			continue
		}
		n := strings.Count(strings.ToLower(string(raw)), needle)
		if n == 0 {
			continue
		}
		results = append(results, model.SearchResult{
			Key:      e.Key,
			Data:     e.Data,
			Metadata: e.Metadata,
			Score:    score(n, e.Metadata, now),
			Source:   model.LayerFast,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

// encodeJSON is json.Marshal without HTML escaping, so "&", "<" and ">"
// stay searchable as written.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func score(count int, m model.Metadata, now time.Time) float64 {
	ageHours := now.Sub(m.CreatedAt).Hours()
	recency := math.Max(0, 5-ageHours)
	return float64(10*count) + recency + float64(min(m.AccessCount, 5))
}

// ByScope lists live entries under the scope prefix, newest first.
func (c *Cache) ByScope(session string, agent model.AgentID, scopePrefix string) []model.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	keys := c.lru.Keys()
	var entries []model.Entry
	for i := len(keys) - 1; i >= 0; i-- {
		e, ok := c.lru.Peek(keys[i])
		if !ok || e.Expired(now) || !matches(keys[i], session, agent, scopePrefix) {
			continue
		}
		entries = append(entries, *e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Metadata.CreatedAt.After(entries[j].Metadata.CreatedAt)
	})
	return entries
}

// Cleanup removes every expired entry and returns how many went.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && e.Expired(now) {
			c.lru.Remove(k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats reports counters and sizes. HitRatio is 0 before any lookup.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s := Stats{
		Count:     c.lru.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		MaxSize:   c.maxSize,
		TTLMs:     c.ttl.Milliseconds(),
	}
	for _, e := range c.lru.Values() {
		if e.Expired(now) {
			s.ExpiredEntries++
		} else {
			s.ActiveEntries++
		}
		if raw, err := encodeJSON(e); err == nil {
			s.EstimatedSizeBytes += len(raw)
		}
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRatio = float64(c.hits) / float64(total)
	}
	return s
}

// Clear drops every entry and resets counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Destroy stops the janitor, waiting for a running sweep, then clears.
func (c *Cache) Destroy() {
	if c.janitor != nil {
		<-c.janitor.Stop().Done()
		c.janitor = nil
	}
	c.Clear()
}
