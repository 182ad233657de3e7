package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/thewalkeragency/tree-ring/internal/embedding"
	"github.com/thewalkeragency/tree-ring/internal/model"
)

// VectorIndex is an in-memory semantic index over stored rows, one
// collection per session. It is rebuilt from durable rows at open.
type VectorIndex struct {
	db       *chromem.DB
	embedder embedding.Embedder
	now      func() time.Time

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewVectorIndex creates an empty index.
func NewVectorIndex(e embedding.Embedder, now func() time.Time) *VectorIndex {
	return &VectorIndex{
		db:          chromem.NewDB(),
		embedder:    e,
		now:         now,
		collections: make(map[string]*chromem.Collection),
	}
}

func (v *VectorIndex) collection(session string, create bool) (*chromem.Collection, error) {
	v.mu.RLock()
	col, ok := v.collections[session]
	v.mu.RUnlock()
	if ok || !create {
		return col, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if col, ok := v.collections[session]; ok {
		return col, nil
	}
	col, err := v.db.CreateCollection("session_"+session, nil, v.embedder.Embed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	v.collections[session] = col
	return col, nil
}

// embedText is what gets embedded: raw text for strings, JSON otherwise.
func embedText(data any) string {
	if s, ok := data.(string); ok {
		return s
	}
	raw, _ := json.Marshal(data)
	return string(raw)
}

// Add indexes one row.
func (v *VectorIndex) Add(ctx context.Context, r Record) error {
	col, err := v.collection(r.SessionID, true)
	if err != nil {
		return err
	}
	vec, err := v.embedder.Embed(ctx, embedText(r.Content))
	if err != nil {
		return fmt.Errorf("embed %s: %w", r.ID, err)
	}
	content, err := json.Marshal(r.Content)
	if err != nil {
		return err
	}
	meta := map[string]string{
		"agent":      string(r.AgentID),
		"scope":      r.Scope,
		"created_at": r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.ExpiresAt != nil {
		meta["expires_at"] = r.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return col.AddDocument(ctx, chromem.Document{
		ID:        r.ID,
		Content:   string(content),
		Embedding: vec,
		Metadata:  meta,
	})
}

// Remove drops rows from a session's collection.
func (v *VectorIndex) Remove(ctx context.Context, session string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col, _ := v.collection(session, false)
	if col == nil {
		return nil
	}
	return col.Delete(ctx, nil, nil, ids...)
}

// Len returns the number of indexed rows.
func (v *VectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n := 0
	for _, col := range v.collections {
		n += col.Count()
	}
	return n
}

// Query ranks a session's rows by cosine similarity to the query, keeping
// live rows that match the agent (when set) and scope prefix.
func (v *VectorIndex) Query(ctx context.Context, p SearchParams) ([]model.SearchResult, error) {
	col, _ := v.collection(p.SessionID, false)
	if col == nil || col.Count() == 0 || p.Query == "" {
		return nil, nil
	}
	vec, err := v.embedder.Embed(ctx, p.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// nResults may not exceed the collection size; filter afterwards.
	hits, err := col.QueryEmbedding(ctx, vec, col.Count(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	now := v.now()
	prefix := strings.TrimSuffix(p.Scope, "*")
	var results []model.SearchResult
	for _, h := range hits {
		if p.AgentID != "" && h.Metadata["agent"] != string(p.AgentID) {
			continue
		}
		if !strings.HasPrefix(h.Metadata["scope"], prefix) {
			continue
		}
		var expires time.Time
		if s := h.Metadata["expires_at"]; s != "" {
			expires, _ = time.Parse(time.RFC3339Nano, s)
			if expires.Before(now) {
				continue
			}
		}
		var data any
		if err := json.Unmarshal([]byte(h.Content), &data); err != nil {
			continue
		}
		created, _ := time.Parse(time.RFC3339Nano, h.Metadata["created_at"])
		results = append(results, model.SearchResult{
			Key:  h.ID,
			Data: data,
			Metadata: model.Metadata{
				Agent:     model.AgentID(h.Metadata["agent"]),
				Scope:     h.Metadata["scope"],
				Session:   p.SessionID,
				CreatedAt: created,
				ExpiresAt: expires,
			},
			Score:  float64(h.Similarity),
			Source: model.LayerPersistent,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if p.Limit > 0 && len(results) > p.Limit {
		results = results[:p.Limit]
	}
	return results, nil
}
