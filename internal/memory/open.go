package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/thewalkeragency/tree-ring/internal/cache"
	"github.com/thewalkeragency/tree-ring/internal/chunker"
	"github.com/thewalkeragency/tree-ring/internal/config"
	"github.com/thewalkeragency/tree-ring/internal/embedding"
	"github.com/thewalkeragency/tree-ring/internal/metrics"
	"github.com/thewalkeragency/tree-ring/internal/model"
	"github.com/thewalkeragency/tree-ring/internal/permission"
	"github.com/thewalkeragency/tree-ring/internal/store"
)

// Open builds every layer from cfg with the built-in permission tables.
// The caller owns the returned manager and must Close it.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.EnsureDir(); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	emb, err := embedding.New(cfg.Store.Embedding)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, store.Config{
		Driver:       cfg.Store.Driver,
		Path:         cfg.Store.Path,
		DSN:          cfg.Store.DSN,
		VectorSearch: cfg.Store.VectorSearch,
	}, store.Options{Embedder: emb, Logger: logger})
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	c, err := cache.New(cache.Options{
		TTL:             cfg.Cache.TTL,
		MaxSize:         cfg.Cache.MaxSize,
		CleanupInterval: cfg.Cache.CleanupInterval,
	},
		cache.WithLogger(logger),
		cache.WithEvictCallback(func(cache.Key, model.Entry) { m.Evicted() }),
	)
	if err != nil {
		st.Close()
		return nil, err
	}

	ch, err := chunker.New(chunker.Options{
		ChunkSize:         cfg.Chunker.ChunkSize,
		Overlap:           cfg.Chunker.Overlap,
		MinChunkSize:      cfg.Chunker.MinChunkSize,
		PreserveStructure: cfg.Chunker.PreserveStructure,
	})
	if err != nil {
		c.Destroy()
		st.Close()
		return nil, err
	}

	return New(Deps{
		Gate:    permission.Default(logger),
		Cache:   c,
		Store:   st,
		Chunker: ch,
		Logger:  logger,
		Metrics: m,
	}, Options{StrictPermissions: cfg.Memory.StrictPermissions})
}
