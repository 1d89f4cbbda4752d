// Package docsync serves opaque document snapshots from a cache and
// persists them to the durable store on a per-document trailing debounce.
package docsync

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/canvasrelay/internal/store"
)

const (
	KeyPrefix       = "yjs-doc:"
	DefaultTTL      = 24 * time.Hour
	DefaultDebounce = 5 * time.Second

	flushConcurrency = 8
)

func CacheKey(documentID string) string {
	return KeyPrefix + documentID
}

type Options struct {
	Cache    Cache
	Store    store.SnapshotStore
	TTL      time.Duration
	Debounce time.Duration
	Logger   zerolog.Logger
}

type Pipeline struct {
	cache    Cache
	store    store.SnapshotStore
	ttl      time.Duration
	debounce time.Duration
	log      zerolog.Logger

	loads   singleflight.Group
	pending *coalescer
}

func NewPipeline(opts Options) *Pipeline {
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	p := &Pipeline{
		cache:    opts.Cache,
		store:    opts.Store,
		ttl:      opts.TTL,
		debounce: opts.Debounce,
		log:      opts.Logger.With().Str("component", "docsync").Logger(),
	}
	p.pending = newCoalescer(p.debounce, p.persist)
	return p
}

// Fetch returns the current snapshot of documentID. On a cache miss the
// durable store is read once, however many callers miss concurrently, and
// the cache is warmed unless an update was cached during the read, in which
// case that update wins. ok is false when neither tier has the document.
func (p *Pipeline) Fetch(ctx context.Context, documentID string) ([]byte, bool, error) {
	key := CacheKey(documentID)
	data, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		p.log.Warn().Err(err).Str("document_id", documentID).Msg("cache read failed, falling back to store")
	} else if ok {
		return data, true, nil
	}

	v, err, _ := p.loads.Do(documentID, func() (any, error) {
		data, err := p.store.LoadSnapshot(ctx, documentID)
		if errors.Is(err, store.ErrNotFound) {
			if newer, ok := p.cachedSnapshot(ctx, key); ok {
				return newer, nil
			}
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		stored, err := p.cache.SetNX(ctx, key, data, p.ttl)
		if err != nil {
			p.log.Warn().Err(err).Str("document_id", documentID).Msg("cache warm-up failed")
			return data, nil
		}
		if !stored {
			if newer, ok := p.cachedSnapshot(ctx, key); ok {
				return newer, nil
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

// Apply replaces the cached snapshot and schedules a durable write once the
// document has been quiet for the debounce window.
func (p *Pipeline) Apply(ctx context.Context, documentID string, data []byte) error {
	if err := p.cache.Set(ctx, CacheKey(documentID), data, p.ttl); err != nil {
		return err
	}
	p.pending.touch(documentID)
	return nil
}

// FlushAll writes every document with a pending or failed write now and
// waits for the writes to finish. It returns the first write error.
func (p *Pipeline) FlushAll(ctx context.Context) error {
	ids := p.pending.drain()
	if len(ids) == 0 {
		return nil
	}
	var g errgroup.Group
	g.SetLimit(flushConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error { return p.pending.write(ctx, id) })
	}
	err := g.Wait()
	p.log.Info().Int("documents", len(ids)).Err(err).Msg("flushed pending document saves")
	return err
}

// Forget drops pending writes and cached snapshots for deleted documents.
func (p *Pipeline) Forget(ctx context.Context, documentIDs ...string) {
	if len(documentIDs) == 0 {
		return
	}
	p.pending.forget(documentIDs...)
	keys := make([]string, len(documentIDs))
	for i, id := range documentIDs {
		keys[i] = CacheKey(id)
	}
	if err := p.cache.Delete(ctx, keys...); err != nil {
		p.log.Warn().Err(err).Int("documents", len(keys)).Msg("cache eviction failed")
	}
}

// Pending reports how many documents have an unsaved update.
func (p *Pipeline) Pending() int {
	return p.pending.count()
}

func (p *Pipeline) cachedSnapshot(ctx context.Context, key string) ([]byte, bool) {
	data, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	return data, ok
}

func (p *Pipeline) persist(ctx context.Context, documentID string) error {
	logger := p.log.With().Str("document_id", documentID).Logger()
	data, ok, err := p.cache.Get(ctx, CacheKey(documentID))
	if err != nil {
		logger.Error().Err(err).Msg("failed to read document for save")
		return err
	}
	if !ok {
		logger.Warn().Msg("document expired from cache before save, skipping")
		return nil
	}
	if err := p.store.SaveSnapshot(ctx, documentID, data); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn().Msg("document was deleted before save, dropping update")
			return nil
		}
		logger.Error().Err(err).Msg("failed to save document")
		return err
	}
	logger.Debug().Int("bytes", len(data)).Msg("document saved")
	return nil
}
