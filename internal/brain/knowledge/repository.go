package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/core/bus"
	"github.com/brendan721/Flipsync-Final-sub000/internal/core/cache"
	"github.com/brendan721/Flipsync-Final-sub000/internal/core/utils"
	"github.com/google/uuid"
)

const component = "knowledge"

// Repository is the shared, vector-searchable knowledge store agents publish to and query.
// A bounded LRU cache sits in front of the VectorStore; writes invalidate the cache
// entry before the store write is acknowledged.
type Repository struct {
	cfg       Config
	store     VectorStore
	bus       bus.Bus
	validator *Validator
	embedder  Embedder
	cache     *cache.Cache[string, *Item]
	now       func() time.Time

	// ingestMu serializes dedup-check-then-write so two concurrent ingests of the
	// same content cannot both pass the duplicate check. Get holds it for reading
	// while it fills the cache, so a removal cannot land between read and fill.
	ingestMu sync.RWMutex

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option customizes a Repository
type Option func(*Repository)

// WithEmbedder lets Ingest and SearchText embed raw content
func WithEmbedder(e Embedder) Option {
	return func(r *Repository) { r.embedder = e }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// NewRepository creates a repository over store. b may be nil in tools that don't need change notices.
func NewRepository(cfg Config, store VectorStore, b bus.Bus, opts ...Option) (*Repository, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidArgument)
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	validator, err := NewValidator(cfg.Dimension, cfg.Tags)
	if err != nil {
		return nil, err
	}

	r := &Repository{
		cfg:       cfg,
		store:     store,
		bus:       b,
		validator: validator,
		cache:     cache.New[string, *Item](cfg.CacheSize, cfg.CacheTTL),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.embedder != nil && r.embedder.Dimension() != cfg.Dimension {
		return nil, fmt.Errorf("%w: embedder dimension %d does not match repository dimension %d",
			ErrInvalidArgument, r.embedder.Dimension(), cfg.Dimension)
	}

	log.Printf("[Knowledge] Repository initialized (dimension: %d, threshold: %.2f)", cfg.Dimension, cfg.SimilarityThreshold)
	return r, nil
}

// Ingest validates and stores an item, returning its id. Content within the similarity
// threshold of a live item is a duplicate: the existing id is returned and nothing is stored.
func (r *Repository) Ingest(ctx context.Context, item *Item) (string, error) {
	if item == nil {
		return "", fmt.Errorf("%w: nil item", ErrInvalidArgument)
	}
	candidate, err := r.prepare(ctx, item.Clone())
	if err != nil {
		return "", err
	}

	r.ingestMu.Lock()
	defer r.ingestMu.Unlock()
	return r.ingestLocked(ctx, candidate, "")
}

// prepare normalizes tags, embeds when needed and runs structural validation
func (r *Repository) prepare(ctx context.Context, it *Item) (*Item, error) {
	it.Tags = normalizeTags(it.Tags)
	if len(it.Embedding) == 0 && r.embedder != nil && it.Content != "" {
		emb, err := r.embedder.Embed(ctx, it.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to embed content: %w", err)
		}
		it.Embedding = emb
	}
	if err := r.validator.Validate(it); err != nil {
		r.reject(it, err)
		return nil, err
	}
	return it, nil
}

// ingestLocked must be called with ingestMu held. Hits on the item being superseded
// are ignored by the duplicate check.
func (r *Repository) ingestLocked(ctx context.Context, it *Item, supersedes string) (string, error) {
	now := r.now()

	hits, err := r.store.Search(ctx, it.Embedding, 2, Filter{}, now)
	if err != nil {
		return "", fmt.Errorf("duplicate check failed: %w", err)
	}
	for _, h := range hits {
		if h.Item.ID == supersedes {
			continue
		}
		if h.Score >= r.cfg.SimilarityThreshold {
			log.Printf("[Knowledge] Near-duplicate of %s (similarity %.4f), returning existing id", h.Item.ID, h.Score)
			return h.Item.ID, nil
		}
		break
	}

	if it.ID == "" {
		it.ID = uuid.NewString()
	} else if existing, err := r.store.Get(ctx, it.ID); err == nil && !existing.Expired(now) {
		verr := newValidationError(ReasonDuplicateID, it.ID, "an item with this id already exists")
		r.reject(it, verr)
		return "", verr
	}

	it.CreatedAt = now.UTC()
	it.ExpiresAt = time.Time{}
	if it.TTL > 0 {
		it.ExpiresAt = it.CreatedAt.Add(it.TTL)
	}
	if it.Version <= 0 {
		it.Version = 1
	}
	it.Supersedes = supersedes
	it.Validated = true

	r.cache.Invalidate(it.ID)
	if err := r.store.Put(ctx, it); err != nil {
		return "", fmt.Errorf("failed to store item: %w", err)
	}

	r.notify(ChangeNotice{ItemID: it.ID, Op: OpIngested, Tags: it.Tags, Version: it.Version, Supersedes: supersedes})
	return it.ID, nil
}

// Get returns a live item by id
func (r *Repository) Get(ctx context.Context, id string) (*Item, error) {
	now := r.now()
	if it, ok := r.cache.Get(id); ok {
		if !it.Expired(now) {
			return it.Clone(), nil
		}
		r.cache.Invalidate(id)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	r.ingestMu.RLock()
	defer r.ingestMu.RUnlock()
	it, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if it.Expired(now) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.cache.SetUntil(id, it, it.ExpiresAt)
	return it.Clone(), nil
}

// Search returns up to k live items most similar to query among those matching filter
func (r *Repository) Search(ctx context.Context, query []float32, k int, filter Filter) ([]ScoredItem, error) {
	if err := r.validator.ValidateQuery(query, k); err != nil {
		return nil, err
	}
	hits, err := r.store.Search(ctx, query, k, filter, r.now())
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return hits, nil
}

// SearchText embeds text with the configured embedder and searches
func (r *Repository) SearchText(ctx context.Context, text string, k int, filter Filter) ([]ScoredItem, error) {
	if r.embedder == nil {
		return nil, fmt.Errorf("%w: no embedder configured", ErrInvalidArgument)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be > 0, got %d", ErrInvalidArgument, k)
	}
	query, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return r.Search(ctx, query, k, filter)
}

// Invalidate removes an item explicitly
func (r *Repository) Invalidate(ctx context.Context, id string) error {
	r.ingestMu.Lock()
	defer r.ingestMu.Unlock()

	it, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	if err := r.remove(ctx, id); err != nil {
		return err
	}
	r.notify(ChangeNotice{ItemID: id, Op: OpInvalidated, Tags: it.Tags, Version: it.Version})
	return nil
}

// Update stores content as a new version of id, embedding it with the configured
// embedder, and invalidates the old version. nil tags keep the old tags.
func (r *Repository) Update(ctx context.Context, id, content string, tags []string) (string, error) {
	return r.UpdateItem(ctx, id, &Item{Content: content, Tags: tags})
}

// UpdateItem stores next as a new version of id and invalidates the old version.
// Version and Supersedes are assigned here; empty Tags and Source are inherited.
// The new id is returned, or the id of a live near-duplicate other than the old version.
func (r *Repository) UpdateItem(ctx context.Context, id string, next *Item) (string, error) {
	if next == nil {
		return "", fmt.Errorf("%w: nil item", ErrInvalidArgument)
	}
	old, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	c := next.Clone()
	c.ID = ""
	c.Version = old.Version + 1
	if c.Tags == nil {
		c.Tags = old.Tags
	}
	if c.Source == "" {
		c.Source = old.Source
	}
	if c.TTL == 0 {
		c.TTL = old.TTL
	}
	candidate, err := r.prepare(ctx, c)
	if err != nil {
		return "", err
	}

	r.ingestMu.Lock()
	defer r.ingestMu.Unlock()

	newID, err := r.ingestLocked(ctx, candidate, old.ID)
	if err != nil || newID == old.ID {
		return newID, err
	}
	if err := r.remove(ctx, old.ID); err != nil {
		return "", err
	}
	r.notify(ChangeNotice{ItemID: old.ID, Op: OpSuperseded, Tags: old.Tags, Version: old.Version})
	return newID, nil
}

// remove invalidates the cache entry then deletes from the store
func (r *Repository) remove(ctx context.Context, id string) error {
	r.cache.Invalidate(id)
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete item %s: %w", id, err)
	}
	return nil
}

// Sweep purges expired items from stores that support it and announces each removal
func (r *Repository) Sweep(ctx context.Context) (int, error) {
	sweeper, ok := r.store.(Sweeper)
	if !ok {
		return 0, nil
	}
	r.ingestMu.Lock()
	defer r.ingestMu.Unlock()
	ids, err := sweeper.DeleteExpired(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("expiry sweep failed: %w", err)
	}
	for _, id := range ids {
		r.cache.Invalidate(id)
		r.notify(ChangeNotice{ItemID: id, Op: OpExpired})
	}
	if len(ids) > 0 {
		log.Printf("[Knowledge] Expired %d items", len(ids))
	}
	return len(ids), nil
}

// StartExpiryWorker starts a background goroutine that sweeps expired items until Close
func (r *Repository) StartExpiryWorker(interval time.Duration) {
	if interval <= 0 || r.stopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	r.stopCh = stopCh
	utils.SafeGo("knowledge-expiry", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := r.Sweep(context.Background()); err != nil {
					log.Printf("[Knowledge] %v", err)
				}
			case <-stopCh:
				return
			}
		}
	})
}

// Stats describes the repository's current state
type Stats struct {
	Dimension   int
	CacheSize   int
	CacheTTL    time.Duration
	Threshold   float64
	HasEmbedder bool
}

// Stats returns cache and configuration statistics
func (r *Repository) Stats() Stats {
	return Stats{
		Dimension:   r.cfg.Dimension,
		CacheSize:   r.cache.Size(),
		CacheTTL:    r.cache.TTL(),
		Threshold:   r.cfg.SimilarityThreshold,
		HasEmbedder: r.embedder != nil,
	}
}

// Validator exposes the repository's validator for tools that pre-check items
func (r *Repository) Validator() *Validator {
	return r.validator
}

// Close stops the expiry worker and closes the embedder and store
func (r *Repository) Close() error {
	r.stopOnce.Do(func() {
		if r.stopCh != nil {
			close(r.stopCh)
		}
	})
	var errs []error
	if r.embedder != nil {
		if err := r.embedder.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Repository) notify(n ChangeNotice) {
	if r.bus == nil {
		return
	}
	if _, err := r.bus.Publish(bus.NewEvent(TopicChanged, component, n)); err != nil && !errors.Is(err, bus.ErrBusStopped) {
		log.Printf("[Knowledge] failed to publish change notice for %s: %v", n.ItemID, err)
	}
}

func (r *Repository) reject(it *Item, err error) {
	var verr *ValidationError
	fields := map[string]any{"item_id": it.ID, "source": it.Source}
	if errors.As(err, &verr) {
		fields["reason"] = string(verr.Reason)
	}
	log.Printf("[Knowledge] Rejected item: %v", err)
	if suggestions := r.validator.SuggestFixes(it); len(suggestions) > 0 {
		for _, s := range suggestions {
			log.Printf("  - %s", s)
		}
	}
	bus.Emit(r.bus, component, bus.KindKnowledgeRejected, err.Error(), fields)
}
