package knowledge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/core/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vec builds a dim-sized vector with the given non-zero components
func vec(dim int, components map[int]float32) []float32 {
	v := make([]float32, dim)
	for i, x := range components {
		v[i] = x
	}
	return v
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []ChangeNotice
}

func (r *noticeRecorder) handle(ev bus.Event) error {
	n, ok := ev.Payload.(ChangeNotice)
	if !ok {
		return nil
	}
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
	return nil
}

func (r *noticeRecorder) ops() []ChangeOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeOp, len(r.notices))
	for i, n := range r.notices {
		out[i] = n.Op
	}
	return out
}

func newTestRepo(t *testing.T, dim int, opts ...Option) (*Repository, *MemoryStore, *bus.MemoryBus, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	b := bus.NewMemoryBus(bus.Config{})
	t.Cleanup(b.Stop)
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	repo, err := NewRepository(Config{Dimension: dim, CacheSize: 16, CacheTTL: time.Hour}, store, b, opts...)
	require.NoError(t, err)
	return repo, store, b, clock
}

func TestRepository_RejectsDimensionMismatch(t *testing.T) {
	repo, store, _, _ := newTestRepo(t, 256)

	_, err := repo.Ingest(context.Background(), &Item{
		Content:   "ground shipping is cheaper under 1lb",
		Embedding: make([]float32, 128),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
	assert.True(t, errors.Is(err, ErrValidation))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ReasonDimensionMismatch, verr.Reason)
	assert.Equal(t, 0, store.Len(), "mismatched items must never be stored")
}

func TestRepository_DuplicateIngestReturnsSameID(t *testing.T) {
	repo, store, _, _ := newTestRepo(t, 4)
	ctx := context.Background()
	item := &Item{Content: "electronics sell best on weekends", Embedding: vec(4, map[int]float32{0: 1, 1: 0.5})}

	first, err := repo.Ingest(ctx, item)
	require.NoError(t, err)
	second, err := repo.Ingest(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Near duplicate with different wording but almost the same vector
	third, err := repo.Ingest(ctx, &Item{Content: "weekend electronics sales are strongest", Embedding: vec(4, map[int]float32{0: 1, 1: 0.51})})
	require.NoError(t, err)
	assert.Equal(t, first, third)
	assert.Equal(t, 1, store.Len())

	// Dissimilar content gets its own id
	other, err := repo.Ingest(ctx, &Item{Content: "ship heavy items freight", Embedding: vec(4, map[int]float32{2: 1})})
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
	assert.Equal(t, 2, store.Len())
}

func TestRepository_ConcurrentDuplicateIngest(t *testing.T) {
	repo, store, _, _ := newTestRepo(t, 3)
	item := &Item{Content: "same fact", Embedding: vec(3, map[int]float32{0: 1, 2: 1})}

	ids := make([]string, 10)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := repo.Ingest(context.Background(), item)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, store.Len())
}

func TestRepository_ExpiredItemIsNotADuplicate(t *testing.T) {
	repo, _, _, clock := newTestRepo(t, 2)
	ctx := context.Background()
	item := &Item{Content: "flash sale", Embedding: vec(2, map[int]float32{0: 1}), TTL: time.Minute}

	first, err := repo.Ingest(ctx, item)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	second, err := repo.Ingest(ctx, item)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestRepository_ValidationReasons(t *testing.T) {
	repo, _, _, _ := newTestRepo(t, 2)
	ctx := context.Background()

	_, err := repo.Ingest(ctx, &Item{Content: "  ", Embedding: vec(2, map[int]float32{0: 1})})
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = repo.Ingest(ctx, &Item{Content: "x", Embedding: vec(2, map[int]float32{0: 1}), Tags: []string{"Bad Tag"}})
	assert.ErrorIs(t, err, ErrInvalidTags)

	_, err = repo.Ingest(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	id, err := repo.Ingest(ctx, &Item{ID: "fact-1", Content: "a", Embedding: vec(2, map[int]float32{0: 1})})
	require.NoError(t, err)
	assert.Equal(t, "fact-1", id)
	_, err = repo.Ingest(ctx, &Item{ID: "fact-1", Content: "b", Embedding: vec(2, map[int]float32{1: 1})})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestRepository_RejectionEmitsDiagnostic(t *testing.T) {
	repo, _, b, _ := newTestRepo(t, 2)

	var mu sync.Mutex
	var kinds []bus.DiagnosticKind
	_, err := b.Subscribe(bus.TopicDiagnostics, func(ev bus.Event) error {
		if d, ok := ev.Payload.(bus.Diagnostic); ok {
			mu.Lock()
			kinds = append(kinds, d.Kind)
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)

	_, err = repo.Ingest(context.Background(), &Item{Content: "x", Embedding: []float32{1}})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 1 && kinds[0] == bus.KindKnowledgeRejected
	}, time.Second, 5*time.Millisecond)
}

func TestRepository_GetAndInvalidate(t *testing.T) {
	repo, _, _, _ := newTestRepo(t, 2)
	ctx := context.Background()

	_, err := repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := repo.Ingest(ctx, &Item{Content: "cached fact", Tags: []string{" pricing ", "pricing"}, Embedding: vec(2, map[int]float32{0: 1})})
	require.NoError(t, err)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "cached fact", got.Content)
	assert.Equal(t, []string{"pricing"}, got.Tags)
	assert.True(t, got.Validated)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, 1, repo.Stats().CacheSize)

	// Mutating the returned copy must not leak into the cache
	got.Content = "mutated"
	again, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "cached fact", again.Content)

	require.NoError(t, repo.Invalidate(ctx, id))
	_, err = repo.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound, "a cached copy must not survive invalidation")
	assert.ErrorIs(t, repo.Invalidate(ctx, id), ErrNotFound)
}

func TestRepository_SearchRanking(t *testing.T) {
	repo, _, _, clock := newTestRepo(t, 3)
	ctx := context.Background()

	older, err := repo.Ingest(ctx, &Item{Content: "older", Embedding: vec(3, map[int]float32{0: 1, 1: 1})})
	require.NoError(t, err)
	clock.Advance(time.Second)
	newer, err := repo.Ingest(ctx, &Item{Content: "newer", Embedding: vec(3, map[int]float32{0: 1, 2: 1})})
	require.NoError(t, err)
	clock.Advance(time.Second)
	best, err := repo.Ingest(ctx, &Item{Content: "best", Embedding: vec(3, map[int]float32{0: 1, 1: 0.1})})
	require.NoError(t, err)

	hits, err := repo.Search(ctx, vec(3, map[int]float32{0: 1}), 3, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, best, hits[0].Item.ID)
	// Equal scores: most recent first
	assert.Equal(t, hits[1].Score, hits[2].Score)
	assert.Equal(t, newer, hits[1].Item.ID)
	assert.Equal(t, older, hits[2].Item.ID)

	hits, err = repo.Search(ctx, vec(3, map[int]float32{0: 1}), 1, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, best, hits[0].Item.ID)
}

func TestRepository_SearchInvalidArguments(t *testing.T) {
	repo, _, _, _ := newTestRepo(t, 3)
	ctx := context.Background()

	_, err := repo.Search(ctx, vec(3, map[int]float32{0: 1}), 0, Filter{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = repo.Search(ctx, vec(3, map[int]float32{0: 1}), -1, Filter{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = repo.Search(ctx, []float32{1}, 1, Filter{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = repo.SearchText(ctx, "anything", 1, Filter{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRepository_SearchFilterAppliedBeforeRanking(t *testing.T) {
	repo, _, _, _ := newTestRepo(t, 3)
	ctx := context.Background()

	_, err := repo.Ingest(ctx, &Item{Content: "close but untagged", Embedding: vec(3, map[int]float32{0: 1})})
	require.NoError(t, err)
	shipping, err := repo.Ingest(ctx, &Item{Content: "far but shipping", Tags: []string{"shipping", "usps"}, Embedding: vec(3, map[int]float32{1: 1})})
	require.NoError(t, err)
	pricing, err := repo.Ingest(ctx, &Item{Content: "pricing", Tags: []string{"pricing"}, Embedding: vec(3, map[int]float32{2: 1})})
	require.NoError(t, err)

	// k=1 with a filter must still find the only matching item
	hits, err := repo.Search(ctx, vec(3, map[int]float32{0: 1}), 1, Filter{AllTags: []string{"shipping"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, shipping, hits[0].Item.ID)

	hits, err = repo.Search(ctx, vec(3, map[int]float32{0: 1}), 5, Filter{AnyTags: []string{"pricing", "usps"}})
	require.NoError(t, err)
	ids := []string{hits[0].Item.ID, hits[1].Item.ID}
	assert.ElementsMatch(t, []string{shipping, pricing}, ids)

	hits, err = repo.Search(ctx, vec(3, map[int]float32{0: 1}), 5, Filter{AllTags: []string{"shipping", "pricing"}})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRepository_ExpiryAndSweep(t *testing.T) {
	repo, store, b, clock := newTestRepo(t, 2)
	ctx := context.Background()
	rec := &noticeRecorder{}
	_, err := b.Subscribe(TopicChanged, rec.handle)
	require.NoError(t, err)

	id, err := repo.Ingest(ctx, &Item{Content: "temporary", Embedding: vec(2, map[int]float32{0: 1}), TTL: time.Minute})
	require.NoError(t, err)
	_, err = repo.Get(ctx, id)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = repo.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	hits, err := repo.Search(ctx, vec(2, map[int]float32{0: 1}), 5, Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	n, err := repo.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, store.Len())

	require.Eventually(t, func() bool {
		ops := rec.ops()
		return len(ops) == 2 && ops[0] == OpIngested && ops[1] == OpExpired
	}, time.Second, 5*time.Millisecond)
}

func TestRepository_UpdateCreatesNewVersion(t *testing.T) {
	repo, _, b, _ := newTestRepo(t, 256, WithEmbedder(NewHashingEmbedder(256)))
	ctx := context.Background()
	rec := &noticeRecorder{}
	_, err := b.Subscribe(TopicChanged, rec.handle)
	require.NoError(t, err)

	oldID, err := repo.Ingest(ctx, &Item{Content: "usps ground advantage costs 4 dollars", Tags: []string{"shipping"}, Source: "shipping-agent"})
	require.NoError(t, err)

	newID, err := repo.Update(ctx, oldID, "fedex home delivery now undercuts other carriers", nil)
	require.NoError(t, err)
	assert.NotEqual(t, oldID, newID)

	updated, err := repo.Get(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, oldID, updated.Supersedes)
	assert.Equal(t, []string{"shipping"}, updated.Tags)
	assert.Equal(t, "shipping-agent", updated.Source)

	_, err = repo.Get(ctx, oldID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.Eventually(t, func() bool {
		ops := rec.ops()
		return len(ops) == 3 && ops[1] == OpIngested && ops[2] == OpSuperseded
	}, time.Second, 5*time.Millisecond)

	_, err = repo.Update(ctx, "missing", "x", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_SearchTextWithEmbedder(t *testing.T) {
	repo, _, _, _ := newTestRepo(t, 256, WithEmbedder(NewHashingEmbedder(256)))
	ctx := context.Background()

	shipping, err := repo.Ingest(ctx, &Item{Content: "shipping rates for ground parcels"})
	require.NoError(t, err)
	_, err = repo.Ingest(ctx, &Item{Content: "pricing strategy for refurbished electronics"})
	require.NoError(t, err)

	hits, err := repo.SearchText(ctx, "ground parcels shipping", 1, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, shipping, hits[0].Item.ID)
}

func TestNewRepository_RejectsBadConfig(t *testing.T) {
	_, err := NewRepository(Config{Dimension: 0}, NewMemoryStore(), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewRepository(Config{Dimension: 4}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewRepository(Config{Dimension: 4}, NewMemoryStore(), nil, WithEmbedder(NewHashingEmbedder(8)))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

// gatedStore pauses the next Get until released
type gatedStore struct {
	*MemoryStore
	armed   chan struct{}
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: NewMemoryStore(),
		armed:       make(chan struct{}, 1),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedStore) Get(ctx context.Context, id string) (*Item, error) {
	select {
	case <-g.armed:
		close(g.entered)
		<-g.release
	default:
	}
	return g.MemoryStore.Get(ctx, id)
}

func TestRepository_InvalidateDuringGetDoesNotRefillCache(t *testing.T) {
	store := newGatedStore()
	repo, err := NewRepository(Config{Dimension: 2, CacheSize: 16, CacheTTL: time.Hour}, store, nil)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := repo.Ingest(ctx, &Item{Content: "carrier cutoff is 4pm", Embedding: vec(2, map[int]float32{0: 1})})
	require.NoError(t, err)

	store.armed <- struct{}{}
	getDone := make(chan struct{})
	go func() {
		defer close(getDone)
		_, _ = repo.Get(ctx, id)
	}()
	<-store.entered

	invalidated := make(chan error, 1)
	go func() { invalidated <- repo.Invalidate(ctx, id) }()

	select {
	case <-invalidated:
		t.Fatal("invalidate finished while a read was filling the cache")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	<-getDone
	require.NoError(t, <-invalidated)

	_, err = repo.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, repo.Stats().CacheSize)
}
