package knowledge

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// neverExpires is stored as expires_at for items without a TTL so that a single
// range condition covers both cases
const neverExpires = float64(1 << 53)

const sweepPageSize = 256

// QdrantConfig configures the Qdrant vector database backend
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
	Dimension  int
}

// QdrantStore is a VectorStore backed by a Qdrant collection with cosine distance
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dim        int
}

// NewQdrantStore connects to Qdrant and makes sure the collection exists
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	// Port 6334 is the default gRPC port for Qdrant
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Host,
		Port: cfg.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "agent_knowledge"
	}

	store := &QdrantStore{
		client:     client,
		collection: collection,
		dim:        cfg.Dimension,
	}

	if err := store.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}

	log.Printf("[QdrantStore] Initialized (collection: %s, dimension: %d)", collection, cfg.Dimension)
	return store, nil
}

// ensureCollection creates the collection if it doesn't exist
func (q *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}

	log.Printf("[QdrantStore] Creating collection '%s' with dimension %d", q.collection, q.dim)
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// pointID derives a stable UUID point id from an item id
func pointID(itemID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(itemID)).String())
}

// Put upserts the item as a point whose payload carries every non-vector field
func (q *QdrantStore) Put(ctx context.Context, item *Item) error {
	payload := map[string]*qdrant.Value{
		"id":         qdrant.NewValueString(item.ID),
		"content":    qdrant.NewValueString(item.Content),
		"source":     qdrant.NewValueString(item.Source),
		"supersedes": qdrant.NewValueString(item.Supersedes),
		"created_at": qdrant.NewValueInt(item.CreatedAt.UnixNano()),
		"ttl":        qdrant.NewValueInt(int64(item.TTL)),
		"version":    qdrant.NewValueInt(int64(item.Version)),
		"validated":  qdrant.NewValueBool(item.Validated),
		"expires_at": qdrant.NewValueDouble(expiryScore(item.ExpiresAt)),
	}
	if len(item.Tags) > 0 {
		tagValues := make([]*qdrant.Value, len(item.Tags))
		for i, t := range item.Tags {
			tagValues[i] = qdrant.NewValueString(t)
		}
		payload["tags"] = qdrant.NewValueList(&qdrant.ListValue{Values: tagValues})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      pointID(item.ID),
				Vectors: qdrant.NewVectors(item.Embedding...),
				Payload: payload,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}
	return nil
}

// Get fetches one item by id
func (q *QdrantStore) Get(ctx context.Context, id string) (*Item, error) {
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            []*qdrant.PointId{pointID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get point: %w", err)
	}
	if len(points) == 0 {
		return nil, ErrNotFound
	}
	p := points[0]
	return itemFromPayload(p.GetPayload(), p.GetVectors().GetVector().GetData()), nil
}

// Search runs a cosine query with the tag and expiry filter evaluated by Qdrant before scoring
func (q *QdrantStore) Search(ctx context.Context, query []float32, k int, filter Filter, now time.Time) ([]ScoredItem, error) {
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(query...),
		Filter:         buildFilter(filter, now),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search in Qdrant: %w", err)
	}

	hits := make([]ScoredItem, 0, len(points))
	for _, p := range points {
		hits = append(hits, ScoredItem{
			Item:  itemFromPayload(p.GetPayload(), p.GetVectors().GetVector().GetData()),
			Score: float64(p.GetScore()),
		})
	}
	// Qdrant orders by score only; re-rank to apply the created_at tie-break.
	return rankResults(hits, k), nil
}

// Delete removes a point by item id
func (q *QdrantStore) Delete(ctx context.Context, id string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(pointID(id)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete point: %w", err)
	}
	return nil
}

// DeleteExpired scrolls for points whose expires_at has passed and deletes them
func (q *QdrantStore) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: q.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{rangeCondition("expires_at", &qdrant.Range{Lte: qdrant.PtrOf(expiryScore(now))})},
		},
		Limit:       qdrant.PtrOf(uint32(sweepPageSize)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scroll expired points: %w", err)
	}
	if len(points) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(points))
	pointIDs := make([]*qdrant.PointId, 0, len(points))
	for _, p := range points {
		ids = append(ids, p.GetPayload()["id"].GetStringValue())
		pointIDs = append(pointIDs, p.GetId())
	}
	_, err = q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired points: %w", err)
	}
	return ids, nil
}

// DeleteCollection deletes the entire collection
func (q *QdrantStore) DeleteCollection(ctx context.Context) error {
	if err := q.client.DeleteCollection(ctx, q.collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	log.Printf("[QdrantStore] Deleted collection: %s", q.collection)
	return nil
}

// Close closes the Qdrant client
func (q *QdrantStore) Close() error {
	if q.client != nil {
		if err := q.client.Close(); err != nil {
			return fmt.Errorf("failed to close Qdrant client: %w", err)
		}
	}
	return nil
}

func expiryScore(t time.Time) float64 {
	if t.IsZero() {
		return neverExpires
	}
	return float64(t.UnixNano()) / 1e9
}

func keywordCondition(key, keyword string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: keyword},
				},
			},
		},
	}
}

func rangeCondition(key string, r *qdrant.Range) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{Key: key, Range: r},
		},
	}
}

// buildFilter translates the tag predicate plus liveness into a Qdrant filter
func buildFilter(f Filter, now time.Time) *qdrant.Filter {
	qf := &qdrant.Filter{
		Must: []*qdrant.Condition{rangeCondition("expires_at", &qdrant.Range{Gt: qdrant.PtrOf(expiryScore(now))})},
	}
	for _, t := range f.AllTags {
		qf.Must = append(qf.Must, keywordCondition("tags", t))
	}
	for _, t := range f.AnyTags {
		qf.Should = append(qf.Should, keywordCondition("tags", t))
	}
	return qf
}

// itemFromPayload reconstructs an Item from a point payload and vector
func itemFromPayload(payload map[string]*qdrant.Value, vector []float32) *Item {
	getString := func(key string) string {
		if v := payload[key]; v != nil {
			return v.GetStringValue()
		}
		return ""
	}
	getInt := func(key string) int64 {
		if v := payload[key]; v != nil {
			return v.GetIntegerValue()
		}
		return 0
	}

	var tags []string
	if v := payload["tags"]; v != nil {
		for _, tv := range v.GetListValue().GetValues() {
			if s := tv.GetStringValue(); s != "" {
				tags = append(tags, s)
			}
		}
	}

	it := &Item{
		ID:         getString("id"),
		Content:    getString("content"),
		Source:     getString("source"),
		Supersedes: getString("supersedes"),
		Tags:       tags,
		CreatedAt:  time.Unix(0, getInt("created_at")).UTC(),
		TTL:        time.Duration(getInt("ttl")),
		Version:    int(getInt("version")),
		Validated:  payload["validated"].GetBoolValue(),
	}
	if vector != nil {
		it.Embedding = append([]float32(nil), vector...)
	}
	if exp := payload["expires_at"].GetDoubleValue(); exp > 0 && exp < neverExpires {
		sec := int64(exp)
		it.ExpiresAt = time.Unix(sec, int64((exp-float64(sec))*1e9)).UTC()
	}
	return it
}
