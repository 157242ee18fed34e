package knowledge

import (
	"sort"
	"strings"
	"time"
)

// TopicChanged is the bus topic every ingest, invalidation and expiry is announced on
const TopicChanged = "knowledge.changed"

// Item is a stored, embedding-indexed fact shared across agents.
// Content is immutable once validated; Update creates a new version.
type Item struct {
	ID         string        `json:"id" yaml:"id"`
	Content    string        `json:"content" yaml:"content"`
	Embedding  []float32     `json:"embedding,omitempty" yaml:"-"`
	Tags       []string      `json:"tags,omitempty" yaml:"tags"`
	Source     string        `json:"source,omitempty" yaml:"source"`
	CreatedAt  time.Time     `json:"created_at" yaml:"-"`
	TTL        time.Duration `json:"ttl,omitempty" yaml:"-"`
	ExpiresAt  time.Time     `json:"expires_at,omitempty" yaml:"-"`
	Validated  bool          `json:"validated" yaml:"-"`
	Version    int           `json:"version" yaml:"-"`
	Supersedes string        `json:"supersedes,omitempty" yaml:"-"`
}

// Expired reports whether the item's TTL has elapsed at now
func (it *Item) Expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt)
}

// Clone returns a deep copy so callers never share slices with the store
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	c := *it
	if it.Embedding != nil {
		c.Embedding = append([]float32(nil), it.Embedding...)
	}
	if it.Tags != nil {
		c.Tags = append([]string(nil), it.Tags...)
	}
	return &c
}

// HasTag reports whether the item carries tag
func (it *Item) HasTag(tag string) bool {
	for _, t := range it.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ScoredItem is a search hit with its cosine similarity to the query
type ScoredItem struct {
	Item  *Item
	Score float64
}

// Filter is a tag predicate applied before ranking
type Filter struct {
	// AllTags must all be present on the item
	AllTags []string
	// AnyTags requires at least one to be present when non-empty
	AnyTags []string
}

// IsZero reports whether the filter accepts everything
func (f Filter) IsZero() bool {
	return len(f.AllTags) == 0 && len(f.AnyTags) == 0
}

// Match evaluates the predicate against an item
func (f Filter) Match(it *Item) bool {
	for _, t := range f.AllTags {
		if !it.HasTag(t) {
			return false
		}
	}
	if len(f.AnyTags) == 0 {
		return true
	}
	for _, t := range f.AnyTags {
		if it.HasTag(t) {
			return true
		}
	}
	return false
}

// ChangeOp names what happened to an item
type ChangeOp string

const (
	OpIngested    ChangeOp = "ingested"
	OpInvalidated ChangeOp = "invalidated"
	OpExpired     ChangeOp = "expired"
	OpSuperseded  ChangeOp = "superseded"
)

// ChangeNotice is the payload published on TopicChanged
type ChangeNotice struct {
	ItemID     string   `json:"item_id"`
	Op         ChangeOp `json:"op"`
	Tags       []string `json:"tags,omitempty"`
	Version    int      `json:"version,omitempty"`
	Supersedes string   `json:"supersedes,omitempty"`
}

// TagSchema constrains the tags an item may carry
type TagSchema struct {
	Pattern string
	MaxTags int
	Allowed []string
}

// Config configures the repository
type Config struct {
	Dimension           int
	SimilarityThreshold float64
	CacheSize           int
	CacheTTL            time.Duration
	Tags                TagSchema
}

const (
	DefaultSimilarityThreshold = 0.97
	DefaultTagPattern          = `^[a-z0-9][a-z0-9_.:-]*$`
	DefaultMaxTags             = 32
)

// normalizeTags trims whitespace, drops blanks and duplicates, and sorts
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
