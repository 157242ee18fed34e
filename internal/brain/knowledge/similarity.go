package knowledge

import (
	"math"
	"sort"
)

// CosineSimilarity returns the cosine of the angle between a and b.
// Vectors of different length or zero magnitude score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rankResults orders hits by score descending, then created_at descending (most
// recent wins), then id for a stable total order, and truncates to k.
func rankResults(hits []ScoredItem, k int) []ScoredItem {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		ci, cj := hits[i].Item.CreatedAt, hits[j].Item.CreatedAt
		if !ci.Equal(cj) {
			return ci.After(cj)
		}
		return hits[i].Item.ID < hits[j].Item.ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
