// Package retrieval finds knowledge-base fragments relevant to a user query.
package retrieval

import (
	"context"
	"sort"
)

// DefaultK is the number of fragments fetched per query.
const DefaultK = 3

// Fragment is one retrieved piece of context.
type Fragment struct {
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score"`
}

// Retriever returns up to k fragments ordered by descending relevance.
// Implementations are deterministic for a fixed index snapshot and never
// mutate the index while serving a query.
type Retriever interface {
	Fetch(ctx context.Context, query string, k int) ([]Fragment, error)
}

// Func adapts a plain function to the Retriever interface.
type Func func(ctx context.Context, query string, k int) ([]Fragment, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, query string, k int) ([]Fragment, error) {
	return f(ctx, query, k)
}

// Static always returns the same fragments, truncated to k.
type Static []Fragment

// Fetch returns a copy of the first k fragments.
func (s Static) Fetch(_ context.Context, _ string, k int) ([]Fragment, error) {
	if k <= 0 || k > len(s) {
		k = len(s)
	}
	out := make([]Fragment, k)
	copy(out, s[:k])
	return out, nil
}

// sortFragments orders by score descending, then by source for stable ties.
func sortFragments(frags []Fragment) {
	sort.SliceStable(frags, func(i, j int) bool {
		if frags[i].Score != frags[j].Score {
			return frags[i].Score > frags[j].Score
		}
		return frags[i].Source < frags[j].Source
	})
}
