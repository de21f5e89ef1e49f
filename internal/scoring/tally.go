// Package scoring accumulates per-rule score deltas and picks winners.
//
// Row classification and column mapping are both "sum every rule's delta per
// key, highest total wins, break ties deterministically". Tally is the shared
// implementation. Totals are summed in canonical rule order, so the result does
// not depend on the order in which rules were invoked or finished.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrNonFinite is returned by Add when a delta is NaN or infinite.
var ErrNonFinite = errors.New("score delta is not a finite number")

// Contribution is one rule's delta toward a key.
type Contribution struct {
	Rule  string  `json:"rule"`
	Delta float64 `json:"delta"`
}

// Tally accumulates contributions keyed by K.
// It is not safe for concurrent use; callers collect results per slot and
// add them from a single goroutine.
type Tally[K comparable] struct {
	byKey map[K][]Contribution
	order []K
}

// New returns an empty Tally.
func New[K comparable]() *Tally[K] {
	return &Tally[K]{byKey: make(map[K][]Contribution)}
}

// Add records a delta for key from rule.
func (t *Tally[K]) Add(key K, rule string, delta float64) error {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return fmt.Errorf("%w: rule %s", ErrNonFinite, rule)
	}
	if _, ok := t.byKey[key]; !ok {
		t.order = append(t.order, key)
	}
	t.byKey[key] = append(t.byKey[key], Contribution{Rule: rule, Delta: delta})
	return nil
}

// Keys returns keys in first-seen order.
func (t *Tally[K]) Keys() []K {
	out := make([]K, len(t.order))
	copy(out, t.order)
	return out
}

// Contributions returns the contributions for key in canonical order.
func (t *Tally[K]) Contributions(key K) []Contribution {
	src := t.byKey[key]
	out := make([]Contribution, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rule != out[j].Rule {
			return out[i].Rule < out[j].Rule
		}
		return out[i].Delta < out[j].Delta
	})
	return out
}

// Total returns the canonical sum of all deltas for key.
func (t *Tally[K]) Total(key K) float64 {
	var sum float64
	for _, c := range t.Contributions(key) {
		sum += c.Delta
	}
	return sum
}

// Touched reports whether key received at least one non-zero delta.
func (t *Tally[K]) Touched(key K) bool {
	for _, c := range t.byKey[key] {
		if c.Delta != 0 {
			return true
		}
	}
	return false
}

// Totals returns the total for every key seen.
func (t *Tally[K]) Totals() map[K]float64 {
	out := make(map[K]float64, len(t.order))
	for _, k := range t.order {
		out[k] = t.Total(k)
	}
	return out
}

// TieBreaker orders two keys with equal totals. Compare returns a negative
// number when a should win, positive when b should win, zero when it cannot
// decide.
type TieBreaker[K comparable] struct {
	Name    string
	Compare func(a, b K) int
}

// Ranked is a candidate with its total.
type Ranked[K comparable] struct {
	Key   K
	Total float64
}

// Result is the outcome of Best.
type Result[K comparable] struct {
	Key   K
	Total float64
	// DecidedBy names the tie-breaker that separated the winner from the
	// runner-up, or "" when totals alone decided.
	DecidedBy string
	Ranking   []Ranked[K]
}

// Rank orders candidates by total descending, then by the tie-break chain.
// Candidates the chain cannot separate keep their input order.
func (t *Tally[K]) Rank(candidates []K, chain ...TieBreaker[K]) []Ranked[K] {
	ranked := make([]Ranked[K], len(candidates))
	for i, k := range candidates {
		ranked[i] = Ranked[K]{Key: k, Total: t.Total(k)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		for _, tb := range chain {
			if c := tb.Compare(a.Key, b.Key); c != 0 {
				return c < 0
			}
		}
		return false
	})
	return ranked
}

// Best returns the winning candidate. ok is false when candidates is empty.
func (t *Tally[K]) Best(candidates []K, chain ...TieBreaker[K]) (Result[K], bool) {
	if len(candidates) == 0 {
		return Result[K]{}, false
	}
	ranked := t.Rank(candidates, chain...)
	res := Result[K]{Key: ranked[0].Key, Total: ranked[0].Total, Ranking: ranked}
	if len(ranked) > 1 && ranked[1].Total == ranked[0].Total {
		res.DecidedBy = decidedBy(ranked[0].Key, ranked[1].Key, chain)
	}
	return res, true
}

func decidedBy[K comparable](a, b K, chain []TieBreaker[K]) string {
	for _, tb := range chain {
		if tb.Compare(a, b) != 0 {
			return tb.Name
		}
	}
	return "input_order"
}

// Prefer builds a tie-breaker that favours keys for which pred is true.
func Prefer[K comparable](name string, pred func(K) bool) TieBreaker[K] {
	return TieBreaker[K]{
		Name: name,
		Compare: func(a, b K) int {
			pa, pb := pred(a), pred(b)
			switch {
			case pa && !pb:
				return -1
			case pb && !pa:
				return 1
			default:
				return 0
			}
		},
	}
}

// ByRank builds a tie-breaker from a rank function; lower ranks win.
func ByRank[K comparable](name string, rank func(K) int) TieBreaker[K] {
	return TieBreaker[K]{
		Name: name,
		Compare: func(a, b K) int {
			return rank(a) - rank(b)
		},
	}
}
