// Package fuzzy implements the subsequence scorer used to rank mention
// suggestions. Scores are deterministic and cheap enough to recompute on
// every keystroke.
package fuzzy

import (
	"sort"
	"strings"
)

const (
	consecutiveBonus = 0.1
	boundaryBonus    = 0.15
	prefixBonus      = 0.2
	gapPenalty       = 0.02
)

// Range is a half-open [Start, End) span of matched characters in the target.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Score rates how well query matches target as an in-order subsequence.
// The score is in [0, 1]; 0 means at least one query character could not be
// matched, 1 means an exact (case-insensitive) full-string match. The
// returned ranges cover the matched characters of target in order.
func Score(query, target string) (float64, []Range) {
	if query == "" {
		return 1, nil
	}
	if target == "" {
		return 0, nil
	}

	q := strings.ToLower(query)
	t := strings.ToLower(target)

	if q == t {
		return 1, []Range{{Start: 0, End: len(target)}}
	}

	runs := matchRuns(q, t)
	if runs == nil {
		return 0, nil
	}

	queryLen := float64(len(q))
	total := 0.0
	prevEnd := -1

	for _, run := range runs {
		total += float64(run.End-run.Start) / queryLen

		// Every matched character adjacent to the previous match earns the
		// bonus, so unbroken runs outrank scattered single hits.
		total += consecutiveBonus * float64(run.End-run.Start-1)
		if prevEnd >= 0 {
			total -= gapPenalty * float64(run.Start-prevEnd)
		}
		if run.Start == 0 {
			total += boundaryBonus + prefixBonus
		} else if isBoundary(t[run.Start-1]) {
			total += boundaryBonus
		}
		prevEnd = run.End
	}

	score := total / queryLen
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	// Favor shorter targets: a query matching most of the target beats the
	// same query buried in a long string.
	targetLen := float64(len(t))
	penalty := 1 - (targetLen-queryLen)/(targetLen*4)
	if penalty < 0.5 {
		penalty = 0.5
	}
	return score * penalty, runs
}

// matchRuns greedily matches every character of q in t, returning the matched
// spans grouped into runs of adjacent characters. Returns nil if any query
// character cannot be matched in order.
func matchRuns(q, t string) []Range {
	var runs []Range
	ti := 0
	for qi := 0; qi < len(q); qi++ {
		found := strings.IndexByte(t[ti:], q[qi])
		if found < 0 {
			return nil
		}
		pos := ti + found
		if n := len(runs); n > 0 && runs[n-1].End == pos {
			runs[n-1].End = pos + 1
		} else {
			runs = append(runs, Range{Start: pos, End: pos + 1})
		}
		ti = pos + 1
	}
	return runs
}

func isBoundary(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '-', '_', '.':
		return true
	}
	return false
}

// Match is a single ranked result from Search.
type Match[T any] struct {
	Item   T
	Score  float64
	Ranges []Range
}

// Options controls Search filtering.
type Options struct {
	// Threshold drops results whose score is less than or equal to it.
	// The zero value drops only non-matches.
	Threshold float64
	// Limit truncates the result list when > 0.
	Limit int
}

// Search scores every item against query and returns matches sorted by
// descending score. Ties keep input order. An empty query returns every item
// at score 1 in input order.
func Search[T any](query string, items []T, key func(T) string, opts Options) []Match[T] {
	results := make([]Match[T], 0, len(items))
	for _, item := range items {
		score, ranges := Score(query, key(item))
		if query != "" && score <= opts.Threshold {
			continue
		}
		results = append(results, Match[T]{Item: item, Score: score, Ranges: ranges})
	}

	if query != "" {
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Score > results[j].Score
		})
	}
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}
