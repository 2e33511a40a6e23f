// Package suggest finds close matches for mistyped names, such as a scope
// given on the command line that no schema defines.
package suggest

import (
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
)

// maxSuggestions caps the returned matches.
const maxSuggestions = 3

// levenshtein calculates the edit distance between two strings
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// Names returns up to three names similar to unknown, best first.
// Subsequence matches ("inv" for "inventory") rank ahead of names within
// a small edit distance.
func Names(unknown string, valid []string) []string {
	unknown = strings.ToLower(strings.TrimSpace(unknown))
	if unknown == "" {
		return nil
	}

	var out []string
	seen := make(map[string]bool)
	for _, m := range fuzzy.Find(unknown, valid) {
		if len(out) == maxSuggestions {
			return out
		}
		out = append(out, m.Str)
		seen[m.Str] = true
	}

	type scored struct {
		name string
		dist int
	}
	var candidates []scored
	maxDist := max(2, len(unknown)/3)
	for _, v := range valid {
		if seen[v] {
			continue
		}
		if d := levenshtein(unknown, strings.ToLower(v)); d <= maxDist {
			candidates = append(candidates, scored{v, d})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	for _, c := range candidates {
		if len(out) == maxSuggestions {
			break
		}
		out = append(out, c.name)
	}
	return out
}

// Hint renders suggestions as "did you mean a or b?"; empty without any.
func Hint(suggestions []string) string {
	switch len(suggestions) {
	case 0:
		return ""
	case 1:
		return "did you mean " + suggestions[0] + "?"
	}
	return "did you mean " + strings.Join(suggestions[:len(suggestions)-1], ", ") +
		" or " + suggestions[len(suggestions)-1] + "?"
}
