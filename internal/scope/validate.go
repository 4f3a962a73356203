package scope

import (
	"sort"
	"strings"
)

// maxSuggestionDistance is the edit-distance ceiling for suggestions.
const maxSuggestionDistance = 3

// maxSuggestions caps how many alternatives Validate returns.
const maxSuggestions = 5

// ValidationResult reports whether an input resolves against the
// available datasets, with ranked alternatives on a miss.
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	Suggestions []string `json:"suggestions"`
}

// Validate checks a dataset pattern against the available names.
// Patterns (aliases, globs) are valid when they match at least zero
// datasets without error; a literal that matches nothing yields
// edit-distance-ranked suggestions.
func Validate(input string, available []string) ValidationResult {
	if _, _, ok := splitAlias(input); ok {
		return ValidationResult{Valid: true, Suggestions: []string{}}
	}
	if strings.ContainsAny(input, "*?") {
		return ValidationResult{Valid: true, Suggestions: []string{}}
	}

	if len(ExpandPattern(input, available)) > 0 {
		return ValidationResult{Valid: true, Suggestions: []string{}}
	}

	type ranked struct {
		name string
		dist int
	}
	var candidates []ranked
	lower := strings.ToLower(input)
	for _, name := range available {
		d := levenshtein(lower, strings.ToLower(name))
		if d <= maxSuggestionDistance {
			candidates = append(candidates, ranked{name, d})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].name < candidates[j].name
	})

	suggestions := []string{}
	for _, c := range candidates {
		if len(suggestions) == maxSuggestions {
			break
		}
		suggestions = append(suggestions, c.name)
	}

	return ValidationResult{Valid: false, Suggestions: suggestions}
}

// levenshtein computes the edit distance between two strings using the
// two-row dynamic programming formulation.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}
