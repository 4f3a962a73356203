package scope

import (
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Pattern kinds, in match precedence order:
//  1. semantic alias "ns:value" (env:, source:, version:, branch:, lang:)
//  2. glob (* and ?)
//  3. literal
//
// The alias vocabulary is fixed; unknown namespaces fall through to
// literal matching so dataset names containing ':' stay reachable.

// aliasNamespaces maps accepted namespace spellings to their canonical form.
var aliasNamespaces = map[string]string{
	"env":         "env",
	"environment": "env",
	"source":      "source",
	"src":         "source",
	"version":     "version",
	"ver":         "version",
	"branch":      "branch",
	"lang":        "lang",
	"language":    "lang",
}

// aliasSynonyms expands an alias value into the tokens matched against
// dataset names. Matching is substring or suffix based.
var aliasSynonyms = map[string]map[string][]string{
	"env": {
		"dev":     {"dev", "development"},
		"staging": {"staging", "stage"},
		"prod":    {"prod", "production"},
		"test":    {"test", "testing", "qa"},
	},
	"source": {
		"github": {"github", "repo"},
		"web":    {"web", "crawl", "site"},
		"docs":   {"docs", "documentation"},
	},
}

// semverToken finds an embedded version token in a dataset name,
// e.g. "api-v2.3.1" or "sdk-1.0.0-rc1".
var semverToken = regexp.MustCompile(`v?(\d+)(?:\.(\d+))?(?:\.(\d+))?(-[0-9a-zA-Z.]+)?$`)

// ExpandPattern resolves a dataset pattern against the available
// dataset names, preserving the order of availableDatasets.
// Returns an empty slice (never nil) when nothing matches.
func ExpandPattern(pattern string, availableDatasets []string) []string {
	matched := []string{}

	if ns, value, ok := splitAlias(pattern); ok {
		return expandAlias(ns, value, availableDatasets)
	}

	if strings.ContainsAny(pattern, "*?") {
		for _, name := range availableDatasets {
			if ok, err := path.Match(pattern, name); err == nil && ok {
				matched = append(matched, name)
			}
		}
		return matched
	}

	for _, name := range availableDatasets {
		if name == pattern {
			matched = append(matched, name)
		}
	}
	return matched
}

// splitAlias reports whether pattern is "ns:value" with a known namespace.
func splitAlias(pattern string) (ns, value string, ok bool) {
	idx := strings.IndexByte(pattern, ':')
	if idx <= 0 || idx == len(pattern)-1 {
		return "", "", false
	}
	canonical, known := aliasNamespaces[strings.ToLower(pattern[:idx])]
	if !known {
		return "", "", false
	}
	return canonical, strings.ToLower(pattern[idx+1:]), true
}

func expandAlias(ns, value string, available []string) []string {
	if ns == "version" {
		return expandVersion(value, available)
	}

	tokens := []string{value}
	if syn, ok := aliasSynonyms[ns][value]; ok {
		tokens = syn
	}

	matched := []string{}
	for _, name := range available {
		lower := strings.ToLower(name)
		for _, tok := range tokens {
			if strings.Contains(lower, tok) {
				matched = append(matched, name)
				break
			}
		}
	}
	return matched
}

// version is a parsed semver-ish token embedded in a dataset name.
type version struct {
	major, minor, patch int
	pre                 string // empty for releases
}

func (v version) less(o version) bool {
	if v.major != o.major {
		return v.major < o.major
	}
	if v.minor != o.minor {
		return v.minor < o.minor
	}
	if v.patch != o.patch {
		return v.patch < o.patch
	}
	// A release outranks any pre-release of the same triple.
	if (v.pre == "") != (o.pre == "") {
		return v.pre != ""
	}
	return v.pre < o.pre
}

func parseVersionToken(name string) (base string, v version, ok bool) {
	m := semverToken.FindStringSubmatchIndex(name)
	if m == nil {
		return "", version{}, false
	}
	sub := semverToken.FindStringSubmatch(name)

	v.major, _ = strconv.Atoi(sub[1])
	if sub[2] != "" {
		v.minor, _ = strconv.Atoi(sub[2])
	}
	if sub[3] != "" {
		v.patch, _ = strconv.Atoi(sub[3])
	}
	if sub[4] != "" {
		v.pre = strings.TrimPrefix(sub[4], "-")
	}

	base = strings.TrimRight(name[:m[0]], "-_.")
	return base, v, true
}

// expandVersion handles version:<value>.
//
// "latest" picks the maximum release per base name; pre-releases are
// excluded unless a base has nothing but pre-releases is NOT enough —
// they stay excluded until explicitly requested.
// Any other value matches datasets whose embedded version starts with
// that value (version:1.2 matches v1.2.0 and v1.2.3); a value carrying
// a pre-release token opts into pre-releases.
func expandVersion(value string, available []string) []string {
	if value == "latest" {
		best := map[string]struct {
			name string
			v    version
		}{}
		order := []string{}

		for _, name := range available {
			base, v, ok := parseVersionToken(name)
			if !ok || v.pre != "" {
				continue
			}
			cur, seen := best[base]
			if !seen {
				order = append(order, base)
			}
			if !seen || cur.v.less(v) {
				best[base] = struct {
					name string
					v    version
				}{name, v}
			}
		}

		matched := []string{}
		for _, base := range order {
			matched = append(matched, best[base].name)
		}
		return matched
	}

	wantPre := strings.Contains(value, "-")
	matched := []string{}
	for _, name := range available {
		_, v, ok := parseVersionToken(name)
		if !ok {
			continue
		}
		if v.pre != "" && !wantPre {
			continue
		}
		rendered := renderVersion(v)
		want := strings.TrimPrefix(value, "v")
		// Segment-aware prefix: 1.2 matches 1.2.3 but not 1.23.0.
		if rendered == want || strings.HasPrefix(rendered, want+".") || strings.HasPrefix(rendered, want+"-") {
			matched = append(matched, name)
		}
	}
	return matched
}

func renderVersion(v version) string {
	s := strconv.Itoa(v.major) + "." + strconv.Itoa(v.minor) + "." + strconv.Itoa(v.patch)
	if v.pre != "" {
		s += "-" + v.pre
	}
	return s
}

// SuggestedPattern is a pattern with the number of datasets it matches.
type SuggestedPattern struct {
	Pattern    string `json:"pattern"`
	MatchCount int    `json:"match_count"`
}

// SuggestPatterns proposes useful patterns for the available datasets,
// sorted by match count descending. Patterns matching nothing are
// excluded.
func SuggestPatterns(available []string) []SuggestedPattern {
	candidates := []string{
		"env:dev", "env:staging", "env:prod", "env:test",
		"source:github", "source:web", "source:docs",
		"version:latest",
	}

	// Prefix globs from common name stems.
	stems := map[string]int{}
	for _, name := range available {
		if idx := strings.IndexAny(name, "-_"); idx > 0 {
			stems[name[:idx]]++
		}
	}
	for stem, count := range stems {
		if count >= 2 {
			candidates = append(candidates, stem+"*")
		}
	}

	suggestions := []SuggestedPattern{}
	for _, pattern := range candidates {
		if n := len(ExpandPattern(pattern, available)); n > 0 {
			suggestions = append(suggestions, SuggestedPattern{Pattern: pattern, MatchCount: n})
		}
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		if suggestions[i].MatchCount != suggestions[j].MatchCount {
			return suggestions[i].MatchCount > suggestions[j].MatchCount
		}
		return suggestions[i].Pattern < suggestions[j].Pattern
	})
	return suggestions
}
