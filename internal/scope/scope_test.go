package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"MyProject", "myproject"},
		{"docs.example.com", "docs-example-com"},
		{"a/b/c", "a-b-c"},
		{"hello world", "hello-world"},
		{"already_ok-123", "already_ok-123"},
		{"--weird--", "weird"},
		{"émojis🎉", "mojis"},
		{"a...b", "a-b"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.input), tt.input)
	}
}

func TestCollectionName_Deterministic(t *testing.T) {
	a := CollectionName("My Project", "Docs.v2")
	b := CollectionName("My Project", "Docs.v2")

	assert.Equal(t, a, b)
	assert.Equal(t, "project_my-project_dataset_docs-v2", a)
}

func TestEnsureDistinct(t *testing.T) {
	require.NoError(t, EnsureDistinct([]string{"alpha", "beta", "gamma"}))

	// Same raw name twice is not a collision.
	require.NoError(t, EnsureDistinct([]string{"alpha", "alpha"}))

	err := EnsureDistinct([]string{"my.project", "my/project"})
	require.Error(t, err)
	assert.Equal(t, cerr.ErrCodeNameCollision, cerr.GetCode(err))
}

func TestProjectID_Deterministic(t *testing.T) {
	assert.Equal(t, ProjectID("acme"), ProjectID("acme"))
	assert.NotEqual(t, ProjectID("acme"), ProjectID("other"))
	assert.Equal(t, ProjectID(""), ProjectID("default"))
}

func TestDatasetID_ScopedToProject(t *testing.T) {
	assert.NotEqual(t, DatasetID("p1", "docs"), DatasetID("p2", "docs"))
	assert.Equal(t, DatasetID("p1", "docs"), DatasetID("p1", "docs"))
}

func TestDatasetNameForURL(t *testing.T) {
	assert.Equal(t, "docs-example-com", DatasetNameForURL("docs.example.com"))
}

func TestExpandPattern_Literal(t *testing.T) {
	available := []string{"docs", "api", "docs-v2"}

	assert.Equal(t, []string{"docs"}, ExpandPattern("docs", available))
	assert.Empty(t, ExpandPattern("missing", available))
}

func TestExpandPattern_Glob(t *testing.T) {
	available := []string{"docs", "docs-v1", "docs-v2", "api"}

	assert.Equal(t, []string{"docs", "docs-v1", "docs-v2"}, ExpandPattern("docs*", available))
	assert.Equal(t, []string{"docs-v1", "docs-v2"}, ExpandPattern("docs-v?", available))
}

func TestExpandPattern_EnvAlias(t *testing.T) {
	available := []string{"api-dev", "api-prod", "web-staging", "docs"}

	assert.Equal(t, []string{"api-dev"}, ExpandPattern("env:dev", available))
	assert.Equal(t, []string{"api-prod"}, ExpandPattern("environment:prod", available))
	assert.Equal(t, []string{"web-staging"}, ExpandPattern("env:staging", available))
}

func TestExpandPattern_EnvAlias_EmptyAvailable(t *testing.T) {
	got := ExpandPattern("env:dev", nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestExpandPattern_VersionLatest(t *testing.T) {
	available := []string{"sdk-v1.2.0", "sdk-v1.10.0", "sdk-v2.0.0-rc1", "api-v0.3", "plain"}

	got := ExpandPattern("version:latest", available)

	// Highest release per base; the rc is a pre-release and stays out.
	assert.Equal(t, []string{"sdk-v1.10.0", "api-v0.3"}, got)
}

func TestExpandPattern_VersionExplicit(t *testing.T) {
	available := []string{"sdk-v1.2.0", "sdk-v1.2.3", "sdk-v1.3.0", "sdk-v2.0.0-rc1"}

	assert.Equal(t, []string{"sdk-v1.2.0", "sdk-v1.2.3"}, ExpandPattern("version:1.2", available))

	// A pre-release value opts into pre-releases.
	assert.Equal(t, []string{"sdk-v2.0.0-rc1"}, ExpandPattern("version:2.0.0-rc1", available))
}

func TestExpandPattern_UnknownNamespaceFallsThroughToLiteral(t *testing.T) {
	available := []string{"weird:name"}
	assert.Equal(t, []string{"weird:name"}, ExpandPattern("weird:name", available))
}

func TestExpandPattern_LiteralIdempotence(t *testing.T) {
	assert.Equal(t, []string{"docs"}, ExpandPattern("docs", []string{"docs"}))
}

func TestValidate_ValidLiteral(t *testing.T) {
	res := Validate("docs", []string{"docs", "api"})
	assert.True(t, res.Valid)
	assert.Empty(t, res.Suggestions)
}

func TestValidate_MissWithSuggestions(t *testing.T) {
	res := Validate("dcos", []string{"docs", "api", "docs-v2", "unrelated"})

	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Suggestions)
	assert.Equal(t, "docs", res.Suggestions[0])
	assert.NotContains(t, res.Suggestions, "unrelated")
}

func TestValidate_PatternsAlwaysValid(t *testing.T) {
	assert.True(t, Validate("env:dev", nil).Valid)
	assert.True(t, Validate("docs*", nil).Valid)
}

func TestSuggestPatterns(t *testing.T) {
	available := []string{"api-dev", "api-prod", "api-staging", "docs"}

	got := SuggestPatterns(available)
	require.NotEmpty(t, got)

	// Sorted by match count descending, zero-count patterns excluded.
	assert.Equal(t, "api*", got[0].Pattern)
	assert.Equal(t, 3, got[0].MatchCount)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i].MatchCount, got[i-1].MatchCount)
		assert.Positive(t, got[i].MatchCount)
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"docs", "dcos", 2},
		{"", "abc", 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, levenshtein(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}
