package cmd

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queryReplyFixture() map[string]any {
	return map[string]any{
		"results": []map[string]any{
			{
				"id":      "p1",
				"score":   0.91,
				"project": "proj",
				"dataset": "docs",
				"text":    "Token budgets cap the context window.",
				"metadata": map[string]any{
					"source_ref": "guide.md:10-20",
				},
			},
		},
		"meta": map[string]any{"hybrid_used": true},
	}
}

func TestQueryCmd_PostsRequestAndPrintsResults(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK, queryReplyFixture())

	out, err := runCommand(t,
		"query", "token", "budgets",
		"--project", "proj", "--dataset", "docs", "--top-k", "5", "--server", srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "/projects/proj/query", srv.path)
	assert.Equal(t, "token budgets", srv.body["query"], "args join into one query")
	assert.Equal(t, "docs", srv.body["dataset"])
	assert.Equal(t, float64(5), srv.body["top_k"])

	assert.Contains(t, out, "1. [0.9100] docs/guide.md:10-20")
	assert.Contains(t, out, "Token budgets cap the context window.")
}

func TestQueryCmd_JSONOutput(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK, queryReplyFixture())

	out, err := runCommand(t,
		"query", "token budgets", "--project", "proj", "--json", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, `"results"`)
	assert.Contains(t, out, `"score": 0.91`)
}

func TestQueryCmd_NoResults(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK, map[string]any{"results": []any{}, "meta": map[string]any{}})

	out, err := runCommand(t, "query", "nothing", "--project", "proj", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "no results")
}

func TestQueryCmd_EmptyQueryRejectedByServer(t *testing.T) {
	srv := newCaptureServer(t, http.StatusBadRequest, map[string]any{
		"error": "[ERR_405] query text is empty",
		"code":  "ERR_405",
	})

	_, err := runCommand(t, "query", " ", "--project", "proj", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERR_405")
}

func TestSnippet_TrimsLongText(t *testing.T) {
	long := ""
	for i := 0; i < 50; i++ {
		long += "0123456789"
	}
	got := snippet(long, 40)
	assert.Len(t, []rune(got), 41, "40 runes plus the ellipsis")

	assert.Equal(t, "short", snippet("  short  ", 40))
}
