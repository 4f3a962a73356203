package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureServer records the last request and replies with the given
// status and body.
type captureServer struct {
	*httptest.Server

	path string
	body map[string]any
}

func newCaptureServer(t *testing.T, status int, reply any) *captureServer {
	t.Helper()
	cs := &captureServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.path = r.URL.Path
		cs.body = map[string]any{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cs.body))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		require.NoError(t, json.NewEncoder(w).Encode(reply))
	}))
	t.Cleanup(cs.Close)
	return cs
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestIngestGitHubCmd_PostsRequest(t *testing.T) {
	srv := newCaptureServer(t, http.StatusAccepted, enqueueReply{
		JobID: "job-1", Status: "queued", Dataset: "my-repo",
	})

	out, err := runCommand(t,
		"ingest", "github", "https://github.com/org/my-repo",
		"--project", "proj", "--branch", "main", "--server", srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "/projects/proj/ingest/github", srv.path)
	assert.Equal(t, "https://github.com/org/my-repo", srv.body["repo_url"])
	assert.Equal(t, "main", srv.body["branch"])
	assert.NotContains(t, srv.body, "dataset", "empty dataset is omitted")
	assert.Contains(t, out, "job job-1 queued")
	assert.Contains(t, out, "my-repo")
}

func TestIngestGitHubCmd_CoalescedOutput(t *testing.T) {
	srv := newCaptureServer(t, http.StatusAccepted, enqueueReply{
		JobID: "job-1", Status: "queued", Dataset: "my-repo", Coalesced: true,
	})

	out, err := runCommand(t,
		"ingest", "github", "https://github.com/org/my-repo",
		"--project", "proj", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "already running")
}

func TestIngestGitHubCmd_RequiresProject(t *testing.T) {
	_, err := runCommand(t, "ingest", "github", "https://github.com/org/my-repo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project")
}

func TestIngestWebCmd_PostsAllURLs(t *testing.T) {
	srv := newCaptureServer(t, http.StatusAccepted, enqueueReply{JobID: "job-2", Dataset: "docs"})

	_, err := runCommand(t,
		"ingest", "web", "https://docs.example.com/a", "https://docs.example.com/b",
		"--project", "proj", "--dataset", "docs", "--force", "--server", srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "/projects/proj/ingest/web", srv.path)
	assert.Equal(t, []any{"https://docs.example.com/a", "https://docs.example.com/b"}, srv.body["urls"])
	assert.Equal(t, "docs", srv.body["dataset"])
	assert.Equal(t, true, srv.body["force_reindex"])
}

func TestIngestCrawlCmd_PostsBounds(t *testing.T) {
	srv := newCaptureServer(t, http.StatusAccepted, enqueueReply{JobID: "job-3", Dataset: "docs"})

	_, err := runCommand(t,
		"ingest", "crawl", "https://docs.example.com/",
		"--project", "proj", "--max-pages", "50", "--max-depth", "3", "--server", srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "/projects/proj/ingest/crawl", srv.path)
	assert.Equal(t, "https://docs.example.com/", srv.body["root_url"])
	assert.Equal(t, float64(50), srv.body["max_pages"])
	assert.Equal(t, float64(3), srv.body["max_depth"])
}

func TestIngestCmd_ServerErrorSurfacesCode(t *testing.T) {
	srv := newCaptureServer(t, http.StatusBadRequest, map[string]any{
		"error": "[ERR_401] repo_url is required",
		"code":  "ERR_401",
	})

	_, err := runCommand(t,
		"ingest", "github", "https://github.com/org/my-repo",
		"--project", "proj", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERR_401")
}
