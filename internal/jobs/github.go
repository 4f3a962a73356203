package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
	"github.com/Zykairotis/corpusd/internal/ingest"
	"github.com/Zykairotis/corpusd/internal/scope"
)

// GitHubPayload is the payload of a github_ingest job.
type GitHubPayload struct {
	RepoURL         string   `json:"repo_url"`
	Branch          string   `json:"branch,omitempty"`
	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	ForceReindex    bool     `json:"force_reindex,omitempty"`
}

// GitHubResult is the result document of a successful github_ingest.
type GitHubResult struct {
	RepoURL   string `json:"repo_url"`
	Branch    string `json:"branch,omitempty"`
	CommitSHA string `json:"commit_sha"`

	Documents     int `json:"documents"`
	New           int `json:"new"`
	Updated       int `json:"updated"`
	Unchanged     int `json:"unchanged"`
	Deleted       int `json:"deleted"`
	Chunks        int `json:"chunks"`
	ParseFailures int `json:"parse_failures,omitempty"`
}

// NormalizeRepoURL strips the scheme, credentials and .git suffix so
// the same repository always yields the same singleton identity.
func NormalizeRepoURL(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")
	for _, prefix := range []string{"https://", "http://", "ssh://", "git://"} {
		s = strings.TrimPrefix(s, prefix)
	}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		s = s[at+1:]
	}
	// scp-style git@host:org/repo
	s = strings.Replace(s, ":", "/", 1)
	return strings.ToLower(s)
}

// DefaultDatasetForRepo derives a dataset name from a repository URL
// when the caller does not name one.
func DefaultDatasetForRepo(raw string) string {
	norm := NormalizeRepoURL(raw)
	if i := strings.LastIndex(norm, "/"); i >= 0 && i+1 < len(norm) {
		norm = norm[i+1:]
	}
	return scope.Normalize(norm)
}

// fileIngester is the ingest slice the handler needs.
type fileIngester interface {
	IngestFiles(ctx context.Context, req ingest.FileRequest) (ingest.Summary, error)
}

// resultRecorder persists a partial result on a running job.
type resultRecorder interface {
	RecordResult(ctx context.Context, jobID string, result any) error
}

// GitHubHandler clones a repository shallowly into a scratch directory
// and feeds the tree to the ingest pipeline.
type GitHubHandler struct {
	pipeline fileIngester
	recorder resultRecorder
	// scratchDir is the parent for clone checkouts. Empty uses the
	// system temp dir.
	scratchDir string
	log        *slog.Logger
}

// NewGitHubHandler wires the handler. recorder may be nil, in which
// case mid-run results are not persisted.
func NewGitHubHandler(pipeline fileIngester, recorder resultRecorder, scratchDir string, log *slog.Logger) *GitHubHandler {
	if log == nil {
		log = slog.Default()
	}
	return &GitHubHandler{pipeline: pipeline, recorder: recorder, scratchDir: scratchDir, log: log}
}

// Handle implements Handler for KindGitHub jobs.
func (h *GitHubHandler) Handle(ctx context.Context, job *Job, report ProgressReporter) (any, error) {
	var payload GitHubPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, cerr.ValidationError("decode github payload", err)
	}
	if payload.RepoURL == "" {
		return nil, cerr.New(cerr.ErrCodeInvalidInput, "github payload has no repo_url", nil)
	}

	report(string(ingest.PhaseAcquire), 0)

	dir, err := os.MkdirTemp(h.scratchDir, "corpusd-clone-*")
	if err != nil {
		return nil, cerr.InternalError("create clone scratch dir", err)
	}
	defer os.RemoveAll(dir)

	sha, err := h.clone(ctx, payload, dir)
	if err != nil {
		return nil, err
	}
	h.log.Info("repository cloned",
		"repo", payload.RepoURL, "branch", payload.Branch, "commit", sha, "job_id", job.ID)

	// The commit is pinned now; record it so job status shows which
	// revision is being indexed while the ingest runs.
	if h.recorder != nil {
		partial := GitHubResult{RepoURL: payload.RepoURL, Branch: payload.Branch, CommitSHA: sha}
		if err := h.recorder.RecordResult(ctx, job.ID, partial); err != nil {
			h.log.Warn("record partial result", "job_id", job.ID, "error", err)
		}
	}

	summary, err := h.pipeline.IngestFiles(ctx, ingest.FileRequest{
		Project:          job.Project,
		Dataset:          job.Dataset,
		Root:             dir,
		SourceKind:       "github",
		IncludePatterns:  payload.IncludePatterns,
		ExcludePatterns:  payload.ExcludePatterns,
		RespectGitignore: true,
		ForceReindex:     payload.ForceReindex,
		Prune:            true,
		OnProgress: func(phase ingest.Phase, percent int) {
			report(string(phase), percent)
		},
	})
	if err != nil {
		return nil, err
	}

	return GitHubResult{
		RepoURL:       payload.RepoURL,
		Branch:        payload.Branch,
		CommitSHA:     sha,
		Documents:     summary.Documents,
		New:           summary.New,
		Updated:       summary.Updated,
		Unchanged:     summary.Unchanged,
		Deleted:       summary.Deleted,
		Chunks:        summary.Chunks,
		ParseFailures: summary.ParseFailures,
	}, nil
}

// clone runs a shallow single-branch checkout and returns the HEAD SHA.
// Credential prompts are disabled so a private repo fails fast instead
// of hanging the worker.
func (h *GitHubHandler) clone(ctx context.Context, payload GitHubPayload, dir string) (string, error) {
	args := []string{"clone", "--depth", "1", "--single-branch", "--no-tags"}
	if payload.Branch != "" {
		args = append(args, "--branch", payload.Branch)
	}
	args = append(args, payload.RepoURL, dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=echo")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", cerr.Cancelled("clone cancelled")
		}
		msg := strings.TrimSpace(stderr.String())
		return "", cerr.TransientRPC(fmt.Sprintf("git clone %s: %s", payload.RepoURL, msg), err)
	}

	rev := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD")
	out, err := rev.Output()
	if err != nil {
		return "", cerr.InternalError("resolve cloned HEAD", err)
	}
	return strings.TrimSpace(string(out)), nil
}
