// Package scanner enumerates ingestable files in a checked-out source
// tree. It honors .gitignore (root and nested), skips binaries,
// generated files, secrets and oversized files, and streams results so
// the pipeline can start chunking before enumeration finishes.
package scanner

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
	"github.com/Zykairotis/corpusd/internal/gitignore"
)

// DefaultMaxFileSize caps single files at 10MB.
const DefaultMaxFileSize = 10 * 1024 * 1024

// matcherCacheSize bounds the nested-gitignore matcher cache.
const matcherCacheSize = 256

// Kind classifies an enumerated file for the chunker.
type Kind string

const (
	// KindCode goes through the tree-sitter chunker.
	KindCode Kind = "code"
	// KindMarkdown goes through the section-aware markdown splitter.
	KindMarkdown Kind = "markdown"
	// KindText goes through the plain recursive splitter.
	KindText Kind = "text"
)

// Entry is one file the pipeline should ingest.
type Entry struct {
	Path     string // relative to the scan root, slash-separated
	AbsPath  string
	Size     int64
	ModTime  time.Time
	Kind     Kind
	Language string // empty when not a recognized source language
}

// Result is one item on the enumeration stream.
type Result struct {
	Entry *Entry
	Err   error
}

// Options configures one enumeration.
type Options struct {
	Root             string
	IncludePatterns  []string // empty = everything
	ExcludePatterns  []string
	RespectGitignore bool
	MaxFileSize      int64 // 0 = DefaultMaxFileSize
}

// Scanner enumerates files. Safe for concurrent use; nested gitignore
// matchers are cached across runs over the same tree.
type Scanner struct {
	matchers *lru.Cache[string, *gitignore.Matcher]
}

func New() (*Scanner, error) {
	cache, err := lru.New[string, *gitignore.Matcher](matcherCacheSize)
	if err != nil {
		return nil, cerr.InternalError("create gitignore cache", err)
	}
	return &Scanner{matchers: cache}, nil
}

// Scan walks the root and streams ingestable files. The channel closes
// when the walk finishes or the context is cancelled.
func (s *Scanner) Scan(ctx context.Context, opts Options) (<-chan Result, error) {
	root := opts.Root
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, cerr.New(cerr.ErrCodeInvalidInput, "resolve scan root", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, cerr.New(cerr.ErrCodeInvalidInput, "stat scan root", err)
	}
	if !info.IsDir() {
		return nil, cerr.New(cerr.ErrCodeInvalidInput, "scan root is not a directory: "+absRoot, nil)
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}

	results := make(chan Result, 64)
	go func() {
		defer close(results)
		s.walk(ctx, absRoot, opts, results)
	}()
	return results, nil
}

func (s *Scanner) walk(ctx context.Context, absRoot string, opts Options, results chan<- Result) {
	err := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}

		relPath, err := filepath.Rel(absRoot, path)
		if err != nil || relPath == "." {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if d.IsDir() {
			if s.excludeDir(relPath, opts) {
				return filepath.SkipDir
			}
			if opts.RespectGitignore && s.gitignored(relPath, absRoot, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if s.excludeFile(relPath, opts) {
			return nil
		}
		if opts.RespectGitignore && s.gitignored(relPath, absRoot, false) {
			return nil
		}
		if len(opts.IncludePatterns) > 0 && !matchesAny(relPath, opts.IncludePatterns) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() > opts.MaxFileSize {
			return nil
		}
		if isBinary(path) || isGenerated(path) {
			return nil
		}

		kind, language := Classify(relPath)
		entry := &Entry{
			Path:     relPath,
			AbsPath:  path,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Kind:     kind,
			Language: language,
		}
		select {
		case results <- Result{Entry: entry}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})

	if err != nil && err != context.Canceled {
		select {
		case results <- Result{Err: cerr.New(cerr.ErrCodeIngestFailed, "enumerate files", err)}:
		default:
		}
	}
}

func (s *Scanner) excludeDir(relPath string, opts Options) bool {
	for _, pattern := range defaultExcludeDirs {
		if matchDirPattern(relPath, pattern) {
			return true
		}
	}
	for _, pattern := range opts.ExcludePatterns {
		if matchDirPattern(relPath, pattern) {
			return true
		}
	}
	return false
}

func (s *Scanner) excludeFile(relPath string, opts Options) bool {
	base := filepath.Base(relPath)
	for _, pattern := range sensitivePatterns {
		if matchFilePattern(base, relPath, pattern) {
			return true
		}
	}
	for _, pattern := range defaultExcludeFiles {
		if matchFilePattern(base, relPath, pattern) {
			return true
		}
	}
	for _, pattern := range opts.ExcludePatterns {
		if matchFilePattern(base, relPath, pattern) {
			return true
		}
	}
	return false
}

// gitignored consults the root .gitignore plus every nested one on the
// path to the file.
func (s *Scanner) gitignored(relPath, absRoot string, isDir bool) bool {
	if m := s.matcher(absRoot, ""); m != nil && m.Match(relPath, isDir) {
		return true
	}

	dir := filepath.Dir(relPath)
	if dir == "." {
		return false
	}
	current := absRoot
	base := ""
	for _, part := range strings.Split(dir, "/") {
		current = filepath.Join(current, part)
		base = filepath.ToSlash(filepath.Join(base, part))
		if m := s.matcher(current, base); m != nil && m.Match(relPath, isDir) {
			return true
		}
	}
	return false
}

func (s *Scanner) matcher(dir, base string) *gitignore.Matcher {
	if m, ok := s.matchers.Get(dir); ok {
		return m
	}
	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	m := gitignore.New()
	if err := m.AddFromFile(path, base); err != nil {
		return nil
	}
	s.matchers.Add(dir, m)
	return m
}

func matchesAny(relPath string, patterns []string) bool {
	base := filepath.Base(relPath)
	for _, pattern := range patterns {
		if matchFilePattern(base, relPath, pattern) {
			return true
		}
	}
	return false
}

func matchDirPattern(relPath, pattern string) bool {
	if strings.HasPrefix(pattern, "**/") {
		name := strings.TrimSuffix(strings.TrimPrefix(pattern, "**/"), "/**")
		for _, part := range strings.Split(relPath, "/") {
			if part == name {
				return true
			}
		}
		return false
	}
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		return relPath == prefix || strings.HasPrefix(relPath, prefix+"/")
	}
	return relPath == pattern || strings.HasPrefix(relPath, pattern+"/")
}

func matchFilePattern(base, relPath, pattern string) bool {
	switch {
	case strings.HasSuffix(pattern, "/**") && !strings.HasPrefix(pattern, "**/"):
		prefix := strings.TrimSuffix(pattern, "/**")
		return strings.HasPrefix(relPath, prefix+"/")

	case strings.Contains(pattern, "/"):
		matched, err := filepath.Match(pattern, relPath)
		return err == nil && matched

	case strings.HasPrefix(pattern, "**/"):
		suffix := strings.TrimPrefix(pattern, "**/")
		if strings.HasPrefix(suffix, "*.") {
			return strings.HasSuffix(base, strings.TrimPrefix(suffix, "*"))
		}
		for _, part := range strings.Split(relPath, "/") {
			if part == suffix {
				return true
			}
		}
		return false

	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1:
		middle := strings.Trim(pattern, "*")
		return strings.Contains(strings.ToLower(base), strings.ToLower(middle))

	default:
		matched, err := filepath.Match(pattern, base)
		return err == nil && matched
	}
}

// isBinary sniffs the first 512 bytes for NUL.
func isBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil {
		return false
	}
	return bytes.Contains(buf[:n], []byte{0})
}

// isGenerated looks for generated-file markers in the first 1KB.
func isGenerated(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 1024)
	n, err := f.Read(buf)
	if err != nil {
		return false
	}
	head := string(buf[:n])
	for _, marker := range generatedMarkers {
		if strings.Contains(head, marker) {
			return true
		}
	}
	return false
}

var generatedMarkers = []string{
	"// Code generated",
	"// DO NOT EDIT",
	"/* DO NOT EDIT",
	"# Generated by",
	"<!-- AUTO-GENERATED -->",
}

var defaultExcludeDirs = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/vendor/**",
	"**/__pycache__/**",
	"**/dist/**",
	"**/build/**",
	"**/target/**",
	"**/.ssh/**",
}

var defaultExcludeFiles = []string{
	"**/*.min.js",
	"**/*.min.css",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/pnpm-lock.yaml",
	"**/go.sum",
	"**/Cargo.lock",
}

// Secrets are never ingested regardless of include patterns.
var sensitivePatterns = []string{
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"*.p12",
	"*.pfx",
	"*credentials*",
	"*secrets*",
	"*password*",
	".netrc",
	".npmrc",
	".pypirc",
	"id_rsa",
	"id_dsa",
	"id_ecdsa",
	"id_ed25519",
}
