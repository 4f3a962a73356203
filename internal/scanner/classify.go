package scanner

import (
	"path/filepath"
	"strings"

	"github.com/Zykairotis/corpusd/internal/chunk"
)

var markdownExts = map[string]bool{
	".md":       true,
	".mdx":      true,
	".markdown": true,
}

// Classify routes a file to a chunker. Languages the AST chunker
// supports come back as KindCode with the registry's language name;
// markdown keeps its section structure; everything else is plain text.
func Classify(relPath string) (Kind, string) {
	ext := strings.ToLower(filepath.Ext(relPath))
	if markdownExts[ext] {
		return KindMarkdown, ""
	}
	if lang := chunk.DefaultRegistry().DetectLanguage(ext); lang != "" {
		return KindCode, lang
	}
	return KindText, ""
}
