package chunk

import (
	"path/filepath"
	"strings"
)

// TextSplitter recursively splits text on a separator hierarchy,
// preferring paragraph then line then word boundaries. It is the
// fallback for unparseable code and the engine behind prose splitting.
type TextSplitter struct {
	opts Options
}

// NewTextSplitter creates a splitter with the given options.
func NewTextSplitter(opts Options) *TextSplitter {
	return &TextSplitter{opts: opts.withDefaults()}
}

// SplitFile splits a file into text chunks with line ranges and titles.
func (s *TextSplitter) SplitFile(file *FileInput, language string) ([]*Chunk, error) {
	content := string(file.Content)
	if strings.TrimSpace(content) == "" {
		return []*Chunk{}, nil
	}

	separators := TextSeparators(DefaultRegistry(), language)
	pieces := s.Split(content, separators)

	chunks := make([]*Chunk, 0, len(pieces))
	searchFrom := 0
	for i, piece := range pieces {
		// Locate the piece to derive line numbers. Overlapping pieces
		// can step backwards, so search from a bounded floor.
		idx := strings.Index(content[searchFrom:], piece)
		if idx < 0 {
			idx = strings.Index(content, piece)
			if idx < 0 {
				idx = searchFrom
			}
		} else {
			idx += searchFrom
		}
		startLine := 1 + strings.Count(content[:idx], "\n")
		endLine := startLine + strings.Count(piece, "\n")
		searchFrom = idx + 1

		chunks = append(chunks, &Chunk{
			Text:      piece,
			Ordinal:   i,
			StartLine: startLine,
			EndLine:   endLine,
			Language:  language,
			SourceRef: file.Path,
			Title:     textTitle(piece, file.Path),
			Kind:      SourceKindText,
		})
	}
	return chunks, nil
}

// Split breaks text into pieces no longer than ChunkSize, with
// ChunkOverlap characters carried between adjacent pieces. Pieces are
// cut at the coarsest separator that yields fragments within budget.
func (s *TextSplitter) Split(text string, separators []string) []string {
	if len(text) <= s.opts.ChunkSize {
		if strings.TrimSpace(text) == "" {
			return []string{}
		}
		return []string{text}
	}

	sep, rest := pickSeparator(text, separators)
	fragments := splitKeeping(text, sep)

	// Recursively break any fragment still over budget.
	var fitted []string
	for _, frag := range fragments {
		if len(frag) > s.opts.ChunkSize {
			fitted = append(fitted, s.Split(frag, rest)...)
		} else {
			fitted = append(fitted, frag)
		}
	}

	return s.merge(fitted)
}

// merge packs fragments into chunks up to ChunkSize, seeding each new
// chunk with the tail of the previous one for overlap.
func (s *TextSplitter) merge(fragments []string) []string {
	var out []string
	var cur strings.Builder

	flush := func() {
		piece := cur.String()
		if strings.TrimSpace(piece) != "" {
			out = append(out, piece)
		}
		cur.Reset()
		if s.opts.ChunkOverlap > 0 && len(piece) > s.opts.ChunkOverlap {
			tail := piece[len(piece)-s.opts.ChunkOverlap:]
			// Align the overlap to a line boundary when one exists.
			if nl := strings.IndexByte(tail, '\n'); nl >= 0 && nl+1 < len(tail) {
				tail = tail[nl+1:]
			}
			cur.WriteString(tail)
		}
	}

	for _, frag := range fragments {
		if cur.Len() > 0 && cur.Len()+len(frag) > s.opts.ChunkSize {
			flush()
		}
		// Oversize remainders (no separator worked) are hard-cut.
		for cur.Len()+len(frag) > s.opts.ChunkSize {
			space := s.opts.ChunkSize - cur.Len()
			cur.WriteString(frag[:space])
			frag = frag[space:]
			flush()
		}
		cur.WriteString(frag)
	}
	if cur.Len() > 0 {
		piece := cur.String()
		if strings.TrimSpace(piece) != "" {
			out = append(out, piece)
		}
	}
	return out
}

// pickSeparator returns the first separator present in the text and the
// remaining (finer) separators for recursion.
func pickSeparator(text string, separators []string) (string, []string) {
	for i, sep := range separators {
		if sep == "" {
			return "", nil
		}
		if strings.Contains(text, sep) {
			return sep, separators[i+1:]
		}
	}
	return "", nil
}

// splitKeeping splits on sep, keeping the separator attached to the
// preceding fragment so joins reconstruct the original text.
func splitKeeping(text, sep string) []string {
	if sep == "" {
		return []string{text}
	}
	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	for i, part := range parts {
		if i < len(parts)-1 {
			part += sep
		}
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func textTitle(piece, path string) string {
	for _, line := range strings.Split(piece, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			if len(line) > 120 {
				line = line[:120]
			}
			return line
		}
	}
	return filepath.Base(path)
}
