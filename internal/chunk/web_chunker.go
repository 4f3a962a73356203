package chunk

import (
	"context"
	"net/url"
	"strings"
)

// WebChunker splits markdown pages into heading-scoped sections. Fenced
// code blocks carrying a language hint are routed through the code
// chunker so they get AST treatment; everything else goes through the
// text splitter with prose separators.
type WebChunker struct {
	code     *CodeChunker
	splitter *TextSplitter
	opts     Options
}

// NewWebChunker creates a web chunker sharing the code chunker's
// grammars for fenced blocks.
func NewWebChunker(opts Options) *WebChunker {
	opts = opts.withDefaults()
	return &WebChunker{
		code:     NewCodeChunker(opts),
		splitter: NewTextSplitter(opts),
		opts:     opts,
	}
}

// Close releases parser resources.
func (w *WebChunker) Close() {
	w.code.Close()
}

// section is one heading-delimited span of a page.
type section struct {
	path []string // heading trail, outermost first
	text string
}

// ChunkPage splits one markdown page into chunks. Ordinals are assigned
// across the whole page in document order.
func (w *WebChunker) ChunkPage(ctx context.Context, page *PageInput) ([]*Chunk, error) {
	if strings.TrimSpace(page.Markdown) == "" {
		return []*Chunk{}, nil
	}

	domain := ""
	if u, err := url.Parse(page.URL); err == nil {
		domain = u.Hostname()
	}

	var chunks []*Chunk
	for _, sec := range splitSections(page.Markdown) {
		secChunks, err := w.chunkSection(ctx, sec, page)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, secChunks...)
	}

	for i, chunk := range chunks {
		chunk.Ordinal = i
		chunk.Kind = SourceKindWeb
		chunk.URL = page.URL
		chunk.Domain = domain
		chunk.PageTitle = page.Title
		chunk.SourceRef = page.URL
	}
	if chunks == nil {
		chunks = []*Chunk{}
	}
	return chunks, nil
}

// splitSections walks the markdown line by line, tracking the heading
// trail. Fenced blocks are kept intact; headings inside fences are text.
func splitSections(markdown string) []*section {
	var sections []*section
	var trail []string
	var buf strings.Builder
	inFence := false
	fenceMarker := ""

	flush := func() {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text == "" {
			return
		}
		sections = append(sections, &section{
			path: append([]string(nil), trail...),
			text: text,
		})
	}

	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)

		if inFence {
			buf.WriteString(line)
			buf.WriteByte('\n')
			if strings.HasPrefix(trimmed, fenceMarker) {
				inFence = false
			}
			continue
		}

		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = true
			fenceMarker = trimmed[:3]
			buf.WriteString(line)
			buf.WriteByte('\n')
			continue
		}

		if level, title := parseHeading(trimmed); level > 0 {
			flush()
			if level-1 < len(trail) {
				trail = trail[:level-1]
			}
			trail = append(trail, title)
			continue
		}

		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	flush()
	return sections
}

func parseHeading(line string) (level int, title string) {
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level >= len(line) || line[level] != ' ' {
		return 0, ""
	}
	return level, strings.TrimSpace(line[level:])
}

// chunkSection turns one section into chunks, carving fenced code blocks
// out for AST chunking when the hint names a supported language.
func (w *WebChunker) chunkSection(ctx context.Context, sec *section, page *PageInput) ([]*Chunk, error) {
	title := page.Title
	if len(sec.path) > 0 {
		title = sec.path[len(sec.path)-1]
	}

	var chunks []*Chunk
	for _, part := range splitFences(sec.text) {
		if part.lang != "" {
			if _, ok := w.code.registry.ByName(part.lang); ok {
				codeChunks, err := w.code.Chunk(ctx, &FileInput{
					Path:     page.URL,
					Content:  []byte(part.body),
					Language: part.lang,
				})
				if err == nil && len(codeChunks) > 0 {
					for _, cc := range codeChunks {
						cc.SectionPath = sec.path
						if cc.Title == "" {
							cc.Title = title
						}
					}
					chunks = append(chunks, codeChunks...)
					continue
				}
			}
			// Unknown hint: keep the fence as prose.
		}

		for _, piece := range w.splitter.Split(part.body, proseSeparators) {
			chunks = append(chunks, &Chunk{
				Text:        piece,
				Title:       title,
				SectionPath: sec.path,
			})
		}
	}
	return chunks, nil
}

// fencePart is a run of prose or one fenced code block.
type fencePart struct {
	lang string // empty for prose
	body string
}

// splitFences separates fenced code blocks from surrounding prose.
// Blocks under a minimum size stay inline with the prose, keeping short
// examples next to their explanation.
const minFenceCarveout = 160

func splitFences(text string) []fencePart {
	lines := strings.Split(text, "\n")
	var parts []fencePart
	var prose []string
	i := 0

	flushProse := func() {
		body := strings.TrimSpace(strings.Join(prose, "\n"))
		prose = prose[:0]
		if body != "" {
			parts = append(parts, fencePart{body: body})
		}
	}

	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, "```") && !strings.HasPrefix(trimmed, "~~~") {
			prose = append(prose, lines[i])
			i++
			continue
		}

		marker := trimmed[:3]
		hint := strings.ToLower(strings.TrimSpace(trimmed[3:]))
		var body []string
		j := i + 1
		for j < len(lines) && !strings.HasPrefix(strings.TrimSpace(lines[j]), marker) {
			body = append(body, lines[j])
			j++
		}
		block := strings.Join(body, "\n")

		if hint == "" || len(block) < minFenceCarveout {
			// Keep inline, fence markers included.
			end := j
			if end < len(lines) {
				end++
			}
			prose = append(prose, lines[i:end]...)
		} else {
			flushProse()
			parts = append(parts, fencePart{lang: normalizeFenceHint(hint), body: block})
		}

		i = j + 1
	}
	flushProse()
	return parts
}

// normalizeFenceHint maps common hint spellings to registry names.
func normalizeFenceHint(hint string) string {
	switch hint {
	case "golang":
		return "go"
	case "ts":
		return "typescript"
	case "js", "jsx":
		return "javascript"
	case "py", "python3":
		return "python"
	case "rs":
		return "rust"
	}
	return hint
}
