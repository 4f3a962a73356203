package chunk

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// CodeChunker splits source files along AST boundaries. Every symbol
// definition that fits in the chunk budget becomes one chunk; oversized
// symbols first descend into nested symbols, then fall back to a
// line-wise resplit with overlap. Files the grammar cannot handle go
// through the text splitter.
type CodeChunker struct {
	parser    *Parser
	extractor *SymbolExtractor
	registry  *LanguageRegistry
	splitter  *TextSplitter
	opts      Options
}

// NewCodeChunker creates a code chunker with the given options.
func NewCodeChunker(opts Options) *CodeChunker {
	opts = opts.withDefaults()
	registry := DefaultRegistry()
	return &CodeChunker{
		parser:    NewParser(registry),
		extractor: NewSymbolExtractor(registry),
		registry:  registry,
		splitter:  NewTextSplitter(opts),
		opts:      opts,
	}
}

// Close releases parser resources.
func (c *CodeChunker) Close() {
	c.parser.Close()
}

// SupportedExtensions lists extensions handled with a grammar.
func (c *CodeChunker) SupportedExtensions() []string {
	return c.registry.SupportedExtensions()
}

// Chunk splits one file. The language is taken from the input or
// detected by extension; unsupported or unparseable files fall back to
// plain text splitting.
func (c *CodeChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	if len(file.Content) == 0 || strings.TrimSpace(string(file.Content)) == "" {
		return []*Chunk{}, nil
	}

	language := file.Language
	if language == "" {
		language = c.registry.DetectLanguage(filepath.Ext(file.Path))
	}

	cfg, supported := c.registry.ByName(language)
	if !supported {
		return c.splitter.SplitFile(file, language)
	}

	tree, err := c.parser.Parse(ctx, file.Content, language)
	if err != nil {
		return c.splitter.SplitFile(file, language)
	}

	fileContext := c.fileContext(tree, file.Path, language)

	var chunks []*Chunk
	tree.Root.Walk(func(n *Node) bool {
		if _, splittable := cfg.SplitKinds[n.Type]; !splittable {
			return true
		}

		size := int(n.EndByte - n.StartByte)
		if size > c.opts.ChunkSize && c.hasSplittableDescendant(n, cfg) {
			// Let the nested symbols become their own chunks.
			return true
		}

		chunks = append(chunks, c.chunksForNode(n, tree, cfg, file, fileContext, language)...)
		return false
	})

	if len(chunks) == 0 {
		return c.splitter.SplitFile(file, language)
	}

	for i, chunk := range chunks {
		chunk.Ordinal = i
	}
	return chunks, nil
}

func (c *CodeChunker) hasSplittableDescendant(n *Node, cfg *LanguageConfig) bool {
	found := false
	for _, child := range n.Children {
		child.Walk(func(d *Node) bool {
			if found {
				return false
			}
			if _, ok := cfg.SplitKinds[d.Type]; ok {
				found = true
				return false
			}
			return true
		})
	}
	return found
}

// chunksForNode emits one chunk for a symbol node, or several when the
// node exceeds the budget and has nothing nested to descend into.
func (c *CodeChunker) chunksForNode(n *Node, tree *Tree, cfg *LanguageConfig, file *FileInput, fileContext, language string) []*Chunk {
	var sym *Symbol
	if c.opts.SymbolsEnabled {
		sym = c.extractor.Extract(n, tree)
	}

	start := docstringStartByte(n, tree, cfg)
	text := string(tree.Source[start:n.EndByte])
	startLine := int(n.StartRow) + 1 - strings.Count(string(tree.Source[start:n.StartByte]), "\n")
	endLine := int(n.EndRow) + 1

	title := c.chunkTitle(sym, text, file.Path)
	full := joinContext(fileContext, text)

	if len(full) <= c.opts.ChunkSize {
		return []*Chunk{{
			Text:      full,
			StartLine: startLine,
			EndLine:   endLine,
			Language:  language,
			SourceRef: file.Path,
			Title:     title,
			Kind:      SourceKindCode,
			Symbol:    sym,
		}}
	}

	return c.resplitByLines(text, fileContext, startLine, title, sym, file, language)
}

// resplitByLines splits oversized symbol text into line windows with
// overlap. Each window keeps the file context prefix and the symbol.
func (c *CodeChunker) resplitByLines(text, fileContext string, startLine int, title string, sym *Symbol, file *FileInput, language string) []*Chunk {
	lines := strings.Split(text, "\n")

	budget := c.opts.ChunkSize - len(fileContext)
	if budget < c.opts.ChunkSize/2 {
		budget = c.opts.ChunkSize / 2
	}

	var chunks []*Chunk
	i := 0
	for i < len(lines) {
		size := 0
		end := i
		for end < len(lines) && size+len(lines[end])+1 <= budget {
			size += len(lines[end]) + 1
			end++
		}
		if end == i {
			end = i + 1 // single overlong line, take it whole
		}

		window := strings.Join(lines[i:end], "\n")
		part := title
		if len(chunks) > 0 || end < len(lines) {
			part = fmt.Sprintf("%s (part %d)", title, len(chunks)+1)
		}

		chunks = append(chunks, &Chunk{
			Text:      joinContext(fileContext, window),
			StartLine: startLine + i,
			EndLine:   startLine + end - 1,
			Language:  language,
			SourceRef: file.Path,
			Title:     part,
			Kind:      SourceKindCode,
			Symbol:    sym,
		})

		if end >= len(lines) {
			break
		}

		// Step back by the overlap, measured in lines.
		overlap := 0
		back := end
		for back > i+1 && overlap < c.opts.ChunkOverlap {
			back--
			overlap += len(lines[back]) + 1
		}
		i = back
	}
	return chunks
}

// chunkTitle derives a human-readable chunk title: the symbol signature
// when present, otherwise the first meaningful line, otherwise the file
// base name.
func (c *CodeChunker) chunkTitle(sym *Symbol, text, path string) string {
	if sym != nil && sym.Signature != "" {
		return sym.Signature
	}
	if sym != nil && sym.Name != "" {
		return sym.Name
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "import ") || strings.HasPrefix(line, "export ") ||
			strings.HasPrefix(line, "from ") || strings.HasPrefix(line, "package ") {
			continue
		}
		if len(line) > 120 {
			line = line[:120]
		}
		return line
	}
	return filepath.Base(path)
}

// fileContext is the prefix prepended to every chunk: a path marker plus
// the package clause and imports, so embeddings see where code lives.
func (c *CodeChunker) fileContext(tree *Tree, path, language string) string {
	marker := "// File: " + path
	if language == "python" {
		marker = "# File: " + path
	}

	contextTypes := map[string]bool{
		"package_clause":        true, // go
		"import_declaration":    true,
		"import_statement":      true, // js/ts/python
		"import_from_statement": true, // python
		"use_declaration":       true, // rust
	}

	parts := []string{marker}
	for _, node := range tree.Root.Children {
		if contextTypes[node.Type] {
			parts = append(parts, node.Content(tree.Source))
		}
	}

	ctx := strings.Join(parts, "\n")
	// Cap the context so it never crowds out the chunk body.
	if len(ctx) > c.opts.ChunkSize/4 {
		ctx = ctx[:c.opts.ChunkSize/4]
	}
	return ctx
}

func joinContext(fileContext, text string) string {
	if fileContext == "" {
		return text
	}
	return fileContext + "\n\n" + text
}
