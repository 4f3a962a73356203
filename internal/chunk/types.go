// Package chunk splits source files and web pages into retrievable
// units. Code is chunked along AST boundaries with symbol extraction;
// anything unparseable falls back to a recursive text splitter.
package chunk

import "context"

// Sizing defaults, in characters.
const (
	DefaultChunkSize    = 2048
	DefaultChunkOverlap = 256

	// MaxDocstringLen caps extracted docstrings.
	MaxDocstringLen = 200

	// MaxDocstringLines is how many comment lines above a node are inspected.
	MaxDocstringLines = 5
)

// SourceKind classifies the origin of a chunk.
type SourceKind string

const (
	SourceKindCode SourceKind = "code"
	SourceKindWeb  SourceKind = "web"
	SourceKindText SourceKind = "text"
)

// SymbolKind is the kind of code symbol a chunk covers.
type SymbolKind string

const (
	SymbolFunction  SymbolKind = "function"
	SymbolMethod    SymbolKind = "method"
	SymbolClass     SymbolKind = "class"
	SymbolInterface SymbolKind = "interface"
	SymbolType      SymbolKind = "type"
	SymbolStruct    SymbolKind = "struct"
	SymbolEnum      SymbolKind = "enum"
	SymbolTrait     SymbolKind = "trait"
	SymbolModule    SymbolKind = "module"
	SymbolVariable  SymbolKind = "variable"
	SymbolConst     SymbolKind = "const"
)

// Symbol is the code symbol extracted for a chunk.
type Symbol struct {
	Name      string     `json:"name"`
	Kind      SymbolKind `json:"kind"`
	Signature string     `json:"signature,omitempty"`
	Parent    string     `json:"parent,omitempty"`
	Docstring string     `json:"docstring,omitempty"`
}

// Chunk is a contiguous text unit, the atomic unit of vector storage.
// Point ids are assigned by the ingestion pipeline, which knows the
// owning document.
type Chunk struct {
	Text      string
	Ordinal   int
	StartLine int // 1-indexed
	EndLine   int // inclusive
	Language  string
	SourceRef string // repo-relative path or URL
	Title     string // chunk_title
	Kind      SourceKind

	// Symbol is set for code chunks when extraction succeeds.
	Symbol *Symbol

	// Web metadata, set by the web splitter.
	URL         string
	Domain      string
	PageTitle   string
	SectionPath []string
}

// FileInput is a single file handed to the code chunker.
type FileInput struct {
	Path     string
	Content  []byte
	Language string // empty = detect by extension
}

// PageInput is a single fetched page handed to the web splitter,
// already converted to markdown.
type PageInput struct {
	URL      string
	Title    string
	Markdown string
}

// Chunker splits one input kind into chunks.
type Chunker interface {
	Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error)
}

// Options configures chunk sizing.
type Options struct {
	ChunkSize      int
	ChunkOverlap   int
	SymbolsEnabled bool
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkOverlap < 0 || o.ChunkOverlap >= o.ChunkSize {
		o.ChunkOverlap = DefaultChunkOverlap
	}
	return o
}
