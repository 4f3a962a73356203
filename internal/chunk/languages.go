package chunk

import (
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// LanguageConfig describes how one language is chunked.
type LanguageConfig struct {
	Name       string
	Extensions []string

	// SplitKinds maps splittable AST node types to the symbol kind they
	// produce. A file with no nodes of these types falls back to the
	// text splitter.
	SplitKinds map[string]SymbolKind

	// ContainerKinds are node types that establish a symbol's parent
	// (classes, impl blocks, modules).
	ContainerKinds []string

	// ParamKinds are node types holding a symbol's parameter list.
	ParamKinds []string

	// CommentPrefixes are the single-line comment markers stripped from
	// docstrings.
	CommentPrefixes []string

	// Separators drive the fallback recursive splitter for this family.
	Separators []string
}

// LanguageRegistry maps languages and extensions to their configs.
type LanguageRegistry struct {
	mu        sync.RWMutex
	configs   map[string]*LanguageConfig
	extToLang map[string]string
	languages map[string]*sitter.Language
}

// NewLanguageRegistry creates a registry with all built-in languages.
func NewLanguageRegistry() *LanguageRegistry {
	r := &LanguageRegistry{
		configs:   make(map[string]*LanguageConfig),
		extToLang: make(map[string]string),
		languages: make(map[string]*sitter.Language),
	}

	r.register(goConfig(), golang.GetLanguage())
	r.register(typescriptConfig(), typescript.GetLanguage())
	r.register(tsxConfig(), tsx.GetLanguage())
	r.register(javascriptConfig(), javascript.GetLanguage())
	r.register(pythonConfig(), python.GetLanguage())
	r.register(rustConfig(), rust.GetLanguage())

	return r
}

var defaultRegistryOnce sync.Once
var defaultRegistry *LanguageRegistry

// DefaultRegistry returns the shared process-wide registry.
func DefaultRegistry() *LanguageRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewLanguageRegistry()
	})
	return defaultRegistry
}

func (r *LanguageRegistry) register(cfg *LanguageConfig, lang *sitter.Language) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.configs[cfg.Name] = cfg
	r.languages[cfg.Name] = lang
	for _, ext := range cfg.Extensions {
		r.extToLang[ext] = cfg.Name
	}
}

// ByName returns the config for a language name.
func (r *LanguageRegistry) ByName(name string) (*LanguageConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[name]
	return cfg, ok
}

// DetectLanguage maps a file extension (with or without dot) to a
// language name. Returns "" when unsupported.
func (r *LanguageRegistry) DetectLanguage(ext string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return r.extToLang[ext]
}

// TreeSitterLanguage returns the grammar for a language name.
func (r *LanguageRegistry) TreeSitterLanguage(name string) (*sitter.Language, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.languages[name]
	return lang, ok
}

// SupportedExtensions lists every registered extension.
func (r *LanguageRegistry) SupportedExtensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exts := make([]string, 0, len(r.extToLang))
	for ext := range r.extToLang {
		exts = append(exts, ext)
	}
	return exts
}

var cLikeSeparators = []string{"\n\n", "\n", " ", ""}
var proseSeparators = []string{"\n\n", "\n", ". ", " ", ""}

func goConfig() *LanguageConfig {
	return &LanguageConfig{
		Name:       "go",
		Extensions: []string{".go"},
		SplitKinds: map[string]SymbolKind{
			"function_declaration": SymbolFunction,
			"method_declaration":   SymbolMethod,
			// type_declaration is refined into struct/interface/type by
			// the extractor based on the underlying type_spec.
			"type_declaration":  SymbolType,
			"const_declaration": SymbolConst,
			"var_declaration":   SymbolVariable,
		},
		ContainerKinds:  []string{},
		ParamKinds:      []string{"parameter_list"},
		CommentPrefixes: []string{"//"},
		Separators:      cLikeSeparators,
	}
}

func typescriptConfig() *LanguageConfig {
	return &LanguageConfig{
		Name:       "typescript",
		Extensions: []string{".ts", ".mts", ".cts"},
		SplitKinds: map[string]SymbolKind{
			"function_declaration":   SymbolFunction,
			"method_definition":      SymbolMethod,
			"class_declaration":      SymbolClass,
			"abstract_class_declaration": SymbolClass,
			"interface_declaration":  SymbolInterface,
			"type_alias_declaration": SymbolType,
			"enum_declaration":       SymbolEnum,
			"internal_module":        SymbolModule,
			// const/let declarations holding arrow functions are
			// reclassified as functions by the extractor.
			"lexical_declaration":  SymbolConst,
			"variable_declaration": SymbolVariable,
		},
		ContainerKinds:  []string{"class_declaration", "abstract_class_declaration", "internal_module"},
		ParamKinds:      []string{"formal_parameters"},
		CommentPrefixes: []string{"//"},
		Separators:      cLikeSeparators,
	}
}

func tsxConfig() *LanguageConfig {
	cfg := typescriptConfig()
	cfg.Name = "tsx"
	cfg.Extensions = []string{".tsx"}
	return cfg
}

func javascriptConfig() *LanguageConfig {
	return &LanguageConfig{
		Name:       "javascript",
		Extensions: []string{".js", ".jsx", ".mjs", ".cjs"},
		SplitKinds: map[string]SymbolKind{
			"function_declaration": SymbolFunction,
			"method_definition":    SymbolMethod,
			"class_declaration":    SymbolClass,
			"lexical_declaration":  SymbolConst,
			"variable_declaration": SymbolVariable,
		},
		ContainerKinds:  []string{"class_declaration"},
		ParamKinds:      []string{"formal_parameters"},
		CommentPrefixes: []string{"//"},
		Separators:      cLikeSeparators,
	}
}

func pythonConfig() *LanguageConfig {
	return &LanguageConfig{
		Name:       "python",
		Extensions: []string{".py", ".pyi"},
		SplitKinds: map[string]SymbolKind{
			// Functions nested in a class become methods via parent walk.
			"function_definition": SymbolFunction,
			"class_definition":    SymbolClass,
		},
		ContainerKinds:  []string{"class_definition"},
		ParamKinds:      []string{"parameters"},
		CommentPrefixes: []string{"#"},
		Separators:      []string{"\n\n", "\n", " ", ""},
	}
}

func rustConfig() *LanguageConfig {
	return &LanguageConfig{
		Name:       "rust",
		Extensions: []string{".rs"},
		SplitKinds: map[string]SymbolKind{
			// Functions inside impl/trait blocks become methods.
			"function_item": SymbolFunction,
			"struct_item":   SymbolStruct,
			"enum_item":     SymbolEnum,
			"trait_item":    SymbolTrait,
			"mod_item":      SymbolModule,
			"type_item":     SymbolType,
			"const_item":    SymbolConst,
			"static_item":   SymbolVariable,
		},
		ContainerKinds:  []string{"impl_item", "trait_item", "mod_item"},
		ParamKinds:      []string{"parameters"},
		CommentPrefixes: []string{"///", "//"},
		Separators:      cLikeSeparators,
	}
}

// TextSeparators returns the fallback separators for a language, or the
// prose separators when the language is unknown.
func TextSeparators(registry *LanguageRegistry, language string) []string {
	if cfg, ok := registry.ByName(language); ok {
		return cfg.Separators
	}
	return proseSeparators
}
