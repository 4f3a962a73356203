package embed

// Router picks the dense model for a piece of content. Code goes to the
// code model, prose and web pages to the text model. When no dedicated
// code endpoint is configured everything rides the text model.
type Router struct {
	text DenseEmbedder
	code DenseEmbedder
}

// NewRouter creates a router. code may be nil.
func NewRouter(text, code DenseEmbedder) *Router {
	return &Router{text: text, code: code}
}

// codeLanguages are the languages served by the code model.
var codeLanguages = map[string]bool{
	"go":         true,
	"typescript": true,
	"tsx":        true,
	"javascript": true,
	"python":     true,
	"rust":       true,
}

// ForContent returns the embedder for a chunk of the given language.
// The language is the chunk's detected language, empty for prose.
func (r *Router) ForContent(language string) DenseEmbedder {
	if r.code != nil && codeLanguages[language] {
		return r.code
	}
	return r.text
}

// ForQuery returns the embedder used for a search query against
// collections embedded with the given model. Queries must use the same
// model as the stored vectors or distances are meaningless.
func (r *Router) ForQuery(model string) DenseEmbedder {
	if r.code != nil && r.code.Model() == model {
		return r.code
	}
	return r.text
}

// Text returns the text embedder.
func (r *Router) Text() DenseEmbedder { return r.text }

// Code returns the code embedder, or the text embedder when no code
// endpoint is configured.
func (r *Router) Code() DenseEmbedder {
	if r.code != nil {
		return r.code
	}
	return r.text
}

// Close closes both embedders.
func (r *Router) Close() error {
	err := r.text.Close()
	if r.code != nil {
		if cerr := r.code.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
