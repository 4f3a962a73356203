package chunk

import (
	"strings"
)

// SymbolExtractor derives Symbol metadata from splittable AST nodes.
type SymbolExtractor struct {
	registry *LanguageRegistry
}

// NewSymbolExtractor creates an extractor bound to a registry.
func NewSymbolExtractor(registry *LanguageRegistry) *SymbolExtractor {
	return &SymbolExtractor{registry: registry}
}

// Extract builds the symbol for one splittable node. Returns nil when the
// node yields no usable name.
func (e *SymbolExtractor) Extract(node *Node, tree *Tree) *Symbol {
	cfg, ok := e.registry.ByName(tree.Language)
	if !ok {
		return nil
	}

	kind, splittable := cfg.SplitKinds[node.Type]
	if !splittable {
		return nil
	}
	kind = e.refineKind(node, tree, kind)

	name := e.extractName(node, tree)
	if name == "" {
		return nil
	}

	sym := &Symbol{
		Name:      name,
		Kind:      kind,
		Signature: e.extractSignature(node, tree, cfg),
		Docstring: e.extractDocstring(node, tree, cfg),
	}

	if container := node.Ancestor(cfg.ContainerKinds...); container != nil {
		sym.Parent = e.containerName(container, tree)
		if kind == SymbolFunction {
			sym.Kind = SymbolMethod
		}
	}

	return sym
}

// refineKind resolves node types whose symbol kind depends on structure:
// Go type declarations (struct vs interface vs alias) and JS/TS const
// declarations holding arrow functions.
func (e *SymbolExtractor) refineKind(node *Node, tree *Tree, kind SymbolKind) SymbolKind {
	switch {
	case tree.Language == "go" && node.Type == "type_declaration":
		if spec := node.ChildByType("type_spec"); spec != nil {
			if spec.ChildByType("struct_type") != nil {
				return SymbolStruct
			}
			if spec.ChildByType("interface_type") != nil {
				return SymbolInterface
			}
		}
		return SymbolType

	case kind == SymbolConst || kind == SymbolVariable:
		if decl := node.ChildByType("variable_declarator"); decl != nil {
			if decl.ChildByType("arrow_function") != nil || decl.ChildByType("function_expression") != nil {
				return SymbolFunction
			}
		}
	}
	return kind
}

// nameNodeTypes are the node types that carry a symbol's name, in
// preference order.
var nameNodeTypes = []string{
	"field_identifier", // Go method names
	"type_identifier",
	"identifier",
	"property_identifier", // JS/TS method_definition
}

func (e *SymbolExtractor) extractName(node *Node, tree *Tree) string {
	// Go wraps the name one level down in a *_spec node.
	switch node.Type {
	case "type_declaration", "const_declaration", "var_declaration":
		for _, specType := range []string{"type_spec", "const_spec", "var_spec"} {
			if spec := node.ChildByType(specType); spec != nil {
				node = spec
				break
			}
		}
	case "lexical_declaration", "variable_declaration":
		if decl := node.ChildByType("variable_declarator"); decl != nil {
			node = decl
		}
	}

	for _, nt := range nameNodeTypes {
		if child := node.ChildByType(nt); child != nil {
			return child.Content(tree.Source)
		}
	}
	return ""
}

func (e *SymbolExtractor) containerName(container *Node, tree *Tree) string {
	// Rust impl blocks name the type, not an identifier child.
	if container.Type == "impl_item" {
		if t := container.ChildByType("type_identifier"); t != nil {
			return t.Content(tree.Source)
		}
		if t := container.ChildByType("generic_type"); t != nil {
			if inner := t.ChildByType("type_identifier"); inner != nil {
				return inner.Content(tree.Source)
			}
		}
	}

	for _, nt := range nameNodeTypes {
		if child := container.ChildByType(nt); child != nil {
			return child.Content(tree.Source)
		}
	}
	return ""
}

// extractSignature is the declaration's first line up to the body.
func (e *SymbolExtractor) extractSignature(node *Node, tree *Tree, cfg *LanguageConfig) string {
	content := node.Content(tree.Source)
	if content == "" {
		return ""
	}

	firstLine := content
	if idx := strings.IndexByte(content, '\n'); idx != -1 {
		firstLine = content[:idx]
	}
	firstLine = strings.TrimSpace(firstLine)

	if idx := strings.IndexByte(firstLine, '{'); idx != -1 {
		firstLine = strings.TrimSpace(firstLine[:idx])
	}
	return firstLine
}

// extractDocstring collects up to MaxDocstringLines comment lines
// immediately above the node, capped at MaxDocstringLen. Python
// docstrings live inside the body instead and are read from the first
// string child.
func (e *SymbolExtractor) extractDocstring(node *Node, tree *Tree, cfg *LanguageConfig) string {
	if tree.Language == "python" {
		return e.pythonDocstring(node, tree)
	}

	source := tree.Source
	lineStart := int(node.StartByte)
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}

	var lines []string
	pos := lineStart - 1
	for pos > 0 && len(lines) < MaxDocstringLines {
		prevEnd := pos
		pos--
		for pos > 0 && source[pos] != '\n' {
			pos--
		}
		prevStart := pos
		if pos > 0 {
			prevStart++
		}

		line := strings.TrimSpace(string(source[prevStart:prevEnd]))
		stripped, isComment := stripCommentPrefix(line, cfg.CommentPrefixes)
		if !isComment {
			break
		}
		lines = append([]string{stripped}, lines...)
	}

	return capDocstring(strings.TrimSpace(strings.Join(lines, "\n")))
}

func (e *SymbolExtractor) pythonDocstring(node *Node, tree *Tree) string {
	body := node.ChildByType("block")
	if body == nil || len(body.Children) == 0 {
		return ""
	}
	first := body.Children[0]
	if first.Type != "expression_statement" {
		return ""
	}
	str := first.ChildByType("string")
	if str == nil {
		return ""
	}

	doc := str.Content(tree.Source)
	doc = strings.Trim(doc, "\"'")
	lines := strings.Split(doc, "\n")
	if len(lines) > MaxDocstringLines {
		lines = lines[:MaxDocstringLines]
	}
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return capDocstring(strings.TrimSpace(strings.Join(lines, "\n")))
}

func stripCommentPrefix(line string, prefixes []string) (string, bool) {
	for _, prefix := range prefixes {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}

func capDocstring(doc string) string {
	if len(doc) <= MaxDocstringLen {
		return doc
	}
	return strings.TrimSpace(doc[:MaxDocstringLen])
}

// docstringStartByte returns the byte offset where a node's leading
// comment block begins, or the node's own line start when there is none.
// The chunker uses it to include the docstring in the chunk text.
func docstringStartByte(node *Node, tree *Tree, cfg *LanguageConfig) int {
	source := tree.Source
	lineStart := int(node.StartByte)
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}

	if tree.Language == "python" {
		return lineStart
	}

	start := lineStart
	pos := lineStart - 1
	collected := 0
	for pos > 0 && collected < MaxDocstringLines {
		prevEnd := pos
		pos--
		for pos > 0 && source[pos] != '\n' {
			pos--
		}
		prevStart := pos
		if pos > 0 {
			prevStart++
		}

		line := strings.TrimSpace(string(source[prevStart:prevEnd]))
		if _, isComment := stripCommentPrefix(line, cfg.CommentPrefixes); !isComment {
			break
		}
		start = prevStart
		collected++
	}
	return start
}
