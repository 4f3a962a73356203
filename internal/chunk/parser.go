package chunk

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
)

// Parser wraps tree-sitter for AST parsing.
type Parser struct {
	parser   *sitter.Parser
	registry *LanguageRegistry
}

// NewParser creates a parser bound to a language registry.
func NewParser(registry *LanguageRegistry) *Parser {
	return &Parser{
		parser:   sitter.NewParser(),
		registry: registry,
	}
}

// Parse parses source code and returns a language-agnostic tree.
func (p *Parser) Parse(ctx context.Context, source []byte, language string) (*Tree, error) {
	tsLang, ok := p.registry.TreeSitterLanguage(language)
	if !ok {
		return nil, fmt.Errorf("unsupported language: %s", language)
	}

	p.parser.SetLanguage(tsLang)

	tsTree, err := p.parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", language, err)
	}
	if tsTree == nil {
		return nil, fmt.Errorf("parse %s: nil tree", language)
	}

	return &Tree{
		Root:     convertNode(tsTree.RootNode()),
		Source:   source,
		Language: language,
	}, nil
}

// Close releases parser resources.
func (p *Parser) Close() {
	if p.parser != nil {
		p.parser.Close()
	}
}

// Tree is a parsed AST decoupled from the tree-sitter bindings.
type Tree struct {
	Root     *Node
	Source   []byte
	Language string
}

// Node is one AST node.
type Node struct {
	Type      string
	StartByte uint32
	EndByte   uint32
	StartRow  uint32 // 0-indexed
	EndRow    uint32
	Parent    *Node
	Children  []*Node
	HasError  bool
}

func convertNode(tsNode *sitter.Node) *Node {
	if tsNode == nil {
		return nil
	}

	node := &Node{
		Type:      tsNode.Type(),
		StartByte: tsNode.StartByte(),
		EndByte:   tsNode.EndByte(),
		StartRow:  tsNode.StartPoint().Row,
		EndRow:    tsNode.EndPoint().Row,
		HasError:  tsNode.HasError(),
		Children:  make([]*Node, 0, int(tsNode.ChildCount())),
	}

	for i := 0; i < int(tsNode.ChildCount()); i++ {
		if child := convertNode(tsNode.Child(i)); child != nil {
			child.Parent = node
			node.Children = append(node.Children, child)
		}
	}

	return node
}

// Content returns the source slice covered by the node.
func (n *Node) Content(source []byte) string {
	if n.StartByte >= n.EndByte || int(n.EndByte) > len(source) {
		return ""
	}
	return string(source[n.StartByte:n.EndByte])
}

// ChildByType returns the first direct child with the given type.
func (n *Node) ChildByType(nodeType string) *Node {
	for _, child := range n.Children {
		if child.Type == nodeType {
			return child
		}
	}
	return nil
}

// Ancestor walks upward to the nearest ancestor whose type is in types.
func (n *Node) Ancestor(types ...string) *Node {
	for p := n.Parent; p != nil; p = p.Parent {
		for _, t := range types {
			if p.Type == t {
				return p
			}
		}
	}
	return nil
}

// Walk visits nodes depth-first. The visitor returns false to skip the
// node's children.
func (n *Node) Walk(visit func(*Node) bool) {
	if !visit(n) {
		return
	}
	for _, child := range n.Children {
		child.Walk(visit)
	}
}
