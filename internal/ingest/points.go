package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/Zykairotis/corpusd/internal/chunk"
	"github.com/Zykairotis/corpusd/internal/vector"
)

// ContentHash is the idempotency key for a document: sha256 over the
// file bytes for code, over the extracted markdown for web pages.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// PointID derives the deterministic id for one chunk. Re-ingesting
// identical content yields identical point ids, so upserts converge
// instead of accumulating duplicates.
func PointID(documentID string, ordinal int, text string) string {
	sum := sha256.Sum256([]byte(text))
	name := fmt.Sprintf("%s:%d:%s", documentID, ordinal, hex.EncodeToString(sum[:]))
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// payloadFor flattens a chunk into the vector payload schema.
func payloadFor(c *chunk.Chunk, documentID string) map[string]any {
	p := map[string]any{
		vector.PayloadText:       c.Text,
		vector.PayloadTitle:      c.Title,
		vector.PayloadSourceRef:  c.SourceRef,
		vector.PayloadDocumentID: documentID,
		vector.PayloadOrdinal:    c.Ordinal,
		vector.PayloadStartLine:  c.StartLine,
		vector.PayloadEndLine:    c.EndLine,
		vector.PayloadKind:       string(c.Kind),
	}
	if c.Language != "" {
		p[vector.PayloadLanguage] = c.Language
	}
	if c.Symbol != nil {
		p[vector.PayloadSymbolName] = c.Symbol.Name
		p[vector.PayloadSymbolKind] = string(c.Symbol.Kind)
		if c.Symbol.Parent != "" {
			p[vector.PayloadSymbolParent] = c.Symbol.Parent
		}
		if c.Symbol.Signature != "" {
			p[vector.PayloadSymbolSignature] = c.Symbol.Signature
		}
		if c.Symbol.Docstring != "" {
			p[vector.PayloadSymbolDocstring] = c.Symbol.Docstring
		}
	}
	if c.URL != "" {
		p[vector.PayloadURL] = c.URL
		p[vector.PayloadDomain] = c.Domain
		p[vector.PayloadPageTitle] = c.PageTitle
	}
	if len(c.SectionPath) > 0 {
		sections := make([]any, len(c.SectionPath))
		for i, s := range c.SectionPath {
			sections[i] = s
		}
		p[vector.PayloadSectionPath] = sections
	}
	return p
}
