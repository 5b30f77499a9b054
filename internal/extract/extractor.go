package extract

import (
	"strings"

	"github.com/carepath/cds-gateway/internal/types"
)

// Extractor turns raw model text into a structured response. Implementations
// return ok=false when the text doesn't carry their format, letting the
// parser fall through to the next one.
type Extractor interface {
	Extract(raw string) (*types.StructuredResponse, bool)
}

// Parser tries JSON first and falls back to heading markers. The free-text
// fallback is brittle by nature; it stays isolated behind the Extractor
// interface so a stricter structured-output mode can replace it later.
type Parser struct {
	extractors []Extractor
}

func NewParser() *Parser {
	return &Parser{
		extractors: []Extractor{
			&jsonExtractor{},
			&headingExtractor{},
		},
	}
}

// Parse decomposes raw model output. The result is derived, never persisted
// as a source of truth: identical input text yields an identical result,
// confidence included.
func (p *Parser) Parse(raw, modelID string, priority types.TriagePriority) *types.StructuredResponse {
	var resp *types.StructuredResponse
	for _, e := range p.extractors {
		if r, ok := e.Extract(raw); ok {
			resp = r
			break
		}
	}
	if resp == nil {
		resp = &types.StructuredResponse{Explanation: strings.TrimSpace(raw)}
	}

	resp.Model = modelID
	resp.Confidence = Confidence(raw, priority)
	return resp
}
