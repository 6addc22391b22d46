package governance

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/awarenet/relmem-go/pkg/llm"
)

// Entity is one extracted mention.
type Entity struct {
	// EntityText is the surface form as it appeared in the text.
	EntityText string `json:"entity_text"`

	// NormalizedName is the canonical lookup key (lowercased, trimmed,
	// inner whitespace collapsed).
	NormalizedName string `json:"normalized_name"`

	// Type is the entity class: "proper", "quoted", "attribute", or a
	// classifier-assigned class.
	Type string `json:"type"`

	// Confidence is the extractor's confidence in [0,1].
	Confidence float64 `json:"confidence"`
}

// Extractor turns free text into entity mentions.
//
// Two implementations exist: RuleExtractor is deterministic and fully
// offline, LLMExtractor delegates to a classifier capability and falls
// back to rules when the model output is malformed or unavailable.
// Both are idempotent for identical input.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Entity, error)
}

// NormalizeEntity produces the canonical lookup key for an entity
// surface form.
func NormalizeEntity(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(text))), " ")
}

// RuleExtractor is the deterministic, offline entity extractor.
//
// It recognizes three mention shapes:
//   - runs of capitalized tokens ("Postgres", "Payments Team")
//   - double-quoted spans
//   - key:value attribute tokens ("db:postgres")
//
// Results are deduplicated by normalized name (highest confidence wins)
// and returned in first-occurrence order, so repeated extraction of the
// same text yields identical output.
type RuleExtractor struct{}

// NewRuleExtractor creates a rule-based extractor.
func NewRuleExtractor() *RuleExtractor {
	return &RuleExtractor{}
}

// stopwords are capitalized tokens that never form an entity on their own.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "if": true, "then": true, "this": true, "that": true,
	"it": true, "we": true, "i": true, "our": true, "their": true,
}

// Extract runs all three rules over the text. The error is always nil;
// it exists to satisfy the Extractor interface.
func (e *RuleExtractor) Extract(ctx context.Context, text string) ([]Entity, error) {
	var found []Entity
	found = append(found, extractQuoted(text)...)
	found = append(found, extractAttributes(text)...)
	found = append(found, extractProper(text)...)
	return dedupeEntities(found), nil
}

// extractQuoted pulls out double-quoted spans.
func extractQuoted(text string) []Entity {
	var out []Entity
	for {
		start := strings.IndexByte(text, '"')
		if start < 0 {
			break
		}
		rest := text[start+1:]
		end := strings.IndexByte(rest, '"')
		if end < 0 {
			break
		}
		span := rest[:end]
		if norm := NormalizeEntity(span); norm != "" {
			out = append(out, Entity{
				EntityText:     span,
				NormalizedName: norm,
				Type:           "quoted",
				Confidence:     0.9,
			})
		}
		text = rest[end+1:]
	}
	return out
}

// extractAttributes pulls out key:value tokens.
func extractAttributes(text string) []Entity {
	var out []Entity
	for _, token := range strings.Fields(text) {
		token = strings.Trim(token, ".,;!?()[]{}")
		colon := strings.IndexByte(token, ':')
		if colon <= 0 || colon == len(token)-1 {
			continue
		}
		key, value := token[:colon], token[colon+1:]
		if !isWord(key) || !isWord(value) {
			continue
		}
		out = append(out, Entity{
			EntityText:     token,
			NormalizedName: NormalizeEntity(key + ":" + value),
			Type:           "attribute",
			Confidence:     0.8,
		})
	}
	return out
}

// extractProper pulls out runs of capitalized tokens.
func extractProper(text string) []Entity {
	words := strings.Fields(text)
	var run []string
	var out []Entity

	flush := func() {
		if len(run) == 0 {
			return
		}
		span := strings.Join(run, " ")
		norm := NormalizeEntity(span)
		run = nil
		if stopwords[norm] {
			return
		}
		out = append(out, Entity{
			EntityText:     span,
			NormalizedName: norm,
			Type:           "proper",
			Confidence:     0.6,
		})
	}

	for _, w := range words {
		trimmed := strings.Trim(w, ".,;!?()[]{}\"")
		if isCapitalized(trimmed) {
			run = append(run, trimmed)
			// Trailing punctuation on the token ends the run.
			if last := w[len(w)-1]; strings.IndexByte(".,;!?)]}\"", last) >= 0 {
				flush()
			}
			continue
		}
		flush()
	}
	flush()
	return out
}

func isCapitalized(w string) bool {
	if w == "" {
		return false
	}
	runes := []rune(w)
	if !unicode.IsUpper(runes[0]) {
		return false
	}
	for _, r := range runes[1:] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

func isWord(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return false
		}
	}
	return true
}

// dedupeEntities keeps one entity per normalized name, preferring the
// highest confidence, in first-occurrence order.
func dedupeEntities(entities []Entity) []Entity {
	index := make(map[string]int, len(entities))
	var out []Entity
	for _, ent := range entities {
		if i, seen := index[ent.NormalizedName]; seen {
			if ent.Confidence > out[i].Confidence {
				out[i] = ent
			}
			continue
		}
		index[ent.NormalizedName] = len(out)
		out = append(out, ent)
	}
	return out
}

// LLMExtractor extracts entities with a classifier capability.
//
// The model is asked for a strict JSON array; malformed output is
// rejected and the deterministic rule extractor answers instead, so a
// flaky model can degrade quality but never break the write path.
type LLMExtractor struct {
	llm      llm.Provider
	fallback *RuleExtractor
}

// NewLLMExtractor creates an extractor backed by a classifier.
func NewLLMExtractor(provider llm.Provider) *LLMExtractor {
	return &LLMExtractor{
		llm:      provider,
		fallback: NewRuleExtractor(),
	}
}

const extractPrompt = `Extract the entities mentioned in the text below.
Respond with ONLY a JSON array, no prose. Each element:
{"entity_text": "...", "normalized_name": "...", "type": "...", "confidence": 0.0-1.0}
Types: person, team, system, component, value, event, other.

Text:
`

// Extract asks the classifier for entities, validating its output
// against the expected schema.
func (e *LLMExtractor) Extract(ctx context.Context, text string) ([]Entity, error) {
	raw, err := e.llm.Generate(ctx, extractPrompt+text, llm.WithTemperature(0))
	if err != nil {
		return e.fallback.Extract(ctx, text)
	}

	entities, ok := parseEntityJSON(raw)
	if !ok {
		return e.fallback.Extract(ctx, text)
	}
	return dedupeEntities(entities), nil
}

// parseEntityJSON validates classifier output. It tolerates surrounding
// prose by slicing out the outermost JSON array, then requires every
// element to carry a non-empty entity_text and a confidence in [0,1].
func parseEntityJSON(raw string) ([]Entity, bool) {
	start := strings.IndexByte(raw, '[')
	end := strings.LastIndexByte(raw, ']')
	if start < 0 || end <= start {
		return nil, false
	}

	var entities []Entity
	if err := json.Unmarshal([]byte(raw[start:end+1]), &entities); err != nil {
		return nil, false
	}
	for i := range entities {
		if strings.TrimSpace(entities[i].EntityText) == "" {
			return nil, false
		}
		if entities[i].Confidence < 0 || entities[i].Confidence > 1 {
			return nil, false
		}
		if entities[i].NormalizedName == "" {
			entities[i].NormalizedName = NormalizeEntity(entities[i].EntityText)
		}
		if entities[i].Type == "" {
			entities[i].Type = "other"
		}
	}
	return entities, true
}
