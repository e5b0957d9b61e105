// Package entity finds the units of observation inside a document for
// entity-level projects.
package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/docextract/internal/model"
	"github.com/sells-group/docextract/internal/parse"
)

// Completer runs a free-form model call.
type Completer interface {
	Complete(ctx context.Context, system, user string, cfg model.ModelConfig) (string, error)
}

const replySchema = `{
  "type": "object",
  "required": ["entities"],
  "properties": {
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["label"],
        "properties": {
          "index": {"type": "number"},
          "label": {"type": "string", "minLength": 1},
          "text": {"type": "string"}
        }
      }
    }
  }
}`

const systemPrompt = "You identify the distinct units of observation described in a document. You never invent entities that are not in the text."

const userPrompt = `Identify every distinct %s in the text below.
%s
For each one return a short label and a verbatim excerpt of the text that describes it.
Respond with a single JSON object and nothing else:
{"entities": [{"index": 0, "label": "<short label>", "text": "<verbatim excerpt>"}]}
Return {"entities": []} if there are none.

TEXT:
%s`

// Identifier finds entities with a model call.
type Identifier struct {
	llm    Completer
	cfg    model.ModelConfig
	schema *jsonschema.Schema
}

// NewIdentifier compiles the reply schema and returns an Identifier.
func NewIdentifier(llm Completer, modelName string) (*Identifier, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("entities.json", strings.NewReader(replySchema)); err != nil {
		return nil, eris.Wrap(err, "entity: add schema")
	}
	schema, err := compiler.Compile("entities.json")
	if err != nil {
		return nil, eris.Wrap(err, "entity: compile schema")
	}
	return &Identifier{
		llm:    llm,
		cfg:    model.ModelConfig{Model: modelName, Temperature: 0, MaxTokens: 2000},
		schema: schema,
	}, nil
}

// Identify returns the entities found in text, renumbered from 0 with
// duplicate labels merged.
func (i *Identifier) Identify(ctx context.Context, text, pattern, what string) ([]model.Entity, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if what == "" {
		what = "entity"
	}
	hint := ""
	if pattern != "" {
		hint = "How to recognise one: " + pattern + "\n"
	}

	raw, err := i.llm.Complete(ctx, systemPrompt, fmt.Sprintf(userPrompt, what, hint, text), i.cfg)
	if err != nil {
		return nil, eris.Wrap(err, "entity: identify")
	}

	obj := parse.CleanResponse(raw)
	if obj == nil {
		return nil, eris.New("entity: reply is not a JSON object")
	}
	if err := i.schema.Validate(map[string]any(obj)); err != nil {
		return nil, eris.Wrap(err, "entity: reply does not match schema")
	}

	var reply struct {
		Entities []model.Entity `json:"entities"`
	}
	// Round-trip through JSON to decode the validated tree into typed values.
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, eris.Wrap(err, "entity: re-encode reply")
	}
	if err := json.Unmarshal(b, &reply); err != nil {
		return nil, eris.Wrap(err, "entity: decode reply")
	}
	return Merge(reply.Entities), nil
}

// IdentifyDocument identifies entities across all segments of a document.
// It falls back to a single whole-document entity when nothing is found or
// every identification call fails.
func (i *Identifier) IdentifyDocument(ctx context.Context, segments []string, pattern, what string) []model.Entity {
	var all []model.Entity
	for idx, seg := range segments {
		found, err := i.Identify(ctx, seg, pattern, what)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			zap.L().Warn("entity: identification failed for segment",
				zap.Int("segment", idx),
				zap.Error(err),
			)
			continue
		}
		all = append(all, found...)
	}

	merged := Merge(all)
	if len(merged) == 0 {
		return []model.Entity{model.WholeDocumentEntity()}
	}
	return merged
}

// Merge deduplicates entities by case-folded label, joining their text, and
// renumbers them from 0 in first-seen order.
func Merge(entities []model.Entity) []model.Entity {
	fold := cases.Fold()
	byLabel := make(map[string]int, len(entities))
	out := make([]model.Entity, 0, len(entities))
	for _, e := range entities {
		label := strings.TrimSpace(e.Label)
		if label == "" {
			continue
		}
		key := fold.String(label)
		if pos, ok := byLabel[key]; ok {
			if t := strings.TrimSpace(e.Text); t != "" && !strings.Contains(out[pos].Text, t) {
				if out[pos].Text != "" {
					out[pos].Text += "\n\n"
				}
				out[pos].Text += t
			}
			continue
		}
		byLabel[key] = len(out)
		out = append(out, model.Entity{Index: len(out), Label: label, Text: strings.TrimSpace(e.Text)})
	}
	return out
}
