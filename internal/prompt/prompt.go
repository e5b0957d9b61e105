// Package prompt renders extraction prompts and model configuration from
// variable definitions.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docextract/internal/model"
)

// DocumentPlaceholder is replaced with the document text at call time.
const DocumentPlaceholder = "{document_text}"

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5-20250929"

// maxExamples caps the golden examples rendered into a prompt.
const maxExamples = 5

// ErrUnknownType is returned for a variable type outside the closed set.
var ErrUnknownType = eris.New("prompt: unknown variable type")

const outputSchema = `Respond with a single JSON object and nothing else:
{"value": %s, "confidence": <integer 0-100>, "source_text": "<verbatim excerpt supporting the value>"}
Use null for value when the information is not in the text.`

const entityScope = `ENTITY SCOPE
The text below describes exactly one %s. Treat it as a single entity.
Extract the value for this entity only. Do not combine or aggregate information about other entities mentioned in the document.`

// Generate renders the prompt text and model configuration for v. It is pure.
// project may be nil.
func Generate(v model.Variable, project *model.Project) (string, model.ModelConfig, error) {
	tmpl, err := typeTemplate(v)
	if err != nil {
		return "", model.ModelConfig{}, err
	}

	var b strings.Builder
	b.WriteString("You are a careful analyst extracting one field from a document.\n\n")

	if project != nil {
		writeProjectContext(&b, project)
		if project.IsEntityLevel() {
			what := "entity"
			if project.UnitOfObservation.WhatEachRowRepresents != "" {
				what = project.UnitOfObservation.WhatEachRowRepresents
			}
			fmt.Fprintf(&b, entityScope+"\n\n", what)
		}
	}

	fmt.Fprintf(&b, "FIELD: %s\n", v.DisplayName())
	if v.Label != "" && v.Label != v.Name {
		fmt.Fprintf(&b, "Field key: %s\n", v.Name)
	}
	fmt.Fprintf(&b, "Type: %s\n", v.Type)
	if instr := strings.TrimSpace(v.Instructions); instr != "" {
		fmt.Fprintf(&b, "Instructions: %s\n", instr)
	}
	b.WriteString("\n")
	b.WriteString(tmpl.instructions)
	b.WriteString("\n\n")

	writeMultipleValues(&b, v)
	writeUncertainty(&b, v.UncertaintyPolicy)
	writeEdgeCases(&b, v)
	writeExamples(&b, v.PromptExamples(maxExamples))

	fmt.Fprintf(&b, outputSchema+"\n\n", tmpl.valueHint)
	b.WriteString("DOCUMENT TEXT:\n")
	b.WriteString(DocumentPlaceholder)

	return b.String(), tmpl.config, nil
}

type template struct {
	instructions string
	valueHint    string
	config       model.ModelConfig
}

func typeTemplate(v model.Variable) (template, error) {
	switch v.Type {
	case model.VariableText:
		return template{
			instructions: "Return the answer as plain text. Keep it concise and faithful to the document's wording.",
			valueHint:    `"<text>"`,
			config:       model.ModelConfig{Model: DefaultModel, Temperature: 0.3, MaxTokens: 1000},
		}, nil
	case model.VariableNumber:
		return template{
			instructions: "Return a number only. Do not include units, currency symbols or thousands separators.",
			valueHint:    "<number>",
			config:       model.ModelConfig{Model: DefaultModel, Temperature: 0.0, MaxTokens: 500},
		}, nil
	case model.VariableDate:
		return template{
			instructions: "Return the date in ISO format YYYY-MM-DD. If only part of the date is known, return what is stated and lower your confidence.",
			valueHint:    `"YYYY-MM-DD"`,
			config:       model.ModelConfig{Model: DefaultModel, Temperature: 0.0, MaxTokens: 500},
		}, nil
	case model.VariableCategory:
		return template{
			instructions: categoryInstructions(v.ClassificationRules),
			valueHint:    categoryHint(v.ClassificationRules),
			config:       model.ModelConfig{Model: DefaultModel, Temperature: 0.1, MaxTokens: 500},
		}, nil
	case model.VariableBoolean:
		return template{
			instructions: "Answer true or false. Use null only when the document gives no basis for either answer.",
			valueHint:    "true | false",
			config:       model.ModelConfig{Model: DefaultModel, Temperature: 0.1, MaxTokens: 500},
		}, nil
	case model.VariableLocation:
		return template{
			instructions: "Return the location as specifically as the document states it, for example \"City, State, Country\".",
			valueHint:    `"<location>"`,
			config:       model.ModelConfig{Model: DefaultModel, Temperature: 0.1, MaxTokens: 500},
		}, nil
	default:
		return template{}, eris.Wrapf(ErrUnknownType, "variable %s has type %q", v.Name, v.Type)
	}
}

func categoryInstructions(rules *model.ClassificationRules) string {
	var b strings.Builder
	if rules != nil && rules.AllowMultiple {
		b.WriteString("Classify the document into one or more of the following categories:\n")
	} else {
		b.WriteString("Classify the document into exactly one of the following categories:\n")
	}
	if rules != nil {
		for _, c := range rules.Categories {
			if c.Definition != "" {
				fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Definition)
			} else {
				fmt.Fprintf(&b, "- %s\n", c.Name)
			}
		}
	}
	if rules != nil && rules.AllowOther {
		b.WriteString("If none of the categories fit, you may return a short label of your own.")
	} else {
		b.WriteString("Use the category names exactly as written. Do not invent new categories.")
	}
	return b.String()
}

func categoryHint(rules *model.ClassificationRules) string {
	if rules != nil && rules.AllowMultiple {
		return `["<category>", ...]`
	}
	return `"<category>"`
}

func writeProjectContext(b *strings.Builder, p *model.Project) {
	if p.Name == "" && p.Description == "" && p.Domain == "" {
		return
	}
	b.WriteString("PROJECT CONTEXT\n")
	if p.Name != "" {
		fmt.Fprintf(b, "Project: %s\n", p.Name)
	}
	if p.Domain != "" {
		fmt.Fprintf(b, "Domain: %s\n", p.Domain)
	}
	if p.Description != "" {
		fmt.Fprintf(b, "Description: %s\n", p.Description)
	}
	b.WriteString("\n")
}

func writeMultipleValues(b *strings.Builder, v model.Variable) {
	switch v.UncertaintyPolicy.MultipleValuesAction {
	case model.MultipleReturnAll, model.MultipleConcatenate:
		b.WriteString("If the document states several values for this field, return all of them as a JSON array")
		if v.MaxValues > 0 {
			fmt.Fprintf(b, " (at most %d)", v.MaxValues)
		}
		b.WriteString(".\n\n")
	case model.MultipleReturnFirst:
		b.WriteString("If the document states several values for this field, return only the first one mentioned.\n\n")
	}
}

func writeUncertainty(b *strings.Builder, p model.UncertaintyPolicy) {
	b.WriteString("CONFIDENCE\n")
	b.WriteString("Rate your confidence from 0 (pure guess) to 100 (stated explicitly and unambiguously).\n")
	if p.ConfidenceThreshold > 0 {
		switch p.IfUncertainAction {
		case model.UncertainSkip:
			fmt.Fprintf(b, "Answers below %d confidence will be discarded, so only answer when the text supports it.\n", p.ConfidenceThreshold)
		case model.UncertainFlag:
			fmt.Fprintf(b, "Answers below %d confidence will be sent for human review. Report your confidence honestly.\n", p.ConfidenceThreshold)
		default:
			b.WriteString("Give your best guess when uncertain and lower the confidence accordingly.\n")
		}
	}
	b.WriteString("\n")
}

func writeEdgeCases(b *strings.Builder, v model.Variable) {
	p := v.EdgeCasePolicy
	var lines []string
	switch p.MissingFieldAction {
	case model.MissingUseDefault:
		if v.DefaultValue != nil {
			lines = append(lines, fmt.Sprintf("If the information is missing, return null; the default %s will be applied.", jsonString(v.DefaultValue)))
		} else {
			lines = append(lines, "If the information is missing, return null.")
		}
	case model.MissingFlag:
		lines = append(lines, "If the information is missing, return null; missing values are reviewed by hand.")
	case model.MissingReturnNull:
		lines = append(lines, "If the information is missing, return null. Do not guess.")
	}
	for _, o := range p.ScenarioOverrides {
		lines = append(lines, fmt.Sprintf("When %s: %s", o.Scenario, o.Instruction))
	}
	if len(lines) == 0 {
		return
	}
	b.WriteString("EDGE CASES\n")
	for _, l := range lines {
		b.WriteString("- " + l + "\n")
	}
	b.WriteString("\n")
}

func writeExamples(b *strings.Builder, examples []model.GoldenExample) {
	if len(examples) == 0 {
		return
	}
	b.WriteString("EXAMPLES\n")
	for i, ex := range examples {
		fmt.Fprintf(b, "Example %d\nText: %s\nAnswer: %s\n", i+1, ex.Excerpt, jsonString(ex.ExpectedValue))
		if ex.Explanation != "" {
			fmt.Fprintf(b, "Why: %s\n", ex.Explanation)
		}
	}
	b.WriteString("\n")
}

func jsonString(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
