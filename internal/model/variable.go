package model

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"
)

// VariableType is the closed set of value types a variable can extract.
type VariableType string

const (
	VariableText     VariableType = "TEXT"
	VariableNumber   VariableType = "NUMBER"
	VariableDate     VariableType = "DATE"
	VariableCategory VariableType = "CATEGORY"
	VariableBoolean  VariableType = "BOOLEAN"
	VariableLocation VariableType = "LOCATION"
)

// VariableTypes lists every supported type in declaration order.
var VariableTypes = []VariableType{
	VariableText, VariableNumber, VariableDate, VariableCategory, VariableBoolean, VariableLocation,
}

// Valid reports whether t is one of the supported variable types.
func (t VariableType) Valid() bool {
	return slices.Contains(VariableTypes, t)
}

// UncertainAction decides what happens to a value below the confidence threshold.
type UncertainAction string

const (
	UncertainFlag            UncertainAction = "flag"
	UncertainSkip            UncertainAction = "skip"
	UncertainReturnBestGuess UncertainAction = "return_best_guess"
)

// MultipleValuesAction decides how a list reply collapses into one cell.
type MultipleValuesAction string

const (
	MultipleReturnAll   MultipleValuesAction = "return_all"
	MultipleReturnFirst MultipleValuesAction = "return_first"
	MultipleConcatenate MultipleValuesAction = "concatenate"
)

// MissingFieldAction tells the model what to return when the field is absent.
type MissingFieldAction string

const (
	MissingReturnNull MissingFieldAction = "return_null"
	MissingUseDefault MissingFieldAction = "use_default"
	MissingFlag       MissingFieldAction = "flag"
)

// Category is one allowed classification label.
type Category struct {
	Name       string `json:"name" yaml:"name"`
	Definition string `json:"definition,omitempty" yaml:"definition,omitempty"`
}

// ClassificationRules configures CATEGORY variables.
type ClassificationRules struct {
	Categories    []Category `json:"categories" yaml:"categories"`
	AllowMultiple bool       `json:"allow_multiple" yaml:"allow_multiple"`
	AllowOther    bool       `json:"allow_other" yaml:"allow_other"`
}

// Names returns the category names in declared order.
func (r *ClassificationRules) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Categories))
	for _, c := range r.Categories {
		names = append(names, c.Name)
	}
	return names
}

// UncertaintyPolicy governs low-confidence and multi-value replies.
type UncertaintyPolicy struct {
	ConfidenceThreshold  int                  `json:"confidence_threshold" yaml:"confidence_threshold"`
	IfUncertainAction    UncertainAction      `json:"if_uncertain_action" yaml:"if_uncertain_action"`
	MultipleValuesAction MultipleValuesAction `json:"multiple_values_action" yaml:"multiple_values_action"`
}

// ValidationRuleType names a declarative validation check.
type ValidationRuleType string

const (
	RuleRange ValidationRuleType = "range"
	RuleRegex ValidationRuleType = "regex"
	RuleEnum  ValidationRuleType = "enum"
)

// ValidationRule is a declared check run against the coerced value.
type ValidationRule struct {
	Type    ValidationRuleType `json:"type" yaml:"type"`
	Min     *float64           `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64           `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern string             `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Values  []string           `json:"values,omitempty" yaml:"values,omitempty"`
	Message string             `json:"message,omitempty" yaml:"message,omitempty"`
}

// ScenarioOverride gives the model explicit guidance for a known edge case.
type ScenarioOverride struct {
	Scenario    string `json:"scenario" yaml:"scenario"`
	Instruction string `json:"instruction" yaml:"instruction"`
}

// EdgeCasePolicy covers missing values, validation and special scenarios.
type EdgeCasePolicy struct {
	MissingFieldAction MissingFieldAction `json:"missing_field_action,omitempty" yaml:"missing_field_action,omitempty"`
	ValidationRules    []ValidationRule   `json:"validation_rules,omitempty" yaml:"validation_rules,omitempty"`
	ScenarioOverrides  []ScenarioOverride `json:"scenario_overrides,omitempty" yaml:"scenario_overrides,omitempty"`
}

// GoldenExample is a verified excerpt/value pair usable as a few-shot example.
type GoldenExample struct {
	Excerpt         string `json:"excerpt" yaml:"excerpt"`
	ExpectedValue   any    `json:"expected_value" yaml:"expected_value"`
	Explanation     string `json:"explanation,omitempty" yaml:"explanation,omitempty"`
	IncludeInPrompt bool   `json:"include_in_prompt" yaml:"include_in_prompt"`
}

// Variable is a user-defined field extracted from every document.
type Variable struct {
	ID                  string               `json:"id" yaml:"id"`
	ProjectID           string               `json:"project_id" yaml:"-"`
	Name                string               `json:"name" yaml:"name"`
	Label               string               `json:"label,omitempty" yaml:"label,omitempty"`
	Type                VariableType         `json:"type" yaml:"type"`
	Instructions        string               `json:"instructions" yaml:"instructions"`
	Position            int                  `json:"position" yaml:"position"`
	ClassificationRules *ClassificationRules `json:"classification_rules,omitempty" yaml:"classification_rules,omitempty"`
	UncertaintyPolicy   UncertaintyPolicy    `json:"uncertainty_policy" yaml:"uncertainty_policy"`
	EdgeCasePolicy      EdgeCasePolicy       `json:"edge_case_policy" yaml:"edge_case_policy"`
	DefaultValue        any                  `json:"default_value,omitempty" yaml:"default_value,omitempty"`
	MaxValues           int                  `json:"max_values,omitempty" yaml:"max_values,omitempty"`
	GoldenExamples      []GoldenExample      `json:"golden_examples,omitempty" yaml:"golden_examples,omitempty"`
}

// Validate checks the structural invariants of a variable definition.
func (v Variable) Validate() error {
	if strings.TrimSpace(v.Name) == "" {
		return eris.New("variable: name is required")
	}
	if !v.Type.Valid() {
		return eris.Errorf("variable %s: unknown type %q", v.Name, v.Type)
	}
	if v.Type == VariableCategory && (v.ClassificationRules == nil || len(v.ClassificationRules.Categories) == 0) {
		return eris.Errorf("variable %s: CATEGORY requires classification rules with at least one category", v.Name)
	}
	if t := v.UncertaintyPolicy.ConfidenceThreshold; t < 0 || t > 100 {
		return eris.Errorf("variable %s: confidence threshold %d outside 0-100", v.Name, t)
	}
	switch v.UncertaintyPolicy.IfUncertainAction {
	case "", UncertainFlag, UncertainSkip, UncertainReturnBestGuess:
	default:
		return eris.Errorf("variable %s: unknown if_uncertain_action %q", v.Name, v.UncertaintyPolicy.IfUncertainAction)
	}
	switch v.UncertaintyPolicy.MultipleValuesAction {
	case "", MultipleReturnAll, MultipleReturnFirst, MultipleConcatenate:
	default:
		return eris.Errorf("variable %s: unknown multiple_values_action %q", v.Name, v.UncertaintyPolicy.MultipleValuesAction)
	}
	if v.MaxValues < 0 {
		return eris.Errorf("variable %s: max_values must not be negative", v.Name)
	}
	return nil
}

// DisplayName returns the label when set, otherwise the name.
func (v Variable) DisplayName() string {
	if v.Label != "" {
		return v.Label
	}
	return v.Name
}

// PromptExamples returns up to limit golden examples flagged for prompt use.
func (v Variable) PromptExamples(limit int) []GoldenExample {
	var out []GoldenExample
	for _, ex := range v.GoldenExamples {
		if !ex.IncludeInPrompt {
			continue
		}
		out = append(out, ex)
		if len(out) == limit {
			break
		}
	}
	return out
}
