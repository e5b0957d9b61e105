// Package postprocess turns parsed model values into typed, policy-checked
// values ready to persist.
package postprocess

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/docextract/internal/model"
)

// Outcome is the result of post-processing one extracted value.
type Outcome struct {
	Value        any    `json:"value"`
	Confidence   int    `json:"confidence"`
	ShouldFlag   bool   `json:"should_flag"`
	ShouldSkip   bool   `json:"should_skip"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Status maps the outcome to the stored extraction status.
func (o Outcome) Status() model.ExtractionStatus {
	switch {
	case o.ShouldSkip:
		return model.ExtractionFailed
	case o.ShouldFlag:
		return model.ExtractionFlagged
	case Present(o.Value):
		return model.ExtractionExtracted
	default:
		return model.ExtractionFailed
	}
}

// Present reports whether v carries a value. Nil, blank strings and empty
// lists count as missing.
func Present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

// Process applies, in order: multi-value resolution, type coercion,
// validation, default substitution and the confidence-threshold policy.
func Process(value any, confidence int, v model.Variable) Outcome {
	out := Outcome{Confidence: confidence}

	if list, ok := value.([]any); ok {
		action := multipleAction(v)
		resolved := HandleMultipleValues(list, action, v.MaxValues)
		if all, ok := resolved.([]any); ok {
			for i := range all {
				all[i] = Coerce(all[i], v.Type)
			}
			out.Value = all
		} else {
			out.Value = Coerce(resolved, v.Type)
		}
	} else {
		out.Value = Coerce(value, v.Type)
	}

	if msg, failed := validate(out.Value, v); failed {
		out.ShouldFlag = true
		out.ErrorMessage = msg
	}

	if !Present(out.Value) {
		switch {
		case v.DefaultValue != nil:
			out.Value = v.DefaultValue
		case v.EdgeCasePolicy.MissingFieldAction == model.MissingFlag:
			out.ShouldFlag = true
			if out.ErrorMessage == "" {
				out.ErrorMessage = "value not found in document"
			}
		}
	}

	threshold := v.UncertaintyPolicy.ConfidenceThreshold
	if confidence < threshold {
		switch v.UncertaintyPolicy.IfUncertainAction {
		case model.UncertainFlag:
			out.ShouldFlag = true
			if out.ErrorMessage == "" {
				out.ErrorMessage = fmt.Sprintf("confidence %d below threshold %d", confidence, threshold)
			}
		case model.UncertainSkip:
			out.ShouldSkip = true
			out.Value = nil
			if out.ErrorMessage == "" {
				out.ErrorMessage = fmt.Sprintf("skipped: confidence %d below threshold %d", confidence, threshold)
			}
		case model.UncertainReturnBestGuess:
		}
	}

	return out
}

// HandleMultipleValues resolves a list of candidate values according to the
// variable's multiple_values_action. Empty input yields nil.
func HandleMultipleValues(values []any, action model.MultipleValuesAction, maxValues int) any {
	if len(values) == 0 {
		return nil
	}
	switch action {
	case model.MultipleReturnAll:
		n := len(values)
		if maxValues > 0 && n > maxValues {
			n = maxValues
		}
		out := make([]any, n)
		copy(out, values[:n])
		return out
	case model.MultipleConcatenate:
		parts := make([]string, 0, len(values))
		for _, val := range values {
			if val == nil {
				continue
			}
			parts = append(parts, stringify(val))
		}
		if len(parts) == 0 {
			return nil
		}
		return strings.Join(parts, ", ")
	default:
		return values[0]
	}
}

// multipleAction defaults to return_all for multi-select categories and to
// return_first otherwise.
func multipleAction(v model.Variable) model.MultipleValuesAction {
	if a := v.UncertaintyPolicy.MultipleValuesAction; a != "" {
		return a
	}
	if v.Type == model.VariableCategory && v.ClassificationRules != nil && v.ClassificationRules.AllowMultiple {
		return model.MultipleReturnAll
	}
	return model.MultipleReturnFirst
}

// validate runs declared rules, then the closed-category check. Null always
// passes. The first failure wins.
func validate(value any, v model.Variable) (string, bool) {
	values := []any{value}
	if list, ok := value.([]any); ok {
		values = list
	}
	for _, val := range values {
		if val == nil {
			continue
		}
		for _, rule := range v.EdgeCasePolicy.ValidationRules {
			if ok, msg := checkRule(val, rule); !ok {
				return msg, true
			}
		}
	}

	rules := v.ClassificationRules
	if v.Type != model.VariableCategory || rules == nil || rules.AllowOther || len(rules.Categories) == 0 {
		return "", false
	}
	for _, val := range values {
		if val == nil {
			continue
		}
		if !containsFold(rules.Names(), stringify(val)) {
			return fmt.Sprintf("%q is not one of the defined categories", stringify(val)), true
		}
	}
	return "", false
}

func checkRule(value any, rule model.ValidationRule) (bool, string) {
	msg := rule.Message
	switch rule.Type {
	case model.RuleRange:
		n, ok := toFloat(value)
		if !ok {
			return false, orDefault(msg, fmt.Sprintf("%v is not numeric", value))
		}
		if rule.Min != nil && n < *rule.Min {
			return false, orDefault(msg, fmt.Sprintf("%v is below minimum %v", value, *rule.Min))
		}
		if rule.Max != nil && n > *rule.Max {
			return false, orDefault(msg, fmt.Sprintf("%v is above maximum %v", value, *rule.Max))
		}
	case model.RuleRegex:
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			zap.L().Warn("postprocess: invalid validation pattern",
				zap.String("pattern", rule.Pattern),
				zap.Error(err),
			)
			return true, ""
		}
		if !re.MatchString(stringify(value)) {
			return false, orDefault(msg, fmt.Sprintf("%q does not match %s", stringify(value), rule.Pattern))
		}
	case model.RuleEnum:
		if !containsFold(rule.Values, stringify(value)) {
			return false, orDefault(msg, fmt.Sprintf("%q is not an allowed value", stringify(value)))
		}
	}
	return true, ""
}

func containsFold(set []string, s string) bool {
	fold := cases.Fold()
	target := fold.String(strings.TrimSpace(s))
	for _, candidate := range set {
		if fold.String(strings.TrimSpace(candidate)) == target {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func orDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
