package postprocess

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/docextract/internal/model"
)

// dateLayouts are tried in order; the first that parses wins.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"02/01/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2006/01/02",
	"01-02-2006",
	time.RFC3339,
}

// Coerce converts a raw model value to the variable's type. It never fails:
// values that cannot be converted are returned unchanged, except BOOLEAN
// which yields nil for unrecognised input.
func Coerce(value any, t model.VariableType) any {
	if value == nil {
		return nil
	}
	switch t {
	case model.VariableNumber:
		return coerceNumber(value)
	case model.VariableDate:
		return coerceDate(value)
	case model.VariableBoolean:
		return coerceBoolean(value)
	case model.VariableText, model.VariableCategory, model.VariableLocation:
		return value
	default:
		return value
	}
}

func coerceNumber(value any) any {
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
		return value
	case string:
		cleaned := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' || r == '.' || r == '-' {
				return r
			}
			return -1
		}, v)
		if cleaned == "" {
			return value
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return value
		}
		return f
	default:
		return value
	}
}

func coerceDate(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return value
}

func coerceBoolean(value any) any {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		switch v {
		case 1:
			return true
		case 0:
			return false
		}
		return nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0":
			return false
		}
		return nil
	default:
		return nil
	}
}
