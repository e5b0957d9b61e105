// Package parse turns free-form model replies into extraction results.
package parse

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultConfidence is used when a reply carries no usable confidence.
const DefaultConfidence = 50

// Result is the parsed form of one extraction reply.
type Result struct {
	Value      any    `json:"value"`
	Confidence int    `json:"confidence"`
	SourceText string `json:"source_text"`
	// Raw is the unmodified reply, kept for audit even when parsing fails.
	Raw string `json:"-"`
	// Parsed is false when no JSON object could be recovered from Raw.
	Parsed bool `json:"-"`
}

// literals maps non-JSON spellings models emit to their JSON form.
var literals = map[string]string{
	"True":      "true",
	"TRUE":      "true",
	"False":     "false",
	"FALSE":     "false",
	"None":      "null",
	"NULL":      "null",
	"Null":      "null",
	"undefined": "null",
	"NaN":       "null",
}

// CleanResponse extracts a JSON object from a model reply that may be wrapped
// in markdown, use non-JSON literals, or carry surrounding prose. It returns
// nil when nothing can be recovered.
func CleanResponse(text string) map[string]any {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if obj, ok := recoverObject(text); ok {
		return obj
	}
	// A fence inside a string value is not a wrapper, so unwrapping is
	// only tried once the text as a whole has failed.
	if stripped := stripFences(text); stripped != text && stripped != "" {
		if obj, ok := recoverObject(stripped); ok {
			return obj
		}
	}
	return nil
}

// recoverObject tries a strict decode, then the first balanced object.
func recoverObject(text string) (map[string]any, bool) {
	text = normalize(text)
	if obj, ok := decodeObject(text); ok {
		return obj, true
	}
	candidate, ok := firstObject(text)
	if !ok {
		return nil, false
	}
	return decodeObject(candidate)
}

// ParseExtractionResponse parses a reply into a Result. The three expected
// keys are always present and confidence is an integer in [0, 100].
func ParseExtractionResponse(text string) Result {
	res := Result{Raw: text, Confidence: DefaultConfidence}

	obj := CleanResponse(text)
	if obj == nil {
		return res
	}
	res.Parsed = true
	res.Value = obj["value"]
	res.Confidence = confidence(obj["confidence"])
	switch src := obj["source_text"].(type) {
	case nil:
	case string:
		res.SourceText = src
	default:
		res.SourceText = fmt.Sprint(src)
	}
	return res
}

func decodeObject(text string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// stripFences removes a ```json ... ``` or ``` ... ``` wrapper, wherever the
// fenced block starts.
func stripFences(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	body := text[start+3:]
	// Drop the info string (e.g. "json") on the opening fence line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	} else {
		body = strings.TrimPrefix(body, "json")
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// normalize rewrites literal spellings outside string values and collapses raw
// newlines inside string values, which strict JSON rejects.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			case c == '\n' || c == '\r' || c == '\t':
				if c == '\r' && i+1 < len(text) && text[i+1] == '\n' {
					continue
				}
				b.WriteByte(' ')
				continue
			}
			b.WriteByte(c)
			continue
		}

		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if isIdentStart(c) && (i == 0 || !isIdentByte(text[i-1])) {
			j := i
			for j < len(text) && isIdentByte(text[j]) {
				j++
			}
			word := text[i:j]
			if repl, ok := literals[word]; ok {
				b.WriteString(repl)
			} else {
				b.WriteString(word)
			}
			i = j - 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentByte(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '_'
}

// firstObject locates the first balanced top-level {...} in text, ignoring
// braces inside string values.
func firstObject(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if start >= 0 {
				inString = true
			}
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start < 0 {
				continue
			}
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// confidence coerces a reply's confidence to an int clamped to [0, 100].
func confidence(v any) int {
	var f float64
	switch c := v.(type) {
	case float64:
		f = c
	case int:
		f = float64(c)
	case json.Number:
		parsed, err := c.Float64()
		if err != nil {
			return DefaultConfidence
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(c), "%"), 64)
		if err != nil {
			return DefaultConfidence
		}
		f = parsed
	default:
		return DefaultConfidence
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return DefaultConfidence
	}
	n := int(math.Round(f))
	switch {
	case n < 0:
		return 0
	case n > 100:
		return 100
	default:
		return n
	}
}
