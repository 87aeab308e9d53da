package extract

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrMalformedResponse marks a model response from which no JSON object
// could be recovered.
var ErrMalformedResponse = errors.New("malformed model response")

// Bounded recursion depth for projection, so an adversarial schema cannot
// blow the stack.
const maxProjectDepth = 64

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// Parse recovers a JSON object from free-form model text. It tries, in
// order: the whole text as JSON, the content of a fenced code block, and the
// first brace-balanced {...} span. Trailing commas are stripped before each
// decode attempt. On failure it returns an empty object and
// ErrMalformedResponse; it never panics.
func Parse(modelText string) (map[string]any, error) {
	candidates := []string{strings.TrimSpace(modelText)}
	if m := fencedBlockRe.FindStringSubmatch(modelText); len(m) > 1 {
		candidates = append(candidates, m[1])
	}
	if span := braceSpan(modelText); span != "" {
		candidates = append(candidates, span)
	}

	for _, cand := range candidates {
		if cand == "" {
			continue
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(cleanJSON(cand)), &out); err == nil {
			return out, nil
		}
	}
	return map[string]any{}, ErrMalformedResponse
}

// ParseWithReasoning parses a merge response carrying both merged_data and
// reasoning, projecting only merged_data onto the schema. When the expected
// structure is absent it falls back to treating the whole parsed object as
// merged data, with a synthetic reasoning note.
func ParseWithReasoning(modelText string, schema map[string]any) (map[string]any, map[string]any, error) {
	obj, err := Parse(modelText)
	if err != nil {
		return map[string]any{}, map[string]any{}, err
	}

	merged, mergedOK := obj["merged_data"].(map[string]any)
	reasoning, reasoningOK := obj["reasoning"].(map[string]any)
	if mergedOK && reasoningOK {
		projected, _ := Project(merged, schema).(map[string]any)
		if projected == nil {
			projected = map[string]any{}
		}
		return projected, reasoning, nil
	}

	projected, _ := Project(obj, schema).(map[string]any)
	if projected == nil {
		projected = map[string]any{}
	}
	return projected, map[string]any{
		"fallback": "model response lacked merged_data/reasoning structure; merged fields taken as-is",
	}, nil
}

// Project filters a decoded value to the keys present in the schema's
// properties, recursing into nested objects and applying the items subschema
// to array elements. Primitives pass through verbatim; unknown keys are
// dropped. Values deeper than the depth bound pass through untouched.
func Project(value any, schema map[string]any) any {
	return project(value, schema, 0)
}

func project(value any, schema map[string]any, depth int) any {
	if schema == nil || depth >= maxProjectDepth {
		return value
	}
	switch v := value.(type) {
	case map[string]any:
		props, ok := schema["properties"].(map[string]any)
		if !ok {
			return v
		}
		out := make(map[string]any)
		for key, sub := range props {
			val, present := v[key]
			if !present {
				continue
			}
			subSchema, _ := sub.(map[string]any)
			out[key] = project(val, subSchema, depth+1)
		}
		return out
	case []any:
		items, ok := schema["items"].(map[string]any)
		if !ok {
			return v
		}
		out := make([]any, len(v))
		for i, el := range v {
			out[i] = project(el, items, depth+1)
		}
		return out
	default:
		return value
	}
}

// braceSpan returns the first brace-balanced {...} span in text, honouring
// string literals and escapes.
func braceSpan(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}

// cleanJSON strips trailing commas before closing braces and brackets and
// collapses whitespace runs outside string literals.
func cleanJSON(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			sb.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			sb.WriteByte(c)
		case c == ',':
			// Drop the comma if the next non-space byte closes a scope.
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
			sb.WriteByte(c)
		case isSpace(c):
			// Collapse runs of whitespace to a single space.
			if i+1 < len(s) && !isSpace(s[i+1]) {
				sb.WriteByte(' ')
			}
		default:
			sb.WriteByte(c)
		}
	}
	return strings.TrimSpace(sb.String())
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
