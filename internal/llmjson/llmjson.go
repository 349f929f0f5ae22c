// Package llmjson parses model output that is supposed to be JSON but often
// is not quite. Every response is treated as untrusted bytes. Parse never
// fails outright: callers get a Result whose Kind says how much trust to put
// in the extracted object.
package llmjson

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Kind classifies how a Result was obtained.
type Kind int

const (
	// Parsed means the text decoded as-is (possibly after fence stripping).
	Parsed Kind = iota
	// RepairedTruncated means the text only decoded after balancing
	// unterminated braces, brackets, or quotes.
	RepairedTruncated
	// Unparsed means no JSON object could be recovered; Raw holds the text.
	Unparsed
)

// Result is the outcome of parsing one model response.
type Result struct {
	Kind Kind
	Data map[string]any
	Raw  string
}

var fenceRe = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// StripFences removes a surrounding markdown code fence if present.
func StripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if m := fenceRe.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	// Unterminated fence: strip the opener and anything after a lone closer.
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}

// Parse attempts to recover a JSON object from raw model output.
// Strategies, in order: direct parse, fence strip, brace wrap,
// brace-balance repair, first-object extraction.
func Parse(raw string) Result {
	text := StripFences(raw)

	if data := tryDecode(text); data != nil {
		return Result{Kind: Parsed, Data: data, Raw: raw}
	}

	// Models sometimes emit bare `"key": "value"` pairs without braces.
	if !strings.HasPrefix(text, "{") {
		if data := tryDecode("{" + text + "}"); data != nil {
			return Result{Kind: Parsed, Data: data, Raw: raw}
		}
	}

	// Truncated output: close whatever was left open.
	if repaired, ok := balance(text); ok {
		if data := tryDecode(repaired); data != nil {
			return Result{Kind: RepairedTruncated, Data: data, Raw: raw}
		}
	}

	// Prose around the object: pull out the first brace-delimited span.
	if obj := firstObject(text); obj != "" {
		if data := tryDecode(obj); data != nil {
			return Result{Kind: Parsed, Data: data, Raw: raw}
		}
		if repaired, ok := balance(obj); ok {
			if data := tryDecode(repaired); data != nil {
				return Result{Kind: RepairedTruncated, Data: data, Raw: raw}
			}
		}
	}

	return Result{Kind: Unparsed, Raw: raw}
}

func tryDecode(text string) map[string]any {
	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil
	}
	return data
}

// balance closes unterminated strings, brackets, and braces in likely
// truncated JSON. Returns false when the text does not start an object.
func balance(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	text = text[start:]

	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{' || ch == '[':
			stack = append(stack, ch)
		case ch == '}' || ch == ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(text)

	if escaped {
		// Dangling backslash from a cut-off escape sequence.
		s := b.String()
		b.Reset()
		b.WriteString(s[:len(s)-1])
	}
	if inString {
		b.WriteByte('"')
	}
	// A truncated value like `"key": ` decodes once the container closes
	// only if the value is complete; trim a trailing comma or colon first.
	s := strings.TrimRight(b.String(), " \t\n\r")
	if strings.HasSuffix(s, ",") {
		s = s[:len(s)-1]
	} else if strings.HasSuffix(s, ":") {
		s += " null"
	}
	b.Reset()
	b.WriteString(s)

	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}

	return b.String(), true
}

// firstObject returns the first balanced brace-delimited span, or "" if none.
func firstObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// ExtractStringField pulls a single string field out of broken JSON by
// regex. Last resort when Parse returns Unparsed.
func ExtractStringField(text, field string) (string, bool) {
	re := regexp.MustCompile(`"` + regexp.QuoteMeta(field) + `"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	var out string
	if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &out); err != nil {
		return m[1], true
	}
	return out, true
}

// Str reads a string field from parsed data, with a default.
func Str(data map[string]any, key, def string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return def
}

// Float reads a numeric field from parsed data, with a default.
func Float(data map[string]any, key string, def float64) float64 {
	if v, ok := data[key].(float64); ok {
		return v
	}
	return def
}

// Bool reads a boolean field from parsed data, with a default.
func Bool(data map[string]any, key string, def bool) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return def
}

// Strings reads a string-slice field from parsed data. Non-string elements
// are skipped.
func Strings(data map[string]any, key string) []string {
	raw, ok := data[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Objects reads a slice-of-objects field from parsed data. Non-object
// elements are skipped.
func Objects(data map[string]any, key string) []map[string]any {
	raw, ok := data[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
