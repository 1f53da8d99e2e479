package pipeline

import (
	"encoding/json"
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+(?:\.[a-zA-Z0-9_]+)*)\s*\}\}`)

// Interpolate replaces {{name}} and {{name.subname}} placeholders with values
// from the context map. A dotted placeholder first tries the literal dotted
// key, then digs into a JSON-object value under the head key. Missing keys
// render as the literal [missing: name] so downstream steps can observe the
// absence.
func Interpolate(template string, values map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := lookup(values, name); ok {
			return v
		}
		return "[missing: " + name + "]"
	})
}

func lookup(values map[string]string, name string) (string, bool) {
	if v, ok := values[name]; ok {
		return v, true
	}
	head, rest, dotted := cutDot(name)
	if !dotted {
		return "", false
	}
	raw, ok := values[head]
	if !ok {
		return "", false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return "", false
	}
	v, ok := obj[rest]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

func cutDot(name string) (head, rest string, ok bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return name[:i], name[i+1:], true
		}
	}
	return name, "", false
}
