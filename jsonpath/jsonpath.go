// Package jsonpath extracts and assigns values through a small path
// dialect — dotted segments, array indices, bracketed properties, a root
// token, and single-clause equality filters — built on top of gjson/sjson
// rather than a hand-rolled JSON tree walker.
package jsonpath

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ValidationError reports why a path was rejected by Validate.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("jsonpath: invalid path %q: %s", e.Path, e.Message)
}

// Validate rejects paths containing "{" or "}", unbalanced brackets, or a
// closing bracket with no matching opener.
func Validate(path string) error {
	if strings.ContainsAny(path, "{}") {
		return &ValidationError{Path: path, Message: "curly braces are not allowed"}
	}

	depth := 0
	for _, r := range path {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
			if depth < 0 {
				return &ValidationError{Path: path, Message: "closing bracket without a matching opener"}
			}
		}
	}
	if depth != 0 {
		return &ValidationError{Path: path, Message: "unbalanced brackets"}
	}
	return nil
}

// GetValueByPath returns the value at path within obj, or nil if any
// intermediate segment is missing or null. It never errors on a missing
// path; Validate should be called separately if path syntax needs to be
// rejected up front.
func GetValueByPath(obj map[string]any, path string) any {
	gp, ok := toGJSONPath(path)
	if !ok {
		return nil
	}
	if gp == "" {
		return map[string]any(obj)
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil
	}

	result := gjson.GetBytes(raw, gp)
	if !result.Exists() {
		return nil
	}
	return result.Value()
}

// SetValueByPath returns a deep copy of obj with value set at path,
// auto-creating intermediate objects. If an existing node at an indexed
// segment is not an array, it is replaced with one.
func SetValueByPath(obj map[string]any, path string, value any) (map[string]any, error) {
	gp, ok := toGJSONPath(path)
	if !ok {
		return nil, &ValidationError{Path: path, Message: "could not translate path"}
	}
	if gp == "" {
		return nil, &ValidationError{Path: path, Message: "cannot set the root node"}
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("jsonpath: marshal source: %w", err)
	}

	updated, err := sjson.SetBytes(raw, gp, value)
	if err != nil {
		return nil, fmt.Errorf("jsonpath: set %q: %w", path, err)
	}

	var out map[string]any
	if err := json.Unmarshal(updated, &out); err != nil {
		return nil, fmt.Errorf("jsonpath: unmarshal result: %w", err)
	}
	return out, nil
}

// ApplyOutputMapping extracts each mapping entry's path from source,
// producing a flat map keyed by the mapping's output name. A path that
// fails Validate yields a null value for that key and a warning logged to
// logger (if non-nil), rather than aborting the whole mapping.
func ApplyOutputMapping(logger *slog.Logger, source map[string]any, mapping map[string]string) map[string]any {
	out := make(map[string]any, len(mapping))
	for name, path := range mapping {
		if err := Validate(path); err != nil {
			if logger != nil {
				logger.Warn("jsonpath: invalid output mapping path", slog.String("name", name), slog.String("path", path), slog.String("error", err.Error()))
			}
			out[name] = nil
			continue
		}
		out[name] = GetValueByPath(source, path)
	}
	return out
}

// toGJSONPath translates the dialect described in the package doc into
// gjson/sjson's own path syntax:
//
//	$.a.b / root.a.b / a.b.c -> a.b.c
//	items[0]                 -> items.0
//	user[fullName]           -> user.fullName
//	items[?(@.field=='value')] -> items.#(field=="value")
func toGJSONPath(path string) (string, bool) {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "$.")
	p = strings.TrimPrefix(p, "$")
	switch p {
	case "root", "":
		return "", true
	}
	p = strings.TrimPrefix(p, "root.")

	var out strings.Builder
	i := 0
	for i < len(p) {
		switch p[i] {
		case '.':
			out.WriteByte('.')
			i++
		case '[':
			end := strings.IndexByte(p[i:], ']')
			if end < 0 {
				return "", false
			}
			inner := p[i+1 : i+end]
			i += end + 1

			if out.Len() > 0 {
				out.WriteByte('.')
			}
			if strings.HasPrefix(inner, "?(") && strings.HasSuffix(inner, ")") {
				clause := strings.TrimSuffix(strings.TrimPrefix(inner, "?("), ")")
				clause = strings.TrimPrefix(clause, "@.")
				field, value, ok := strings.Cut(clause, "==")
				if !ok {
					return "", false
				}
				value = strings.Trim(strings.TrimSpace(value), "'\"")
				out.WriteString(fmt.Sprintf("#(%s==%q)", strings.TrimSpace(field), value))
			} else {
				// array index ("0") or bracketed property ("fullName")
				// both translate as a plain gjson path segment.
				out.WriteString(inner)
			}
		default:
			out.WriteByte(p[i])
			i++
		}
	}

	return strings.Trim(out.String(), "."), true
}
