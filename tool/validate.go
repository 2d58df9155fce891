package tool

import (
	"fmt"
)

// ValidationError reports the first violated field of a tool argument map.
type ValidationError struct {
	Tool    string `json:"tool"`
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: invalid parameter %q: %s", e.Tool, e.Field, e.Message)
}

// Validate checks params against the definition's schema. Fields are checked
// in sorted name order so the reported violation is deterministic; for each
// field the required check precedes type, enum and pattern checks. A tool
// without a schema skips validation entirely. Validation is idempotent:
// re-validating valid arguments against an unchanged schema never fails.
func (d Definition) Validate(params map[string]any) error {
	if len(d.Params) == 0 {
		return nil
	}

	for _, name := range sortedFields(d.Params) {
		fs := d.Params[name]
		value, present := params[name]

		if !present || value == nil {
			if fs.Required {
				return &ValidationError{Tool: d.Name, Field: name, Message: "required field is missing"}
			}
			continue
		}

		if !typeMatches(value, fs.Type) {
			return &ValidationError{
				Tool: d.Name, Field: name, Value: value,
				Message: fmt.Sprintf("expected type %s, got %T", fs.Type, value),
			}
		}

		if len(fs.Enum) > 0 {
			s, _ := value.(string)
			if !contains(fs.Enum, s) {
				return &ValidationError{
					Tool: d.Name, Field: name, Value: value,
					Message: fmt.Sprintf("must be one of %v", fs.Enum),
				}
			}
		}

		if fs.re != nil {
			s, ok := value.(string)
			if !ok || !fs.re.MatchString(s) {
				return &ValidationError{
					Tool: d.Name, Field: name, Value: value,
					Message: fmt.Sprintf("does not match pattern %q", fs.Pattern),
				}
			}
		}
	}

	return nil
}

// typeMatches checks a decoded JSON value against a schema type name.
// Numbers arrive as float64 from encoding/json; an integer field accepts a
// float64 without fractional part.
func typeMatches(value any, expected string) bool {
	switch expected {
	case "", "any":
		return true
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
