package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"cronhub/internal/task/model"
)

type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeFloat   ParamType = "float"
	TypeBoolean ParamType = "boolean"
	// TypeObject accepts a JSON object or array (or a string holding one).
	TypeObject ParamType = "object"
	TypeEmail  ParamType = "email"
	TypeURL    ParamType = "url"
)

func (t ParamType) valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeObject, TypeEmail, TypeURL:
		return true
	}
	return false
}

// Param is one entry of a task's parameter schema.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
	Description string    `json:"description,omitempty"`
}

var validate = validator.New()

// ErrParameterValidation is matched by every *ParameterValidationError.
var ErrParameterValidation = errors.New("parameter validation failed")

// FieldError is one problem with one parameter.
type FieldError struct {
	Param   string `json:"param"`
	Problem string `json:"problem"`
}

// ParameterValidationError lists every problem found while binding params.
type ParameterValidationError struct {
	Task   string       `json:"task"`
	Fields []FieldError `json:"fields"`
}

func (e *ParameterValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Param+": "+f.Problem)
	}
	return fmt.Sprintf("task %q: invalid parameters: %s", e.Task, strings.Join(parts, "; "))
}

func (e *ParameterValidationError) Is(target error) bool { return target == ErrParameterValidation }

// Bind checks params against the schema and returns a normalized copy:
// values are coerced to their declared type and defaults fill omitted
// optional parameters. Unknown keys are rejected.
func (t *Task) Bind(params model.Params) (model.Params, error) {
	verr := &ParameterValidationError{Task: t.Name}
	out := make(model.Params, len(t.Params))

	known := make(map[string]struct{}, len(t.Params))
	for _, p := range t.Params {
		known[p.Name] = struct{}{}
		raw, ok := params[p.Name]
		if !ok || raw == nil {
			switch {
			case p.Required:
				verr.Fields = append(verr.Fields, FieldError{Param: p.Name, Problem: "required"})
			case p.Default != nil:
				v, _ := p.coerce(p.Default)
				out[p.Name] = v
			}
			continue
		}
		v, err := p.coerce(raw)
		if err != nil {
			verr.Fields = append(verr.Fields, FieldError{Param: p.Name, Problem: err.Error()})
			continue
		}
		out[p.Name] = v
	}

	unknown := make([]string, 0)
	for k := range params {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		verr.Fields = append(verr.Fields, FieldError{Param: k, Problem: "unknown parameter"})
	}

	if len(verr.Fields) > 0 {
		return nil, verr
	}
	return out, nil
}

func (p Param) coerce(v any) (any, error) {
	switch p.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case TypeEmail, TypeURL:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected %s string, got %T", p.Type, v)
		}
		s = strings.TrimSpace(s)
		tag := "email"
		if p.Type == TypeURL {
			tag = "url"
		}
		if err := validate.Var(s, "required,"+tag); err != nil {
			return nil, fmt.Errorf("invalid %s %q", p.Type, s)
		}
		return s, nil
	case TypeInteger:
		return toInt(v)
	case TypeFloat:
		return toFloat(v)
	case TypeBoolean:
		return toBool(v)
	case TypeObject:
		return toObject(v)
	}
	return nil, fmt.Errorf("unknown type %q", p.Type)
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		return floatToInt(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", x.String())
		}
		return floatToInt(f)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", x)
		}
		return n, nil
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

// floatToInt accepts whole numbers inside the int64 range. 2^63 itself is
// representable as a float64 but not as an int64.
func floatToInt(x float64) (int64, error) {
	if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
		return 0, fmt.Errorf("expected integer, got %v", x)
	}
	if x < math.MinInt64 || x >= math.MaxInt64 {
		return 0, fmt.Errorf("integer %v out of range", x)
	}
	return int64(x), nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, fmt.Errorf("expected boolean, got %q", x)
	}
	return false, fmt.Errorf("expected boolean, got %T", v)
}

func toObject(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any, []any:
		return x, nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(x), &decoded); err != nil {
			return nil, fmt.Errorf("expected JSON object or array: %v", err)
		}
		switch decoded.(type) {
		case map[string]any, []any:
			return decoded, nil
		}
		return nil, fmt.Errorf("expected JSON object or array, got %T", decoded)
	}
	return nil, fmt.Errorf("expected object, got %T", v)
}
