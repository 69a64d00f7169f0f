package builtin

import (
	"fmt"
	"strings"

	"cronhub/internal/task/model"
	"cronhub/internal/task/retry"
)

// Params arrive bound by the registry, so types match the schema. These
// accessors only guard against direct calls that skip binding.

func str(p model.Params, key string) string {
	s, _ := p[key].(string)
	return strings.TrimSpace(s)
}

func requireStr(p model.Params, key string) (string, error) {
	s := str(p, key)
	if s == "" {
		return "", retry.NoRetry(fmt.Errorf("%s is required", key))
	}
	return s, nil
}

func num(p model.Params, key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}

func integer(p model.Params, key string, def int64) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return def
}

func boolean(p model.Params, key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

func strList(p model.Params, key string) []string {
	raw, _ := p[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}
