package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes one YAML document as JSON, so the strict JSON decoder
// (unknown keys rejected) serves both formats. A second document is
// ErrTrailingData, the same as trailing JSON.
func yamlToJSON(data []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("yaml: %w", err)
	}
	var extra any
	switch err := dec.Decode(&extra); {
	case err == nil:
		return nil, ErrTrailingData
	case !errors.Is(err, io.EOF):
		return nil, fmt.Errorf("yaml: %w", err)
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

// stringKeys rewrites map[any]any nodes (non-string YAML keys such as owner
// ids written as numbers) into JSON-compatible maps.
func stringKeys(v any) any {
	switch n := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(n))
		for k, e := range n {
			m[fmt.Sprint(k)] = stringKeys(e)
		}
		return m
	case map[string]any:
		for k, e := range n {
			n[k] = stringKeys(e)
		}
		return n
	case []any:
		for i, e := range n {
			n[i] = stringKeys(e)
		}
		return n
	}
	return v
}
