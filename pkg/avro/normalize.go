package avro

import (
	"encoding/json"
	"fmt"
	"sort"
)

// normalizeSchemaJSON re-marshals a schema with record fields and union
// branches sorted, so that equivalent schemas compare equal as strings.
func normalizeSchemaJSON(schemaJSON string) (string, error) {
	var schema any
	if err := json.Unmarshal([]byte(schemaJSON), &schema); err != nil {
		return "", fmt.Errorf("failed to parse schema JSON: %w", err)
	}
	out, err := json.Marshal(normalizeNode(schema))
	if err != nil {
		return "", fmt.Errorf("failed to marshal normalized schema: %w", err)
	}
	return string(out), nil
}

func normalizeNode(node any) any {
	switch n := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[k] = normalizeNode(v)
		}
		if fields, ok := out["fields"].([]any); ok {
			sort.SliceStable(fields, func(i, j int) bool { return fieldName(fields[i]) < fieldName(fields[j]) })
		}
		if union, ok := out["type"].([]any); ok {
			sortUnion(union)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			out[i] = normalizeNode(v)
		}
		return out
	default:
		return n
	}
}

func fieldName(f any) string {
	if m, ok := f.(map[string]any); ok {
		name, _ := m["name"].(string)
		return name
	}
	return ""
}

func sortUnion(branches []any) {
	sort.SliceStable(branches, func(i, j int) bool {
		return fmt.Sprint(branches[i]) < fmt.Sprint(branches[j])
	})
}
