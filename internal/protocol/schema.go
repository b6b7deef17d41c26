package protocol

// HardenToolParameters deep-clones a JSON-Schema-like object parameter tree
// and tightens it so strict vendors accept it: every object level gets
// additionalProperties:false, and required is pruned to keys that actually
// exist in properties. The input is never mutated.
func HardenToolParameters(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out, _ := hardenValue(schema).(map[string]any)
	return out
}

func hardenValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			out[k] = hardenValue(sub)
		}
		if isObjectSchema(out) {
			out["additionalProperties"] = false
			pruneRequired(out)
		}
		return out

	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = hardenValue(sub)
		}
		return out

	default:
		return v
	}
}

// isObjectSchema reports whether a map looks like an object-typed schema
// node, either by explicit type or by carrying a properties map.
func isObjectSchema(m map[string]any) bool {
	if t, ok := m["type"].(string); ok && t == "object" {
		return true
	}
	_, hasProps := m["properties"].(map[string]any)
	return hasProps
}

func pruneRequired(m map[string]any) {
	req, ok := m["required"].([]any)
	if !ok {
		return
	}
	props, _ := m["properties"].(map[string]any)

	kept := make([]any, 0, len(req))
	for _, r := range req {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, exists := props[name]; exists {
			kept = append(kept, name)
		}
	}
	m["required"] = kept
}
