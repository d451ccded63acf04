package validation

// Helpers for reading the loosely-typed stage results the rule backend
// returns. JSON decoding yields map[string]any with float64 numbers
// and []any lists; absent or mistyped fields read as zero values.

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func getBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func getFloat(m map[string]any, key string) float64 {
	switch n := m[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func getStrings(m map[string]any, key string) []string {
	items, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getFloatMap(m map[string]any, key string) map[string]float64 {
	inner, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(inner))
	for k := range inner {
		out[k] = getFloat(inner, k)
	}
	return out
}

func getStringsMap(m map[string]any, key string) map[string][]string {
	inner, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string][]string, len(inner))
	for k := range inner {
		out[k] = getStrings(inner, k)
	}
	return out
}
