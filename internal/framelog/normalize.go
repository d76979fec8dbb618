package framelog

import "fmt"

// NormalizeJSONValue makes a generic CBOR decode JSON-encodable: map keys
// become strings and byte strings are summarised instead of dumped.
func NormalizeJSONValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = NormalizeJSONValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = NormalizeJSONValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = NormalizeJSONValue(item)
		}
		return out
	case []byte:
		head := val
		if len(head) > 8 {
			head = head[:8]
		}
		return map[string]any{"bytes": len(val), "head": fmt.Sprintf("% x", head)}
	default:
		return v
	}
}
