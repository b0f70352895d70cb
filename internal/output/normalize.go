package output

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// NormalizeJSONValue rewrites a generic CBOR decode result so encoding/json accepts it:
// map keys become strings, byte strings are summarized and tags are unwrapped.
func NormalizeJSONValue(value any) any {
	switch v := value.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, entry := range v {
			out[fmt.Sprint(key)] = NormalizeJSONValue(entry)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, entry := range v {
			out[key] = NormalizeJSONValue(entry)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, entry := range v {
			out[i] = NormalizeJSONValue(entry)
		}
		return out
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(v))
	case cbor.Tag:
		return map[string]any{"tag": v.Number, "value": NormalizeJSONValue(v.Content)}
	default:
		return v
	}
}
