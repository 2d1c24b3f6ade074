package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// canonicalJSON renders a value as deterministic JSON: object keys sorted,
// no insignificant whitespace. The hash chain depends on two encoders never
// disagreeing, so this is written out by hand rather than trusting map
// iteration order.
func canonicalJSON(v any) ([]byte, error) {
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(keyJSON)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		// Scalars and typed values round-trip through encoding/json, then
		// recurse if the encoder produced an object or array.
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonicalize %T: %w", val, err)
		}
		if len(raw) > 0 && (raw[0] == '{' || raw[0] == '[') {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return err
			}
			return writeCanonical(b, decoded)
		}
		b.Write(raw)
	}
	return nil
}
