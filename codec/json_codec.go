package codec

import (
	"github.com/goccy/go-json"
)

// JSONCodec encodes args as JSON with goccy/go-json, a drop-in for encoding/json.
// Pros: human-readable, cross-language, easy to debug.
// Cons: larger payload than raw bytes (field names repeated).
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode leaves v untouched when data is empty, so a call without arg2 decodes cleanly.
func (c *JSONCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Scheme() string {
	return SchemeJSON
}
