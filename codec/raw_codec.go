package codec

import (
	"fmt"
)

// RawCodec passes bytes through unchanged. It accepts []byte and string values and
// decodes into *[]byte or *string.
type RawCodec struct{}

func (c *RawCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	case string:
		return []byte(b), nil
	case *string:
		return []byte(*b), nil
	default:
		return nil, fmt.Errorf("codec: raw scheme cannot encode %T", v)
	}
}

func (c *RawCodec) Decode(data []byte, v any) error {
	switch dst := v.(type) {
	case *[]byte:
		*dst = append((*dst)[:0], data...)
	case *string:
		*dst = string(data)
	default:
		return fmt.Errorf("codec: raw scheme cannot decode into %T", v)
	}
	return nil
}

func (c *RawCodec) Scheme() string {
	return SchemeRaw
}
