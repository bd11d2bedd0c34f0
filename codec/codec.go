// Package codec implements the arg schemes that encode arg2/arg3 of a call.
//
// The scheme travels in the "as" transport header, so the receiver picks the same codec
// the caller used. Raw passes bytes through untouched and JSON marshals Go values.
package codec

import (
	"fmt"
	"sync"
)

const (
	SchemeRaw  = "raw"
	SchemeJSON = "json"
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Scheme() string // Value of the "as" header
}

var (
	mu      sync.RWMutex
	schemes = map[string]Codec{
		SchemeRaw:  &RawCodec{},
		SchemeJSON: &JSONCodec{},
	}
)

// Register makes a codec available under its scheme name, replacing any previous one.
func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	schemes[c.Scheme()] = c
}

// GetCodec returns the codec for scheme. An empty scheme means raw.
func GetCodec(scheme string) (Codec, error) {
	if scheme == "" {
		scheme = SchemeRaw
	}
	mu.RLock()
	defer mu.RUnlock()
	c, ok := schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("codec: unknown arg scheme %q", scheme)
	}
	return c, nil
}
