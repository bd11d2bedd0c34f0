// Package message defines the logical call unit exchanged between peers.
//
// A CallEnvelope is what callers and handlers see. The fragment package turns it into one
// or more frames for transmission and rebuilds it on the other side.
package message

import (
	"time"
)

// Well-known transport header keys.
const (
	HeaderArgScheme  = "as"       // Encoding of arg2/arg3, e.g. "raw" or "json"
	HeaderCallerName = "cn"       // Name of the calling service
	HeaderTracing    = "$tracing" // Reserved for tracing propagation, carried untouched
)

// CallEnvelope carries one request or response.
//
//   - Arg1: operation name, e.g. "ping"
//   - Arg2: application headers / metadata
//   - Arg3: body
type CallEnvelope struct {
	ID          uint32
	ServiceName string
	Headers     map[string]string // Transport headers
	Arg1        []byte
	Arg2        []byte
	Arg3        []byte
	TTL         time.Duration
	Flags       byte
}

// Method returns arg1 as a string.
func (e *CallEnvelope) Method() string {
	return string(e.Arg1)
}

// TTLMillis returns the TTL as carried on the wire, saturating at the uint32 range.
func (e *CallEnvelope) TTLMillis() uint32 {
	ms := e.TTL.Milliseconds()
	if ms <= 0 {
		return 0
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}

// Reply builds a response envelope addressed to the same call.
func (e *CallEnvelope) Reply(arg2, arg3 []byte) *CallEnvelope {
	resp := &CallEnvelope{
		ID:          e.ID,
		ServiceName: e.ServiceName,
		Arg1:        e.Arg1,
		Arg2:        arg2,
		Arg3:        arg3,
	}
	if as, ok := e.Headers[HeaderArgScheme]; ok {
		resp.Headers = map[string]string{HeaderArgScheme: as}
	}
	return resp
}

// CallOptions are the per-method defaults a fast client applies to every call.
type CallOptions struct {
	TTL     time.Duration
	Headers map[string]string
}

// Merge returns headers with the option headers layered underneath explicit ones.
func (o CallOptions) Merge(headers map[string]string) map[string]string {
	if len(o.Headers) == 0 {
		return headers
	}
	out := make(map[string]string, len(o.Headers)+len(headers))
	for k, v := range o.Headers {
		out[k] = v
	}
	for k, v := range headers {
		out[k] = v
	}
	return out
}
