// Package middleware wraps call handlers with cross-cutting behaviour. The same
// HandlerFunc shape serves inbound handlers on a server and the outbound call path of a
// client.
package middleware

import (
	"context"

	"mini-tchannel/message"
)

type HandlerFunc func(ctx context.Context, req *message.CallEnvelope) (*message.CallEnvelope, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one. The first middleware is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
