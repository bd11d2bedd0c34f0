package middleware

import (
	"context"
	"time"

	"mini-tchannel/message"
	"mini-tchannel/protocol"
)

// TimeOutMiddleware bounds the handler with timeout, on top of any deadline the call TTL
// already put on ctx.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallEnvelope) (*message.CallEnvelope, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				resp *message.CallEnvelope
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				return nil, protocol.NewApplicationError(protocol.ErrCodeTimeout, "request timed out")
			}
		}
	}
}
