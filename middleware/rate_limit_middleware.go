package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-tchannel/message"
	"mini-tchannel/protocol"
)

// RateLimitMiddleware rejects calls beyond a token bucket of r per second with the given
// burst. Rejected calls get ErrCodeBusy so callers may retry elsewhere.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallEnvelope) (*message.CallEnvelope, error) {
			if !limiter.Allow() {
				return nil, protocol.NewApplicationError(protocol.ErrCodeBusy, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
