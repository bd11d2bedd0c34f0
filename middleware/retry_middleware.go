package middleware

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"mini-tchannel/message"
	"mini-tchannel/protocol"
)

// Retryable reports whether a failed call may be sent again: local timeouts, broken
// connections, refused dials and remote Busy/Declined/Timeout/Network errors.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *protocol.ApplicationError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case protocol.ErrCodeBusy, protocol.ErrCodeDeclined, protocol.ErrCodeTimeout, protocol.ErrCodeNetwork:
			return true
		}
		return false
	}
	var connErr *protocol.ConnectionError
	return errors.Is(err, protocol.ErrTimeout) ||
		errors.As(err, &connErr) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// RetryMiddleware retries retryable failures up to maxRetries times with jittered
// exponential backoff starting at baseDelay. It is meant for the outbound path; next must
// be safe to call repeatedly with the same request.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallEnvelope) (*message.CallEnvelope, error) {
			b := &backoff.Backoff{
				Min:    baseDelay,
				Max:    baseDelay << maxRetries,
				Factor: 2,
				Jitter: true,
			}
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !Retryable(err) {
					return resp, err
				}
				delay := b.Duration()
				logger.Debug().
					Err(err).
					Int("attempt", i+1).
					Str("method", req.Method()).
					Dur("delay", delay).
					Msg("retrying call")
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
