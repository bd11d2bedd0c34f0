package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mini-tchannel/message"
)

func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallEnvelope) (*message.CallEnvelope, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			ev := logger.Debug()
			if err != nil {
				ev = logger.Warn().Err(err)
			}
			ev.Str("service", req.ServiceName).
				Str("method", req.Method()).
				Uint32("id", req.ID).
				Dur("duration", time.Since(start)).
				Msg("call handled")
			return resp, err
		}
	}
}
