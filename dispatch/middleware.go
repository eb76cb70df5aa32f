package dispatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/cyberinferno/go-dispatch/frame"
	"github.com/cyberinferno/go-dispatch/logger"
)

// Error payloads produced by the built-in middlewares.
const (
	InternalErrorPayload = "InternalError"
	RateLimitedPayload   = "RateLimited"
)

// Logging logs every call with its reply kind and handling time.
func Logging(l logger.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *frame.Call) Reply {
			start := time.Now()
			reply := next(ctx, call)
			l.Info("call handled",
				logger.Field{Key: "method", Value: call.Method},
				logger.Field{Key: "more", Value: call.More},
				logger.Field{Key: "reply", Value: reply.Kind().String()},
				logger.Field{Key: "duration_ms", Value: time.Since(start).Milliseconds()},
			)

			return reply
		}
	}
}

// Recover turns a panicking handler into an InternalError reply, which
// ends the connection instead of the process.
func Recover(l logger.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *frame.Call) (reply Reply) {
			defer func() {
				if r := recover(); r != nil {
					l.Error("handler panic",
						logger.Field{Key: "method", Value: call.Method},
						logger.Field{Key: "panic", Value: fmt.Sprint(r)},
					)
					reply = Error(InternalErrorPayload)
				}
			}()

			return next(ctx, call)
		}
	}
}

// RateLimit paces calls through limiter, blocking until a token is free.
// If waiting fails (the context ended, or the limiter can never grant a
// token) the call gets a RateLimited error reply.
func RateLimit(limiter *rate.Limiter) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *frame.Call) Reply {
			if err := limiter.Wait(ctx); err != nil {
				return Error(RateLimitedPayload)
			}

			return next(ctx, call)
		}
	}
}
