// Package dispatch defines the contract an application implements to serve
// calls, and the loop that drives one connection through
// read → decode → handle → reply until something terminates it.
package dispatch

import (
	"context"
	"iter"

	"github.com/cyberinferno/go-dispatch/frame"
)

// Service is implemented once per application type. Methods declares which
// calls exist and the payload each one carries; Handle serves one decoded
// call and may mutate the application's state. Handle is never invoked
// concurrently for the same Service by a single Loop.
type Service interface {
	// Methods returns the method table used to decode incoming calls.
	Methods() *frame.MethodTable

	// Handle serves call and returns its reply.
	//
	// Parameters:
	//   - ctx: Cancelled when the loop is shutting down
	//   - call: The decoded call; owns all of its data
	//
	// Returns:
	//   - Single, Error or Multi
	Handle(ctx context.Context, call *frame.Call) Reply
}

// ReplyKind tells which variant a Reply holds.
type ReplyKind int

const (
	ReplySingle ReplyKind = iota + 1 // One reply, possibly without parameters
	ReplyError                       // Error payload; the connection ends after it
	ReplyMulti                       // Lazy sequence of streamed items
)

// String returns the lower-case variant name, also used as a metric label.
func (k ReplyKind) String() string {
	switch k {
	case ReplySingle:
		return "single"
	case ReplyError:
		return "error"
	case ReplyMulti:
		return "multi"
	default:
		return "invalid"
	}
}

// Reply is the result of handling a call. Build one with Single, Error or
// Multi; the zero Reply is invalid and terminates the loop.
type Reply struct {
	kind   ReplyKind
	value  any
	stream iter.Seq[any]
}

// Single replies once. A nil params encodes as {}.
func Single(params any) Reply {
	return Reply{kind: ReplySingle, value: params}
}

// Error replies with payload, encoded verbatim. The loop terminates after
// writing it.
func Error(payload any) Reply {
	return Reply{kind: ReplyError, value: payload}
}

// Multi replies with a stream of items. The sequence may be infinite; it is
// pulled one item at a time and each item is written as soon as it is
// produced. Mark the final item with StreamItem{Last: true}; a sequence that
// ends without one is closed by a trailing {} frame.
func Multi(items iter.Seq[any]) Reply {
	return Reply{kind: ReplyMulti, stream: items}
}

// Kind returns the variant.
func (r Reply) Kind() ReplyKind {
	return r.kind
}

// Params returns the Single payload, or nil for other variants.
func (r Reply) Params() any {
	if r.kind != ReplySingle {
		return nil
	}

	return r.value
}

// ErrorPayload returns the Error payload, or nil for other variants.
func (r Reply) ErrorPayload() any {
	if r.kind != ReplyError {
		return nil
	}

	return r.value
}

// Stream returns the Multi sequence, or nil for other variants. A Multi
// built from a nil sequence yields an empty one.
func (r Reply) Stream() iter.Seq[any] {
	if r.kind != ReplyMulti {
		return nil
	}

	if r.stream == nil {
		return func(func(any) bool) {}
	}

	return r.stream
}

// StreamItem wraps a streamed value to mark it as the final one. Items that
// are not a StreamItem are written as continuing.
type StreamItem struct {
	Value any
	Last  bool
}

// ItemValue unwraps an item produced by a Multi stream.
//
// Parameters:
//   - item: A value yielded by Reply.Stream
//
// Returns:
//   - The value to send
//   - true if the producer marked it as the final item
func ItemValue(item any) (any, bool) {
	if si, ok := item.(StreamItem); ok {
		return si.Value, si.Last
	}

	return item, false
}

// Repeat yields item n times, marking the n-th as the last, or forever when
// n < 0.
func Repeat(item any, n int) iter.Seq[any] {
	return func(yield func(any) bool) {
		for i := 0; n < 0 || i < n; i++ {
			next := item
			if i == n-1 {
				next = StreamItem{Value: item, Last: true}
			}

			if !yield(next) {
				return
			}
		}
	}
}

// HandlerFunc is the shape of Service.Handle, used by middleware.
type HandlerFunc func(ctx context.Context, call *frame.Call) Reply

// Middleware wraps a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed runs outermost:
// Chain(a, b)(h) is a(b(h)).
func Chain(mws ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}

		return next
	}
}
