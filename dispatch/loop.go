package dispatch

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/cyberinferno/go-dispatch/connection"
	"github.com/cyberinferno/go-dispatch/frame"
	"github.com/cyberinferno/go-dispatch/logger"
	"github.com/cyberinferno/go-dispatch/metrics"
	"github.com/cyberinferno/go-dispatch/registry"
)

var (
	// ErrApplication is returned after the service replied with Error.
	ErrApplication = errors.New("dispatch: application error reply")

	// ErrRouting is returned when no write half is registered for the
	// loop's connection. It indicates a wiring bug.
	ErrRouting = errors.New("dispatch: no write half registered for connection")

	// ErrInvalidReply is returned when the service returned a zero Reply.
	ErrInvalidReply = errors.New("dispatch: handler returned an invalid reply")

	// ErrTerminated is returned by Step and Run once the loop has ended.
	ErrTerminated = errors.New("dispatch: loop terminated")
)

// State is the position of a Loop in its per-frame cycle.
type State int

const (
	Idle       State = iota // Waiting for the next frame
	Decoding                // A frame was read and is being decoded
	Handling                // The service is handling a call
	Replying                // A single or error reply is being written
	Streaming               // A streamed reply is being drained
	Terminated              // The loop ended; no further frames are read
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Decoding:
		return "Decoding"
	case Handling:
		return "Handling"
	case Replying:
		return "Replying"
	case Streaming:
		return "Streaming"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// FrameReader is the read side of a connection.
type FrameReader interface {
	ID() uint64
	ReadFrame() ([]byte, error)
}

// Options tune a Loop. The zero value gives the reference behavior: decode
// failures end the connection, nothing is logged or counted.
type Options struct {
	// ReplyDecodeErrors answers an undecodable frame with an error payload
	// describing the failure and keeps the connection open.
	ReplyDecodeErrors bool
	// Middlewares wrap the service's Handle, outermost first.
	Middlewares []Middleware
	Logger      logger.Logger
	Metrics     *metrics.Collector
}

// Loop serves one connection. Frames are processed strictly in order: a
// frame is decoded, handled and answered (including a full streamed reply)
// before the next one is read. A Loop is not safe for concurrent use.
type Loop struct {
	reader  FrameReader
	routes  *registry.Registry
	methods *frame.MethodTable
	handle  HandlerFunc
	opts    Options
	log     logger.Logger

	state State
	err   error
}

// NewLoop builds a Loop reading from r and replying through the registry
// entry registered under r.ID().
//
// Parameters:
//   - r: Read side of the connection
//   - routes: Registry holding the connection's write half
//   - svc: The application
//   - opts: Optional behavior
//
// Returns:
//   - A Loop in the Idle state
func NewLoop(r FrameReader, routes *registry.Registry, svc Service, opts Options) *Loop {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Loop{
		reader:  r,
		routes:  routes,
		methods: svc.Methods(),
		handle:  Chain(opts.Middlewares...)(svc.Handle),
		opts:    opts,
		log:     log.With(logger.Field{Key: "conn_id", Value: r.ID()}),
		state:   Idle,
	}
}

// State returns the current state.
func (l *Loop) State() State {
	return l.state
}

// Err returns the error that terminated the loop, or nil while it runs.
func (l *Loop) Err() error {
	return l.err
}

// Run serves frames until the loop terminates and returns the reason:
// a connection.ErrTransport error, a *frame.DecodeError, ErrApplication,
// ErrRouting, ErrInvalidReply or the context's error. Streamed replies are
// written with Drain.
func (l *Loop) Run(ctx context.Context) error {
	for {
		stream, err := l.Step(ctx)
		if err != nil {
			return err
		}

		if stream != nil {
			if err := l.Drain(ctx, stream); err != nil {
				return err
			}
		}
	}
}

// Step handles exactly one frame. For a single reply it writes the reply
// and returns (nil, nil). For a streamed reply it returns the sequence and
// leaves the loop in Streaming; the caller drains it (usually with Drain)
// before calling Step again. For an error reply, or any failure, it returns
// the terminating error.
func (l *Loop) Step(ctx context.Context) (iter.Seq[any], error) {
	switch l.state {
	case Terminated:
		return nil, ErrTerminated
	case Streaming:
		// the caller has finished with the previous stream
		l.setState(Idle)
	}

	if err := ctx.Err(); err != nil {
		return nil, l.terminate("canceled", err)
	}

	data, err := l.reader.ReadFrame()
	if errors.Is(err, connection.ErrInvalidUTF8) {
		// bytes arrived but are not text: a malformed call, not a dead transport
		l.opts.Metrics.FrameRead()
		l.setState(Decoding)
		return nil, l.decodeFailed(&frame.DecodeError{Kind: frame.DecodeMalformed, Err: err})
	}
	if err != nil {
		return nil, l.terminate("transport", err)
	}

	l.opts.Metrics.FrameRead()
	l.setState(Decoding)

	call, err := l.methods.Decode(data)
	if err != nil {
		return nil, l.decodeFailed(err)
	}

	l.opts.Metrics.Call(call.Method)
	l.setState(Handling)

	reply := l.handle(ctx, call)
	l.opts.Metrics.Reply(reply.Kind().String())

	switch reply.Kind() {
	case ReplySingle:
		l.setState(Replying)
		payload, err := frame.EncodeSingle(reply.Params())
		if err != nil {
			return nil, l.terminate("encode", err)
		}

		if err := l.write(payload); err != nil {
			return nil, l.terminateWrite(err)
		}

		l.setState(Idle)
		return nil, nil

	case ReplyMulti:
		l.setState(Streaming)
		return reply.Stream(), nil

	case ReplyError:
		l.setState(Replying)
		appErr := fmt.Errorf("%w: %s", ErrApplication, call.Method)
		payload, err := frame.EncodeError(reply.ErrorPayload())
		if err != nil {
			return nil, l.terminate("application", errors.Join(appErr, err))
		}

		appErr = fmt.Errorf("%w: %s: %s", ErrApplication, call.Method, payload)
		if err := l.write(payload); err != nil {
			return nil, l.terminate("application", errors.Join(appErr, err))
		}

		return nil, l.terminate("application", appErr)

	default:
		return nil, l.terminate("invalid_reply", fmt.Errorf("%w: %s", ErrInvalidReply, call.Method))
	}
}

// Drain writes every item of stream as its own frame, as soon as the item
// is produced, and returns the loop to Idle. Items carry "continues": true
// until one marked StreamItem{Last: true}, which is written without it and
// ends the reply. A stream that runs out without a marked item, including an
// empty one, is closed with a {} frame. An infinite stream is drained until
// a write fails or ctx ends.
func (l *Loop) Drain(ctx context.Context, stream iter.Seq[any]) error {
	if l.state == Terminated {
		return ErrTerminated
	}

	l.setState(Streaming)

	next, stop := iter.Pull(stream)
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return l.terminate("canceled", err)
		}

		item, ok := next()
		if !ok {
			if err := l.write(frame.EncodeStreamEnd()); err != nil {
				return l.terminateWrite(err)
			}

			break
		}

		value, last := ItemValue(item)
		l.log.Debug("streamed reply", logger.Field{Key: "item", Value: value}, logger.Field{Key: "last", Value: last})

		payload, err := frame.EncodeStreamItem(value, !last)
		if err != nil {
			return l.terminate("encode", err)
		}

		if err := l.write(payload); err != nil {
			return l.terminateWrite(err)
		}

		l.opts.Metrics.StreamItem()
		if last {
			break
		}
	}

	l.setState(Idle)
	return nil
}

func (l *Loop) decodeFailed(err error) error {
	var decErr *frame.DecodeError
	if !l.opts.ReplyDecodeErrors || !errors.As(err, &decErr) {
		return l.terminate("decode", err)
	}

	l.log.Warn("undecodable call", logger.Field{Key: "error", Value: err.Error()})
	l.setState(Replying)

	payload, encErr := frame.EncodeError(decErr.Payload())
	if encErr != nil {
		return l.terminate("encode", encErr)
	}

	if werr := l.write(payload); werr != nil {
		return l.terminateWrite(werr)
	}

	l.setState(Idle)
	return nil
}

func (l *Loop) write(payload []byte) error {
	w, ok := l.routes.Get(l.reader.ID())
	if !ok {
		return fmt.Errorf("%w: %d", ErrRouting, l.reader.ID())
	}

	_, err := w.WriteFrame(payload)
	return err
}

func (l *Loop) terminateWrite(err error) error {
	if errors.Is(err, ErrRouting) {
		return l.terminate("routing", err)
	}

	return l.terminate("transport", err)
}

func (l *Loop) terminate(reason string, err error) error {
	l.setState(Terminated)
	l.err = err
	l.opts.Metrics.Terminated(reason)

	if errors.Is(err, connection.ErrTransport) {
		l.log.Info("connection closed", logger.Field{Key: "reason", Value: reason}, logger.Field{Key: "error", Value: err.Error()})
	} else {
		l.log.Warn("connection terminated", logger.Field{Key: "reason", Value: reason}, logger.Field{Key: "error", Value: err.Error()})
	}

	return err
}

func (l *Loop) setState(s State) {
	if l.state == s {
		return
	}

	l.log.Debug("state change", logger.Field{Key: "from", Value: l.state.String()}, logger.Field{Key: "to", Value: s.String()})
	l.state = s
}
