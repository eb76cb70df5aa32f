// Package client is a blocking client for a dispatch server. It sends one
// call frame at a time and reads the reply, or every frame of a streamed
// reply, before the next call may be sent.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/go-dispatch/frame"
	"github.com/cyberinferno/go-dispatch/logger"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("client: closed")

	// ErrBroken is returned after a read or write failed. The connection is
	// out of step with the server and must be closed.
	ErrBroken = errors.New("client: connection broken")

	// ErrNilCall is returned when Call or Stream is given a nil call.
	ErrNilCall = errors.New("client: nil call")

	// ErrRemote is returned by Call when the server answered with an error
	// frame. The frame is returned alongside it.
	ErrRemote = errors.New("client: error reply")
)

// ConnectionState represents the current state of the client's connection.
type ConnectionState int

const (
	Connected ConnectionState = iota // Dialed and usable
	Broken                           // A read or write failed; the server has likely closed the connection
	Closed                           // Close was called
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Connected:
		return "Connected"
	case Broken:
		return "Broken"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Config holds configuration for the client.
type Config struct {
	// Network is "tcp" or "unix".
	Network string
	// Address is "host:port" for tcp or a socket path for unix.
	Address string
	// WriteTimeout is the max duration for writing one call; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadTimeout is the max duration to wait for one reply frame; 0 means no timeout.
	ReadTimeout time.Duration
	// ConnectionTimeout is the max duration for establishing the connection.
	ConnectionTimeout time.Duration
	// Logger receives debug output for every frame; nil disables logging.
	Logger logger.Logger
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - network: "tcp" or "unix"
//   - address: Where the server listens
//
// Returns:
//   - A Config with defaults: WriteTimeout 10s, ConnectionTimeout 10s, ReadTimeout 0.
func DefaultConfig(network, address string) Config {
	return Config{
		Network:           network,
		Address:           address,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       0,
		ConnectionTimeout: 10 * time.Second,
	}
}

// Client talks to a dispatch server over one connection. Calls are
// serialized; a Client is safe for concurrent use but never pipelines.
type Client struct {
	config Config
	conn   net.Conn
	dec    *json.Decoder
	log    logger.Logger

	mu    sync.Mutex
	state ConnectionState
}

// Dial connects to the server described by cfg.
//
// Parameters:
//   - ctx: Bounds the dial
//   - cfg: Connection settings (e.g. from DefaultConfig)
//
// Returns:
//   - A connected *Client; call Close when done
//   - An error if the dial fails
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}

	dialer := net.Dialer{Timeout: cfg.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, cfg.Network, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s %s: %w", cfg.Network, cfg.Address, err)
	}

	return NewClient(conn, cfg), nil
}

// NewClient wraps an established connection. Network, Address and
// ConnectionTimeout in cfg are ignored.
func NewClient(conn net.Conn, cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Client{
		config: cfg,
		conn:   conn,
		// the server writes each reply frame as one JSON object; the decoder
		// splits them even when several arrive in one segment
		dec:   json.NewDecoder(conn),
		log:   log,
		state: Connected,
	}
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Call sends call and reads exactly one reply frame.
//
// Parameters:
//   - ctx: Cancelling it aborts the exchange and breaks the connection
//   - call: The call to send; call.More should be false
//
// Returns:
//   - The reply frame; for an error reply it is returned together with ErrRemote
//   - An error if the exchange failed
func (c *Client) Call(ctx context.Context, call *frame.Call) (*frame.ReplyFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(ctx, call); err != nil {
		return nil, err
	}

	reply, err := c.receive(ctx)
	if err != nil {
		return nil, err
	}

	if reply.IsError() {
		return reply, fmt.Errorf("%w: %s", ErrRemote, reply.Error)
	}

	return reply, nil
}

// Stream sends call with More set and yields reply frames until one arrives
// without "continues". A bare {} closing the stream is not yielded, so an
// empty stream yields nothing. An error frame is yielded with ErrRemote and
// ends the sequence. Breaking out of the loop early leaves unread frames on the
// connection, so the client is marked Broken. The client stays locked while
// the sequence runs; do not call other methods from inside the loop.
func (c *Client) Stream(ctx context.Context, call *frame.Call) iter.Seq2[*frame.ReplyFrame, error] {
	return func(yield func(*frame.ReplyFrame, error) bool) {
		if call == nil {
			yield(nil, ErrNilCall)
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		sent := *call
		sent.More = true
		if err := c.send(ctx, &sent); err != nil {
			yield(nil, err)
			return
		}

		for {
			reply, err := c.receive(ctx)
			if err != nil {
				yield(nil, err)
				return
			}

			if reply.IsError() {
				yield(reply, fmt.Errorf("%w: %s", ErrRemote, reply.Error))
				return
			}

			if reply.IsEnd() {
				return
			}

			if !yield(reply, nil) {
				if reply.Continues {
					c.breakLocked(errors.New("stream abandoned"))
				}
				return
			}

			if !reply.Continues {
				return
			}
		}
	}
}

// Close closes the connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		return nil
	}

	c.state = Closed
	return c.conn.Close()
}

func (c *Client) send(ctx context.Context, call *frame.Call) error {
	if call == nil {
		return ErrNilCall
	}

	if err := c.usable(); err != nil {
		return err
	}

	data, err := frame.EncodeCall(call)
	if err != nil {
		return err
	}

	if c.config.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return c.breakLocked(err)
		}

		defer func() {
			_ = c.conn.SetWriteDeadline(time.Time{})
		}()
	}

	stop := c.watch(ctx)
	defer stop()

	c.log.Debug("sending call", logger.Field{Key: "frame", Value: string(data)})
	if _, err := c.conn.Write(data); err != nil {
		return c.breakLocked(ctxErr(ctx, err))
	}

	return nil
}

func (c *Client) receive(ctx context.Context) (*frame.ReplyFrame, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}

	if c.config.ReadTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
			return nil, c.breakLocked(err)
		}
	} else {
		if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, c.breakLocked(err)
		}
	}

	stop := c.watch(ctx)
	defer stop()

	var raw json.RawMessage
	if err := c.dec.Decode(&raw); err != nil {
		return nil, c.breakLocked(ctxErr(ctx, err))
	}

	c.log.Debug("received reply", logger.Field{Key: "frame", Value: string(raw)})

	reply, err := frame.DecodeReply(raw)
	if err != nil {
		return nil, c.breakLocked(err)
	}

	return reply, nil
}

// watch interrupts blocked I/O when ctx ends.
func (c *Client) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
}

func (c *Client) usable() error {
	switch c.state {
	case Closed:
		return ErrClosed
	case Broken:
		return ErrBroken
	default:
		return nil
	}
}

func (c *Client) breakLocked(err error) error {
	if c.state == Connected {
		c.state = Broken
		c.log.Debug("connection broken", logger.Field{Key: "error", Value: err.Error()})
	}

	return fmt.Errorf("client: %w", err)
}

func ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(ctxErr, err)
	}

	return err
}
