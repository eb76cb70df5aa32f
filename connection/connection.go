// Package connection wraps a byte-stream transport with the frame-at-a-time
// read and write operations of the dispatch protocol.
package connection

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"
)

// DefaultBufferSize is the receive buffer capacity used when none is given.
// A frame larger than the buffer is truncated by the single read and will
// fail to decode.
const DefaultBufferSize = 1024

var (
	// ErrTransport wraps every failure reported by the underlying transport,
	// including end of stream.
	ErrTransport = errors.New("connection: transport failure")

	// ErrInvalidUTF8 is returned when a frame is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("connection: frame is not valid UTF-8")
)

// transport is shared by a Connection and both of its halves so that the
// underlying stream is closed exactly once.
type transport struct {
	rwc       io.ReadWriteCloser
	closeOnce sync.Once
	closeErr  error
}

func (t *transport) close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.rwc.Close()
	})

	return t.closeErr
}

// Connection is one client session: an identifier, a fixed-capacity receive
// buffer and the transport. It is not safe for concurrent use; call Split
// to hand the write side to another goroutine.
type Connection struct {
	id  uint64
	buf []byte
	t   *transport
}

// New wraps rwc. bufferSize <= 0 selects DefaultBufferSize.
//
// Parameters:
//   - id: The identifier assigned at accept time
//   - rwc: The transport
//   - bufferSize: Receive buffer capacity in bytes
//
// Returns:
//   - The Connection
func New(id uint64, rwc io.ReadWriteCloser, bufferSize int) *Connection {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	return &Connection{
		id:  id,
		buf: make([]byte, bufferSize),
		t:   &transport{rwc: rwc},
	}
}

// ID returns the identifier assigned at accept time.
func (c *Connection) ID() uint64 {
	return c.id
}

// ReadFrame performs exactly one read and returns the bytes received. The
// returned slice aliases the receive buffer and is overwritten by the next
// ReadFrame; decode or copy it before reading again.
func (c *Connection) ReadFrame() ([]byte, error) {
	return readFrame(c.t.rwc, c.buf)
}

// WriteFrame writes p in full and returns the number of bytes written.
func (c *Connection) WriteFrame(p []byte) (int, error) {
	return writeFrame(c.t.rwc, p)
}

// Close closes the transport. Safe to call more than once.
func (c *Connection) Close() error {
	return c.t.close()
}

// Split separates c into a read half keeping the receive buffer and a write
// half that may be used from other goroutines. Both carry c's identifier and
// share the transport; c itself should not be used afterwards.
func (c *Connection) Split() (*ReadHalf, *WriteHalf) {
	return &ReadHalf{id: c.id, buf: c.buf, t: c.t}, &WriteHalf{id: c.id, t: c.t}
}

// ReadHalf is the receive side of a split Connection.
type ReadHalf struct {
	id  uint64
	buf []byte
	t   *transport
}

// ID returns the connection identifier.
func (r *ReadHalf) ID() uint64 {
	return r.id
}

// ReadFrame behaves like Connection.ReadFrame.
func (r *ReadHalf) ReadFrame() ([]byte, error) {
	return readFrame(r.t.rwc, r.buf)
}

// Close closes the shared transport.
func (r *ReadHalf) Close() error {
	return r.t.close()
}

// WriteHalf is the send side of a split Connection. Concurrent WriteFrame
// calls are serialized so frames never interleave.
type WriteHalf struct {
	id uint64
	mu sync.Mutex
	t  *transport
}

// ID returns the connection identifier.
func (w *WriteHalf) ID() uint64 {
	return w.id
}

// WriteFrame behaves like Connection.WriteFrame.
func (w *WriteHalf) WriteFrame(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return writeFrame(w.t.rwc, p)
}

// Close closes the shared transport.
func (w *WriteHalf) Close() error {
	return w.t.close()
}

func readFrame(r io.Reader, buf []byte) ([]byte, error) {
	n, err := r.Read(buf)
	if n == 0 {
		if err == nil {
			err = io.ErrNoProgress
		}

		return nil, fmt.Errorf("%w: read: %w", ErrTransport, err)
	}

	// A short read that also reports an error still delivered a frame;
	// the error resurfaces on the next read.
	frame := buf[:n]
	if !utf8.Valid(frame) {
		return nil, ErrInvalidUTF8
	}

	return frame, nil
}

func writeFrame(w io.Writer, p []byte) (int, error) {
	n, err := w.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: write: %w", ErrTransport, err)
	}

	if n < len(p) {
		return n, fmt.Errorf("%w: write: %w", ErrTransport, io.ErrShortWrite)
	}

	return n, nil
}
