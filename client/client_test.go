package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-dispatch/connection"
	"github.com/cyberinferno/go-dispatch/dispatch"
	"github.com/cyberinferno/go-dispatch/frame"
	"github.com/cyberinferno/go-dispatch/registry"
	"github.com/cyberinferno/go-dispatch/wizard"
)

// serveWizard runs a dispatch loop for a fresh wizard on one end of a pipe
// and returns a client on the other end.
func serveWizard(t *testing.T) (*Client, <-chan error) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	r, w := connection.New(1, serverConn, 0).Split()
	routes := registry.New()
	routes.Register(r.ID(), w)
	loop := dispatch.NewLoop(r, routes, wizard.New("Gandalf", 100), dispatch.Options{})

	done := make(chan error, 1)
	go func() {
		err := loop.Run(context.Background())
		routes.Remove(r.ID())
		_ = w.Close()
		done <- err
	}()

	c := NewClient(clientConn, DefaultConfig("tcp", "pipe"))
	t.Cleanup(func() { _ = c.Close() })
	return c, done
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Broken", Broken.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", ConnectionState(9).String())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("unix", "/tmp/x.sock")
	assert.Equal(t, "unix", cfg.Network)
	assert.Equal(t, "/tmp/x.sock", cfg.Address)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.Zero(t, cfg.ReadTimeout)
}

func TestClient_Call(t *testing.T) {
	c, _ := serveWizard(t)
	ctx := context.Background()

	reply, err := c.Call(ctx, &frame.Call{Method: wizard.MethodGetName})
	require.NoError(t, err)
	var name wizard.NameReply
	require.NoError(t, reply.Decode(&name))
	assert.Equal(t, "Gandalf", name.Name)

	reply, err = c.Call(ctx, &frame.Call{Method: wizard.MethodSetName, Params: wizard.SetNameParams{Name: "Saruman"}})
	require.NoError(t, err)
	assert.Empty(t, reply.Parameters)

	reply, err = c.Call(ctx, &frame.Call{Method: wizard.MethodGetName})
	require.NoError(t, err)
	require.NoError(t, reply.Decode(&name))
	assert.Equal(t, "Saruman", name.Name)
}

func TestClient_Call_errorReply(t *testing.T) {
	c, done := serveWizard(t)

	reply, err := c.Call(context.Background(), &frame.Call{Method: wizard.MethodFail})
	assert.ErrorIs(t, err, ErrRemote)
	require.NotNil(t, reply)
	assert.JSONEq(t, `"NotFound"`, string(reply.Error))

	assert.ErrorIs(t, <-done, dispatch.ErrApplication)

	_, err = c.Call(context.Background(), &frame.Call{Method: wizard.MethodGetName})
	assert.Error(t, err, "the server closed the connection after the error")
	assert.Equal(t, Broken, c.State())

	_, err = c.Call(context.Background(), &frame.Call{Method: wizard.MethodGetName})
	assert.ErrorIs(t, err, ErrBroken)
}

func TestClient_Stream(t *testing.T) {
	c, _ := serveWizard(t)

	var names []string
	for reply, err := range c.Stream(context.Background(), &frame.Call{Method: wizard.MethodGetName}) {
		require.NoError(t, err)
		var name wizard.NameReply
		require.NoError(t, reply.Decode(&name))
		names = append(names, name.Name)
	}

	assert.Len(t, names, wizard.StreamLength)
	assert.Equal(t, Connected, c.State())

	reply, err := c.Call(context.Background(), &frame.Call{Method: wizard.MethodGetAge})
	require.NoError(t, err)
	var age wizard.AgeReply
	require.NoError(t, reply.Decode(&age))
	assert.EqualValues(t, 100, age.Age)
}

func TestClient_Stream_abandoned(t *testing.T) {
	c, _ := serveWizard(t)

	for _, err := range c.Stream(context.Background(), &frame.Call{Method: wizard.MethodGetName}) {
		require.NoError(t, err)
		break
	}

	assert.Equal(t, Broken, c.State())
}

func TestClient_canceledContext(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	go func() {
		// swallow the call and never answer
		buf := make([]byte, 1024)
		_, _ = serverConn.Read(buf)
	}()

	c := NewClient(clientConn, DefaultConfig("tcp", "pipe"))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, &frame.Call{Method: wizard.MethodGetName})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Broken, c.State())
}

func TestClient_Close(t *testing.T) {
	c, _ := serveWizard(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.State())

	_, err := c.Call(context.Background(), &frame.Call{Method: wizard.MethodGetName})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestDial_refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), DefaultConfig("tcp", addr))
	assert.Error(t, err)
}

// replay answers the first call on a pipe with the given frames, one write each.
func replay(t *testing.T, frames ...string) *Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = serverConn.Close() })

	go func() {
		buf := make([]byte, 1024)
		if _, err := serverConn.Read(buf); err != nil {
			return
		}
		for _, f := range frames {
			if _, err := serverConn.Write([]byte(f)); err != nil {
				return
			}
		}
	}()

	c := NewClient(clientConn, DefaultConfig("tcp", "pipe"))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_Stream_endFrame(t *testing.T) {
	t.Run("closing {} is not yielded", func(t *testing.T) {
		c := replay(t, `{"parameters":{"n":1},"continues":true}`, `{"parameters":{"n":2},"continues":true}`, `{}`)

		var got []string
		for reply, err := range c.Stream(context.Background(), &frame.Call{Method: "test.Feed"}) {
			require.NoError(t, err)
			got = append(got, string(reply.Parameters))
		}

		assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, got)
		assert.Equal(t, Connected, c.State())
	})

	t.Run("empty stream yields nothing", func(t *testing.T) {
		c := replay(t, `{}`)

		n := 0
		for range c.Stream(context.Background(), &frame.Call{Method: "test.Feed"}) {
			n++
		}

		assert.Zero(t, n)
	})
}

func TestClient_nilCall(t *testing.T) {
	c, _ := serveWizard(t)

	_, err := c.Call(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilCall)

	var streamErr error
	require.NotPanics(t, func() {
		for _, err := range c.Stream(context.Background(), nil) {
			streamErr = err
		}
	})
	assert.ErrorIs(t, streamErr, ErrNilCall)
	assert.Equal(t, Connected, c.State())
}
