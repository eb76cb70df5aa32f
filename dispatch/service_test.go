package dispatch

import (
	"bytes"
	"context"
	"slices"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/cyberinferno/go-dispatch/frame"
	"github.com/cyberinferno/go-dispatch/logger"
)

func TestReply_variants(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		r := Single("x")
		assert.Equal(t, ReplySingle, r.Kind())
		assert.Equal(t, "x", r.Params())
		assert.Nil(t, r.ErrorPayload())
		assert.Nil(t, r.Stream())
	})

	t.Run("error", func(t *testing.T) {
		r := Error("NotFound")
		assert.Equal(t, ReplyError, r.Kind())
		assert.Equal(t, "NotFound", r.ErrorPayload())
		assert.Nil(t, r.Params())
	})

	t.Run("multi", func(t *testing.T) {
		r := Multi(Repeat("a", 2))
		assert.Equal(t, ReplyMulti, r.Kind())
		assert.Equal(t, []any{"a", StreamItem{Value: "a", Last: true}}, slices.Collect(r.Stream()))
	})

	t.Run("multi from nil is empty", func(t *testing.T) {
		assert.Empty(t, slices.Collect(Multi(nil).Stream()))
	})

	t.Run("zero reply is invalid", func(t *testing.T) {
		assert.Equal(t, "invalid", Reply{}.Kind().String())
	})
}

func TestRepeat(t *testing.T) {
	items := slices.Collect(Repeat(1, 5))
	require.Len(t, items, 5)
	for i, item := range items {
		v, last := ItemValue(item)
		assert.Equal(t, 1, v)
		assert.Equal(t, i == 4, last, "only the final item is marked")
	}

	assert.Empty(t, slices.Collect(Repeat(1, 0)))

	n := 0
	for item := range Repeat(1, -1) {
		_, last := ItemValue(item)
		require.False(t, last)
		n++
		if n == 100 {
			break
		}
	}
	assert.Equal(t, 100, n)
}

func TestItemValue(t *testing.T) {
	v, last := ItemValue("plain")
	assert.Equal(t, "plain", v)
	assert.False(t, last)

	v, last = ItemValue(StreamItem{Value: 3, Last: true})
	assert.Equal(t, 3, v)
	assert.True(t, last)
}

func TestChain_order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *frame.Call) Reply {
				order = append(order, name+".before")
				r := next(ctx, call)
				order = append(order, name+".after")
				return r
			}
		}
	}

	h := Chain(mw("a"), mw("b"))(func(context.Context, *frame.Call) Reply {
		order = append(order, "handler")
		return Single(nil)
	})
	h(context.Background(), &frame.Call{Method: "m"})

	assert.Equal(t, []string{"a.before", "b.before", "handler", "b.after", "a.after"}, order)
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	l := logger.NewZerologLogger(zerolog.New(&buf), "test", zerolog.InfoLevel)

	h := Logging(l)(func(context.Context, *frame.Call) Reply { return Error("NotFound") })
	r := h(context.Background(), &frame.Call{Method: "test.Counter.Boom"})

	assert.Equal(t, ReplyError, r.Kind())
	assert.Contains(t, buf.String(), `"method":"test.Counter.Boom"`)
	assert.Contains(t, buf.String(), `"reply":"error"`)
}

func TestRecover(t *testing.T) {
	h := Recover(logger.NewNopLogger())(func(context.Context, *frame.Call) Reply {
		panic("wand snapped")
	})

	var r Reply
	require.NotPanics(t, func() { r = h(context.Background(), &frame.Call{Method: "m"}) })
	assert.Equal(t, ReplyError, r.Kind())
	assert.Equal(t, InternalErrorPayload, r.ErrorPayload())
}

func TestRateLimit(t *testing.T) {
	handled := 0
	next := func(context.Context, *frame.Call) Reply {
		handled++
		return Single(nil)
	}

	t.Run("passes calls within the limit", func(t *testing.T) {
		h := RateLimit(rate.NewLimiter(rate.Inf, 1))(next)
		for i := 0; i < 3; i++ {
			assert.Equal(t, ReplySingle, h(context.Background(), &frame.Call{Method: "m"}).Kind())
		}
		assert.Equal(t, 3, handled)
	})

	t.Run("rejects when waiting is impossible", func(t *testing.T) {
		handled = 0
		h := RateLimit(rate.NewLimiter(1, 1))(next)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		r := h(ctx, &frame.Call{Method: "m"})
		assert.Equal(t, ReplyError, r.Kind())
		assert.Equal(t, RateLimitedPayload, r.ErrorPayload())
		assert.Zero(t, handled)
	})
}
