package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/renable/distq/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegister(t *testing.T) {
	noop := HandlerFunc(func(ctx context.Context, args Args) error { return nil })

	t.Run("registers with metadata", func(t *testing.T) {
		r := NewRegistry()
		err := r.Register("billing.Recalculate", noop,
			WithDurability(contracts.DurabilityJournal),
			WithDelaySpec("random"),
		)
		require.NoError(t, err)

		reg, err := r.Lookup("billing.Recalculate")
		require.NoError(t, err)
		assert.Equal(t, contracts.DurabilityJournal, reg.Durability)
		assert.Equal(t, "random", reg.DelaySpec)
	})

	t.Run("durability defaults to transient", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("svc.Do", noop))

		reg, err := r.Lookup("svc.Do")
		require.NoError(t, err)
		assert.Equal(t, contracts.DurabilityTransient, reg.Durability)
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("svc.Do", noop))
		assert.Error(t, r.Register("svc.Do", noop))
	})

	t.Run("rejects empty id and nil handler", func(t *testing.T) {
		r := NewRegistry()
		assert.Error(t, r.Register("", noop))
		assert.Error(t, r.Register("svc.Do", nil))
		assert.Error(t, r.Register("svc.Do", noop, WithDurability("SOMETIMES")))
	})

	t.Run("lookup of unknown handler", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Lookup("ghost.Do")

		var notFound *contracts.HandlerNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "ghost.Do", notFound.HandlerID)
	})
}

func TestRegistryInvoke(t *testing.T) {
	t.Run("decodes the ordered argument list", func(t *testing.T) {
		r := NewRegistry()
		var gotName string
		var gotCount int
		require.NoError(t, r.RegisterFunc("svc.Do", func(ctx context.Context, args Args) error {
			if err := args.Decode(0, &gotName); err != nil {
				return err
			}
			return args.Decode(1, &gotCount)
		}))

		err := r.Invoke(context.Background(), "svc.Do", json.RawMessage(`["widget", 3]`))
		require.NoError(t, err)
		assert.Equal(t, "widget", gotName)
		assert.Equal(t, 3, gotCount)
	})

	t.Run("empty payload invokes with no arguments", func(t *testing.T) {
		r := NewRegistry()
		called := false
		require.NoError(t, r.RegisterFunc("svc.Tick", func(ctx context.Context, args Args) error {
			called = true
			assert.Empty(t, args)
			return nil
		}))

		require.NoError(t, r.Invoke(context.Background(), "svc.Tick", nil))
		assert.True(t, called)
	})

	t.Run("malformed payload is an invocation error", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.RegisterFunc("svc.Do", func(ctx context.Context, args Args) error { return nil }))

		err := r.Invoke(context.Background(), "svc.Do", json.RawMessage(`{not json`))
		var invErr *contracts.InvocationError
		assert.ErrorAs(t, err, &invErr)
	})

	t.Run("retry signal passes through untouched", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.RegisterFunc("svc.Do", func(ctx context.Context, args Args) error {
			return contracts.Retry("row locked")
		}))

		err := r.Invoke(context.Background(), "svc.Do", json.RawMessage(`[]`))
		assert.True(t, contracts.IsRetrySignal(err))

		var invErr *contracts.InvocationError
		assert.False(t, errors.As(err, &invErr))
	})

	t.Run("handler errors are wrapped as invocation errors", func(t *testing.T) {
		r := NewRegistry()
		cause := errors.New("boom")
		require.NoError(t, r.RegisterFunc("svc.Do", func(ctx context.Context, args Args) error {
			return cause
		}))

		err := r.Invoke(context.Background(), "svc.Do", json.RawMessage(`[]`))
		var invErr *contracts.InvocationError
		require.ErrorAs(t, err, &invErr)
		assert.ErrorIs(t, err, cause)
	})
}

func TestRegistryMiddleware(t *testing.T) {
	t.Run("invokes through the outermost wrapper", func(t *testing.T) {
		var order []string
		mw := func(name string) Middleware {
			return func(next Handler) Handler {
				return HandlerFunc(func(ctx context.Context, args Args) error {
					order = append(order, name)
					return next.Execute(ctx, args)
				})
			}
		}

		r := NewRegistry(WithHandlerMiddleware(mw("outer"), mw("inner")))
		require.NoError(t, r.RegisterFunc("svc.Do", func(ctx context.Context, args Args) error {
			order = append(order, "handler")
			return nil
		}))

		require.NoError(t, r.Invoke(context.Background(), "svc.Do", json.RawMessage(`[]`)))
		assert.Equal(t, []string{"outer", "inner", "handler"}, order)
	})
}

func TestArgsDecode(t *testing.T) {
	args := Args{json.RawMessage(`"x"`), json.RawMessage(`7`)}

	var s string
	require.NoError(t, args.Decode(0, &s))
	assert.Equal(t, "x", s)

	var n int
	require.NoError(t, args.Decode(1, &n))
	assert.Equal(t, 7, n)

	assert.Error(t, args.Decode(2, &n))
	assert.Error(t, args.Decode(-1, &n))
	assert.Error(t, args.Decode(0, &n))
}
