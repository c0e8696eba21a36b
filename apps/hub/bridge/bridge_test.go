package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

func TestOnce(t *testing.T) {
	calls := 0
	unsub := Once(func() { calls++ })

	unsub()
	unsub()
	unsub()

	assert.Equal(t, 1, calls)
}

func TestFromWire(t *testing.T) {
	tests := []struct {
		code     int
		sentinel error
	}{
		{protocol.WSErrCodeBadRequest, ErrValidation},
		{protocol.WSErrCodeNotFound, ErrUnknownCommand},
		{protocol.WSErrCodeNotImplemented, ErrUnknownCommand},
		{protocol.WSErrCodeCancelled, ErrCancelled},
		{protocol.WSErrCodeInternal, ErrHost},
		{418, ErrHost},
	}

	for _, tt := range tests {
		t.Run(tt.sentinel.Error(), func(t *testing.T) {
			err := FromWire("update_settings", &protocol.WSError{Code: tt.code, Message: "nope"})
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Contains(t, err.Error(), "update_settings")
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestError_UnwrapsCause(t *testing.T) {
	err := Unreachable("get_settings", context.DeadlineExceeded)

	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrCancelled)

	var berr *Error
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, KindUnreachable, berr.Kind)
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(FromWire("select_directory", &protocol.WSError{Code: 499})))
	assert.False(t, IsCancelled(Malformed("select_directory", errors.New("bad json"))))
	assert.False(t, IsCancelled(nil))
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("one handle per view, released once", func(t *testing.T) {
		r := NewRegistry(nil)
		acquired, released := 0, 0
		acquire := func(context.Context) (Unsubscribe, error) {
			acquired++
			return func() { released++ }, nil
		}

		ok, err := r.Acquire(ctx, "games", acquire)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = r.Acquire(ctx, "games", acquire)
		require.NoError(t, err)
		assert.False(t, ok, "second acquire for the same view must not subscribe again")
		assert.Equal(t, 1, acquired)

		assert.True(t, r.Release("games"))
		assert.False(t, r.Release("games"))
		assert.Equal(t, 1, released)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("acquire failure keeps nothing", func(t *testing.T) {
		r := NewRegistry(nil)
		boom := errors.New("boom")
		_, err := r.Acquire(ctx, "games", func(context.Context) (Unsubscribe, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
		assert.False(t, r.Held("games"))
	})

	t.Run("release while acquiring drops the handle", func(t *testing.T) {
		r := NewRegistry(nil)
		entered := make(chan struct{})
		proceed := make(chan struct{})
		released := make(chan struct{}, 1)
		done := make(chan bool, 1)

		go func() {
			ok, err := r.Acquire(ctx, "games", func(context.Context) (Unsubscribe, error) {
				close(entered)
				<-proceed
				return func() { released <- struct{}{} }, nil
			})
			assert.NoError(t, err)
			done <- ok
		}()

		<-entered
		assert.True(t, r.Release("games"), "release of a view being acquired must take effect")
		close(proceed)

		assert.False(t, <-done)
		select {
		case <-released:
		default:
			t.Fatal("handle acquired after release was not released")
		}
		assert.False(t, r.Held("games"))
		assert.Equal(t, 0, r.Len())
	})

	t.Run("remount while acquiring keeps the handle", func(t *testing.T) {
		r := NewRegistry(nil)
		entered := make(chan struct{})
		proceed := make(chan struct{})
		released := 0
		done := make(chan bool, 1)

		go func() {
			ok, err := r.Acquire(ctx, "games", func(context.Context) (Unsubscribe, error) {
				close(entered)
				<-proceed
				return func() { released++ }, nil
			})
			assert.NoError(t, err)
			done <- ok
		}()

		<-entered
		r.Release("games")
		ok, err := r.Acquire(ctx, "games", func(context.Context) (Unsubscribe, error) {
			t.Error("second acquire must join the pending one")
			return func() {}, nil
		})
		require.NoError(t, err)
		assert.False(t, ok)
		close(proceed)

		assert.True(t, <-done)
		assert.True(t, r.Held("games"))
		assert.Equal(t, 0, released)
	})

	t.Run("close releases everything and rejects new views", func(t *testing.T) {
		r := NewRegistry(nil)
		released := 0
		for _, view := range []string{"a", "b"} {
			_, err := r.Acquire(ctx, view, func(context.Context) (Unsubscribe, error) {
				return func() { released++ }, nil
			})
			require.NoError(t, err)
		}

		r.Close()
		r.Close()
		assert.Equal(t, 2, released)

		_, err := r.Acquire(ctx, "c", func(context.Context) (Unsubscribe, error) { return func() {}, nil })
		assert.ErrorIs(t, err, ErrRegistryClosed)
	})
}
