package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListeners(t *testing.T) {
	t.Run("should call listeners in subscription order", func(t *testing.T) {
		var l Listeners[string]
		var got []string
		l.Subscribe(func(e string) { got = append(got, "first:"+e) })
		l.Subscribe(func(e string) { got = append(got, "second:"+e) })

		l.Emit("x")
		assert.Equal(t, []string{"first:x", "second:x"}, got)
	})

	t.Run("should stop calling an unsubscribed listener", func(t *testing.T) {
		var l Listeners[int]
		calls := 0
		id := l.Subscribe(func(int) { calls++ })

		l.Emit(1)
		assert.True(t, l.Unsubscribe(id))
		assert.False(t, l.Unsubscribe(id))
		l.Emit(2)

		assert.Equal(t, 1, calls)
		assert.Zero(t, l.Len())
	})

	t.Run("should allow unsubscribing from inside a callback", func(t *testing.T) {
		var l Listeners[int]
		var id ListenerID
		calls := 0
		id = l.Subscribe(func(int) {
			calls++
			l.Unsubscribe(id)
		})

		l.Emit(1)
		l.Emit(2)
		assert.Equal(t, 1, calls)
	})

	t.Run("should report panics and keep delivering", func(t *testing.T) {
		var l Listeners[int]
		var recovered []any
		l.OnPanic = func(_ ListenerID, r any) { recovered = append(recovered, r) }
		delivered := false
		l.Subscribe(func(int) { panic("boom") })
		l.Subscribe(func(int) { delivered = true })

		l.Emit(1)
		assert.Equal(t, []any{"boom"}, recovered)
		assert.True(t, delivered)
	})
}

func TestTracker(t *testing.T) {
	t.Run("should follow the allowed transitions", func(t *testing.T) {
		tr := NewTracker()
		var changes []StateChange
		tr.Changes.Subscribe(func(c StateChange) { changes = append(changes, c) })

		require.NoError(t, tr.Transition("A", StateLoaded, nil))
		require.NoError(t, tr.Transition("A", StateStarting, nil))
		require.NoError(t, tr.Transition("A", StateStarted, nil))

		s, ok := tr.State("A")
		assert.True(t, ok)
		assert.Equal(t, StateStarted, s)
		require.Len(t, changes, 3)
		assert.Equal(t, StateStarting, changes[2].From)
		assert.Equal(t, StateStarted, changes[2].To)
	})

	t.Run("should reject a jump that skips a state", func(t *testing.T) {
		tr := NewTracker()
		require.NoError(t, tr.Transition("A", StateLoaded, nil))
		err := tr.Transition("A", StateStarted, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("should carry the cause of an error transition", func(t *testing.T) {
		tr := NewTracker()
		cause := errors.New("port in use")
		var got error
		tr.Changes.Subscribe(func(c StateChange) { got = c.Err })

		require.NoError(t, tr.Transition("A", StateLoaded, nil))
		require.NoError(t, tr.Transition("A", StateStarting, nil))
		require.NoError(t, tr.Transition("A", StateError, cause))
		assert.Same(t, cause, got)
	})

	t.Run("should forget removed modules", func(t *testing.T) {
		tr := NewTracker()
		require.NoError(t, tr.Transition("A", StateLoaded, nil))
		tr.Remove("A")
		_, ok := tr.State("A")
		assert.False(t, ok)
		assert.Empty(t, tr.Snapshot())
	})
}

func TestState(t *testing.T) {
	assert.True(t, StateStarting.IsTransitional())
	assert.True(t, StateStopping.IsTransitional())
	assert.False(t, StateStarted.IsTransitional())
	assert.Equal(t, "unknown", State(99).String())
}
