package reactor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-aio/api"
)

func recoverError(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err, _ = r.(error)
			if err == nil {
				err = errors.New("non-error panic")
			}
		}
	}()
	fn()
	return nil
}

func TestOperationCompleteOnce(t *testing.T) {
	var calls int
	var gotErr error
	var gotBytes int
	op := NewOperation(api.OpRead, func(err error, n int) {
		calls++
		gotErr, gotBytes = err, n
	})
	assert.Equal(t, api.OpRead, op.Kind())
	assert.False(t, op.Ready())

	op.markReady()
	assert.True(t, op.Ready())

	boom := errors.New("boom")
	op.invoke(boom, 12)
	assert.True(t, op.Done())
	assert.Equal(t, 1, calls)
	assert.Equal(t, boom, gotErr)
	assert.Equal(t, 12, gotBytes)

	err := recoverError(func() { op.invoke(nil, 0) })
	require.ErrorIs(t, err, api.ErrDoubleCompletion)
	assert.Equal(t, 1, calls)
}

func TestOperationDestroySkipsHandler(t *testing.T) {
	var completed, released int
	op := NewOperation(api.OpTimer, func(error, int) { completed++ }).
		OnDestroy(func() { released++ })

	op.destroy()
	assert.Zero(t, completed)
	assert.Equal(t, 1, released)

	require.ErrorIs(t, recoverError(op.destroy), api.ErrDoubleCompletion)
	require.ErrorIs(t, recoverError(func() { op.invoke(nil, 0) }), api.ErrDoubleCompletion)
	assert.Equal(t, 1, released)
}

func TestOperationSubmitTwicePanics(t *testing.T) {
	op := NewOperation(api.OpPost, func(error, int) {})
	op.markReady()
	require.ErrorIs(t, recoverError(op.markReady), api.ErrDoubleSubmission)
}

func TestOperationKindString(t *testing.T) {
	assert.Equal(t, "resolve", api.OpResolve.String())
	assert.Equal(t, "unknown", api.OpKind(200).String())
}
