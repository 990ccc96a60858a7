package ccs

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/ccsctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopHandler() Handler {
	return HandlerFunc(func(ctx context.Context, msg Message) error { return nil })
}

func TestRegisterRejectsDuplicatesAndBadInput(t *testing.T) {
	testlog.Start(t)
	r := NewRouter()
	require.NoError(t, r.Register("ECHO", nopHandler()))

	assert.ErrorIs(t, r.Register("ECHO", nopHandler()), ErrActionExists)
	assert.ErrorIs(t, r.Register("", nopHandler()), ErrInvalidAction)
	assert.ErrorIs(t, r.Register("  ", nopHandler()), ErrInvalidAction)
	assert.ErrorIs(t, r.Register(" ECHO", nopHandler()), ErrInvalidAction)
	assert.ErrorIs(t, r.Register("REGISTER", nil), ErrHandlerNil)

	require.NoError(t, r.Register("REGISTER", nopHandler()))
	assert.Equal(t, []string{"ECHO", "REGISTER"}, r.Actions())
}

func TestDispatch(t *testing.T) {
	testlog.Start(t)
	r := NewRouter()
	handlerErr := errors.New("handler failed")
	var got Message
	require.NoError(t, r.Register("OK", HandlerFunc(func(ctx context.Context, msg Message) error {
		got = msg
		return nil
	})))
	require.NoError(t, r.Register("FAIL", HandlerFunc(func(ctx context.Context, msg Message) error {
		return handlerErr
	})))

	msg := Message{From: "dev1", MessageID: "up-1", Payload: map[string]string{"action": "OK", "k": "v"}}
	require.NoError(t, r.Dispatch(context.Background(), msg))
	assert.Equal(t, msg, got)

	assert.NoError(t, r.Dispatch(context.Background(), Message{From: "dev1", MessageID: "up-2"}))

	err := r.Dispatch(context.Background(), Message{Payload: map[string]string{"action": "FAIL"}})
	assert.True(t, err == handlerErr, "handler error must come back unchanged, got %v", err)

	err = r.Dispatch(context.Background(), Message{Payload: map[string]string{"action": "UNKNOWN_ACTION"}})
	var unknown *UnknownActionError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "UNKNOWN_ACTION", unknown.Action)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestProcessClassifiesFailures(t *testing.T) {
	testlog.Start(t)
	r := NewRouter()
	cause := errors.New("disk full")
	require.NoError(t, r.Register("FAIL", HandlerFunc(func(ctx context.Context, msg Message) error { return cause })))
	require.NoError(t, r.Register("PANIC", HandlerFunc(func(ctx context.Context, msg Message) error { panic("boom") })))

	err := process(context.Background(), r, Message{MessageID: "1", Payload: map[string]string{"action": "FAIL"}})
	var hErr *HandlerError
	require.True(t, errors.As(err, &hErr))
	assert.Equal(t, "FAIL", hErr.Action)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ReceiptNack, outcome(err))

	err = process(context.Background(), r, Message{MessageID: "2", Payload: map[string]string{"action": "PANIC"}})
	assert.ErrorIs(t, err, ErrHandlerPanic)

	err = process(context.Background(), r, Message{MessageID: "3", Payload: map[string]string{"action": "NOPE"}})
	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.False(t, errors.As(err, &hErr))

	assert.Equal(t, ReceiptAck, outcome(process(context.Background(), r, Message{MessageID: "4"})))
}
