package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("agent down")

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 2, Timeout: time.Minute})
	ctx := context.Background()

	for range 2 {
		require.ErrorIs(t, b.Execute(ctx, func() error { return errDown }), errDown)
	}

	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	now := time.Now()
	var transitions []State

	b := New(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		OnStateChange:    func(_, to State) { transitions = append(transitions, to) },
	})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Execute(ctx, func() error { return errDown })
	require.Equal(t, StateOpen, b.State())

	now = now.Add(2 * time.Second)
	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestBreaker_IgnoresNonFailures(t *testing.T) {
	notCounted := errors.New("selector not found")
	b := New(Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return errors.Is(err, errDown) },
	})

	_ = b.Execute(context.Background(), func() error { return notCounted })
	assert.Equal(t, StateClosed, b.State())
}
