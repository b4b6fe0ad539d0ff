package callback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := newCircuitBreaker(3, 1, 50*time.Millisecond)
	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		require.Error(t, cb.Execute(context.Background(), failing))
	}
	require.Equal(t, circuitOpen, cb.state)

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		t.Fatal("fn must not run while circuit is open")
		return nil
	})
	require.ErrorIs(t, err, errCircuitOpen)
}

func TestCircuitBreakerHalfOpenRecoversOnSuccess(t *testing.T) {
	cb := newCircuitBreaker(1, 1, 10*time.Millisecond)
	require.Error(t, cb.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	}))
	require.Equal(t, circuitOpen, cb.state)

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, cb.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	}))
	require.Equal(t, circuitClosed, cb.state)
}

func TestCircuitBreakerHalfOpenReopensOnFailure(t *testing.T) {
	cb := newCircuitBreaker(1, 2, 10*time.Millisecond)
	require.Error(t, cb.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	}))
	time.Sleep(20 * time.Millisecond)

	require.Error(t, cb.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("still broken")
	}))
	require.Equal(t, circuitOpen, cb.state)
}

func TestCircuitBreakerRegistryIsolatesByHost(t *testing.T) {
	reg := newCircuitBreakerRegistry()
	a := reg.get("a.example.com")
	b := reg.get("b.example.com")
	require.NotSame(t, a, b)
	require.Same(t, a, reg.get("a.example.com"))
}
