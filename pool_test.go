package mqttwss

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPoolRejectsZeroSize(t *testing.T) {
	_, err := NewPool(context.Background(), "broker.example.com", 8884, WithPoolSize(0))
	require.ErrorIs(t, err, ErrParam)
}

func TestNewPoolFailsFastOnUnreachableBroker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already-cancelled context makes Connect fail immediately

	_, err := NewPool(ctx, "127.0.0.1", 1, WithPoolSize(2))
	require.Error(t, err)
}
