package mqttwss

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultResolverParsesLiteralAddress(t *testing.T) {
	r := defaultResolver{}
	addr, err := r.ResolveHost(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	require.True(t, addr.Is4())
	require.Equal(t, "127.0.0.1", addr.String())
}

func TestDefaultResolverParsesLiteralIPv6Address(t *testing.T) {
	r := defaultResolver{}
	addr, err := r.ResolveHost(context.Background(), "::1")
	require.NoError(t, err)
	require.True(t, addr.Is6())
}
