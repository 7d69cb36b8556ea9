package mqttwss

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAllocatesUsableClient(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	require.NotNil(t, c)
	require.False(t, c.IsConnected())
	require.NoError(t, c.Close())
}

func TestPublishBeforeConnectFails(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Publish("a/b", []byte("x"), PublishQoS0)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestPublishRejectsEmptyTopic(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Publish("", []byte("x"), PublishQoS0)
	require.ErrorIs(t, err, ErrParam)
}

func TestSubscribeRequiresAtLeastOneFilter(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Subscribe()
	require.ErrorIs(t, err, ErrParam)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestPublishFlagBitExtraction(t *testing.T) {
	f := PublishQoS2 | PublishRetain
	require.Equal(t, QoS2, f.QoS())
	require.True(t, f.Retain())

	f2 := PublishQoS0
	require.Equal(t, QoS0, f2.QoS())
	require.False(t, f2.Retain())
}

func TestConnAckErrorMessage(t *testing.T) {
	err := &ConnAckError{Code: 5}
	require.Contains(t, err.Error(), "not authorized")
}

func TestSubmitsRejectedWhileDisconnecting(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	defer c.Close()

	c.setConnected(true)
	c.setDisconnecting(true)

	_, err = c.Publish("a/b", []byte("x"), PublishQoS0)
	require.ErrorIs(t, err, ErrDisconnecting)

	_, err = c.Subscribe(Subscription{Topic: "a/#", QoS: QoS0})
	require.ErrorIs(t, err, ErrDisconnecting)

	_, err = c.Unsubscribe("a/#")
	require.ErrorIs(t, err, ErrDisconnecting)
}
