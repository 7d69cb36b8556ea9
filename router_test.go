package mqttwss

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopicMatchesExact(t *testing.T) {
	require.True(t, topicMatches("a/b/c", "a/b/c"))
	require.False(t, topicMatches("a/b/c", "a/b/d"))
}

func TestTopicMatchesSingleLevelWildcard(t *testing.T) {
	require.True(t, topicMatches("a/+/c", "a/b/c"))
	require.False(t, topicMatches("a/+/c", "a/b/c/d"))
}

func TestTopicMatchesMultiLevelWildcard(t *testing.T) {
	require.True(t, topicMatches("a/#", "a/b/c/d"))
	require.True(t, topicMatches("a/#", "a"))
	require.False(t, topicMatches("a/#", "b/c"))
}

func TestRouterDispatchesToMatchingHandlers(t *testing.T) {
	r := NewRouter()
	var got []string
	r.Handle("sensors/+/temp", func(m Message) { got = append(got, "temp:"+m.Topic) })
	r.Handle("sensors/#", func(m Message) { got = append(got, "all:"+m.Topic) })

	r.Dispatch(Message{Topic: "sensors/room1/temp"})

	require.ElementsMatch(t, []string{"temp:sensors/room1/temp", "all:sensors/room1/temp"}, got)
}

func TestRouterSkipsNonMatchingFilters(t *testing.T) {
	r := NewRouter()
	called := false
	r.Handle("sensors/+/humidity", func(m Message) { called = true })

	r.Dispatch(Message{Topic: "sensors/room1/temp"})
	require.False(t, called)
}
