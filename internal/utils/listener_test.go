package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroadcasterFansOut(t *testing.T) {
	b := NewBroadcaster[int]()
	defer b.Close()

	first := b.Subscribe(10)
	second := b.Subscribe(10)

	b.Publish(42)
	require.Equal(t, 42, <-first)
	require.Equal(t, 42, <-second)
}

func TestBroadcasterDropsStalledSubscribers(t *testing.T) {
	b := NewBroadcaster[int]()
	defer b.Close()

	stalled := b.Subscribe(1)
	b.Publish(1)
	dropped := b.Publish(2)
	require.Equal(t, 1, dropped)

	// The stalled channel is eventually closed after draining its
	// buffered value.
	require.Equal(t, 1, <-stalled)
	require.Eventually(t, func() bool {
		select {
		case _, open := <-stalled:
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcasterUnsubscribeCloses(t *testing.T) {
	b := NewBroadcaster[string]()
	defer b.Close()

	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	_, open := <-ch
	require.False(t, open)
}

func TestBroadcasterSubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster[int]()
	b.Close()

	ch := b.Subscribe(1)
	_, open := <-ch
	require.False(t, open)
}
