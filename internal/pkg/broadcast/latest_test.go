package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriberSeesLatestOnly(t *testing.T) {
	l := NewLatest[int]()
	ch, unsubscribe := l.Subscribe()
	defer unsubscribe()

	l.Publish(1)
	l.Publish(2)
	l.Publish(3)

	assert.Equal(t, 3, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra value %d", v)
	default:
	}
}

func TestLateSubscriberIsPrimed(t *testing.T) {
	l := NewLatest[string]()
	l.Publish("ready")

	ch, unsubscribe := l.Subscribe()
	assert.Equal(t, "ready", <-ch)

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, l.Len())
}

func TestCloseEndsAllSubscriptions(t *testing.T) {
	l := NewLatest[int]()
	a, unsubA := l.Subscribe()
	b, _ := l.Subscribe()
	require.Equal(t, 2, l.Len())

	l.Close()
	unsubA()

	_, openA := <-a
	_, openB := <-b
	assert.False(t, openA)
	assert.False(t, openB)
}
