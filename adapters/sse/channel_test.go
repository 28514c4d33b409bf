package sse

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_SubscribeBroadcast(t *testing.T) {
	c := NewChannel[string]()

	sub1 := c.Subscribe()
	sub2 := c.Subscribe()
	assert.False(t, c.IsIdle())

	var wg sync.WaitGroup
	got := make([]string, 2)
	for i, sub := range []<-chan string{sub1, sub2} {
		wg.Add(1)
		go func(i int, sub <-chan string) {
			defer wg.Done()
			got[i] = <-sub
		}(i, sub)
	}

	c.Broadcast("new bid")
	wg.Wait()

	assert.Equal(t, []string{"new bid", "new bid"}, got)
}

func TestChannel_Unsubscribe(t *testing.T) {
	c := NewChannel[int]()

	sub := c.Subscribe()
	c.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
	assert.True(t, c.IsIdle())

	// Unsubscribing an unknown channel must not panic.
	c.Unsubscribe(make(chan int))
}

func TestChannel_UnsubscribeAll(t *testing.T) {
	c := NewChannel[int]()

	subs := []<-chan int{c.Subscribe(), c.Subscribe(), c.Subscribe()}
	c.UnsubscribeAll()

	for _, sub := range subs {
		select {
		case _, open := <-sub:
			assert.False(t, open)
		case <-time.After(time.Second):
			t.Fatal("subscription was not closed")
		}
	}
	require.True(t, c.IsIdle())
}
