package sse

import (
	"sync"
)

// Channel fans one topic's messages out to every live subscriber. The
// map is keyed by the read side handed to the subscriber so that
// Unsubscribe can find the matching write side to close.
type Channel[T any] struct {
	mu      sync.RWMutex
	members map[<-chan T]chan<- T
}

// NewChannel creates a new SSE channel.
func NewChannel[T any]() IChannel[T] {
	return &Channel[T]{
		members: make(map[<-chan T]chan<- T),
	}
}

// Subscribe creates a new subscription and returns its read side.
func (c *Channel[T]) Subscribe() <-chan T {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := make(chan T)
	c.members[sub] = sub
	return sub
}

// Unsubscribe removes the given subscription and closes it.
func (c *Channel[T]) Unsubscribe(sub <-chan T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sink, ok := c.members[sub]
	if !ok {
		return
	}
	delete(c.members, sub)
	close(sink)
}

// UnsubscribeAll closes every subscription and clears the list.
func (c *Channel[T]) UnsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sink := range c.members {
		close(sink)
	}
	clear(c.members)
}

// Broadcast delivers a message to every current subscriber, blocking
// until each one has taken it.
func (c *Channel[T]) Broadcast(message T) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sink := range c.members {
		sink <- message
	}
}

// IsIdle reports whether the subscriber list is empty.
func (c *Channel[T]) IsIdle() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members) == 0
}
