package sse

// PublishRequest is one message addressed to a named channel.
type PublishRequest[T any] struct {
	Channel string `json:"channel"`
	Message T      `json:"message"`
}

// Subscriber is the upstream source of channel-addressed messages,
// typically a redis stream consumer.
type Subscriber[T any] interface {
	Subscribe() <-chan PublishRequest[T]
}

// IChannel manages the subscribers of one topic.
type IChannel[T any] interface {
	// Subscribe registers a new subscription and returns its receive channel.
	Subscribe() <-chan T
	// Unsubscribe removes and closes the given subscription.
	Unsubscribe(ch <-chan T)
	// UnsubscribeAll closes every subscription.
	UnsubscribeAll()
	// Broadcast delivers a message to every subscriber.
	Broadcast(message T)
	// IsIdle reports whether no subscribers remain.
	IsIdle() bool
}

// IConnectionManager fans upstream messages out to per-channel SSE
// subscribers.
type IConnectionManager[T any] interface {
	// Start begins receiving and broadcasting. Call before anything else.
	Start()
	// Done stops the manager and releases all subscriptions.
	Done()
	// Subscribe registers a subscription on the named channel.
	Subscribe(channelName string) (<-chan T, error)
	// Unsubscribe cancels a subscription on the named channel.
	Unsubscribe(channelName string, ch <-chan T)
}
