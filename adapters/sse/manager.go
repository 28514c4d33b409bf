package sse

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// connectionManager routes messages from an upstream subscriber (a redis
// stream shared by all service instances) to per-channel SSE subscribers.
type connectionManager[T any] struct {
	logger *slog.Logger

	mu     sync.RWMutex
	wg     sync.WaitGroup
	active bool

	subscriber Subscriber[T]
	channels   map[string]IChannel[T]
}

type managerOptions[T any] struct {
	logger     *slog.Logger
	subscriber Subscriber[T]
}

type ManagerOption[T any] func(*managerOptions[T])

// WithLogger sets the logger.
func WithLogger[T any](logger *slog.Logger) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.logger = logger
	}
}

// WithSubscriber sets the upstream message source.
func WithSubscriber[T any](subscriber Subscriber[T]) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.subscriber = subscriber
	}
}

// NewConnectionManager creates a connection manager around the given
// upstream subscriber.
func NewConnectionManager[T any](opts ...ManagerOption[T]) (IConnectionManager[T], error) {
	options := managerOptions[T]{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.subscriber == nil {
		return nil, errors.New("subscriber cannot be nil")
	}

	return &connectionManager[T]{
		logger:     options.logger.With(slog.String("caller", "ConnectionManager")),
		channels:   make(map[string]IChannel[T]),
		subscriber: options.subscriber,
		active:     true,
	}, nil
}

// Start begins routing upstream messages to channel subscribers. The
// routing goroutine exits when the upstream channel closes.
func (cm *connectionManager[T]) Start() {
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		for msg := range cm.subscriber.Subscribe() {
			cm.mu.RLock()
			if channel, ok := cm.channels[msg.Channel]; ok {
				channel.Broadcast(msg.Message)
			}
			cm.mu.RUnlock()
		}
		cm.logger.Info("upstream closed, manager routing stopped")
	}()
}

// Done stops the manager and releases every subscription. The upstream
// subscriber must be closed by its owner before Done is called, otherwise
// Done blocks waiting for the routing goroutine.
func (cm *connectionManager[T]) Done() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = false
	cm.mu.Unlock()

	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe registers a subscription on the named channel.
func (cm *connectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, context.Canceled
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T]()
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Unsubscribe cancels a subscription; idle channels are removed.
func (cm *connectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}
