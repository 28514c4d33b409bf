package redis

import (
	"context"
)

// IProducer publishes values of T onto a redis stream.
type IProducer[T any] interface {
	Start()
	Publish(data T) error
	Close()
}

// IGroupConsumer consumes a redis stream through a consumer group,
// delivering acknowledgeable messages.
type IGroupConsumer[T any] interface {
	Start() error
	Subscribe() <-chan *Message[T]
	Close() error
}

// IConsumer consumes a redis stream without group semantics; every
// consumer sees every message.
type IConsumer[T any] interface {
	Start()
	Subscribe() <-chan T
	Close()
}

// IAutoRenewMutex is a distributed mutex that keeps extending its own
// expiry while held.
type IAutoRenewMutex interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
	Valid() bool
}
