package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/chanx"
)

type producerOptions[T any] struct {
	logger     *slog.Logger
	bufferSize int
	parseFunc  func(T) (map[string]any, error)
}

type ProducerOption[T any] func(*producerOptions[T])

// WithProducerLogger sets the logger.
func WithProducerLogger[T any](logger *slog.Logger) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.logger = logger
	}
}

// WithProducerBufferSize sets the initial capacity of the unbounded
// outbox buffer.
func WithProducerBufferSize[T any](size int) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.bufferSize = size
	}
}

// WithProducerParseFunc sets the message serialization function.
func WithProducerParseFunc[T any](fn func(T) (map[string]any, error)) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.parseFunc = fn
	}
}

// Producer appends values of T onto a stream. Publish never blocks the
// caller: entries queue through an unbounded channel and a single
// goroutine drains them with XADD.
type Producer[T any] struct {
	client  *redis.Client
	stream  string
	logger  *slog.Logger
	options producerOptions[T]

	outbox     *chanx.UnboundedChan[map[string]any]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
}

func NewProducer[T any](client *redis.Client, stream string, opts ...ProducerOption[T]) (*Producer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	options := producerOptions[T]{
		logger:     slog.Default(),
		bufferSize: 100,
		parseFunc:  DefaultParseToMessage[T],
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Producer[T]{
		client:  client,
		stream:  stream,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Producer"), slog.String("stream", stream)),
		options: options,
	}, nil
}

func (p *Producer[T]) Start() {
	if !p.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.outbox = chanx.NewUnboundedChan[map[string]any](ctx, p.options.bufferSize)
	p.cancelFunc = cancel
	p.closed = false
	p.logger.Info("starting stream producer")

	p.wg.Add(1)
	go p.drain(ctx)
}

func (p *Producer[T]) drain(ctx context.Context) {
	defer p.wg.Done()
	defer p.logger.Info("producer goroutine stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-p.outbox.Out:
			id, err := p.client.XAdd(ctx, &redis.XAddArgs{
				Stream: p.stream,
				Values: entry,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				p.logger.Error("publish entry error", slog.Any("error", err))
				continue
			}
			p.logger.Debug("entry published", slog.String("messageId", id))
		}
	}
}

// Publish serializes data and queues it for appending. The entry is
// dropped if serialization fails or the producer never started.
func (p *Producer[T]) Publish(data T) error {
	if p.closed {
		return ErrConsumerClosed
	}
	entry, err := p.options.parseFunc(data)
	if err != nil {
		return fmt.Errorf("parse message error: %w", err)
	}
	p.outbox.In <- entry
	return nil
}

func (p *Producer[T]) Close() {
	if p.closed {
		return
	}
	p.logger.Info("closing stream producer")
	p.closed = true
	p.cancelFunc()
	p.wg.Wait()
	p.logger.Info("stream producer closed")
}
