package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type consumerOptions[T any] struct {
	logger       *slog.Logger
	bufferSize   int
	blockTimeout time.Duration
	parseFunc    func(map[string]any) (T, error)
}

type ConsumerOption[T any] func(*consumerOptions[T])

// WithConsumerLogger sets the logger.
func WithConsumerLogger[T any](logger *slog.Logger) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.logger = logger
	}
}

// WithConsumerBufferSize sets the delivery channel buffer size.
func WithConsumerBufferSize[T any](size int) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithConsumerBlockTimeout sets how long each blocking read waits.
func WithConsumerBlockTimeout[T any](d time.Duration) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithConsumerParseFunc sets a custom message parse function.
func WithConsumerParseFunc[T any](fn func(map[string]any) (T, error)) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.parseFunc = fn
	}
}

// Consumer tails a stream without group semantics: every consumer sees
// every entry, starting from whatever arrives after Start.
type Consumer[T any] struct {
	client  *redis.Client
	stream  string
	cursor  string
	logger  *slog.Logger
	options consumerOptions[T]

	deliveries chan T
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
}

func NewConsumer[T any](client *redis.Client, stream string, opts ...ConsumerOption[T]) (IConsumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	options := consumerOptions[T]{
		logger:       slog.Default(),
		bufferSize:   100,
		blockTimeout: time.Second,
		parseFunc:    DefaultParseFromMessage[T],
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Consumer[T]{
		client:  client,
		stream:  stream,
		cursor:  "$",
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Consumer"), slog.String("stream", stream)),
		options: options,
	}, nil
}

func (s *Consumer[T]) Start() {
	if !s.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.deliveries = make(chan T, s.options.bufferSize)
	s.closed = false
	s.cancelFunc = cancel
	s.logger.Info("starting stream consumer")

	s.wg.Add(1)
	go s.tail(ctx)
}

func (s *Consumer[T]) tail(ctx context.Context) {
	defer s.wg.Done()
	defer s.logger.Info("consumer goroutine stopped")
	defer close(s.deliveries)

	for ctx.Err() == nil {
		entry, err := s.read(ctx)
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				s.logger.Error("fetch entry error", slog.Any("error", err))
			}
			continue
		}
		data, err := s.options.parseFunc(entry.Values)
		if err != nil {
			// Unparseable entries are skipped; there is no ack to
			// withhold on a plain stream read.
			s.logger.Error("failed to parse entry", slog.String("messageId", entry.ID), slog.Any("error", err))
			continue
		}
		select {
		case <-ctx.Done():
			return
		case s.deliveries <- data:
			s.logger.Debug("entry delivered", slog.String("messageId", entry.ID))
		}
	}
}

func (s *Consumer[T]) read(ctx context.Context) (redis.XMessage, error) {
	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, s.cursor},
		Count:   1,
		Block:   s.options.blockTimeout,
	}).Result()
	if err != nil {
		return redis.XMessage{}, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return redis.XMessage{}, redis.Nil
	}
	entry := streams[0].Messages[0]
	s.cursor = entry.ID
	return entry, nil
}

// Subscribe returns the delivery channel. It is closed on Close.
func (s *Consumer[T]) Subscribe() <-chan T {
	return s.deliveries
}

// Close stops the consumer and waits for its goroutine.
func (s *Consumer[T]) Close() {
	if s.closed {
		return
	}
	s.logger.Info("closing stream consumer")
	s.closed = true
	s.cancelFunc()
	s.wg.Wait()
	s.logger.Info("stream consumer closed")
}
