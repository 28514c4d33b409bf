package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrConsumerClosed = errors.New("consumer is closed")

const deadLetterSuffix = ":dead-letter"

// Message is one stream entry handed to exactly one consumer of the
// group. The receiver must settle it with either Done or Fail; until
// then it stays pending in the group.
type Message[T any] struct {
	Data T

	client    *redis.Client
	acked     bool
	messageID string
	stream    string
	group     string
	raw       map[string]any
}

// Done acknowledges the message as processed. Settling twice is a no-op.
func (m *Message[T]) Done(ctx context.Context) error {
	const op = "Message.Done"
	if m.acked {
		return nil
	}
	if err := m.client.XAck(ctx, m.stream, m.group, m.messageID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack message: %w", op, err)
	}
	m.acked = true
	return nil
}

// Fail copies the entry onto the dead-letter stream, annotated with the
// failure, then acknowledges it so the group moves on.
func (m *Message[T]) Fail(ctx context.Context, cause error) error {
	const op = "Message.Fail"
	if m.acked {
		return nil
	}
	m.raw["error"] = cause.Error()
	if err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream + deadLetterSuffix,
		Values: m.raw,
	}).Err(); err != nil {
		return fmt.Errorf("[%s] failed to move message to dead letter queue: %w", op, err)
	}
	if err := m.client.XAck(ctx, m.stream, m.group, m.messageID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack failed message: %w", op, err)
	}
	m.acked = true
	return nil
}

type groupConsumerOptions[T any] struct {
	logger         *slog.Logger
	parseFunc      func(map[string]any) (T, error)
	bufferSize     int
	blockTimeout   time.Duration
	mutex          IAutoRenewMutex
	strictOrdering bool
}

type GroupConsumerOption[T any] func(*groupConsumerOptions[T])

// WithGroupConsumerLogger sets the logger.
func WithGroupConsumerLogger[T any](logger *slog.Logger) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.logger = logger
	}
}

// WithGroupConsumerParseFunc sets the message parse function.
func WithGroupConsumerParseFunc[T any](fn func(map[string]any) (T, error)) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.parseFunc = fn
	}
}

// WithGroupConsumerBufferSize sets the delivery channel buffer size.
func WithGroupConsumerBufferSize[T any](size int) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithGroupConsumerBlockTimeout sets how long each blocking read waits.
func WithGroupConsumerBlockTimeout[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithGroupConsumerMutex injects the ordering mutex, mainly for tests.
func WithGroupConsumerMutex[T any](mutex IAutoRenewMutex) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.mutex = mutex
	}
}

// WithGroupConsumerStrictOrdering makes the group hold a distributed
// lock while consuming, so at most one consumer works the stream at a
// time and its backlog of pending entries is drained before new ones.
func WithGroupConsumerStrictOrdering[T any](strict bool) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.strictOrdering = strict
	}
}

// GroupConsumer reads a stream through a consumer group and delivers
// acknowledgeable messages on a channel.
type GroupConsumer[T any] struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	logger   *slog.Logger
	options  groupConsumerOptions[T]

	mutex      IAutoRenewMutex
	backlog    []string
	deliveries chan *Message[T]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
}

func NewGroupConsumer[T any](
	client *redis.Client,
	stream, group, consumer string,
	opts ...GroupConsumerOption[T],
) (IGroupConsumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" || group == "" || consumer == "" {
		return nil, errors.New("stream, group and consumer cannot be empty")
	}

	options := groupConsumerOptions[T]{
		logger:       slog.Default(),
		parseFunc:    DefaultParseFromMessage[T],
		bufferSize:   1,
		blockTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}

	gc := &GroupConsumer[T]{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		closed:   true,
		options:  options,
		logger: options.logger.With(
			slog.String("caller", "GroupConsumer"),
			slog.String("stream", stream),
			slog.String("group", group),
			slog.String("consumer", consumer),
		),
	}
	if options.strictOrdering {
		gc.mutex = options.mutex
		if gc.mutex == nil {
			gc.mutex = NewAutoRenewMutex(client, fmt.Sprintf("lock:%s:%s", stream, group), WithAutoRenewMutexSkipLockError(true))
		}
	}
	return gc, nil
}

func (s *GroupConsumer[T]) Start() error {
	if !s.closed {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.deliveries = make(chan *Message[T], s.options.bufferSize)
	s.cancelFunc = cancel
	s.closed = false
	s.logger.Info("starting group consumer")

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Subscribe returns the channel of acknowledgeable messages. It is
// closed when the consumer is closed.
func (s *GroupConsumer[T]) Subscribe() <-chan *Message[T] {
	return s.deliveries
}

func (s *GroupConsumer[T]) Close() error {
	if s.closed {
		return nil
	}
	s.logger.Info("closing group consumer")
	s.closed = true
	s.cancelFunc()
	s.wg.Wait()
	s.logger.Info("group consumer closed gracefully")
	return nil
}

func (s *GroupConsumer[T]) run(ctx context.Context) {
	defer s.wg.Done()
	defer s.logger.Info("group consumer goroutine stopped")
	defer close(s.deliveries)
	if s.mutex != nil {
		defer s.mutex.Unlock()
	}

	for ctx.Err() == nil {
		workCtx := ctx
		if s.mutex != nil {
			// The returned child context follows the lock's lifetime:
			// losing the lock cancels it and the round restarts.
			lockCtx, err := s.mutex.Lock(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				s.logger.Error("failed to acquire lock", slog.Any("error", err))
				continue
			}
			workCtx = lockCtx
		}
		if err := s.consume(workCtx); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			if s.mutex != nil && errors.Is(err, context.Canceled) {
				s.logger.Error("lock lost mid-processing, restarting round")
			} else {
				s.logger.Error("consume round failed, restarting", slog.Any("error", err))
			}
		}
	}
}

// consume loops reading entries, parsing them and handing them
// downstream until the context ends or an unrecoverable error occurs.
func (s *GroupConsumer[T]) consume(ctx context.Context) error {
	if s.mutex != nil {
		// Having just taken the lock, another consumer may have died
		// holding unacked entries. Those come first.
		if err := s.loadBacklog(ctx); err != nil {
			return err
		}
	}
	for {
		entry, err := s.nextEntry(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			// Transient redis trouble; reading again is enough.
			s.logger.Error("fetch entry error", slog.Any("error", err))
			continue
		}
		data, err := s.options.parseFunc(entry.Values)
		if err != nil {
			// A parse failure will not succeed on retry, whether the
			// fault sits in the payload or the parser. Dead-letter it
			// and keep going.
			s.logger.Error("failed to parse entry", slog.String("messageId", entry.ID), slog.Any("error", err))
			if dlErr := s.deadLetter(ctx, entry); dlErr != nil {
				// Entry stays pending; a strict-ordering consumer will
				// retry it first next round.
				s.logger.Error("dead-letter failed", slog.String("messageId", entry.ID), slog.Any("error", dlErr))
				return dlErr
			}
			continue
		}
		msg := &Message[T]{
			Data:      data,
			client:    s.client,
			messageID: entry.ID,
			stream:    s.stream,
			group:     s.group,
			raw:       entry.Values,
		}
		select {
		case <-ctx.Done():
			return context.Canceled
		case s.deliveries <- msg:
		}
	}
}

// loadBacklog collects the IDs of every entry still pending in the
// group, oldest first.
func (s *GroupConsumer[T]) loadBacklog(ctx context.Context) error {
	const page = 100
	s.backlog = s.backlog[:0]
	cursor := "-"
	for {
		pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: s.stream,
			Group:  s.group,
			Start:  cursor,
			End:    "+",
			Count:  page,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return fmt.Errorf("error getting pending messages: %w", err)
		}
		if len(pending) == 0 {
			break
		}
		for _, p := range pending {
			s.backlog = append(s.backlog, p.ID)
		}
		cursor = pending[len(pending)-1].ID
		if len(pending) < page {
			break
		}
	}
	s.logger.Info("loaded pending backlog", slog.Int("count", len(s.backlog)))
	return nil
}

func (s *GroupConsumer[T]) nextEntry(ctx context.Context) (redis.XMessage, error) {
	if len(s.backlog) > 0 {
		id := s.backlog[0]
		s.backlog = s.backlog[1:]
		entries, err := s.client.XRangeN(ctx, s.stream, id, id, 1).Result()
		if err != nil {
			return redis.XMessage{}, err
		}
		if len(entries) == 0 {
			// Already trimmed or claimed elsewhere.
			return redis.XMessage{}, redis.Nil
		}
		return entries[0], nil
	}
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    1,
		Block:    s.options.blockTimeout,
	}).Result()
	if err != nil {
		return redis.XMessage{}, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return redis.XMessage{}, redis.Nil
	}
	return streams[0].Messages[0], nil
}

func (s *GroupConsumer[T]) deadLetter(ctx context.Context, entry redis.XMessage) error {
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream + deadLetterSuffix,
		Values: entry.Values,
	}).Err(); err != nil {
		return fmt.Errorf("failed to move message to dead letter queue: %w", err)
	}
	return s.client.XAck(ctx, s.stream, s.group, entry.ID).Err()
}
