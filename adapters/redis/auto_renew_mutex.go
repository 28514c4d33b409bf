package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

type autoRenewMutexOptions struct {
	renewInterval  time.Duration
	retryDelay     time.Duration
	expiry         time.Duration
	acquireTimeout time.Duration
	skipLockError  bool
}

type AutoRenewMutexOption func(*autoRenewMutexOptions)

// WithAutoRenewMutexRenewInterval sets the renewal interval.
func WithAutoRenewMutexRenewInterval(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.renewInterval = d
	}
}

// WithAutoRenewMutexRetryDelay sets the delay between lock attempts.
func WithAutoRenewMutexRetryDelay(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.retryDelay = d
	}
}

// WithAutoRenewMutexExpiry sets the lock expiry.
func WithAutoRenewMutexExpiry(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.expiry = d
	}
}

// WithAutoRenewMutexAcquireTimeout bounds how long Lock waits to take
// the lock. The deadline applies to acquisition only; once held, the
// lock context and its renewal follow the caller's context.
func WithAutoRenewMutexAcquireTimeout(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.acquireTimeout = d
	}
}

// WithAutoRenewMutexSkipLockError makes Lock keep retrying through
// redis communication errors instead of returning them.
func WithAutoRenewMutexSkipLockError(skip bool) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.skipLockError = skip
	}
}

// AutoRenewMutex is a redsync mutex that keeps extending its own expiry
// while held, so a crash releases the lock within one expiry window but
// a live holder never loses it to the clock.
type AutoRenewMutex struct {
	*redsync.Mutex
	options autoRenewMutexOptions

	mu     sync.Mutex
	held   bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAutoRenewMutex creates a distributed mutex around the given key.
func NewAutoRenewMutex(client *redis.Client, key string, opts ...AutoRenewMutexOption) IAutoRenewMutex {
	options := autoRenewMutexOptions{
		expiry:     8 * time.Second,
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.renewInterval <= 0 {
		// Renew well inside the expiry window.
		options.renewInterval = options.expiry / 3
	}

	rs := redsync.New(goredis.NewPool(client))
	return &AutoRenewMutex{
		Mutex: rs.NewMutex(
			key,
			redsync.WithExpiry(options.expiry),
			redsync.WithTries(1),
			redsync.WithRetryDelay(options.retryDelay),
		),
		options: options,
	}
}

// Lock acquires the lock, retrying on contention until ctx (or the
// configured acquire timeout) ends, and starts renewal. The returned
// context derives from ctx, not from the acquisition deadline, and is
// cancelled when the lock is lost or released.
func (m *AutoRenewMutex) Lock(ctx context.Context) (context.Context, error) {
	acquireCtx := ctx
	if m.options.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, m.options.acquireTimeout)
		defer cancel()
	}

	attempt := time.NewTimer(1)
	defer attempt.Stop()

	for {
		select {
		case <-acquireCtx.Done():
			return nil, acquireCtx.Err()
		case <-attempt.C:
		}
		err := m.Mutex.LockContext(acquireCtx)
		if err == nil {
			lockCtx, cancel := context.WithCancel(ctx)
			m.cancel = cancel
			m.beginRenewal(lockCtx)
			return lockCtx, nil
		}
		// Contention always retries; communication errors abort unless
		// skipLockError says otherwise.
		var commErr *redsync.RedisError
		if !m.options.skipLockError && errors.As(err, &commErr) {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		attempt.Reset(m.options.retryDelay)
	}
}

// Unlock stops renewal and releases the lock.
func (m *AutoRenewMutex) Unlock() (bool, error) {
	m.endRenewal()
	m.wg.Wait()
	return m.Mutex.Unlock()
}

// Valid reports whether the lock is still held.
func (m *AutoRenewMutex) Valid() bool {
	return time.Now().Before(m.Mutex.Until()) && m.held
}

func (m *AutoRenewMutex) beginRenewal(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		return
	}
	m.held = true
	m.wg.Add(1)
	go m.renewLoop(ctx)
}

func (m *AutoRenewMutex) renewLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.options.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extended, err := m.Mutex.Extend()
			if err != nil || !extended {
				// Lock gone; cancel the holder's context.
				m.endRenewal()
				return
			}
		}
	}
}

func (m *AutoRenewMutex) endRenewal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return
	}
	m.held = false
	if m.cancel != nil {
		m.cancel()
	}
}
