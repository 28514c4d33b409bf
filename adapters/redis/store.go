package redis

import (
	"context"
	"fmt"

	"artlot/adapters/session"

	"github.com/redis/go-redis/v9"
)

// replaceHashScript swaps a hash wholesale: old fields are dropped
// and the new ones written in one atomic step.
var replaceHashScript = redis.NewScript(`
local key = KEYS[1]
redis.call('DEL', key)
if #ARGV > 0 then
    redis.call('HSET', key, unpack(ARGV))
end
return 1
`)

// Store keeps each session as a redis hash.
type Store struct {
	client *redis.Client
	prefix string
}

type StoreOption func(*Store)

// WithStorePrefix sets the key prefix for stored sessions.
func WithStorePrefix(prefix string) StoreOption {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// NewStore creates a session store on top of the given redis client.
func NewStore(client *redis.Client, opts ...StoreOption) session.IStore {
	store := &Store{client: client}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *Store) key(name string) string {
	return s.prefix + name
}

// Load reads the named session hash. A missing key comes back as an
// empty map, which callers treat as a fresh session.
func (s *Store) Load(ctx context.Context, name string) (map[string]string, error) {
	const op = "redis.Store.Load"
	values, err := s.client.HGetAll(ctx, s.key(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to get hash: %w", op, err)
	}
	return values, nil
}

// Save replaces the named session hash with the given fields.
func (s *Store) Save(ctx context.Context, name string, data map[string]string) error {
	const op = "redis.Store.Save"
	args := make([]any, 0, len(data)*2)
	for field, value := range data {
		args = append(args, field, value)
	}
	if err := replaceHashScript.Run(ctx, s.client, []string{s.key(name)}, args...).Err(); err != nil {
		return fmt.Errorf("%s: failed to execute save script: %w", op, err)
	}
	return nil
}
