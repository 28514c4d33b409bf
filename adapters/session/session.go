package session

import (
	"context"
	"fmt"
)

// lazySession defers the store round-trip until the first Load and
// keeps all mutations in memory until Save. A nil values map marks a
// session that has not been loaded yet.
type lazySession struct {
	id     string
	ctx    context.Context
	store  IStore
	values map[string]string
}

func NewSession(ctx context.Context, id string, store IStore) ISession {
	if ctx == nil {
		ctx = context.Background()
	}
	return &lazySession{id: id, ctx: ctx, store: store}
}

// Load fetches session data from the store. Loading twice is a no-op.
func (s *lazySession) Load() error {
	const op = "lazySession.Load"
	if s.values != nil {
		return nil
	}
	values, err := s.store.Load(s.ctx, s.id)
	if err != nil {
		return fmt.Errorf("%s: failed to load session: %w", op, err)
	}
	if values == nil {
		values = make(map[string]string)
	}
	s.values = values
	return nil
}

func (s *lazySession) Get(key string) string {
	return s.values[key]
}

func (s *lazySession) Set(key, value string) {
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
}

func (s *lazySession) Delete(key string) {
	delete(s.values, key)
}

func (s *lazySession) Clear() {
	s.values = make(map[string]string)
}

// Save writes session data back to the store. A session that was never
// loaded or written has nothing to persist.
func (s *lazySession) Save() error {
	const op = "lazySession.Save"
	if s.values == nil {
		return nil
	}
	if err := s.store.Save(s.ctx, s.id, s.values); err != nil {
		return fmt.Errorf("%s: failed to save session: %w", op, err)
	}
	return nil
}
