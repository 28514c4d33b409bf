package session

import "context"

// IStore persists session data keyed by session id.
type IStore interface {
	Load(ctx context.Context, name string) (map[string]string, error)
	Save(ctx context.Context, name string, data map[string]string) error
}

// ISession is a load-mutate-save view over one user's session.
type ISession interface {
	Load() error
	Get(key string) string
	Set(key, value string)
	Delete(key string)
	Clear()
	Save() error
}
