package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	loadData  map[string]string
	loadErr   error
	loadCalls int

	saved   map[string]string
	savedID string
	saveErr error
}

func (f *fakeStore) Load(ctx context.Context, name string) (map[string]string, error) {
	f.loadCalls++
	return f.loadData, f.loadErr
}

func (f *fakeStore) Save(ctx context.Context, name string, data map[string]string) error {
	f.savedID = name
	f.saved = data
	return f.saveErr
}

func TestNewSession_NilContext(t *testing.T) {
	sess := NewSession(nil, "sid", &fakeStore{})
	assert.NotNil(t, sess)
	assert.NoError(t, sess.Load())
}

func TestSession_LoadOnce(t *testing.T) {
	store := &fakeStore{loadData: map[string]string{"user_id": "42"}}
	sess := NewSession(context.Background(), "sid", store)

	require.NoError(t, sess.Load())
	require.NoError(t, sess.Load())

	assert.Equal(t, 1, store.loadCalls, "second Load should hit memory, not the store")
	assert.Equal(t, "42", sess.Get("user_id"))
}

func TestSession_LoadError(t *testing.T) {
	store := &fakeStore{loadErr: errors.New("store unavailable")}
	sess := NewSession(context.Background(), "sid", store)

	err := sess.Load()
	assert.ErrorContains(t, err, "store unavailable")
}

func TestSession_LoadNilDataFromStore(t *testing.T) {
	store := &fakeStore{loadData: nil}
	sess := NewSession(context.Background(), "sid", store)

	require.NoError(t, sess.Load())
	assert.Equal(t, "", sess.Get("anything"))

	// A load that found nothing still yields a writable session.
	sess.Set("state", "xyz")
	assert.Equal(t, "xyz", sess.Get("state"))
}

func TestSession_Mutations(t *testing.T) {
	store := &fakeStore{loadData: map[string]string{"a": "1", "b": "2"}}
	sess := NewSession(context.Background(), "sid", store)
	require.NoError(t, sess.Load())

	sess.Set("a", "overwritten")
	sess.Set("c", "3")
	sess.Delete("b")
	sess.Delete("never-existed")

	assert.Equal(t, "overwritten", sess.Get("a"))
	assert.Equal(t, "", sess.Get("b"))
	assert.Equal(t, "3", sess.Get("c"))

	sess.Clear()
	assert.Equal(t, "", sess.Get("a"))
	assert.Equal(t, "", sess.Get("c"))
}

func TestSession_SetBeforeLoad(t *testing.T) {
	sess := NewSession(context.Background(), "sid", &fakeStore{})
	sess.Set("k", "v")
	assert.Equal(t, "v", sess.Get("k"))
}

func TestSession_Save(t *testing.T) {
	t.Run("persists mutated data under the session id", func(t *testing.T) {
		store := &fakeStore{loadData: map[string]string{}}
		sess := NewSession(context.Background(), "sid-7", store)
		require.NoError(t, sess.Load())

		sess.Set("provider", "google")
		require.NoError(t, sess.Save())

		assert.Equal(t, "sid-7", store.savedID)
		assert.Equal(t, map[string]string{"provider": "google"}, store.saved)
	})

	t.Run("untouched session skips the store", func(t *testing.T) {
		store := &fakeStore{}
		sess := NewSession(context.Background(), "sid", store)

		require.NoError(t, sess.Save())
		assert.Nil(t, store.saved)
	})

	t.Run("propagates store errors", func(t *testing.T) {
		store := &fakeStore{saveErr: errors.New("write refused")}
		sess := NewSession(context.Background(), "sid", store)
		sess.Set("k", "v")

		assert.ErrorContains(t, sess.Save(), "write refused")
	})
}
