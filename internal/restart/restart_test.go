package restart

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store := FileStore{Path: filepath.Join(t.TempDir(), "restart.json")}

	_, err := store.Read(context.Background())
	assert.ErrorIs(t, err, ErrNoMarker)

	want := Marker{Time: time.Now().Truncate(time.Second), Soft: true}
	require.NoError(t, store.Write(context.Background(), want))

	got, err := store.Read(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Time.Equal(want.Time))
	assert.True(t, got.Soft)
}

type memStore struct {
	mu sync.Mutex
	m  Marker
	ok bool
}

func (s *memStore) Write(_ context.Context, m Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m, s.ok = m, true
	return nil
}

func (s *memStore) Read(_ context.Context) (Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ok {
		return Marker{}, ErrNoMarker
	}
	return s.m, nil
}

func TestWatcherFiresOnNewMarker(t *testing.T) {
	store := &memStore{}
	w := NewWatcher(store, 10*time.Millisecond, zerolog.Nop())

	fired := make(chan Marker, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(context.Background(), func(m Marker) { fired <- m })
	}()

	require.NoError(t, store.Write(context.Background(), Marker{Time: time.Now().Add(time.Second), Soft: true}))

	select {
	case m := <-fired:
		assert.True(t, m.Soft)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not fire")
	}
	<-done
}

func TestWatcherIgnoresOldMarker(t *testing.T) {
	store := &memStore{}
	require.NoError(t, store.Write(context.Background(), Marker{Time: time.Now().Add(-time.Hour)}))

	w := NewWatcher(store, 10*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	w.Run(ctx, func(Marker) { t.Error("must not fire on a pre-existing marker") })
}
