package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"identity-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	rows    [][]interface{}
	batches int
	execs   []string
	err     error
}

func (f *fakeStore) Exec(ctx context.Context, query string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, query)
	return nil
}

func (f *fakeStore) BatchInsert(ctx context.Context, query string, rows [][]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func TestCloseFlushesBufferedEvents(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, 16, time.Hour)

	for i := 0; i < 5; i++ {
		w.Record(models.SecurityEvent{UserID: "u1", EventType: models.EventLoginSuccess})
	}
	require.NoError(t, w.Close())

	assert.Equal(t, 5, store.count())
	row := store.rows[0]
	assert.Equal(t, "u1", row[2])
	assert.Equal(t, models.EventLoginSuccess, row[3])
}

func TestFlushOnInterval(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, 16, 20*time.Millisecond)
	defer w.Close()

	w.Record(models.SecurityEvent{UserID: "u2", EventType: models.EventRegistered})
	assert.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, 4, time.Hour)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	w.Record(models.SecurityEvent{UserID: "u3"})
	assert.Equal(t, 0, store.count())
}

func TestFlushErrorDoesNotStopWriter(t *testing.T) {
	store := &fakeStore{err: errors.New("clickhouse down")}
	w := NewWriter(store, 1, time.Hour)

	w.Record(models.SecurityEvent{UserID: "u4"})
	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.batches >= 1
	}, time.Second, 10*time.Millisecond)

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()

	w.Record(models.SecurityEvent{UserID: "u5"})
	require.NoError(t, w.Close())
	assert.Equal(t, 1, store.count())
}

func TestEnsureTable(t *testing.T) {
	store := &fakeStore{}
	require.NoError(t, EnsureTable(context.Background(), store))
	require.Len(t, store.execs, 1)
	assert.Contains(t, store.execs[0], "security_events")
}
