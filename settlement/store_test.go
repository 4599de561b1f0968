package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blessedbiello/402pay-sub000/internal/testinfra"
)

func exerciseStore(t *testing.T, s RecordStore) {
	ctx := context.Background()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	require.NoError(t, s.PutPending(ctx, Record{Key: "k", Fingerprint: "fp", Network: "mock:1", Path: "direct"}))
	assert.ErrorIs(t, s.PutPending(ctx, Record{Key: "k", Fingerprint: "fp"}), ErrRecordExists)

	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "fp", rec.Fingerprint)

	settledAt := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	require.NoError(t, s.MarkSettled(ctx, "k", "ref-1", "payer-1", settledAt))

	rec, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, rec.Status)
	assert.Equal(t, "ref-1", rec.Reference)
	assert.Equal(t, "payer-1", rec.Payer)
	assert.True(t, rec.SettledAt.Equal(settledAt))

	assert.ErrorIs(t, s.MarkSettled(ctx, "missing", "r", "p", time.Now()), ErrRecordNotFound)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(time.Hour))
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore(time.Hour)
	s.now = func() time.Time { return now }

	require.NoError(t, s.PutPending(ctx, Record{Key: "k"}))
	now = now.Add(2 * time.Hour)

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.NoError(t, s.PutPending(ctx, Record{Key: "k"}))
}

func TestPostgresStore(t *testing.T) {
	pool := testinfra.PostgresPool(t)
	s := NewPostgresStore(pool, time.Hour)
	require.NoError(t, s.Migrate(context.Background()))
	_, err := pool.Exec(context.Background(), "TRUNCATE settlements")
	require.NoError(t, err)
	exerciseStore(t, s)
}
