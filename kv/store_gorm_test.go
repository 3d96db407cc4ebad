package kv

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newGormTestStore opens a file-backed sqlite database and pins the store
// clock to whole UTC seconds so stored and compared timestamps format alike.
func newGormTestStore(t *testing.T) (*GormStore, *fakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "kv.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store, err := NewGormStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	store.now = clock.Now
	return store, clock
}

func TestGormStoreGetPutDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newGormTestStore(t)

	_, err := store.Get(ctx, "nonce:base:0x01")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "nonce:base:0x01", []byte("one"), 0))
	value, err := store.Get(ctx, "nonce:base:0x01")
	require.NoError(t, err)
	assert.Equal(t, "one", string(value))

	require.NoError(t, store.Put(ctx, "nonce:base:0x01", []byte("two"), time.Hour))
	value, err = store.Get(ctx, "nonce:base:0x01")
	require.NoError(t, err)
	assert.Equal(t, "two", string(value), "put upserts")

	var rows int64
	require.NoError(t, store.db.Model(&Entry{}).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)

	require.NoError(t, store.Delete(ctx, "nonce:base:0x01"))
	require.NoError(t, store.Delete(ctx, "nonce:base:0x01"))
	_, err = store.Get(ctx, "nonce:base:0x01")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store, clock := newGormTestStore(t)

	require.NoError(t, store.Put(ctx, "nonce:base:0x01", []byte("pending"), 24*time.Hour))
	require.NoError(t, store.Put(ctx, "nonce:base:0x02", []byte("confirmed"), 7*24*time.Hour))
	require.NoError(t, store.Put(ctx, "nonce:base:0x03", []byte("forever"), 0))

	clock.Advance(24 * time.Hour)

	_, err := store.Get(ctx, "nonce:base:0x01")
	assert.ErrorIs(t, err, ErrNotFound, "expired at exactly the deadline")
	_, err = store.Get(ctx, "nonce:base:0x02")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "nonce:base:0x03")
	assert.NoError(t, err)

	keys, err := store.List(ctx, "nonce:base:", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"nonce:base:0x02", "nonce:base:0x03"}, keys)

	// Re-putting an expired key revives it with a fresh deadline.
	require.NoError(t, store.Put(ctx, "nonce:base:0x01", []byte("again"), time.Hour))
	value, err := store.Get(ctx, "nonce:base:0x01")
	require.NoError(t, err)
	assert.Equal(t, "again", string(value))
}

func TestGormStoreSweep(t *testing.T) {
	ctx := context.Background()
	store, clock := newGormTestStore(t)

	require.NoError(t, store.Put(ctx, "a", []byte("v"), time.Minute))
	require.NoError(t, store.Put(ctx, "b", []byte("v"), time.Minute))
	require.NoError(t, store.Put(ctx, "c", []byte("v"), time.Hour))
	require.NoError(t, store.Put(ctx, "d", []byte("v"), 0))

	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)
	n, err = store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var remaining []string
	require.NoError(t, store.db.Model(&Entry{}).Order("key").Pluck("key", &remaining).Error)
	assert.Equal(t, []string{"c", "d"}, remaining)
}

func TestGormStoreList(t *testing.T) {
	ctx := context.Background()
	store, _ := newGormTestStore(t)

	for _, key := range []string{
		"discovery:b", "discovery:a", "discovery:c",
		"nonce:base:0x01",
		"nonce_base:0x09", "nonceXbase:0x10",
		"disc%:x", "discZZ:y",
	} {
		require.NoError(t, store.Put(ctx, key, []byte("v"), time.Hour))
	}

	keys, err := store.List(ctx, "discovery:", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"discovery:a", "discovery:b", "discovery:c"}, keys)

	keys, err = store.List(ctx, "discovery:", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"discovery:a", "discovery:b"}, keys, "limit keeps the first keys in order")

	keys, err = store.List(ctx, "nonce_", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"nonce_base:0x09"}, keys, "underscore is literal")

	keys, err = store.List(ctx, "disc%", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"disc%:x"}, keys, "percent is literal")

	keys, err = store.List(ctx, "missing:", 0)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestGormStoreRejectsInvalidKeys(t *testing.T) {
	ctx := context.Background()
	store, _ := newGormTestStore(t)

	assert.ErrorIs(t, store.Put(ctx, "", []byte("v"), 0), ErrInvalidKey)
	assert.ErrorIs(t, store.Put(ctx, strings.Repeat("k", MaxKeyLength+1), []byte("v"), 0), ErrInvalidKey)
}

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"nonce:base:", "nonce:base:"},
		{"a_b", `a\_b`},
		{"a%b", `a\%b`},
		{`a\b`, `a\\b`},
		{`discovery:https%3A%2F%2Fapi_v1`, `discovery:https\%3A\%2F\%2Fapi\_v1`},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.expected, escapeLike(tt.in))
		})
	}
}
