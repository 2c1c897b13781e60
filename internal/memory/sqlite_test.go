package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMemorizeAndSearch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Memorize(ctx, "notes", "the backup server lives in the basement rack"))
	require.NoError(t, store.Memorize(ctx, "notes", "coffee machine needs descaling"))
	require.NoError(t, store.Memorize(ctx, "recipes", "pancakes need flour and eggs"))

	chunks, err := store.SearchMemory(ctx, "notes", "where is the backup server", 2)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[0].Content, "backup server")
	assert.Equal(t, "notes", chunks[0].Category)

	// No overlap, no results.
	chunks, err = store.SearchMemory(ctx, "notes", "zebra quantum", 2)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestCognitiveMap(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	categories, err := store.GetCognitiveMap(ctx)
	require.NoError(t, err)
	assert.Empty(t, categories)

	require.NoError(t, store.Memorize(ctx, "b_cat", "x"))
	require.NoError(t, store.Memorize(ctx, "a_cat", "y"))

	categories, err = store.GetCognitiveMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a_cat", "b_cat"}, categories)
}

func TestForgetMemory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Memorize(ctx, "notes", "remember the milk"))
	require.NoError(t, store.Memorize(ctx, "notes", "remember the bread"))

	removed, err := store.ForgetMemory(ctx, "notes", "milk")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = store.ForgetMemory(ctx, "notes", "milk")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestSaveExchange(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.SaveExchange(context.Background(), "s1", "hello", "hi there"))
}
