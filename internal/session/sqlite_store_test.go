package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harvestlab/qacrawl/internal/crawl"
)

func TestSQLiteStore_SaveLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pool.db")
	store, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	cred := crawl.Credential{
		Token:       "tok-1",
		State:       crawl.CredentialActive,
		MintedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		LastUsed:    time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC),
		Successes:   4,
		Failures:    1,
		Consecutive: 1,
	}
	require.NoError(t, store.Save(ctx, cred))

	// updates overwrite, not duplicate
	cred.Successes = 5
	cred.Consecutive = 0
	require.NoError(t, store.Save(ctx, cred))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, cred, loaded[0])
}

func TestSQLiteStore_Prune(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pool.db")
	store, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	old := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, crawl.Credential{
		Token: "dead", State: crawl.CredentialRetired, MintedAt: old, LastUsed: old,
	}))
	require.NoError(t, store.Save(ctx, crawl.Credential{
		Token: "live", State: crawl.CredentialActive, MintedAt: old.Add(2 * time.Hour), LastUsed: old,
	}))

	n, err := store.Prune(ctx, old.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "live", loaded[0].Token)
}
