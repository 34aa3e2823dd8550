package resolve_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grantsync/grantsync"
	"github.com/grantsync/grantsync/resolve"
	"github.com/grantsync/grantsync/storage/csv"
)

var billingAPI = grantsync.RepoKey{ProjectKey: "PLAT", RepoSlug: "billing-api"}

func newStore(t *testing.T) grantsync.Storage {
	t.Helper()
	store, err := csv.NewCSVStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func writeExtraction(t *testing.T, store grantsync.Storage) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.WriteDirectGrants(ctx, []grantsync.DirectGrant{
		{Repo: billingAPI, Principal: grantsync.User("alice", "alice@example.com"), Level: grantsync.LevelWrite},
	}))
	require.NoError(t, store.WriteGroupGrants(ctx, []grantsync.GroupGrant{
		{Repo: billingAPI, Group: "developers", Level: grantsync.LevelAdmin},
	}))
	require.NoError(t, store.WriteMemberships(ctx, []grantsync.Membership{
		{Group: "developers", Member: grantsync.User("alice", "alice@example.com")},
		{Group: "developers", Member: grantsync.User("bob", "bob@example.com")},
	}))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun(t *testing.T) {
	store := newStore(t)
	writeExtraction(t, store)
	ctx := context.Background()

	result, err := resolve.Run(ctx, store, discardLogger(), false)
	require.NoError(t, err)

	expected := []grantsync.EffectivePermission{
		{Repo: billingAPI, Email: "alice@example.com", Level: grantsync.LevelAdmin, Source: grantsync.SourceGroup, SourcePrincipal: "developers"},
		{Repo: billingAPI, Email: "bob@example.com", Level: grantsync.LevelAdmin, Source: grantsync.SourceGroup, SourcePrincipal: "developers"},
	}
	require.Equal(t, expected, result.Effective)
	require.Empty(t, result.Diagnostics)

	// The outcome is persisted and survives a reopen of the store.
	effective, err := store.Effective(ctx)
	require.NoError(t, err)
	require.Equal(t, expected, effective)
	diagnostics, err := store.Diagnostics(ctx)
	require.NoError(t, err)
	require.Empty(t, diagnostics)
}

func TestRunPersistsDiagnostics(t *testing.T) {
	store := newStore(t)
	writeExtraction(t, store)
	ctx := context.Background()
	require.NoError(t, store.WriteDirectGrants(ctx, []grantsync.DirectGrant{
		{Repo: billingAPI, Principal: grantsync.User("ghost", ""), Level: grantsync.LevelRead},
	}))

	result, err := resolve.Run(ctx, store, discardLogger(), false)
	require.NoError(t, err)
	require.Len(t, result.Diagnostics, 1)

	diagnostics, err := store.Diagnostics(ctx)
	require.NoError(t, err)
	require.Equal(t, result.Diagnostics, diagnostics)
	require.Equal(t, grantsync.DiagnosticMissingEmail, diagnostics[0].Kind)
}

func TestRunDryRun(t *testing.T) {
	store := newStore(t)
	writeExtraction(t, store)
	ctx := context.Background()

	result, err := resolve.Run(ctx, store, discardLogger(), true)
	require.NoError(t, err)
	require.Len(t, result.Effective, 2)

	_, err = store.Effective(ctx)
	require.ErrorIs(t, err, grantsync.ErrNotFound)
	_, err = store.Diagnostics(ctx)
	require.ErrorIs(t, err, grantsync.ErrNotFound)
}

func TestRunWithoutExtraction(t *testing.T) {
	store := newStore(t)

	_, err := resolve.Run(context.Background(), store, discardLogger(), false)
	require.ErrorIs(t, err, grantsync.ErrNotFound)
	require.ErrorContains(t, err, "run extract first")
}
