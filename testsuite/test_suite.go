// The testsuite-package holds the conformance suite every storage
// backend is run against. Backend tests construct their storage and
// hand it to [RunTestAll], the suite assumes it starts on a storage
// that has never been written to.
package testsuite

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grantsync/grantsync"
)

var (
	billingAPI    = grantsync.RepoKey{ProjectKey: "PLAT", RepoSlug: "billing-api"}
	billingWorker = grantsync.RepoKey{ProjectKey: "PLAT", RepoSlug: "billing-worker"}

	DirectGrants = []grantsync.DirectGrant{
		{Repo: billingAPI, Principal: grantsync.User("alice", "alice@example.com"), Level: grantsync.LevelWrite},
		{Repo: billingWorker, Principal: grantsync.User("carol", "carol@example.com"), Level: grantsync.LevelAdmin},
		{Repo: billingWorker, Principal: grantsync.User("ghost", ""), Level: grantsync.LevelRead},
	}

	GroupGrants = []grantsync.GroupGrant{
		{Repo: billingAPI, Group: "developers", Level: grantsync.LevelAdmin},
		{Repo: billingWorker, Group: "contractors", Level: grantsync.LevelRead},
	}

	Memberships = []grantsync.Membership{
		{Group: "developers", Member: grantsync.User("alice", "alice@example.com")},
		{Group: "developers", Member: grantsync.User("bob", "bob@example.com")},
	}

	Effective = []grantsync.EffectivePermission{
		{Repo: billingAPI, Email: "alice@example.com", Level: grantsync.LevelAdmin, Source: grantsync.SourceGroup, SourcePrincipal: "developers"},
		{Repo: billingAPI, Email: "bob@example.com", Level: grantsync.LevelAdmin, Source: grantsync.SourceGroup, SourcePrincipal: "developers"},
		{Repo: billingWorker, Email: "carol@example.com", Level: grantsync.LevelAdmin, Source: grantsync.SourceDirect},
	}

	Diagnostics = []grantsync.Diagnostic{
		{Kind: grantsync.DiagnosticMissingEmail, Severity: grantsync.SeverityWarning, Repo: billingWorker, Principal: "ghost"},
		{Kind: grantsync.DiagnosticEmptyGroup, Severity: grantsync.SeverityInfo, Repo: billingWorker, Group: "contractors"},
	}
)

type TestConfig struct {
	Storage grantsync.Storage
}

func RunTestAll(t *testing.T, configs map[string]TestConfig) {
	for name, config := range configs {
		t.Run(name, func(t *testing.T) {
			RunTest(t, config.Storage)
		})
	}
}

func RunTest(t *testing.T, storage grantsync.Storage) {
	ctx := context.Background()

	t.Run("not_found_before_first_write", func(t *testing.T) {
		_, err := storage.DirectGrants(ctx)
		require.ErrorIs(t, err, grantsync.ErrNotFound)
		_, err = storage.GroupGrants(ctx)
		require.ErrorIs(t, err, grantsync.ErrNotFound)
		_, err = storage.Memberships(ctx)
		require.ErrorIs(t, err, grantsync.ErrNotFound)
		_, err = storage.Effective(ctx)
		require.ErrorIs(t, err, grantsync.ErrNotFound)
		_, err = storage.Diagnostics(ctx)
		require.ErrorIs(t, err, grantsync.ErrNotFound)
	})

	t.Run("round_trip", func(t *testing.T) {
		require.NoError(t, storage.WriteDirectGrants(ctx, DirectGrants))
		require.NoError(t, storage.WriteGroupGrants(ctx, GroupGrants))
		require.NoError(t, storage.WriteMemberships(ctx, Memberships))
		require.NoError(t, storage.WriteEffective(ctx, Effective))
		require.NoError(t, storage.WriteDiagnostics(ctx, Diagnostics))

		direct, err := storage.DirectGrants(ctx)
		require.NoError(t, err)
		require.Equal(t, DirectGrants, direct)

		groups, err := storage.GroupGrants(ctx)
		require.NoError(t, err)
		require.Equal(t, GroupGrants, groups)

		memberships, err := storage.Memberships(ctx)
		require.NoError(t, err)
		require.Equal(t, Memberships, memberships)

		effective, err := storage.Effective(ctx)
		require.NoError(t, err)
		require.Equal(t, Effective, effective)

		diagnostics, err := storage.Diagnostics(ctx)
		require.NoError(t, err)
		require.Equal(t, Diagnostics, diagnostics)
	})

	t.Run("write_replaces_collection", func(t *testing.T) {
		require.NoError(t, storage.WriteDirectGrants(ctx, DirectGrants[:1]))
		direct, err := storage.DirectGrants(ctx)
		require.NoError(t, err)
		require.Equal(t, DirectGrants[:1], direct)

		// Other collections are untouched by the rewrite.
		groups, err := storage.GroupGrants(ctx)
		require.NoError(t, err)
		require.Equal(t, GroupGrants, groups)
	})

	t.Run("empty_snapshot_is_not_missing", func(t *testing.T) {
		require.NoError(t, storage.WriteDirectGrants(ctx, nil))
		direct, err := storage.DirectGrants(ctx)
		require.NoError(t, err)
		require.Empty(t, direct)
	})
}

func RunBenchmarkAll(b *testing.B, storages map[string]grantsync.Storage) {
	for name, storage := range storages {
		b.Run(name, func(b *testing.B) {
			RunBenchmark(b, storage)
		})
	}
}

func RunBenchmark(b *testing.B, storage grantsync.Storage) {
	ctx := context.Background()
	permissions := generateEffective(1000)

	b.Run("write_effective_1000", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			require.NoError(b, storage.WriteEffective(ctx, permissions))
		}
	})
	b.Run("read_effective_1000", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, err := storage.Effective(ctx)
			require.NoError(b, err)
		}
	})
}

func generateEffective(n int) []grantsync.EffectivePermission {
	permissions := make([]grantsync.EffectivePermission, 0, n)
	for i := 0; i < n; i++ {
		permissions = append(permissions, grantsync.EffectivePermission{
			Repo:            grantsync.RepoKey{ProjectKey: "PLAT", RepoSlug: fmt.Sprintf("repo-%03d", i%20)},
			Email:           fmt.Sprintf("user-%04d@example.com", i),
			Level:           grantsync.LevelRead + grantsync.Level(i%3),
			Source:          grantsync.SourceGroup,
			SourcePrincipal: "developers",
		})
	}
	return permissions
}
