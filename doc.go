// The grantsync-package provides building blocks for migrating repository
// permissions from Bitbucket Data Center to GitHub.
//
// The heart of the package is [Resolve], a pure function turning raw grant
// records into one effective permission per repository and user:
//
//	repo := grantsync.RepoKey{ProjectKey: "PLAT", RepoSlug: "billing-api"}
//	result, err := grantsync.Resolve(
//		[]grantsync.DirectGrant{
//			{Repo: repo, Principal: grantsync.User("alice", "alice@example.com"), Level: grantsync.LevelWrite},
//		},
//		[]grantsync.GroupGrant{
//			{Repo: repo, Group: "developers", Level: grantsync.LevelAdmin},
//		},
//		[]grantsync.Membership{
//			{Group: "developers", Member: grantsync.User("alice", "alice@example.com")},
//			{Group: "developers", Member: grantsync.User("bob", "bob@example.com")},
//		},
//	)
//
// Here both users end up with ADMIN through the group, because for every
// (repository, email) pair the strongest grant wins. Ties prefer direct
// grants over group grants, so alice would keep her direct WRITE if the
// group granted WRITE too. Rows that cannot be resolved are never dropped
// silently, they are reported in [Result] as diagnostics.
//
// A [Storage] implementation persists the record collections between the
// phases of a migration. The storage sub-packages provide CSV, SQLite,
// Postgres and Pebble backed stores, all satisfying the same interface and
// verified by the shared testsuite-package.
//
// The bitbucket-package extracts grant records from a Bitbucket Data Center
// instance, the github-package applies resolved permissions to GitHub
// repositories. Both are wired into the grantsync command, see cmd/grantsync.
//
// For more examples, check the repository.
// You may find additional information in the README.
package grantsync
