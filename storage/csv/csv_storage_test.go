package csv

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grantsync/grantsync"
	"github.com/grantsync/grantsync/testsuite"
)

var storage grantsync.Storage

func TestMain(m *testing.M) {
	dir := os.Getenv("TEST_CSV_DIR")

	if dir == "" {
		_ = os.RemoveAll("./test-out")
		dir = "./test-out"
	}

	var err error
	storage, err = NewCSVStorage(dir)
	if err != nil {
		log.Fatalf("CSVStorage creation failed: %v", err)
	}

	code := m.Run()

	// os.Exit doesn't care for defer, so let's explicitly close...
	storage.Close()

	os.Exit(code)
}

func TestCSVWithTestSuite(t *testing.T) {
	testsuite.RunTestAll(t, map[string]testsuite.TestConfig{
		"files": {
			Storage: storage,
		},
	})
}

func TestCSVFileFormat(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVStorage(dir)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	repo := grantsync.RepoKey{ProjectKey: "PLAT", RepoSlug: "billing-api"}
	require.NoError(t, s.WriteEffective(ctx, []grantsync.EffectivePermission{
		{Repo: repo, Email: "alice@example.com", Level: grantsync.LevelAdmin, Source: grantsync.SourceGroup, SourcePrincipal: "developers"},
	}))

	// The on-disk format keeps Bitbucket's level names and one header line.
	raw, err := os.ReadFile(filepath.Join(dir, "effective_repo_user_permissions.csv"))
	require.NoError(t, err)
	require.Equal(t,
		"project_key,repo_slug,email,permission,source,source_principal\n"+
			"PLAT,billing-api,alice@example.com,REPO_ADMIN,group,developers\n",
		string(raw))
}

func TestCSVRejectsMalformedRows(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVStorage(dir)
	require.NoError(t, err)
	defer s.Close()

	path := filepath.Join(dir, "repo_user_permissions.csv")
	contents := "project_key,repo_slug,principal_type,principal,email,permission\n" +
		"PLAT,billing-api,user,alice,alice@example.com,REPO_SUPERADMIN\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	_, err = s.DirectGrants(context.Background())
	require.ErrorContains(t, err, "REPO_SUPERADMIN")
}

func TestCSVMissingFileIsNotFound(t *testing.T) {
	s, err := NewCSVStorage(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Effective(context.Background())
	require.ErrorIs(t, err, grantsync.ErrNotFound)
}

func BenchmarkCSV(b *testing.B) {
	testsuite.RunBenchmarkAll(b, map[string]grantsync.Storage{
		"files": storage,
	})
}
