package sqlite3

import (
	"log"
	"os"
	"testing"

	"github.com/grantsync/grantsync"
	"github.com/grantsync/grantsync/testsuite"
)

var storage grantsync.Storage

func TestMain(m *testing.M) {
	filepath := os.Getenv("TEST_SQLITE_FILE")

	if filepath == "" {
		_ = os.Remove("./test.db")
		filepath = "./test.db"
	}

	var err error
	storage, err = NewSQLite3Storage(filepath, PoolSize(2))
	if err != nil {
		log.Fatalf("SQLite3Storage creation failed: %v", err)
	}

	code := m.Run()

	// os.Exit doesn't care for defer, so let's explicitly close...
	storage.Close()

	os.Exit(code)
}

func TestSQLite3WithTestSuite(t *testing.T) {
	testsuite.RunTestAll(t, map[string]testsuite.TestConfig{
		"queries": {
			Storage: storage,
		},
	})
}

func BenchmarkSQLite3(b *testing.B) {
	testsuite.RunBenchmarkAll(b, map[string]grantsync.Storage{
		"queries": storage,
	})
}
