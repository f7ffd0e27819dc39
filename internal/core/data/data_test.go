package data

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Creates a database for testing. For the sake of simplicity, this only uses the
// SQLite engine and creates a new database on every invocation since it is relatively
// cheap to do so (especially given the low number of tests). If this ever becomes
// prohibitive due to performance, this approach will need to be reevaluated.
func setUpDatabase(t *testing.T) *gorm.DB {
	testDBFile := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(testDBFile), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("error initializing test database: %s", err)
	}

	if err = db.AutoMigrate(&characterRow{}); err != nil {
		t.Fatalf("error auto migrating db: %s", err)
	}
	t.Cleanup(func() { _ = Shutdown(db) })
	return db
}

// storeEngines returns a fresh instance of every Store implementation.
func storeEngines(t *testing.T) map[string]Store {
	t.Helper()
	dbStore, err := NewDatabaseStore(setUpDatabase(t), 1)
	if err != nil {
		t.Fatalf("NewDatabaseStore() returned an unexpected error: %v", err)
	}
	return map[string]Store{
		"memory":   NewMemoryStore(),
		"database": dbStore,
	}
}

func mustUpsert(t *testing.T, s Store, records ...CharacterRecord) {
	t.Helper()
	for _, r := range records {
		if err := s.Upsert(r); err != nil {
			t.Fatalf("Upsert(%v) returned an unexpected error: %v", r, err)
		}
	}
}

func mustSnapshot(t *testing.T, s Store) []CharacterRecord {
	t.Helper()
	records, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() returned an unexpected error: %v", err)
	}
	return records
}
