package data

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/go-test/deep"
	"github.com/google/go-cmp/cmp"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dnd-stuff/sheetsync/internal/core"
)

func TestStore_Snapshot(t *testing.T) {
	for name, store := range storeEngines(t) {
		t.Run(name, func(t *testing.T) {
			if got := mustSnapshot(t, store); len(got) != 0 {
				t.Fatalf("new store should be empty, got %v", got)
			}

			mustUpsert(t, store,
				CharacterRecord{Owner: 2, Name: "Bram", Payload: `{"name":"Bram","hp":9}`},
				CharacterRecord{Owner: 1, Name: "Aria", Payload: `{"name":"Aria","hp":12}`},
			)

			want := []CharacterRecord{
				{Owner: 1, Name: "Aria", Payload: `{"name":"Aria","hp":12}`},
				{Owner: 2, Name: "Bram", Payload: `{"name":"Bram","hp":9}`},
			}
			if diff := cmp.Diff(want, mustSnapshot(t, store)); diff != "" {
				t.Errorf("Snapshot() did not match expected; diff:\n%s", diff)
			}
		})
	}
}

func TestStore_UpsertLatestWriterWins(t *testing.T) {
	for name, store := range storeEngines(t) {
		t.Run(name, func(t *testing.T) {
			mustUpsert(t, store,
				CharacterRecord{Owner: 1, Name: "Aria", Payload: `{"name":"Aria","hp":12}`},
				CharacterRecord{Owner: 2, Name: "Aria", Payload: `{"name":"Aria","hp":3}`},
			)

			want := []CharacterRecord{{Owner: 2, Name: "Aria", Payload: `{"name":"Aria","hp":3}`}}
			if diff := deep.Equal(want, mustSnapshot(t, store)); diff != nil {
				t.Errorf("Snapshot() after overwrite did not match expected: %v", diff)
			}
		})
	}
}

func TestStore_NormalizedNames(t *testing.T) {
	composed := "Ar\u00eda"
	decomposed := "Ari\u0301a"

	for name, store := range storeEngines(t) {
		t.Run(name, func(t *testing.T) {
			mustUpsert(t, store,
				CharacterRecord{Owner: 1, Name: composed, Payload: "first"},
				CharacterRecord{Owner: 1, Name: decomposed, Payload: "second"},
			)

			got := mustSnapshot(t, store)
			if len(got) != 1 || got[0].Payload != "second" {
				t.Errorf("equivalent spellings should share a record, got %v", got)
			}
		})
	}
}

func TestStore_RemoveOwner(t *testing.T) {
	for name, store := range storeEngines(t) {
		t.Run(name, func(t *testing.T) {
			mustUpsert(t, store,
				CharacterRecord{Owner: 1, Name: "Aria", Payload: "a"},
				CharacterRecord{Owner: 1, Name: "Cid", Payload: "c"},
				CharacterRecord{Owner: 2, Name: "Bram", Payload: "b"},
			)

			removed, err := store.RemoveOwner(1)
			if err != nil {
				t.Fatalf("RemoveOwner() returned an unexpected error: %v", err)
			}
			if removed != 2 {
				t.Errorf("RemoveOwner() want = 2 removed, got = %d", removed)
			}

			want := []CharacterRecord{{Owner: 2, Name: "Bram", Payload: "b"}}
			if diff := cmp.Diff(want, mustSnapshot(t, store)); diff != "" {
				t.Errorf("Snapshot() after RemoveOwner() did not match expected; diff:\n%s", diff)
			}
		})
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	store := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = store.Upsert(CharacterRecord{Owner: uint32(i), Name: fmt.Sprintf("c%d", j%10), Payload: "x"})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := store.Snapshot(); err != nil {
					t.Errorf("Snapshot() returned an unexpected error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if got := mustSnapshot(t, store); len(got) != 10 {
		t.Errorf("store should hold one record per name, got %d", len(got))
	}
}

func TestDatabaseStore_GenerationsAreIsolated(t *testing.T) {
	db := setUpDatabase(t)

	first, err := NewDatabaseStore(db, 1)
	if err != nil {
		t.Fatalf("NewDatabaseStore() returned an unexpected error: %v", err)
	}
	mustUpsert(t, first, CharacterRecord{Owner: 1, Name: "Aria", Payload: "a"})

	second, err := NewDatabaseStore(db, 2)
	if err != nil {
		t.Fatalf("NewDatabaseStore() returned an unexpected error: %v", err)
	}
	if got := mustSnapshot(t, second); len(got) != 0 {
		t.Errorf("a new generation should start empty, got %v", got)
	}

	// A draining generation keeps its records and its late writes stay
	// invisible to the new one.
	want := []CharacterRecord{{Owner: 1, Name: "Aria", Payload: "a"}}
	if diff := deep.Equal(want, mustSnapshot(t, first)); diff != nil {
		t.Errorf("opening a new generation touched the previous one: %v", diff)
	}
	mustUpsert(t, first, CharacterRecord{Owner: 1, Name: "Aria", Payload: "late"})
	if got := mustSnapshot(t, second); len(got) != 0 {
		t.Errorf("writes from another generation leaked into the snapshot: %v", got)
	}
}

func TestDatabaseStore_ClearsStaleRows(t *testing.T) {
	db := setUpDatabase(t)

	// Rows a previous run left under generations 1 and 3.
	for _, row := range []characterRow{
		{Generation: 1, Name: "Aria", Owner: 1, Payload: "a"},
		{Generation: 3, Name: "Bram", Owner: 2, Payload: "b"},
	} {
		row := row
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("error inserting row: %v", err)
		}
	}

	if _, err := NewDatabaseStore(db, 1); err != nil {
		t.Fatalf("NewDatabaseStore() returned an unexpected error: %v", err)
	}
	var left int64
	if err := db.Model(&characterRow{}).Count(&left).Error; err != nil {
		t.Fatalf("error counting rows: %v", err)
	}
	if left != 0 {
		t.Errorf("want every stale row at or above the new generation cleared, %d left", left)
	}
}

func TestDatabaseStore_CloseClearsOwnRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "close.db")
	open := func() *gorm.DB {
		db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
		if err != nil {
			t.Fatalf("error opening test database: %v", err)
		}
		if err = db.AutoMigrate(&characterRow{}); err != nil {
			t.Fatalf("error auto migrating db: %v", err)
		}
		return db
	}

	first, err := NewDatabaseStore(open(), 1)
	if err != nil {
		t.Fatalf("NewDatabaseStore() returned an unexpected error: %v", err)
	}
	second, err := NewDatabaseStore(open(), 2)
	if err != nil {
		t.Fatalf("NewDatabaseStore() returned an unexpected error: %v", err)
	}
	defer second.Close()
	mustUpsert(t, first, CharacterRecord{Owner: 1, Name: "Aria", Payload: "a"})
	mustUpsert(t, second, CharacterRecord{Owner: 2, Name: "Bram", Payload: "b"})

	if err := first.Close(); err != nil {
		t.Fatalf("Close() returned an unexpected error: %v", err)
	}

	var rows []characterRow
	if err := second.db.Order("generation").Find(&rows).Error; err != nil {
		t.Fatalf("error reading rows: %v", err)
	}
	if len(rows) != 1 || rows[0].Generation != 2 {
		t.Errorf("want only the open generation's row left, got %+v", rows)
	}
}

func TestOpen(t *testing.T) {
	cfg := core.DefaultConfig()
	logger := core.NewDiscardLogger()

	store, err := Open(cfg, 1, logger)
	if err != nil {
		t.Fatalf("Open() returned an unexpected error: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Errorf("default engine want *MemoryStore, got %T", store)
	}

	cfg.Database.Engine = core.EngineSQLite
	store, err = Open(cfg, 1, logger)
	if err != nil {
		t.Fatalf("Open() returned an unexpected error: %v", err)
	}
	defer store.Close()
	mustUpsert(t, store, CharacterRecord{Owner: 1, Name: "Aria", Payload: "a"})
	if got := mustSnapshot(t, store); len(got) != 1 {
		t.Errorf("in-memory sqlite store want 1 record, got %v", got)
	}

	cfg.Database.Engine = "mongo"
	if _, err := Open(cfg, 1, logger); err == nil {
		t.Errorf("Open() should reject an unknown engine")
	}
}

func TestCharacterName(t *testing.T) {
	tests := []struct {
		payload string
		want    string
		wantOk  bool
	}{
		{payload: `{"name":"Aria","hp":3}`, want: "Aria", wantOk: true},
		{payload: `{"name":""}`, want: "", wantOk: true},
		{payload: `{"hp":3}`},
		{payload: `{"name":5}`},
		{payload: `{"name":null}`},
		{payload: `["name"]`},
		{payload: `null`},
		{payload: `not json`},
	}
	for _, tt := range tests {
		got, ok := CharacterName(tt.payload)
		if ok != tt.wantOk || got != tt.want {
			t.Errorf("CharacterName(%s) want = (%q, %v), got = (%q, %v)", tt.payload, tt.want, tt.wantOk, got, ok)
		}
	}
}
