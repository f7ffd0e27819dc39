// Package data holds the character sheets shared between connected clients.
package data

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"

	"github.com/dnd-stuff/sheetsync/internal/core"
)

// CharacterRecord is the latest sheet known for a character name.
type CharacterRecord struct {
	Owner   uint32
	Name    string
	Payload string
}

// Store is the table of character sheets shared by every connection of a
// listener generation. Implementations are safe for concurrent use.
type Store interface {
	// Snapshot returns a consistent copy of every record, sorted by name.
	Snapshot() ([]CharacterRecord, error)
	// Upsert replaces any record with the same name, owner included.
	Upsert(record CharacterRecord) error
	// RemoveOwner deletes every record owned by owner and returns how many were removed.
	RemoveOwner(owner uint32) (int, error)
	Close() error
}

// Open creates the Store for one listener generation using the configured engine.
func Open(cfg *core.Config, generation uint64, logger *logrus.Logger) (Store, error) {
	switch strings.ToLower(cfg.Database.Engine) {
	case core.EngineMemory, "":
		return NewMemoryStore(), nil
	case core.EngineSQLite, core.EnginePostgres:
		db, err := Initialize(cfg)
		if err != nil {
			return nil, err
		}
		store, err := NewDatabaseStore(db, generation)
		if err != nil {
			_ = Shutdown(db)
			return nil, err
		}
		logger.Debugf("[STORE] opened %s store for generation %d", cfg.Database.Engine, generation)
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database engine: %q", cfg.Database.Engine)
	}
}

// CharacterName extracts the "name" field from a serialized sheet. The sheet
// must be a JSON object and name must be a string.
func CharacterName(payload string) (string, bool) {
	var sheet map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &sheet); err != nil || sheet == nil {
		return "", false
	}
	raw, ok := sheet["name"]
	if !ok {
		return "", false
	}
	var name *string
	if err := json.Unmarshal(raw, &name); err != nil || name == nil {
		return "", false
	}
	return *name, true
}

// NormalizeName maps canonically equivalent spellings of a name to one key.
func NormalizeName(name string) string {
	return norm.NFC.String(name)
}
