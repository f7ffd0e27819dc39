package data

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// characterRow is the persisted form of a CharacterRecord. Rows are scoped to
// the listener generation that wrote them.
type characterRow struct {
	ID         uint64 `gorm:"primaryKey"`
	Generation uint64 `gorm:"uniqueIndex:idx_characters_generation_name"`
	Name       string `gorm:"uniqueIndex:idx_characters_generation_name"`
	Owner      uint32 `gorm:"index"`
	Payload    string

	UpdatedAt time.Time
}

func (characterRow) TableName() string { return "characters" }

// DatabaseStore is a Store backed by a gorm database.
type DatabaseStore struct {
	db         *gorm.DB
	generation uint64
}

// NewDatabaseStore returns a store for generation. Rows left behind by earlier
// runs under this or a later generation number are deleted first. Rows of
// older generations belong to listeners that may still be draining and are
// left to them; each store removes its own rows when closed.
func NewDatabaseStore(db *gorm.DB, generation uint64) (*DatabaseStore, error) {
	if err := db.Where("generation >= ?", generation).Delete(&characterRow{}).Error; err != nil {
		return nil, fmt.Errorf("error clearing stale characters: %w", err)
	}
	return &DatabaseStore{db: db, generation: generation}, nil
}

func (s *DatabaseStore) Snapshot() ([]CharacterRecord, error) {
	var rows []characterRow
	err := s.db.Where("generation = ?", s.generation).Order("name").Find(&rows).Error
	if err != nil {
		return nil, err
	}

	records := make([]CharacterRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, CharacterRecord{Owner: r.Owner, Name: r.Name, Payload: r.Payload})
	}
	return records, nil
}

func (s *DatabaseStore) Upsert(record CharacterRecord) error {
	row := &characterRow{
		Generation: s.generation,
		Name:       NormalizeName(record.Name),
		Owner:      record.Owner,
		Payload:    record.Payload,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "generation"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner", "payload", "updated_at"}),
	}).Create(row).Error
}

func (s *DatabaseStore) RemoveOwner(owner uint32) (int, error) {
	result := s.db.Where("generation = ? AND owner = ?", s.generation, owner).Delete(&characterRow{})
	return int(result.RowsAffected), result.Error
}

func (s *DatabaseStore) Close() error {
	if err := s.db.Where("generation = ?", s.generation).Delete(&characterRow{}).Error; err != nil {
		_ = Shutdown(s.db)
		return fmt.Errorf("error clearing characters of generation %d: %w", s.generation, err)
	}
	return Shutdown(s.db)
}
