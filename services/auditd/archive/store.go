package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lendledger/events"
)

// Store persists archived events and export records.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open gorm handle. The schema must already be migrated.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// SaveEntry archives one journal entry. Replayed sequences are skipped via the
// unique index; the return value reports whether a new row was written.
func (s *Store) SaveEntry(entry events.Entry, receivedAt time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("archive: store not initialised")
	}
	if entry.Payload == nil {
		return false, errors.New("archive: entry missing payload")
	}
	attrs, err := json.Marshal(entry.Payload.Attributes)
	if err != nil {
		return false, fmt.Errorf("archive: encode attributes: %w", err)
	}
	row := Event{
		ID:         uuid.New(),
		Sequence:   entry.Sequence,
		Cursor:     entry.Cursor,
		Type:       entry.Payload.Type,
		Attributes: string(attrs),
		ReceivedAt: receivedAt,
	}
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sequence"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("archive: save event: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// LatestSequence returns the highest archived sequence, zero when empty.
func (s *Store) LatestSequence() (uint64, error) {
	var seq uint64
	err := s.db.Model(&Event{}).Select("COALESCE(MAX(sequence), 0)").Scan(&seq).Error
	if err != nil {
		return 0, fmt.Errorf("archive: latest sequence: %w", err)
	}
	return seq, nil
}

// EventsBetween returns archived events with start < sequence <= end in
// stream order.
func (s *Store) EventsBetween(start, end uint64) ([]Event, error) {
	var rows []Event
	err := s.db.Where("sequence > ? AND sequence <= ?", start, end).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("archive: load events: %w", err)
	}
	return rows, nil
}

// RecordExport persists the outcome of an export run.
func (s *Store) RecordExport(export *Export) error {
	if export == nil {
		return errors.New("archive: nil export")
	}
	if export.ID == uuid.Nil {
		export.ID = uuid.New()
	}
	if err := s.db.Create(export).Error; err != nil {
		return fmt.Errorf("archive: record export: %w", err)
	}
	return nil
}

// LastExport returns the most recent export record, nil when none exists.
func (s *Store) LastExport() (*Export, error) {
	var export Export
	err := s.db.Order("end_sequence DESC").First(&export).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: last export: %w", err)
	}
	return &export, nil
}

// ListExports returns up to limit export records, newest first.
func (s *Store) ListExports(limit int) ([]Export, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []Export
	err := s.db.Order("created_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("archive: list exports: %w", err)
	}
	return rows, nil
}
