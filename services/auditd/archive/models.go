package archive

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Event is one archived ledger event. Sequence carries the journal position
// assigned by ledgerd; the unique index makes stream replays idempotent.
type Event struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex"`
	Cursor     string    `gorm:"size:32"`
	Type       string    `gorm:"size:64;index"`
	Attributes string    `gorm:"type:text"`
	ReceivedAt time.Time
}

// Export records one parquet report written to disk together with its
// blake3 digest for tamper evidence.
type Export struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	StartSequence uint64
	EndSequence   uint64 `gorm:"index"`
	Rows          int64
	Path          string `gorm:"size:255"`
	Digest        string `gorm:"size:64"`
	CreatedAt     time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Event{},
		&Export{},
	)
}
