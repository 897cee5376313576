package stream

import (
	"errors"
	"strings"

	"lendledger/storage"
)

var cursorKey = []byte("auditd/stream/cursor")

// Checkpoint persists the last archived stream cursor so a restarted consumer
// resumes where it left off instead of replaying the whole retained backlog.
type Checkpoint struct {
	db storage.Database
}

// NewCheckpoint wraps an open checkpoint database.
func NewCheckpoint(db storage.Database) *Checkpoint {
	return &Checkpoint{db: db}
}

// Load returns the saved cursor, empty when no checkpoint exists yet.
func (c *Checkpoint) Load() (string, error) {
	if c == nil || c.db == nil {
		return "", errors.New("stream: checkpoint not initialised")
	}
	value, err := c.db.Get(cursorKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(value)), nil
}

// Save records the cursor of the last archived entry.
func (c *Checkpoint) Save(cursor string) error {
	if c == nil || c.db == nil {
		return errors.New("stream: checkpoint not initialised")
	}
	return c.db.Put(cursorKey, []byte(strings.TrimSpace(cursor)))
}
