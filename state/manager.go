// Package state persists the ledger's tables over a key-value database. A
// Manager wraps the database with keccak-hashed keys and RLP record encoding;
// Sessions buffer the writes of a single operation so that it commits in one
// batch or leaves no trace at all.
package state

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"lendledger/storage"
)

var errNilDatabase = errors.New("state: database not configured")

// Manager mediates access to the persisted ledger state.
type Manager struct {
	db storage.Database
}

// NewManager constructs a manager over the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// kvKey hashes a logical key before it reaches the database so that key
// lengths stay uniform and prefixes cannot collide with payload bytes.
func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut stores the provided value under the supplied logical key using RLP
// encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if m == nil || m.db == nil {
		return errNilDatabase
	}
	if len(key) == 0 {
		return fmt.Errorf("state: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied logical key and decodes
// it into out. The boolean reports whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if m == nil || m.db == nil {
		return false, errNilDatabase
	}
	if len(key) == 0 {
		return false, fmt.Errorf("state: key must not be empty")
	}
	data, err := m.db.Get(kvKey(key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under the supplied logical key.
func (m *Manager) KVDelete(key []byte) error {
	if m == nil || m.db == nil {
		return errNilDatabase
	}
	if len(key) == 0 {
		return fmt.Errorf("state: key must not be empty")
	}
	return m.db.Delete(kvKey(key))
}

// NewSession opens a buffered view over the manager's database. Reads fall
// through to committed state until the session itself writes the key.
func (m *Manager) NewSession() *Session {
	return &Session{
		manager: m,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}
