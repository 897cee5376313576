package state

import (
	"errors"

	"github.com/ethereum/go-ethereum/rlp"

	"lendledger/crypto"
	"lendledger/custody"
	"lendledger/ledger"
	"lendledger/storage"
)

// Session buffers the state mutations of a single operation. All writes stay
// in the overlay until Commit flushes them to the database in one batch;
// Discard drops them. Sessions are not safe for concurrent use.
type Session struct {
	manager *Manager
	writes  map[string][]byte
	deletes map[string]struct{}
}

func (s *Session) get(key []byte) ([]byte, bool, error) {
	if s == nil || s.manager == nil || s.manager.db == nil {
		return nil, false, errNilDatabase
	}
	hashed := string(kvKey(key))
	if _, ok := s.deletes[hashed]; ok {
		return nil, false, nil
	}
	if data, ok := s.writes[hashed]; ok {
		return data, true, nil
	}
	data, err := s.manager.db.Get([]byte(hashed))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, len(data) > 0, nil
}

func (s *Session) put(key []byte, value interface{}) error {
	if s == nil || s.manager == nil || s.manager.db == nil {
		return errNilDatabase
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	hashed := string(kvKey(key))
	delete(s.deletes, hashed)
	s.writes[hashed] = encoded
	return nil
}

func (s *Session) loadAccount(key []byte) (*ledger.Account, error) {
	data, ok, err := s.get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, err
	}
	return stored.toAccount(), nil
}

// GetCollateralAccount loads the collateral table entry for addr. Missing
// records surface as nil.
func (s *Session) GetCollateralAccount(addr crypto.Address) (*ledger.Account, error) {
	return s.loadAccount(collateralKey(addr))
}

// PutCollateralAccount stores the collateral table entry for addr.
func (s *Session) PutCollateralAccount(addr crypto.Address, account *ledger.Account) error {
	return s.put(collateralKey(addr), newStoredAccount(account))
}

// GetBaseAccount loads the base deposit table entry for addr.
func (s *Session) GetBaseAccount(addr crypto.Address) (*ledger.Account, error) {
	return s.loadAccount(baseKey(addr))
}

// PutBaseAccount stores the base deposit table entry for addr.
func (s *Session) PutBaseAccount(addr crypto.Address, account *ledger.Account) error {
	return s.put(baseKey(addr), newStoredAccount(account))
}

// GetLoanAccount loads the loan table entry for addr.
func (s *Session) GetLoanAccount(addr crypto.Address) (*ledger.Account, error) {
	return s.loadAccount(loanKey(addr))
}

// PutLoanAccount stores the loan table entry for addr.
func (s *Session) PutLoanAccount(addr crypto.Address, account *ledger.Account) error {
	return s.put(loanKey(addr), newStoredAccount(account))
}

// GetBankAccount loads the bank balance record for addr. Missing records
// surface as nil.
func (s *Session) GetBankAccount(addr crypto.Address) (*custody.Account, error) {
	data, ok, err := s.get(bankKey(addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var stored storedBankAccount
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, err
	}
	return stored.toAccount(), nil
}

// PutBankAccount stores the bank balance record for addr.
func (s *Session) PutBankAccount(addr crypto.Address, account *custody.Account) error {
	return s.put(bankKey(addr), newStoredBankAccount(account))
}

// ChainTick returns the last persisted ledger tick. Zero means no tick has
// ever completed.
func (s *Session) ChainTick() (uint64, error) {
	var tick uint64
	if _, err := s.getDecoded(chainTickKey, &tick); err != nil {
		return 0, err
	}
	return tick, nil
}

// SetChainTick stores the current ledger tick.
func (s *Session) SetChainTick(tick uint64) error {
	return s.put(chainTickKey, tick)
}

// ModulePaused reports whether the named module's mutations are paused.
func (s *Session) ModulePaused(module string) (bool, error) {
	var paused bool
	if _, err := s.getDecoded(pauseKey(module), &paused); err != nil {
		return false, err
	}
	return paused, nil
}

// SetModulePaused flips the pause switch for the named module.
func (s *Session) SetModulePaused(module string, paused bool) error {
	return s.put(pauseKey(module), paused)
}

// IsPaused adapts ModulePaused to the engine's pause view. Read errors are
// reported as unpaused.
func (s *Session) IsPaused(module string) bool {
	paused, err := s.ModulePaused(module)
	if err != nil {
		return false
	}
	return paused
}

// GenesisApplied reports whether the genesis allocations have been seeded.
func (s *Session) GenesisApplied() (bool, error) {
	var applied bool
	if _, err := s.getDecoded(genesisKey, &applied); err != nil {
		return false, err
	}
	return applied, nil
}

// MarkGenesisApplied records that genesis seeding completed.
func (s *Session) MarkGenesisApplied() error {
	return s.put(genesisKey, true)
}

func (s *Session) getDecoded(key []byte, out interface{}) (bool, error) {
	data, ok, err := s.get(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Commit flushes the buffered writes to the database in a single batch and
// resets the session.
func (s *Session) Commit() error {
	if s == nil || s.manager == nil || s.manager.db == nil {
		return errNilDatabase
	}
	if len(s.writes) == 0 && len(s.deletes) == 0 {
		return nil
	}
	batch := s.manager.db.NewBatch()
	for key, value := range s.writes {
		if err := batch.Put([]byte(key), value); err != nil {
			return err
		}
	}
	for key := range s.deletes {
		if err := batch.Delete([]byte(key)); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.reset()
	return nil
}

// Discard drops all buffered writes.
func (s *Session) Discard() {
	if s == nil {
		return
	}
	s.reset()
}

func (s *Session) reset() {
	s.writes = make(map[string][]byte)
	s.deletes = make(map[string]struct{})
}
