package state

import (
	"math/big"

	"lendledger/crypto"
	"lendledger/custody"
	"lendledger/ledger"
)

// Logical key prefixes for the persisted tables. Logical keys are hashed with
// keccak256 before they reach the database, so prefix collisions with raw
// address bytes cannot occur.
var (
	collateralPrefix = []byte("ledger/collateral:")
	basePrefix       = []byte("ledger/base:")
	loanPrefix       = []byte("ledger/loan:")
	bankPrefix       = []byte("bank/account:")
	pausePrefix      = []byte("pause/module:")
	chainTickKey     = []byte("chain/tick")
	genesisKey       = []byte("genesis/applied")
)

func prefixedAddrKey(prefix []byte, addr crypto.Address) []byte {
	raw := addr.Bytes()
	buf := make([]byte, len(prefix)+len(raw))
	copy(buf, prefix)
	copy(buf[len(prefix):], raw)
	return buf
}

func collateralKey(addr crypto.Address) []byte {
	return prefixedAddrKey(collateralPrefix, addr)
}

func baseKey(addr crypto.Address) []byte {
	return prefixedAddrKey(basePrefix, addr)
}

func loanKey(addr crypto.Address) []byte {
	return prefixedAddrKey(loanPrefix, addr)
}

func bankKey(addr crypto.Address) []byte {
	return prefixedAddrKey(bankPrefix, addr)
}

func pauseKey(module string) []byte {
	buf := make([]byte, len(pausePrefix)+len(module))
	copy(buf, pausePrefix)
	copy(buf[len(pausePrefix):], module)
	return buf
}

// storedAccount is the RLP shape of a ledger table entry. Balance fields are
// never nil when encoding.
type storedAccount struct {
	Deposit         *big.Int
	Interest        *big.Int
	LastAccrualTick uint64
}

func newStoredAccount(account *ledger.Account) *storedAccount {
	if account == nil {
		return nil
	}
	stored := &storedAccount{
		Deposit:         big.NewInt(0),
		Interest:        big.NewInt(0),
		LastAccrualTick: account.LastAccrualTick,
	}
	if account.Deposit != nil {
		stored.Deposit = new(big.Int).Set(account.Deposit)
	}
	if account.Interest != nil {
		stored.Interest = new(big.Int).Set(account.Interest)
	}
	return stored
}

func (s *storedAccount) toAccount() *ledger.Account {
	if s == nil {
		return nil
	}
	account := &ledger.Account{
		Deposit:         big.NewInt(0),
		Interest:        big.NewInt(0),
		LastAccrualTick: s.LastAccrualTick,
	}
	if s.Deposit != nil {
		account.Deposit = new(big.Int).Set(s.Deposit)
	}
	if s.Interest != nil {
		account.Interest = new(big.Int).Set(s.Interest)
	}
	return account
}

// storedBankAccount is the RLP shape of a bank balance record.
type storedBankAccount struct {
	BalanceBase       *big.Int
	BalanceCollateral *big.Int
}

func newStoredBankAccount(account *custody.Account) *storedBankAccount {
	if account == nil {
		return nil
	}
	stored := &storedBankAccount{
		BalanceBase:       big.NewInt(0),
		BalanceCollateral: big.NewInt(0),
	}
	if account.BalanceBase != nil {
		stored.BalanceBase = new(big.Int).Set(account.BalanceBase)
	}
	if account.BalanceCollateral != nil {
		stored.BalanceCollateral = new(big.Int).Set(account.BalanceCollateral)
	}
	return stored
}

func (s *storedBankAccount) toAccount() *custody.Account {
	if s == nil {
		return nil
	}
	account := &custody.Account{
		BalanceBase:       big.NewInt(0),
		BalanceCollateral: big.NewInt(0),
	}
	if s.BalanceBase != nil {
		account.BalanceBase = new(big.Int).Set(s.BalanceBase)
	}
	if s.BalanceCollateral != nil {
		account.BalanceCollateral = new(big.Int).Set(s.BalanceCollateral)
	}
	return account
}
