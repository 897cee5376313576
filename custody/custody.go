// Package custody implements the token movements behind ledger operations.
// Participant funds live in bank accounts keyed by address; each vault is
// itself a bank account at a deterministic module address, so every transfer
// is a balance move inside the same state session and commits atomically with
// the ledger records it settles.
package custody

import (
	"errors"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lendledger/crypto"
)

const (
	// CollateralVaultName names the module account escrowing pulled
	// collateral.
	CollateralVaultName = "ledger/collateral"
	// BaseVaultName names the module account backing base settlements.
	BaseVaultName = "ledger/base"
)

var (
	errNilStore               = errors.New("custody: bank store not configured")
	errInvalidAmount          = errors.New("custody: amount must be positive")
	errInsufficientBase       = errors.New("custody: insufficient base balance")
	errInsufficientCollateral = errors.New("custody: insufficient collateral balance")
)

// Account is a participant's bank balance sheet covering both native tokens.
type Account struct {
	BalanceBase       *big.Int
	BalanceCollateral *big.Int
}

// NewAccount returns an account with zeroed balances.
func NewAccount() *Account {
	return &Account{BalanceBase: big.NewInt(0), BalanceCollateral: big.NewInt(0)}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{}
	if a.BalanceBase != nil {
		clone.BalanceBase = new(big.Int).Set(a.BalanceBase)
	}
	if a.BalanceCollateral != nil {
		clone.BalanceCollateral = new(big.Int).Set(a.BalanceCollateral)
	}
	return clone
}

func (a *Account) normalise() *Account {
	if a == nil {
		return NewAccount()
	}
	if a.BalanceBase == nil {
		a.BalanceBase = big.NewInt(0)
	}
	if a.BalanceCollateral == nil {
		a.BalanceCollateral = big.NewInt(0)
	}
	return a
}

// BankStore persists bank accounts. Getters report missing records as nil
// accounts and return private copies the caller may mutate.
type BankStore interface {
	GetBankAccount(addr crypto.Address) (*Account, error)
	PutBankAccount(addr crypto.Address, account *Account) error
}

// ModuleAddress derives the deterministic bank address that holds a module
// vault's funds. No private key exists for these addresses.
func ModuleAddress(name string) crypto.Address {
	digest := ethcrypto.Keccak256([]byte("lendledger/module/" + name))
	return crypto.NewAddress(crypto.LedgerPrefix, digest[12:])
}

// Credit adds funds to a bank account outside of a transfer. Genesis
// allocations are seeded through this path.
func Credit(store BankStore, addr crypto.Address, base, collateral *big.Int) error {
	if store == nil {
		return errNilStore
	}
	account, err := loadAccount(store, addr)
	if err != nil {
		return err
	}
	if base != nil {
		if base.Sign() < 0 {
			return errInvalidAmount
		}
		account.BalanceBase = new(big.Int).Add(account.BalanceBase, base)
	}
	if collateral != nil {
		if collateral.Sign() < 0 {
			return errInvalidAmount
		}
		account.BalanceCollateral = new(big.Int).Add(account.BalanceCollateral, collateral)
	}
	return store.PutBankAccount(addr, account)
}

func loadAccount(store BankStore, addr crypto.Address) (*Account, error) {
	account, err := store.GetBankAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.normalise(), nil
}
