package custody

import (
	"math/big"

	"lendledger/crypto"
)

// CollateralVault escrows collateral tokens for the ledger. Pulls debit the
// participant's bank balance into the vault account; pushes return escrowed
// tokens to the participant.
type CollateralVault struct {
	store BankStore
	vault crypto.Address
}

// NewCollateralVault constructs a collateral vault over the given store and
// vault address.
func NewCollateralVault(store BankStore, vault crypto.Address) *CollateralVault {
	return &CollateralVault{store: store, vault: vault}
}

// PullFrom moves amount of collateral from the participant into the vault.
func (v *CollateralVault) PullFrom(participant crypto.Address, amount *big.Int) error {
	if v == nil {
		return errNilStore
	}
	return moveCollateral(v.store, participant, v.vault, amount)
}

// PushTo releases amount of escrowed collateral back to the participant.
func (v *CollateralVault) PushTo(participant crypto.Address, amount *big.Int) error {
	if v == nil {
		return errNilStore
	}
	return moveCollateral(v.store, v.vault, participant, amount)
}

// BaseVault settles base token movements for the ledger. Collect debits an
// attached payment from the participant into the vault; Release pays vault
// funds out.
type BaseVault struct {
	store BankStore
	vault crypto.Address
}

// NewBaseVault constructs a base vault over the given store and vault
// address.
func NewBaseVault(store BankStore, vault crypto.Address) *BaseVault {
	return &BaseVault{store: store, vault: vault}
}

// Collect moves amount of base tokens from the participant into the vault.
func (v *BaseVault) Collect(from crypto.Address, amount *big.Int) error {
	if v == nil {
		return errNilStore
	}
	return moveBase(v.store, from, v.vault, amount)
}

// Release pays amount of base tokens from the vault to the participant.
func (v *BaseVault) Release(to crypto.Address, amount *big.Int) error {
	if v == nil {
		return errNilStore
	}
	return moveBase(v.store, v.vault, to, amount)
}

func moveCollateral(store BankStore, from, to crypto.Address, amount *big.Int) error {
	if store == nil {
		return errNilStore
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	sender, err := loadAccount(store, from)
	if err != nil {
		return err
	}
	if sender.BalanceCollateral.Cmp(amount) < 0 {
		return errInsufficientCollateral
	}
	sender.BalanceCollateral = new(big.Int).Sub(sender.BalanceCollateral, amount)
	if err := store.PutBankAccount(from, sender); err != nil {
		return err
	}
	recipient, err := loadAccount(store, to)
	if err != nil {
		return err
	}
	recipient.BalanceCollateral = new(big.Int).Add(recipient.BalanceCollateral, amount)
	return store.PutBankAccount(to, recipient)
}

func moveBase(store BankStore, from, to crypto.Address, amount *big.Int) error {
	if store == nil {
		return errNilStore
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	sender, err := loadAccount(store, from)
	if err != nil {
		return err
	}
	if sender.BalanceBase.Cmp(amount) < 0 {
		return errInsufficientBase
	}
	sender.BalanceBase = new(big.Int).Sub(sender.BalanceBase, amount)
	if err := store.PutBankAccount(from, sender); err != nil {
		return err
	}
	recipient, err := loadAccount(store, to)
	if err != nil {
		return err
	}
	recipient.BalanceBase = new(big.Int).Add(recipient.BalanceBase, amount)
	return store.PutBankAccount(to, recipient)
}
