package ledger

import (
	"math/big"
	"strings"
)

// AssetKind identifies which of the two recognised deposit tables an
// operation targets. Loans are tracked in their own table and are not
// addressable as an asset kind.
type AssetKind string

const (
	// AssetCollateral denotes the collateral token table.
	AssetCollateral AssetKind = "collateral"
	// AssetBase denotes the base token table.
	AssetBase AssetKind = "base"
)

// ParseAssetKind normalises a wire-level asset kind. Anything other than the
// two recognised kinds is rejected.
func ParseAssetKind(raw string) (AssetKind, error) {
	switch AssetKind(strings.ToLower(strings.TrimSpace(raw))) {
	case AssetCollateral:
		return AssetCollateral, nil
	case AssetBase:
		return AssetBase, nil
	}
	return "", errUnsupportedAsset
}

// Account tracks a participant's position in a single ledger table. The same
// shape backs collateral deposits, base deposits and loans; the accrual rate
// applied to it depends on the table it lives in.
type Account struct {
	// Deposit is the committed principal in native token units.
	Deposit *big.Int
	// Interest is the consolidated interest that has been folded into the
	// account by previous touches but not yet merged with the principal.
	Interest *big.Int
	// LastAccrualTick records the tick at which interest was last
	// consolidated. Zero means the account has never been touched; the
	// first touch stamps the tick without accruing.
	LastAccrualTick uint64
}

// NewAccount returns an account with zeroed balances.
func NewAccount() *Account {
	return &Account{Deposit: big.NewInt(0), Interest: big.NewInt(0)}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{LastAccrualTick: a.LastAccrualTick}
	if a.Deposit != nil {
		clone.Deposit = new(big.Int).Set(a.Deposit)
	}
	if a.Interest != nil {
		clone.Interest = new(big.Int).Set(a.Interest)
	}
	return clone
}

// Total returns deposit plus consolidated interest. Pending accrual since the
// last touch is not included; callers that need the up-to-date figure go
// through the engine's balance queries.
func (a *Account) Total() *big.Int {
	total := big.NewInt(0)
	if a == nil {
		return total
	}
	if a.Deposit != nil {
		total.Add(total, a.Deposit)
	}
	if a.Interest != nil {
		total.Add(total, a.Interest)
	}
	return total
}

// normalise replaces nil balance fields with zero values so arithmetic never
// trips over partially initialised records loaded from state.
func (a *Account) normalise() *Account {
	if a == nil {
		return NewAccount()
	}
	if a.Deposit == nil {
		a.Deposit = big.NewInt(0)
	}
	if a.Interest == nil {
		a.Interest = big.NewInt(0)
	}
	return a
}

// Position is the combined read-model of a participant: both sides of the
// collateralised loan plus the derived ratio, with interest previewed to the
// current tick.
type Position struct {
	// Collateral mirrors the collateral account with previewed interest.
	Collateral *Account
	// Loan mirrors the loan account with previewed interest.
	Loan *Account
	// Ratio is the collateral ratio in basis points.
	Ratio *big.Int
}
