package ledger

import (
	"math/big"

	"lendledger/crypto"
	"lendledger/events"
)

const (
	// TypeDeposited is emitted when a participant deposits collateral or
	// base tokens.
	TypeDeposited = "ledger.deposited"
	// TypeWithdrawn is emitted when a participant withdraws from a deposit
	// table.
	TypeWithdrawn = "ledger.withdrawn"
	// TypeBorrowed is emitted when a loan is opened or extended.
	TypeBorrowed = "ledger.borrowed"
	// TypeRepaid is emitted when a loan is partially or fully repaid.
	TypeRepaid = "ledger.repaid"
	// TypeLiquidated is emitted when an undercollateralised position is
	// closed by a third party.
	TypeLiquidated = "ledger.liquidated"
)

// Deposited notifies subscribers of a completed deposit.
type Deposited struct {
	Participant crypto.Address
	Asset       AssetKind
	Amount      *big.Int
}

func (Deposited) EventType() string { return TypeDeposited }

func (e Deposited) Event() *events.Payload {
	return &events.Payload{Type: TypeDeposited, Attributes: map[string]string{
		"participant": e.Participant.String(),
		"asset":       string(e.Asset),
		"amount":      formatAmount(e.Amount),
	}}
}

// Withdrawn notifies subscribers of a completed withdrawal. Remaining carries
// the balance left in the table after the withdrawal.
type Withdrawn struct {
	Participant crypto.Address
	Asset       AssetKind
	Amount      *big.Int
	Remaining   *big.Int
}

func (Withdrawn) EventType() string { return TypeWithdrawn }

func (e Withdrawn) Event() *events.Payload {
	return &events.Payload{Type: TypeWithdrawn, Attributes: map[string]string{
		"participant": e.Participant.String(),
		"asset":       string(e.Asset),
		"amount":      formatAmount(e.Amount),
		"remaining":   formatAmount(e.Remaining),
	}}
}

// Borrowed notifies subscribers of a new or extended loan together with the
// post-borrow collateral ratio in basis points.
type Borrowed struct {
	Borrower crypto.Address
	Amount   *big.Int
	Ratio    *big.Int
}

func (Borrowed) EventType() string { return TypeBorrowed }

func (e Borrowed) Event() *events.Payload {
	return &events.Payload{Type: TypeBorrowed, Attributes: map[string]string{
		"borrower": e.Borrower.String(),
		"amount":   formatAmount(e.Amount),
		"ratio":    formatAmount(e.Ratio),
	}}
}

// Repaid notifies subscribers of a repayment. Remaining carries the loan
// principal still outstanding after the payment was applied.
type Repaid struct {
	Borrower  crypto.Address
	Amount    *big.Int
	Remaining *big.Int
}

func (Repaid) EventType() string { return TypeRepaid }

func (e Repaid) Event() *events.Payload {
	return &events.Payload{Type: TypeRepaid, Attributes: map[string]string{
		"borrower":  e.Borrower.String(),
		"amount":    formatAmount(e.Amount),
		"remaining": formatAmount(e.Remaining),
	}}
}

// Liquidated notifies subscribers that a position was closed. Paid is the base
// token amount the liquidator attached, Seized the collateral credited to them
// and Debt the loan balance that was written off.
type Liquidated struct {
	Liquidator crypto.Address
	Target     crypto.Address
	Paid       *big.Int
	Seized     *big.Int
	Debt       *big.Int
}

func (Liquidated) EventType() string { return TypeLiquidated }

func (e Liquidated) Event() *events.Payload {
	return &events.Payload{Type: TypeLiquidated, Attributes: map[string]string{
		"liquidator": e.Liquidator.String(),
		"target":     e.Target.String(),
		"paid":       formatAmount(e.Paid),
		"seized":     formatAmount(e.Seized),
		"debt":       formatAmount(e.Debt),
	}}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
