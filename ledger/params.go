package ledger

const (
	// DefaultDepositRateBps accrues on collateral and base deposits: 3
	// basis points of principal per tick, i.e. 3% per 100 ticks.
	DefaultDepositRateBps = 3
	// DefaultLoanRateBps accrues on outstanding loans: 5 basis points of
	// principal per tick, i.e. 5% per 100 ticks.
	DefaultLoanRateBps = 5
	// DefaultMinCollateralRatioBps is the minimum collateral-to-loan value
	// ratio (150%) enforced on borrows and used as the liquidation bar.
	DefaultMinCollateralRatioBps = 15_000
	// DefaultCollateralSymbol and DefaultBaseSymbol name the oracle pair
	// used to price collateral in base token units.
	DefaultCollateralSymbol = "ZLED"
	DefaultBaseSymbol       = "LED"
)

// Params configures the accrual rates and the collateralisation threshold
// enforced by the engine.
type Params struct {
	// DepositRateBps is the per-tick accrual applied to both deposit
	// tables, in basis points of principal.
	DepositRateBps uint64 `toml:"DepositRateBps"`
	// LoanRateBps is the per-tick accrual applied to loans, in basis
	// points of principal.
	LoanRateBps uint64 `toml:"LoanRateBps"`
	// MinCollateralRatioBps bounds borrowing: the post-borrow collateral
	// ratio must stay at or above this value, and positions strictly below
	// it become liquidatable.
	MinCollateralRatioBps uint64 `toml:"MinCollateralRatioBps"`
	// CollateralSymbol is the oracle symbol of the collateral token.
	CollateralSymbol string `toml:"CollateralSymbol"`
	// BaseSymbol is the oracle symbol of the base token.
	BaseSymbol string `toml:"BaseSymbol"`
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		DepositRateBps:        DefaultDepositRateBps,
		LoanRateBps:           DefaultLoanRateBps,
		MinCollateralRatioBps: DefaultMinCollateralRatioBps,
		CollateralSymbol:      DefaultCollateralSymbol,
		BaseSymbol:            DefaultBaseSymbol,
	}
}

// EnsureDefaults fills zero-valued fields with the production defaults so a
// partially specified configuration stays safe.
func (p Params) EnsureDefaults() Params {
	out := p
	if out.DepositRateBps == 0 {
		out.DepositRateBps = DefaultDepositRateBps
	}
	if out.LoanRateBps == 0 {
		out.LoanRateBps = DefaultLoanRateBps
	}
	if out.MinCollateralRatioBps == 0 {
		out.MinCollateralRatioBps = DefaultMinCollateralRatioBps
	}
	if out.CollateralSymbol == "" {
		out.CollateralSymbol = DefaultCollateralSymbol
	}
	if out.BaseSymbol == "" {
		out.BaseSymbol = DefaultBaseSymbol
	}
	return out
}
