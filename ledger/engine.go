package ledger

import (
	"bytes"
	"errors"
	"math/big"

	"lendledger/crypto"
	"lendledger/events"
	"lendledger/oracle"
)

const moduleName = "ledger"

var (
	errNilState               = errors.New("ledger engine: state not configured")
	errNilOracle              = errors.New("ledger engine: price oracle not configured")
	errNilCustody             = errors.New("ledger engine: collateral custody not configured")
	errNilVault               = errors.New("ledger engine: base vault not configured")
	errInvalidAmount          = errors.New("ledger engine: amount must not be negative")
	errUnsupportedAsset       = errors.New("ledger engine: unsupported asset kind")
	errInvalidAttachedValue   = errors.New("ledger engine: attached value must equal amount")
	errTransferRejected       = errors.New("ledger engine: collateral transfer rejected")
	errNoBalance              = errors.New("ledger engine: no balance to withdraw")
	errInsufficientBalance    = errors.New("ledger engine: insufficient balance")
	errNoCollateral           = errors.New("ledger engine: no collateral deposited")
	errCollateralRatio        = errors.New("ledger engine: collateral ratio below minimum")
	errNothingToRepay         = errors.New("ledger engine: no outstanding loan to repay")
	errInsufficientPayment    = errors.New("ledger engine: attached payment insufficient")
	errSelfLiquidation        = errors.New("ledger engine: self liquidation not permitted")
	errHealthyPosition        = errors.New("ledger engine: position is healthy")
	errInsufficientCollateral = errors.New("ledger engine: collateral value below outstanding loan")
)

var (
	// priceScale is the fixed-point scale of oracle rates: base token units
	// per collateral unit, scaled by 1e18.
	priceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	// maxCollateralRatio is reported for positions with collateral but no
	// loan, standing in for an unbounded ratio. It is the largest value a
	// 256-bit unsigned integer can hold.
	maxCollateralRatio = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// engineState is the narrow view of ledger state the engine mutates. Each of
// the three tables sits behind its own accessor pair; accounts returned by the
// getters are private copies the engine may mutate freely.
type engineState interface {
	GetCollateralAccount(addr crypto.Address) (*Account, error)
	PutCollateralAccount(addr crypto.Address, account *Account) error
	GetBaseAccount(addr crypto.Address) (*Account, error)
	PutBaseAccount(addr crypto.Address, account *Account) error
	GetLoanAccount(addr crypto.Address) (*Account, error)
	PutLoanAccount(addr crypto.Address, account *Account) error
}

// CollateralCustody moves collateral tokens between a participant's external
// custody and the ledger's collateral vault.
type CollateralCustody interface {
	PullFrom(participant crypto.Address, amount *big.Int) error
	PushTo(participant crypto.Address, amount *big.Int) error
}

// BaseVault moves base tokens between participants and the ledger's base
// vault. Collect settles a payment attached to an operation; Release pays
// tokens back out.
type BaseVault interface {
	Collect(from crypto.Address, amount *big.Int) error
	Release(to crypto.Address, amount *big.Int) error
}

// Engine executes ledger operations against injected state, custody and
// oracle collaborators. It performs no locking or transaction management of
// its own: callers construct an engine per operation over a state session and
// commit or discard the session based on the returned error.
type Engine struct {
	state   engineState
	oracle  oracle.PriceOracle
	custody CollateralCustody
	vault   BaseVault
	emitter events.Emitter
	pauses  PauseView
	params  Params
	tick    uint64
}

// NewEngine constructs an engine with the provided parameters. Collaborators
// are attached through the Set methods before use.
func NewEngine(params Params) *Engine {
	return &Engine{
		params:  params.EnsureDefaults(),
		emitter: events.NoopEmitter{},
	}
}

// SetState attaches the ledger state the engine operates on.
func (e *Engine) SetState(state engineState) {
	if e == nil {
		return
	}
	e.state = state
}

// SetOracle attaches the price source used to value collateral.
func (e *Engine) SetOracle(source oracle.PriceOracle) {
	if e == nil {
		return
	}
	e.oracle = source
}

// SetCollateralCustody attaches the adapter that moves collateral tokens.
func (e *Engine) SetCollateralCustody(custody CollateralCustody) {
	if e == nil {
		return
	}
	e.custody = custody
}

// SetBaseVault attaches the vault that settles base token movements.
func (e *Engine) SetBaseVault(vault BaseVault) {
	if e == nil {
		return
	}
	e.vault = vault
}

// SetEmitter attaches the sink receiving ledger events. A nil emitter resets
// the engine to the discard default.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetPauses attaches the pause switch consulted before mutating operations.
func (e *Engine) SetPauses(pauses PauseView) {
	if e == nil {
		return
	}
	e.pauses = pauses
}

// SetTick fixes the ledger tick all accrual in this engine instance is
// computed against.
func (e *Engine) SetTick(tick uint64) {
	if e == nil {
		return
	}
	e.tick = tick
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

// Deposit credits amount to the caller's account of the given kind. Base
// deposits settle from the value attached to the call, which must equal the
// amount exactly; collateral deposits pull the tokens through the custody
// adapter. A zero amount only consolidates interest.
func (e *Engine) Deposit(caller crypto.Address, kind AssetKind, amount, attached *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}

	switch kind {
	case AssetCollateral:
		if e.custody == nil {
			return errNilCustody
		}
		account, err := e.collateralAccount(caller)
		if err != nil {
			return err
		}
		touchAccount(account, e.params.DepositRateBps, e.tick)
		if amount.Sign() > 0 {
			if err := e.custody.PullFrom(caller, amount); err != nil {
				return errTransferRejected
			}
		}
		account.Deposit = new(big.Int).Add(account.Deposit, amount)
		if err := e.state.PutCollateralAccount(caller, account); err != nil {
			return err
		}
	case AssetBase:
		if e.vault == nil {
			return errNilVault
		}
		if attached == nil {
			attached = big.NewInt(0)
		}
		if attached.Cmp(amount) != 0 {
			return errInvalidAttachedValue
		}
		account, err := e.baseAccount(caller)
		if err != nil {
			return err
		}
		touchAccount(account, e.params.DepositRateBps, e.tick)
		if amount.Sign() > 0 {
			if err := e.vault.Collect(caller, amount); err != nil {
				return err
			}
		}
		account.Deposit = new(big.Int).Add(account.Deposit, amount)
		if err := e.state.PutBaseAccount(caller, account); err != nil {
			return err
		}
	default:
		return errUnsupportedAsset
	}

	e.emit(Deposited{Participant: caller, Asset: kind, Amount: new(big.Int).Set(amount)})
	return nil
}

// Withdraw releases amount of the given kind back to the caller, consuming
// consolidated interest before principal. A zero amount withdraws the full
// balance; a non-zero amount must be strictly below the available balance.
// It returns the amount actually withdrawn and the balance left behind.
func (e *Engine) Withdraw(caller crypto.Address, kind AssetKind, amount *big.Int) (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if err := Guard(e.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, nil, errInvalidAmount
	}

	var (
		account *Account
		err     error
	)
	switch kind {
	case AssetCollateral:
		if e.custody == nil {
			return nil, nil, errNilCustody
		}
		account, err = e.collateralAccount(caller)
	case AssetBase:
		if e.vault == nil {
			return nil, nil, errNilVault
		}
		account, err = e.baseAccount(caller)
	default:
		return nil, nil, errUnsupportedAsset
	}
	if err != nil {
		return nil, nil, err
	}

	touchAccount(account, e.params.DepositRateBps, e.tick)
	available := account.Total()
	if available.Sign() == 0 {
		return nil, nil, errNoBalance
	}
	if amount.Sign() > 0 && amount.Cmp(available) >= 0 {
		// Withdrawing the exact full balance goes through amount zero.
		return nil, nil, errInsufficientBalance
	}

	withdrawn := new(big.Int).Set(amount)
	if withdrawn.Sign() == 0 {
		withdrawn.Set(available)
	}
	depleteBalance(account, withdrawn)

	switch kind {
	case AssetCollateral:
		if err := e.custody.PushTo(caller, withdrawn); err != nil {
			return nil, nil, err
		}
		if err := e.state.PutCollateralAccount(caller, account); err != nil {
			return nil, nil, err
		}
	case AssetBase:
		if err := e.vault.Release(caller, withdrawn); err != nil {
			return nil, nil, err
		}
		if err := e.state.PutBaseAccount(caller, account); err != nil {
			return nil, nil, err
		}
	}

	remaining := account.Total()
	e.emit(Withdrawn{
		Participant: caller,
		Asset:       kind,
		Amount:      new(big.Int).Set(withdrawn),
		Remaining:   new(big.Int).Set(remaining),
	})
	return withdrawn, remaining, nil
}

// Borrow opens or extends the caller's loan against their collateral. The
// borrow ceiling keeps the collateral-to-loan value ratio at or above the
// configured minimum; a zero amount borrows the maximum the ceiling allows.
// It returns the borrowed amount and the post-borrow collateral ratio in
// basis points.
func (e *Engine) Borrow(caller crypto.Address, amount *big.Int) (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if err := Guard(e.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, nil, errInvalidAmount
	}
	if e.vault == nil {
		return nil, nil, errNilVault
	}

	rate, err := e.scaledOracleRate()
	if err != nil {
		return nil, nil, err
	}

	collateral, err := e.collateralAccount(caller)
	if err != nil {
		return nil, nil, err
	}
	loan, err := e.loanAccount(caller)
	if err != nil {
		return nil, nil, err
	}
	touchAccount(collateral, e.params.DepositRateBps, e.tick)
	touchAccount(loan, e.params.LoanRateBps, e.tick)

	collateralBalance := collateral.Total()
	if collateralBalance.Sign() == 0 {
		return nil, nil, errNoCollateral
	}
	loanBalance := loan.Total()

	// maxLoan = floor(collateralValue × 10000 / (minRatio × scale)) − loan.
	// Multiplications happen before the single division so truncation only
	// ever rounds the ceiling down.
	collateralValue := new(big.Int).Mul(collateralBalance, rate)
	limit := new(big.Int).Mul(collateralValue, basisPointDenominator)
	denom := new(big.Int).Mul(new(big.Int).SetUint64(e.params.MinCollateralRatioBps), priceScale)
	limit.Quo(limit, denom)
	maxLoan := new(big.Int).Sub(limit, loanBalance)
	if maxLoan.Sign() < 0 {
		return nil, nil, errCollateralRatio
	}

	borrowed := new(big.Int).Set(amount)
	if borrowed.Sign() == 0 {
		borrowed.Set(maxLoan)
	} else if borrowed.Cmp(maxLoan) > 0 {
		return nil, nil, errCollateralRatio
	}

	loan.Deposit = new(big.Int).Add(loan.Deposit, borrowed)
	if err := e.state.PutCollateralAccount(caller, collateral); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutLoanAccount(caller, loan); err != nil {
		return nil, nil, err
	}
	if borrowed.Sign() > 0 {
		if err := e.vault.Release(caller, borrowed); err != nil {
			return nil, nil, err
		}
	}

	ratio := collateralRatio(collateralBalance, loan.Total(), rate)
	e.emit(Borrowed{Borrower: caller, Amount: new(big.Int).Set(borrowed), Ratio: ratio})
	return borrowed, new(big.Int).Set(ratio), nil
}

// Repay applies amount against the caller's outstanding loan, interest before
// principal. The caller attaches the payment with the call; attaching more
// than amount is accepted and the excess is absorbed by the vault, never
// refunded. Paying at or above the outstanding balance clears the loan. It
// returns the principal remaining after the payment, excluding any interest
// the payment did not reach.
func (e *Engine) Repay(caller crypto.Address, amount, attached *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, errInvalidAmount
	}
	if attached == nil {
		attached = big.NewInt(0)
	}
	if attached.Sign() < 0 {
		return nil, errInvalidAmount
	}
	if amount.Cmp(attached) > 0 {
		return nil, errInsufficientPayment
	}
	if e.vault == nil {
		return nil, errNilVault
	}

	loan, err := e.loanAccount(caller)
	if err != nil {
		return nil, err
	}
	if loan.Total().Sign() == 0 {
		return nil, errNothingToRepay
	}
	touchAccount(loan, e.params.LoanRateBps, e.tick)
	outstanding := loan.Total()

	if attached.Sign() > 0 {
		if err := e.vault.Collect(caller, attached); err != nil {
			return nil, err
		}
	}

	if amount.Cmp(outstanding) >= 0 {
		loan.Deposit = big.NewInt(0)
		loan.Interest = big.NewInt(0)
	} else {
		depleteBalance(loan, amount)
	}
	if err := e.state.PutLoanAccount(caller, loan); err != nil {
		return nil, err
	}

	remaining := new(big.Int).Set(loan.Deposit)
	e.emit(Repaid{Borrower: caller, Amount: new(big.Int).Set(amount), Remaining: new(big.Int).Set(remaining)})
	return remaining, nil
}

// Liquidate closes the undercollateralised position of target. The liquidator
// attaches at least the target's full outstanding loan in base tokens and
// receives the attached value's worth of the target's collateral, valued at
// the current oracle rate and capped at the target's collateral balance. The
// target's loan is written off in full. It returns the seized collateral
// amount.
func (e *Engine) Liquidate(liquidator, target crypto.Address, attached *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if attached == nil {
		attached = big.NewInt(0)
	}
	if attached.Sign() < 0 {
		return nil, errInvalidAmount
	}
	if e.vault == nil {
		return nil, errNilVault
	}
	if bytes.Equal(liquidator.Bytes(), target.Bytes()) {
		return nil, errSelfLiquidation
	}

	rate, err := e.scaledOracleRate()
	if err != nil {
		return nil, err
	}

	targetCollateral, err := e.collateralAccount(target)
	if err != nil {
		return nil, err
	}
	targetLoan, err := e.loanAccount(target)
	if err != nil {
		return nil, err
	}
	touchAccount(targetCollateral, e.params.DepositRateBps, e.tick)
	touchAccount(targetLoan, e.params.LoanRateBps, e.tick)

	collateralBalance := targetCollateral.Total()
	loanBalance := targetLoan.Total()

	ratio := collateralRatio(collateralBalance, loanBalance, rate)
	if ratio.Cmp(new(big.Int).SetUint64(e.params.MinCollateralRatioBps)) >= 0 {
		return nil, errHealthyPosition
	}
	if attached.Cmp(loanBalance) < 0 {
		return nil, errInsufficientPayment
	}
	collateralValue := new(big.Int).Mul(collateralBalance, rate)
	collateralValue.Quo(collateralValue, priceScale)
	if collateralValue.Cmp(loanBalance) < 0 {
		return nil, errInsufficientCollateral
	}

	// Convert the attached payment into collateral units, never seizing
	// more than the target holds.
	seized := new(big.Int).Mul(attached, priceScale)
	seized.Quo(seized, rate)
	if seized.Cmp(collateralBalance) > 0 {
		seized.Set(collateralBalance)
	}

	if attached.Sign() > 0 {
		if err := e.vault.Collect(liquidator, attached); err != nil {
			return nil, err
		}
	}

	depleteBalance(targetCollateral, seized)
	if err := e.state.PutCollateralAccount(target, targetCollateral); err != nil {
		return nil, err
	}

	liquidatorCollateral, err := e.collateralAccount(liquidator)
	if err != nil {
		return nil, err
	}
	touchAccount(liquidatorCollateral, e.params.DepositRateBps, e.tick)
	liquidatorCollateral.Deposit = new(big.Int).Add(liquidatorCollateral.Deposit, seized)
	if err := e.state.PutCollateralAccount(liquidator, liquidatorCollateral); err != nil {
		return nil, err
	}

	targetLoan.Deposit = big.NewInt(0)
	targetLoan.Interest = big.NewInt(0)
	if err := e.state.PutLoanAccount(target, targetLoan); err != nil {
		return nil, err
	}

	e.emit(Liquidated{
		Liquidator: liquidator,
		Target:     target,
		Paid:       new(big.Int).Set(attached),
		Seized:     new(big.Int).Set(seized),
		Debt:       loanBalance,
	})
	return seized, nil
}

// Balance previews the caller's available balance (deposit plus interest
// accrued to the current tick) for the given kind without committing the
// accrual.
func (e *Engine) Balance(caller crypto.Address, kind AssetKind) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var (
		account *Account
		err     error
	)
	switch kind {
	case AssetCollateral:
		account, err = e.collateralAccount(caller)
	case AssetBase:
		account, err = e.baseAccount(caller)
	default:
		return nil, errUnsupportedAsset
	}
	if err != nil {
		return nil, err
	}
	return balanceWithAccrual(account, e.params.DepositRateBps, e.tick), nil
}

// CollateralRatio previews the participant's collateral-to-loan value ratio
// in basis points at the current oracle rate. Zero collateral yields zero;
// collateral with no loan yields the maximum representable ratio.
func (e *Engine) CollateralRatio(addr crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	rate, err := e.scaledOracleRate()
	if err != nil {
		return nil, err
	}
	collateral, err := e.collateralAccount(addr)
	if err != nil {
		return nil, err
	}
	loan, err := e.loanAccount(addr)
	if err != nil {
		return nil, err
	}
	collateralBalance := balanceWithAccrual(collateral, e.params.DepositRateBps, e.tick)
	loanBalance := balanceWithAccrual(loan, e.params.LoanRateBps, e.tick)
	return collateralRatio(collateralBalance, loanBalance, rate), nil
}

// Position previews both sides of the participant's position with interest
// accrued to the current tick, along with the derived collateral ratio.
func (e *Engine) Position(addr crypto.Address) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	rate, err := e.scaledOracleRate()
	if err != nil {
		return nil, err
	}
	collateral, err := e.collateralAccount(addr)
	if err != nil {
		return nil, err
	}
	loan, err := e.loanAccount(addr)
	if err != nil {
		return nil, err
	}
	collateral.Interest = accruedInterest(collateral, e.params.DepositRateBps, e.tick)
	loan.Interest = accruedInterest(loan, e.params.LoanRateBps, e.tick)
	return &Position{
		Collateral: collateral,
		Loan:       loan,
		Ratio:      collateralRatio(collateral.Total(), loan.Total(), rate),
	}, nil
}

func (e *Engine) collateralAccount(addr crypto.Address) (*Account, error) {
	account, err := e.state.GetCollateralAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.normalise(), nil
}

func (e *Engine) baseAccount(addr crypto.Address) (*Account, error) {
	account, err := e.state.GetBaseAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.normalise(), nil
}

func (e *Engine) loanAccount(addr crypto.Address) (*Account, error) {
	account, err := e.state.GetLoanAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.normalise(), nil
}

// scaledOracleRate resolves the collateral price as a 1e18 fixed-point
// integer.
func (e *Engine) scaledOracleRate() (*big.Int, error) {
	if e.oracle == nil {
		return nil, errNilOracle
	}
	quote, err := e.oracle.GetRate(e.params.CollateralSymbol, e.params.BaseSymbol)
	if err != nil {
		return nil, err
	}
	return quote.ScaledInt(priceScale)
}

// collateralRatio computes collateralValue / loanValue in basis points with a
// single flooring division. Zero collateral is reported as a zero ratio even
// when the loan is also zero; a loan-free account with collateral reports the
// maximum representable ratio.
func collateralRatio(collateralBalance, loanBalance, rate *big.Int) *big.Int {
	if collateralBalance == nil || collateralBalance.Sign() == 0 {
		return big.NewInt(0)
	}
	if loanBalance == nil || loanBalance.Sign() == 0 {
		return new(big.Int).Set(maxCollateralRatio)
	}
	num := new(big.Int).Mul(collateralBalance, rate)
	num.Mul(num, basisPointDenominator)
	den := new(big.Int).Mul(loanBalance, priceScale)
	return num.Quo(num, den)
}

// depleteBalance removes amount from the account, consuming consolidated
// interest before principal. Balances never go negative.
func depleteBalance(account *Account, amount *big.Int) {
	if account == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	account.normalise()
	if amount.Cmp(account.Interest) <= 0 {
		account.Interest = new(big.Int).Sub(account.Interest, amount)
		return
	}
	fromDeposit := new(big.Int).Sub(amount, account.Interest)
	account.Interest = big.NewInt(0)
	account.Deposit = new(big.Int).Sub(account.Deposit, fromDeposit)
	if account.Deposit.Sign() < 0 {
		account.Deposit = big.NewInt(0)
	}
}
