package ledger

import "math/big"

// basisPointDenominator converts basis point rates into fractions.
var basisPointDenominator = big.NewInt(10_000)

// accruedInterest returns the interest the account would hold once the ticks
// elapsed since its last touch are applied: interest + floor(deposit × elapsed
// × rateBps / 10000). Accrual is simple (principal only) and truncates toward
// zero at the single final division.
//
// An account that has never been touched (LastAccrualTick zero) earns nothing
// until its first touch stamps a baseline tick.
func accruedInterest(account *Account, rateBps uint64, currentTick uint64) *big.Int {
	interest := big.NewInt(0)
	if account == nil {
		return interest
	}
	if account.Interest != nil {
		interest.Set(account.Interest)
	}
	if account.LastAccrualTick == 0 || currentTick <= account.LastAccrualTick {
		return interest
	}
	if account.Deposit == nil || account.Deposit.Sign() <= 0 {
		return interest
	}
	elapsed := new(big.Int).SetUint64(currentTick - account.LastAccrualTick)
	accrued := new(big.Int).Set(account.Deposit)
	accrued.Mul(accrued, elapsed)
	accrued.Mul(accrued, new(big.Int).SetUint64(rateBps))
	accrued.Quo(accrued, basisPointDenominator)
	return interest.Add(interest, accrued)
}

// touchAccount consolidates pending interest into the account and stamps the
// current tick. Operations call this exactly once per account before reading
// or mutating balances so that every commitment reflects accrual up to the
// operation's tick.
func touchAccount(account *Account, rateBps uint64, currentTick uint64) {
	if account == nil {
		return
	}
	account.normalise()
	account.Interest = accruedInterest(account, rateBps, currentTick)
	account.LastAccrualTick = currentTick
}

// balanceWithAccrual previews deposit plus interest at the current tick
// without committing the accrual. Queries use this so that reads never write.
func balanceWithAccrual(account *Account, rateBps uint64, currentTick uint64) *big.Int {
	balance := big.NewInt(0)
	if account == nil {
		return balance
	}
	if account.Deposit != nil {
		balance.Add(balance, account.Deposit)
	}
	return balance.Add(balance, accruedInterest(account, rateBps, currentTick))
}
