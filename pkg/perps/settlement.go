package perps

import (
	"github.com/uranusdex/settlement/pkg/store"
)

// Outcome classifies how a settlement distributed the position's funds.
type Outcome string

const (
	// OutcomeProfit: pool paid fee and after-fee profit, owner also got
	// the locked balance back.
	OutcomeProfit Outcome = "profit"

	// OutcomeProfitForfeited: the pool could not cover the profit, so the
	// owner received only the locked balance. Pool and fee sink untouched.
	OutcomeProfitForfeited Outcome = "profit_forfeited"

	// OutcomeLoss: the loss went to the pool, the remainder to the owner.
	OutcomeLoss Outcome = "loss"

	// OutcomeTotalLoss: the loss met or exceeded the locked balance; the
	// entire balance went to the pool.
	OutcomeTotalLoss Outcome = "total_loss"

	// OutcomeFlat: zero PnL, full balance returned to the owner.
	OutcomeFlat Outcome = "flat"
)

// Distribution summarizes where a settled position's balance went. On every
// branch ToOwner + ToPool + ToFeeSink equals the position's balance before
// settlement plus any pool payout.
type Distribution struct {
	Outcome   Outcome
	ToOwner   uint64
	ToPool    uint64
	ToFeeSink uint64
}

// settleFunds runs the terminal distribution for a position holding the
// balance in position, against the pool for its instrument. finalPnL and
// leverage come from the record; owner, pool and feeSink are the three
// destination cells. Exactly one component mutates each cell per operation.
func settleFunds(finalPnL int64, leverage uint8, position, owner, pool, feeSink *store.Account) Distribution {
	locked := position.Balance

	switch {
	case finalPnL > 0:
		profit := uint64(finalPnL)
		fee := Fee(profit, leverage)
		profitAfterFee := satSub(profit, fee)
		required := satAdd(fee, profitAfterFee)

		if pool.Balance < required {
			// Insufficient liquidity: the trader's earned profit is
			// forfeited, but locked principal always comes back.
			move(position, owner, locked)
			return Distribution{
				Outcome: OutcomeProfitForfeited,
				ToOwner: locked,
			}
		}

		move(pool, feeSink, fee)
		move(pool, owner, profitAfterFee)
		move(position, owner, locked)
		return Distribution{
			Outcome:   OutcomeProfit,
			ToOwner:   satAdd(locked, profitAfterFee),
			ToFeeSink: fee,
		}

	case finalPnL < 0:
		loss := negAbs(finalPnL)

		if locked <= loss {
			// Losses are capped at locked collateral.
			move(position, pool, locked)
			return Distribution{
				Outcome: OutcomeTotalLoss,
				ToPool:  locked,
			}
		}

		remainder := satSub(locked, loss)
		move(position, pool, loss)
		move(position, owner, remainder)
		return Distribution{
			Outcome: OutcomeLoss,
			ToOwner: remainder,
			ToPool:  loss,
		}

	default:
		move(position, owner, locked)
		return Distribution{
			Outcome: OutcomeFlat,
			ToOwner: locked,
		}
	}
}

// move transfers amount between two balance cells with saturating
// arithmetic. Every settlement branch moves whole sub-balances, so the
// saturation bounds are never hit in practice.
func move(from, to *store.Account, amount uint64) {
	from.Balance = satSub(from.Balance, amount)
	to.Balance = satAdd(to.Balance, amount)
}

// negAbs returns |v| for a negative int64 without overflowing on MinInt64.
func negAbs(v int64) uint64 {
	return uint64(0) - uint64(v)
}
