package perps

import (
	"fmt"

	"github.com/luxfi/ids"

	"github.com/uranusdex/settlement/pkg/store"
)

// Rebalance moves pooled liquidity from one instrument's pool to another's.
// Pools are balance-only accounts: both must be system-owned, hold no record
// data, and the source must keep its retention minimum. Authority only.
func (e *Engine) Rebalance(caller ids.ID, r *RebalanceRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.cfg.Authority {
		return ErrUnauthorized
	}

	fromAddr := store.MarketAddress(r.FromInstrument)
	toAddr := store.MarketAddress(r.ToInstrument)
	if r.FromPool != fromAddr {
		return fmt.Errorf("%w: source pool", ErrAddressMismatch)
	}
	if r.ToPool != toAddr {
		return fmt.Errorf("%w: destination pool", ErrAddressMismatch)
	}

	tx := e.ledger.Begin()
	committed := false
	defer func() {
		if !committed {
			tx.Drop()
		}
	}()

	from, err := tx.Account(fromAddr)
	if err != nil {
		return err
	}
	to, err := tx.Account(toAddr)
	if err != nil {
		return err
	}

	if !from.Owned {
		return fmt.Errorf("%w: source pool", ErrOwnershipMismatch)
	}
	if !to.Owned {
		return fmt.Errorf("%w: destination pool", ErrOwnershipMismatch)
	}
	if len(from.Data) != 0 || len(to.Data) != 0 {
		return fmt.Errorf("%w: pools must be balance-only", ErrInvalidArgument)
	}
	if from.Balance == 0 {
		return fmt.Errorf("%w: source pool is empty", ErrInsufficientFunds)
	}
	if from.Balance < r.Amount {
		return fmt.Errorf("%w: source pool holds %d, requested %d", ErrInsufficientFunds, from.Balance, r.Amount)
	}
	minBalance := store.MinimumBalance(0)
	if satSub(from.Balance, r.Amount) < minBalance {
		return fmt.Errorf("%w: transfer would drop source pool below retention minimum %d", ErrInsufficientFunds, minBalance)
	}
	if fromAddr == toAddr {
		return fmt.Errorf("%w: source and destination pools are the same", ErrInvalidArgument)
	}

	move(from, to, r.Amount)

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	e.logger.Info("pool rebalanced",
		"fromInstrument", r.FromInstrument, "toInstrument", r.ToInstrument,
		"amount", r.Amount, "fromBalance", from.Balance, "toBalance", to.Balance)
	if e.Metrics != nil {
		e.Metrics.Rebalanced(r.Amount)
	}
	e.publish(SubjectMarketRebalanced, MarketRebalancedEvent{
		FromInstrument: r.FromInstrument.String(),
		ToInstrument:   r.ToInstrument.String(),
		Amount:         r.Amount,
	})
	return nil
}

// MarketBalance reads the pooled balance for an instrument. Instruments
// without a pool yet read as zero.
func (e *Engine) MarketBalance(instrument ids.ID) (uint64, error) {
	return e.ledger.Balance(store.MarketAddress(instrument))
}
