package perps

import (
	"fmt"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/uranusdex/settlement/pkg/store"
)

// Config carries the injected privileged identities. The trading authority
// and fee sink are configuration, not constants; "is this the authority" is
// a pure equality check against this value.
type Config struct {
	// Authority is the single identity allowed to report prices and PnL
	// and to perform administrative transitions.
	Authority ids.ID

	// FeeSink receives origination and settlement fees.
	FeeSink ids.ID
}

// Engine is the position lifecycle manager. It validates authorization and
// record consistency, delegates fee math to the fee schedule, fund movement
// to the settlement algorithm, and pool transfers to the rebalance path.
// Every operation runs inside one ledger transaction: it fully commits or
// leaves no trace.
type Engine struct {
	cfg    Config
	ledger *store.Ledger
	logger log.Logger

	// Events and Metrics are optional; the engine is nil-safe for both.
	Events  EventSink
	Metrics Collector

	mu sync.Mutex
}

// NewEngine creates a lifecycle engine over the given ledger.
func NewEngine(cfg Config, ledger *store.Ledger, logger log.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		ledger: ledger,
		logger: logger,
	}
}

// Execute dispatches a caller-identified request. The caller identity must
// already be verified by the surrounding transport; the engine only checks
// it against the record owner and the configured authority.
func (e *Engine) Execute(caller ids.ID, req Request) error {
	var err error
	switch r := req.(type) {
	case *OpenRequest:
		err = e.Open(caller, r)
	case *AuthorityUpdateRequest:
		err = e.AuthorityUpdate(caller, r)
	case *UserCloseRequest:
		err = e.UserClose(caller, r)
	case *SettleRequest:
		err = e.Settle(caller, r)
	case *ForceCloseRequest:
		err = e.ForceClose(caller, r)
	case *RebalanceRequest:
		err = e.Rebalance(caller, r)
	default:
		err = ErrUnknownOperation
	}
	if err != nil && req != nil {
		e.operationFailed(req.Op())
	}
	return err
}

// Open creates a position funded by the caller. The origination fee goes to
// the fee sink, the remainder is locked as collateral, and the instrument's
// pool account is created on first use.
func (e *Engine) Open(caller ids.ID, r *OpenRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r.RequestedSize < MinPositionSize {
		return fmt.Errorf("%w: requested size %d below floor %d", ErrInvalidArgument, r.RequestedSize, MinPositionSize)
	}
	if !r.Direction.Valid() {
		return fmt.Errorf("%w: direction %d", ErrInvalidArgument, r.Direction)
	}

	leverage := ClampLeverage(r.Leverage)
	if leverage != r.Leverage {
		e.logger.Info("leverage clamped", "requested", r.Leverage, "applied", leverage)
	}

	fee, err := feeChecked(r.PaidAmount, leverage)
	if err != nil {
		return err
	}
	collateral := satSub(r.PaidAmount, fee)
	notional, ok := mulChecked(collateral, uint64(leverage))
	if !ok {
		return fmt.Errorf("%w: collateral %d at %dx", ErrArithmeticOverflow, collateral, leverage)
	}
	if notional < MinPositionSize {
		return fmt.Errorf("%w: size after fees %d below floor %d", ErrInvalidArgument, notional, MinPositionSize)
	}

	marketAddr := store.MarketAddress(r.Instrument)
	if r.Market != marketAddr {
		return fmt.Errorf("%w: market account", ErrAddressMismatch)
	}
	positionAddr := store.PositionAddress(r.Owner, r.Nonce)
	if r.Position != positionAddr {
		return fmt.Errorf("%w: position account", ErrAddressMismatch)
	}

	tx := e.ledger.Begin()
	committed := false
	defer func() {
		if !committed {
			tx.Drop()
		}
	}()

	payer, err := tx.Account(caller)
	if err != nil {
		return err
	}
	position, err := tx.Account(positionAddr)
	if err != nil {
		return err
	}
	if !position.IsEmpty() {
		return fmt.Errorf("%w: position already exists for nonce %d", ErrInvalidArgument, r.Nonce)
	}
	market, err := tx.Account(marketAddr)
	if err != nil {
		return err
	}
	feeSink, err := tx.Account(e.cfg.FeeSink)
	if err != nil {
		return err
	}

	// Lazy pool creation: the first position on an instrument funds the
	// pool's retention minimum from the payer.
	poolFunding := uint64(0)
	if market.IsEmpty() {
		poolFunding = store.MinimumBalance(0)
		market.Owned = true
	}

	total, ok := addChecked(r.PaidAmount, poolFunding)
	if !ok {
		return ErrArithmeticOverflow
	}
	if payer.Balance < total {
		return fmt.Errorf("%w: payer holds %d, needs %d", ErrInsufficientFunds, payer.Balance, total)
	}
	payer.Balance -= total
	market.Balance = satAdd(market.Balance, poolFunding)
	feeSink.Balance = satAdd(feeSink.Balance, fee)

	record := Position{
		Owner:      r.Owner,
		Instrument: r.Instrument,
		Symbol:     r.Symbol,
		Collateral: collateral,
		Notional:   notional,
		Leverage:   leverage,
		Nonce:      r.Nonce,
		Direction:  r.Direction,
	}
	data, err := record.MarshalBinary()
	if err != nil {
		return err
	}
	position.Balance = collateral
	position.Owned = true
	position.Data = data

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	symbol, _ := record.SymbolString()
	e.logger.Info("position opened",
		"owner", r.Owner, "nonce", r.Nonce, "symbol", symbol,
		"collateral", collateral, "notional", notional,
		"leverage", leverage, "direction", r.Direction.String(), "fee", fee)
	if e.Metrics != nil {
		e.Metrics.PositionOpened(fee)
	}
	e.publish(SubjectPositionOpened, PositionOpenedEvent{
		Owner:      r.Owner.String(),
		Instrument: r.Instrument.String(),
		Symbol:     symbol,
		Nonce:      r.Nonce,
		Collateral: collateral,
		Notional:   notional,
		Leverage:   leverage,
		Direction:  r.Direction.String(),
		Fee:        fee,
	})
	return nil
}

// AuthorityUpdate overwrites the authority-controlled fields of a record.
// This is the one path that can set the close flag administratively, e.g.
// on liquidation, without a prior close-mark. The close flag stays
// monotonic: a closed record cannot be reopened.
func (e *Engine) AuthorityUpdate(caller ids.ID, r *AuthorityUpdateRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.cfg.Authority {
		return ErrUnauthorized
	}
	if r.Closed > 1 {
		return fmt.Errorf("%w: close state %d", ErrInvalidArgument, r.Closed)
	}

	tx := e.ledger.Begin()
	committed := false
	defer func() {
		if !committed {
			tx.Drop()
		}
	}()

	account, err := tx.Account(r.Position)
	if err != nil {
		return err
	}
	if !account.Owned {
		return ErrOwnershipMismatch
	}

	var pos Position
	if err := pos.UnmarshalBinary(account.Data); err != nil {
		return err
	}
	if pos.Nonce != r.Nonce {
		return fmt.Errorf("%w: nonce mismatch", ErrInvalidArgument)
	}
	if pos.IsClosed() && r.Closed == 0 {
		return fmt.Errorf("%w: close flag cannot be reset", ErrInvalidArgument)
	}

	pos.EntryPrice = r.EntryPrice
	pos.LiquidationPrice = r.LiquidationPrice
	pos.Closed = r.Closed
	pos.PnL = r.PnL
	pos.Instrument = r.Instrument

	account.Data, err = pos.MarshalBinary()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	e.logger.Info("position updated", "nonce", pos.Nonce,
		"entryPrice", r.EntryPrice, "liquidationPrice", r.LiquidationPrice,
		"closed", r.Closed, "pnl", r.PnL)
	e.publish(SubjectPositionUpdated, PositionUpdatedEvent{
		Owner:            pos.Owner.String(),
		Nonce:            pos.Nonce,
		EntryPrice:       r.EntryPrice,
		LiquidationPrice: r.LiquidationPrice,
		Closed:           r.Closed,
		PnL:              r.PnL,
	})
	return nil
}

// UserClose marks an open position for settlement. Allowed to the position
// owner and to the authority.
func (e *Engine) UserClose(caller ids.ID, r *UserCloseRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := e.ledger.Begin()
	committed := false
	defer func() {
		if !committed {
			tx.Drop()
		}
	}()

	account, err := tx.Account(r.Position)
	if err != nil {
		return err
	}
	if !account.Owned {
		return ErrOwnershipMismatch
	}

	var pos Position
	if err := pos.UnmarshalBinary(account.Data); err != nil {
		return err
	}
	if pos.Nonce != r.Nonce {
		return fmt.Errorf("%w: nonce mismatch", ErrInvalidArgument)
	}
	if caller != pos.Owner && caller != e.cfg.Authority {
		return ErrUnauthorized
	}
	if pos.Closed != 0 {
		return ErrAlreadyClosed
	}

	pos.Closed = 1
	account.Data, err = pos.MarshalBinary()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	e.logger.Info("position marked to close", "owner", pos.Owner, "nonce", pos.Nonce)
	e.publish(SubjectPositionCloseMarked, PositionCloseMarkedEvent{
		Owner: pos.Owner.String(),
		Nonce: pos.Nonce,
	})
	return nil
}

// Settle runs the terminal distribution for a marked position against its
// instrument's pool, then deletes the record. Authority only.
func (e *Engine) Settle(caller ids.ID, r *SettleRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.cfg.Authority {
		return ErrUnauthorized
	}

	tx := e.ledger.Begin()
	committed := false
	defer func() {
		if !committed {
			tx.Drop()
		}
	}()

	account, err := tx.Account(r.Position)
	if err != nil {
		return err
	}
	if !account.Owned {
		return ErrOwnershipMismatch
	}

	var pos Position
	if err := pos.UnmarshalBinary(account.Data); err != nil {
		return err
	}
	if pos.Nonce != r.Nonce {
		return fmt.Errorf("%w: nonce mismatch", ErrInvalidArgument)
	}
	if !pos.IsClosed() {
		return fmt.Errorf("%w: position not marked for settlement", ErrInvalidArgument)
	}
	if pos.Owner != r.Owner {
		return fmt.Errorf("%w: owner mismatch", ErrInvalidArgument)
	}
	if store.PositionAddress(pos.Owner, pos.Nonce) != r.Position {
		return fmt.Errorf("%w: position account", ErrAddressMismatch)
	}
	marketAddr := store.MarketAddress(pos.Instrument)
	if r.Market != marketAddr {
		return fmt.Errorf("%w: market account", ErrAddressMismatch)
	}

	market, err := tx.Account(marketAddr)
	if err != nil {
		return err
	}
	if !market.Owned {
		return ErrOwnershipMismatch
	}
	owner, err := tx.Account(pos.Owner)
	if err != nil {
		return err
	}
	feeSink, err := tx.Account(e.cfg.FeeSink)
	if err != nil {
		return err
	}

	dist := settleFunds(r.FinalPnL, pos.Leverage, account, owner, market, feeSink)
	tx.Delete(r.Position)

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	if dist.Outcome == OutcomeProfitForfeited {
		e.logger.Warn("insufficient pool liquidity, profit forfeited",
			"owner", pos.Owner, "nonce", pos.Nonce,
			"finalPnl", r.FinalPnL, "returned", dist.ToOwner)
	} else {
		e.logger.Info("position settled",
			"owner", pos.Owner, "nonce", pos.Nonce, "finalPnl", r.FinalPnL,
			"outcome", string(dist.Outcome), "toOwner", dist.ToOwner,
			"toPool", dist.ToPool, "toFeeSink", dist.ToFeeSink)
	}
	if e.Metrics != nil {
		e.Metrics.PositionSettled(dist.Outcome, dist)
	}
	e.publish(SubjectPositionSettled, PositionSettledEvent{
		Owner:     pos.Owner.String(),
		Nonce:     pos.Nonce,
		FinalPnL:  r.FinalPnL,
		Outcome:   string(dist.Outcome),
		ToOwner:   dist.ToOwner,
		ToPool:    dist.ToPool,
		ToFeeSink: dist.ToFeeSink,
	})
	return nil
}

// ForceClose is the administrative recovery path for a record that cannot be
// deserialized. It skips all state checks: a corrupted record cannot be
// reasoned about, only drained. The full held balance goes to the recipient
// and the record is deleted. Authority only.
func (e *Engine) ForceClose(caller ids.ID, r *ForceCloseRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.cfg.Authority {
		return ErrUnauthorized
	}
	if r.Recipient == r.Position {
		return fmt.Errorf("%w: recipient is the position account", ErrInvalidArgument)
	}

	tx := e.ledger.Begin()
	committed := false
	defer func() {
		if !committed {
			tx.Drop()
		}
	}()

	account, err := tx.Account(r.Position)
	if err != nil {
		return err
	}
	if !account.Owned {
		return ErrOwnershipMismatch
	}
	recipient, err := tx.Account(r.Recipient)
	if err != nil {
		return err
	}

	returned := account.Balance
	recipient.Balance = satAdd(recipient.Balance, returned)
	account.Balance = 0
	tx.Delete(r.Position)

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	e.logger.Warn("position force closed",
		"position", r.Position, "recipient", r.Recipient, "returned", returned)
	if e.Metrics != nil {
		e.Metrics.PositionForceClosed(returned)
	}
	e.publish(SubjectPositionForceClosed, PositionForceClosedEvent{
		Position:  r.Position.String(),
		Recipient: r.Recipient.String(),
		Returned:  returned,
	})
	return nil
}

// Position loads and decodes the record at addr along with its held balance.
func (e *Engine) Position(addr ids.ID) (*Position, uint64, error) {
	account, err := e.ledger.Get(addr)
	if err != nil {
		return nil, 0, err
	}
	if account.IsEmpty() {
		return nil, 0, ErrPositionNotFound
	}
	if !account.Owned {
		return nil, 0, ErrOwnershipMismatch
	}
	var pos Position
	if err := pos.UnmarshalBinary(account.Data); err != nil {
		return nil, 0, err
	}
	return &pos, account.Balance, nil
}

func (e *Engine) publish(subject string, event any) {
	if e.Events != nil {
		e.Events.Publish(subject, event)
	}
}

func (e *Engine) operationFailed(op string) {
	if e.Metrics != nil {
		e.Metrics.OperationFailed(op)
	}
}
