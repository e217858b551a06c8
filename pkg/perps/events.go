package perps

// Event subjects. Sinks receive the typed event structs below.
const (
	SubjectPositionOpened      = "perps.position.opened"
	SubjectPositionUpdated     = "perps.position.updated"
	SubjectPositionCloseMarked = "perps.position.close_marked"
	SubjectPositionSettled     = "perps.position.settled"
	SubjectPositionForceClosed = "perps.position.force_closed"
	SubjectMarketRebalanced    = "perps.market.rebalanced"
)

// EventSink receives lifecycle events after an operation commits. The engine
// never blocks on a sink and works without one.
type EventSink interface {
	Publish(subject string, event any)
}

// Collector receives operation metrics. Implemented by pkg/metrics.
type Collector interface {
	PositionOpened(feePaid uint64)
	PositionSettled(outcome Outcome, d Distribution)
	PositionForceClosed(returned uint64)
	Rebalanced(amount uint64)
	OperationFailed(op string)
}

// PositionOpenedEvent is emitted when a position record is created.
type PositionOpenedEvent struct {
	Owner      string `json:"owner"`
	Instrument string `json:"instrument"`
	Symbol     string `json:"symbol"`
	Nonce      uint64 `json:"nonce"`
	Collateral uint64 `json:"collateral"`
	Notional   uint64 `json:"notional"`
	Leverage   uint8  `json:"leverage"`
	Direction  string `json:"direction"`
	Fee        uint64 `json:"fee"`
}

// PositionUpdatedEvent is emitted after an authority update.
type PositionUpdatedEvent struct {
	Owner            string `json:"owner"`
	Nonce            uint64 `json:"nonce"`
	EntryPrice       uint64 `json:"entryPrice"`
	LiquidationPrice uint64 `json:"liquidationPrice"`
	Closed           uint8  `json:"closed"`
	PnL              int64  `json:"pnl"`
}

// PositionCloseMarkedEvent is emitted when a position is marked to close.
type PositionCloseMarkedEvent struct {
	Owner string `json:"owner"`
	Nonce uint64 `json:"nonce"`
}

// PositionSettledEvent is emitted after the terminal distribution.
type PositionSettledEvent struct {
	Owner     string `json:"owner"`
	Nonce     uint64 `json:"nonce"`
	FinalPnL  int64  `json:"finalPnl"`
	Outcome   string `json:"outcome"`
	ToOwner   uint64 `json:"toOwner"`
	ToPool    uint64 `json:"toPool"`
	ToFeeSink uint64 `json:"toFeeSink"`
}

// PositionForceClosedEvent is emitted on the administrative recovery path.
type PositionForceClosedEvent struct {
	Position  string `json:"position"`
	Recipient string `json:"recipient"`
	Returned  uint64 `json:"returned"`
}

// MarketRebalancedEvent is emitted after a cross-instrument pool transfer.
type MarketRebalancedEvent struct {
	FromInstrument string `json:"fromInstrument"`
	ToInstrument   string `json:"toInstrument"`
	Amount         uint64 `json:"amount"`
}
