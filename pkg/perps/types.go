package perps

import (
	"errors"
	"unicode/utf8"

	"github.com/luxfi/ids"
)

// System parameters. Amounts are integer base units (1e9 units = 1).
const (
	// MinPositionSize is the smallest viable position, both as requested
	// and after origination fees.
	MinPositionSize uint64 = 10_000_000

	// BaseFeeBasisPoints is the flat origination/settlement fee rate.
	BaseFeeBasisPoints uint64 = 200

	// LeverageFeeBasisPoints is the per-leverage-multiple fee rate.
	LeverageFeeBasisPoints uint64 = 10

	// MaxLeverage caps position leverage. Out-of-range requests are
	// clamped, not rejected.
	MaxLeverage uint8 = 5

	// SymbolLength is the fixed width of the market symbol slot.
	SymbolLength = 32
)

// Direction of a position.
type Direction int8

const (
	Long  Direction = 1
	Short Direction = -1
)

// Valid reports whether d is one of the two legal directions.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "invalid"
	}
}

var (
	ErrUnauthorized       = errors.New("missing or wrong signer")
	ErrAddressMismatch    = errors.New("account does not match derived address")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrAlreadyClosed      = errors.New("position already closed")
	ErrOwnershipMismatch  = errors.New("account not owned by settlement system")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrCorruptedRecord    = errors.New("corrupted position record")
	ErrPositionNotFound   = errors.New("position not found")
	ErrUnknownOperation   = errors.New("unknown operation")
)

// Position is the record of one leveraged position, keyed by (owner, nonce).
// Collateral and Notional are fixed at creation. Closed moves 0 -> 1 once and
// never back; settlement deletes the record entirely.
type Position struct {
	Owner            ids.ID
	Instrument       ids.ID
	Symbol           [SymbolLength]byte
	EntryPrice       uint64
	LiquidationPrice uint64
	Collateral       uint64
	Notional         uint64
	Leverage         uint8
	Closed           uint8
	Nonce            uint64
	PnL              int64
	Direction        Direction
}

// IsClosed reports whether the position is marked for settlement.
func (p *Position) IsClosed() bool {
	return p.Closed == 1
}

// SymbolString returns the symbol slot as a string, trimmed at the first NUL.
func (p *Position) SymbolString() (string, error) {
	end := SymbolLength
	for i, b := range p.Symbol {
		if b == 0 {
			end = i
			break
		}
	}
	s := p.Symbol[:end]
	if !utf8.Valid(s) {
		return "", ErrCorruptedRecord
	}
	return string(s), nil
}

// SymbolFromString packs s into a fixed symbol slot.
func SymbolFromString(s string) ([SymbolLength]byte, error) {
	var sym [SymbolLength]byte
	if len(s) > SymbolLength {
		return sym, ErrInvalidArgument
	}
	copy(sym[:], s)
	return sym, nil
}

// Request is the tagged-variant operation model: one variant per lifecycle
// operation, dispatched exhaustively by Engine.Execute.
type Request interface {
	// Op names the operation for logs and metrics.
	Op() string

	isRequest()
}

// OpenRequest creates a position. The caller is the payer; Owner may be a
// different identity the payer is funding. Position and Market are the
// supplied storage addresses, checked against their derivations.
type OpenRequest struct {
	Owner         ids.ID
	Instrument    ids.ID
	Symbol        [SymbolLength]byte
	PaidAmount    uint64
	RequestedSize uint64
	Leverage      uint8
	Nonce         uint64
	Direction     Direction
	Position      ids.ID
	Market        ids.ID
}

// AuthorityUpdateRequest overwrites the authority-controlled fields of a
// position: prices, close state, reported PnL and instrument.
type AuthorityUpdateRequest struct {
	Position         ids.ID
	Nonce            uint64
	EntryPrice       uint64
	LiquidationPrice uint64
	Closed           uint8
	PnL              int64
	Instrument       ids.ID
}

// UserCloseRequest marks an open position for settlement.
type UserCloseRequest struct {
	Position ids.ID
	Nonce    uint64
}

// SettleRequest performs the terminal fund distribution for a marked
// position and deletes its record.
type SettleRequest struct {
	Position ids.ID
	Owner    ids.ID
	Market   ids.ID
	Nonce    uint64
	FinalPnL int64
}

// ForceCloseRequest drains a structurally corrupt record to Recipient and
// deletes it, bypassing the normal state machine.
type ForceCloseRequest struct {
	Position  ids.ID
	Recipient ids.ID
}

// RebalanceRequest moves pooled liquidity between two instruments.
type RebalanceRequest struct {
	Amount         uint64
	FromInstrument ids.ID
	ToInstrument   ids.ID
	FromPool       ids.ID
	ToPool         ids.ID
}

func (*OpenRequest) Op() string            { return "open" }
func (*AuthorityUpdateRequest) Op() string { return "authority_update" }
func (*UserCloseRequest) Op() string       { return "user_close" }
func (*SettleRequest) Op() string          { return "settle" }
func (*ForceCloseRequest) Op() string      { return "force_close" }
func (*RebalanceRequest) Op() string       { return "rebalance" }

func (*OpenRequest) isRequest()            {}
func (*AuthorityUpdateRequest) isRequest() {}
func (*UserCloseRequest) isRequest()       {}
func (*SettleRequest) isRequest()          {}
func (*ForceCloseRequest) isRequest()      {}
func (*RebalanceRequest) isRequest()       {}
