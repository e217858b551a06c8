package perps

import (
	"encoding/binary"
)

// RecordSize is the fixed width of a persisted position record. The layout
// is order-significant for binary compatibility: owner, instrument, symbol,
// entry price, liquidation price, collateral, notional, leverage, closed,
// nonce, pnl, direction. All multi-byte integers little-endian.
const RecordSize = 32 + 32 + SymbolLength + 8 + 8 + 8 + 8 + 1 + 1 + 8 + 8 + 1

// MarshalBinary encodes the record into its fixed wire layout.
func (p *Position) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	off := 0

	copy(buf[off:], p.Owner[:])
	off += 32
	copy(buf[off:], p.Instrument[:])
	off += 32
	copy(buf[off:], p.Symbol[:])
	off += SymbolLength

	binary.LittleEndian.PutUint64(buf[off:], p.EntryPrice)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], p.LiquidationPrice)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], p.Collateral)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], p.Notional)
	off += 8

	buf[off] = p.Leverage
	off++
	buf[off] = p.Closed
	off++

	binary.LittleEndian.PutUint64(buf[off:], p.Nonce)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(p.PnL))
	off += 8
	buf[off] = byte(p.Direction)

	return buf, nil
}

// UnmarshalBinary decodes a persisted record. Any structural violation
// (wrong length, out-of-range leverage, unknown close state or direction)
// fails with ErrCorruptedRecord; such records can only be force-closed.
func (p *Position) UnmarshalBinary(raw []byte) error {
	if len(raw) != RecordSize {
		return ErrCorruptedRecord
	}
	off := 0

	copy(p.Owner[:], raw[off:])
	off += 32
	copy(p.Instrument[:], raw[off:])
	off += 32
	copy(p.Symbol[:], raw[off:])
	off += SymbolLength

	p.EntryPrice = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	p.LiquidationPrice = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	p.Collateral = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	p.Notional = binary.LittleEndian.Uint64(raw[off:])
	off += 8

	p.Leverage = raw[off]
	off++
	p.Closed = raw[off]
	off++

	p.Nonce = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	p.PnL = int64(binary.LittleEndian.Uint64(raw[off:]))
	off += 8
	p.Direction = Direction(int8(raw[off]))

	if p.Leverage < 1 || p.Leverage > MaxLeverage {
		return ErrCorruptedRecord
	}
	if p.Closed > 1 {
		return ErrCorruptedRecord
	}
	if !p.Direction.Valid() {
		return ErrCorruptedRecord
	}
	return nil
}
