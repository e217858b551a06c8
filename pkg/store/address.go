package store

import (
	"encoding/binary"

	"github.com/luxfi/ids"
	"golang.org/x/crypto/sha3"
)

// Derived addresses are computed from stable seeds so that any party can
// locate a record without an index: a position lives at a hash of its owner
// and nonce, a market pool at a hash of its instrument.
var (
	positionSeed  = []byte("uranus_position")
	marketSeed    = []byte("uranus_market")
	marketVersion = []byte("v1")
)

// PositionAddress derives the storage address of the position record for
// (owner, nonce).
func PositionAddress(owner ids.ID, nonce uint64) ids.ID {
	var nonceBytes [8]byte
	binary.LittleEndian.PutUint64(nonceBytes[:], nonce)

	h := sha3.New256()
	h.Write(positionSeed)
	h.Write(owner[:])
	h.Write(nonceBytes[:])

	var addr ids.ID
	copy(addr[:], h.Sum(nil))
	return addr
}

// MarketAddress derives the storage address of the pooled liquidity account
// for an instrument.
func MarketAddress(instrument ids.ID) ids.ID {
	h := sha3.New256()
	h.Write(marketSeed)
	h.Write(instrument[:])
	h.Write(marketVersion)

	var addr ids.ID
	copy(addr[:], h.Sum(nil))
	return addr
}
