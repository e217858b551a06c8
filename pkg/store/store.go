package store

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"
)

// Retention schedule for keeping an account alive in the ledger. An account
// must hold at least MinimumBalance(len(data)) units or it is not allowed to
// persist across a rebalance.
const (
	accountOverhead  = 128
	retentionPerByte = 6_960
)

// MinimumBalance returns the minimum balance an account with dataLen bytes of
// record data must retain.
func MinimumBalance(dataLen int) uint64 {
	return uint64(accountOverhead+dataLen) * retentionPerByte
}

// Account is a single keyed balance cell, optionally carrying record data.
// Owned marks accounts created and managed by the settlement system; wallet
// accounts (payers, owners, fee sinks) are unowned balance-only cells.
type Account struct {
	Balance uint64
	Owned   bool
	Data    []byte
}

// IsEmpty reports whether the account holds no funds and no record data.
func (a *Account) IsEmpty() bool {
	return a.Balance == 0 && len(a.Data) == 0
}

func (a *Account) encode() []byte {
	buf := make([]byte, 9+len(a.Data))
	binary.LittleEndian.PutUint64(buf[0:8], a.Balance)
	if a.Owned {
		buf[8] = 1
	}
	copy(buf[9:], a.Data)
	return buf
}

func decodeAccount(raw []byte) (*Account, error) {
	if len(raw) < 9 {
		return nil, fmt.Errorf("account entry too short: %d bytes", len(raw))
	}
	acct := &Account{
		Balance: binary.LittleEndian.Uint64(raw[0:8]),
		Owned:   raw[8] == 1,
	}
	if len(raw) > 9 {
		acct.Data = make([]byte, len(raw)-9)
		copy(acct.Data, raw[9:])
	}
	return acct, nil
}

// Ledger is durable keyed account storage over a database.Database. All
// mutation happens through a Tx: accounts are loaded into memory, modified,
// and written back in a single batch on Commit. A dropped Tx leaves the
// ledger untouched.
type Ledger struct {
	db database.Database
	mu sync.Mutex
}

// New creates a ledger backed by db.
func New(db database.Database) *Ledger {
	return &Ledger{db: db}
}

// Balance reads an account balance without opening a transaction. Missing
// accounts read as zero.
func (l *Ledger) Balance(addr ids.ID) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.db.Get(addr[:])
	if err == database.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	acct, err := decodeAccount(raw)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Get reads a full account without opening a transaction. Missing accounts
// return an empty, unowned account.
func (l *Ledger) Get(addr ids.ID) (*Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(addr)
}

func (l *Ledger) load(addr ids.ID) (*Account, error) {
	raw, err := l.db.Get(addr[:])
	if err == database.ErrNotFound {
		return &Account{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeAccount(raw)
}

// Tx is one atomic unit of work against the ledger. Accounts are cached on
// first access so every component in an operation sees the same mutable cell.
type Tx struct {
	l        *Ledger
	accounts map[ids.ID]*Account
	deleted  map[ids.ID]bool
	released bool
}

// Begin opens a transaction. The ledger lock is held until Commit or Drop,
// serializing operations that contend for the same accounts.
func (l *Ledger) Begin() *Tx {
	l.mu.Lock()
	return &Tx{
		l:        l,
		accounts: make(map[ids.ID]*Account),
		deleted:  make(map[ids.ID]bool),
	}
}

// Account returns the mutable cell for addr, loading it on first access.
// Missing accounts materialize as empty unowned cells.
func (tx *Tx) Account(addr ids.ID) (*Account, error) {
	if acct, ok := tx.accounts[addr]; ok {
		return acct, nil
	}
	acct, err := tx.l.load(addr)
	if err != nil {
		return nil, err
	}
	tx.accounts[addr] = acct
	return acct, nil
}

// Delete erases the record at addr: its data is wiped and the key removed on
// commit. The account's balance must already have been drained.
func (tx *Tx) Delete(addr ids.ID) {
	if acct, ok := tx.accounts[addr]; ok {
		acct.Balance = 0
		acct.Owned = false
		acct.Data = nil
	}
	tx.deleted[addr] = true
}

// Commit writes every touched account in one batch and releases the ledger.
// On failure the ledger state is unmodified and a subsequent Drop is a no-op,
// so callers can unconditionally Drop on the error path.
func (tx *Tx) Commit() error {
	defer tx.release()

	batch := tx.l.db.NewBatch()
	for addr := range tx.deleted {
		if _, loaded := tx.accounts[addr]; loaded {
			continue
		}
		if err := batch.Delete(addr[:]); err != nil {
			return err
		}
	}
	for addr, acct := range tx.accounts {
		if tx.deleted[addr] || acct.IsEmpty() {
			if err := batch.Delete(addr[:]); err != nil {
				return err
			}
			continue
		}
		if err := batch.Put(addr[:], acct.encode()); err != nil {
			return err
		}
	}
	return batch.Write()
}

// Drop abandons the transaction. No staged mutation reaches the database.
func (tx *Tx) Drop() {
	tx.release()
}

// release unlocks the ledger exactly once across Commit and Drop.
func (tx *Tx) release() {
	if tx.released {
		return
	}
	tx.released = true
	tx.l.mu.Unlock()
}
