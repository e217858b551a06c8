package perps

import (
	"errors"
	"testing"

	"github.com/luxfi/database"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uranusdex/settlement/pkg/store"
)

type testEnv struct {
	engine    *Engine
	ledger    *store.Ledger
	authority ids.ID
	feeSink   ids.ID
	trader    ids.ID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ledger := store.New(memdb.New())
	env := &testEnv{
		ledger:    ledger,
		authority: ids.GenerateTestID(),
		feeSink:   ids.GenerateTestID(),
		trader:    ids.GenerateTestID(),
	}
	env.engine = NewEngine(Config{
		Authority: env.authority,
		FeeSink:   env.feeSink,
	}, ledger, log.NewNoOpLogger())
	return env
}

func (env *testEnv) fund(t *testing.T, addr ids.ID, amount uint64) {
	t.Helper()
	tx := env.ledger.Begin()
	acct, err := tx.Account(addr)
	require.NoError(t, err)
	acct.Balance += amount
	require.NoError(t, tx.Commit())
}

func (env *testEnv) balance(t *testing.T, addr ids.ID) uint64 {
	t.Helper()
	balance, err := env.ledger.Balance(addr)
	require.NoError(t, err)
	return balance
}

func (env *testEnv) openRequest(t *testing.T, owner, instrument ids.ID, nonce uint64) *OpenRequest {
	t.Helper()
	symbol, err := SymbolFromString("SOL-PERP")
	require.NoError(t, err)
	return &OpenRequest{
		Owner:         owner,
		Instrument:    instrument,
		Symbol:        symbol,
		PaidAmount:    100_000_000,
		RequestedSize: 100_000_000,
		Leverage:      3,
		Nonce:         nonce,
		Direction:     Long,
		Position:      store.PositionAddress(owner, nonce),
		Market:        store.MarketAddress(instrument),
	}
}

func TestOpen(t *testing.T) {
	env := newTestEnv(t)
	instrument := ids.GenerateTestID()
	poolFunding := store.MinimumBalance(0)
	env.fund(t, env.trader, 200_000_000+poolFunding)

	req := env.openRequest(t, env.trader, instrument, 1)
	require.NoError(t, env.engine.Execute(env.trader, req))

	// 2.3% origination fee at 3x; the first open also funds the pool's
	// retention minimum from the payer.
	assert.Equal(t, uint64(200_000_000-100_000_000), env.balance(t, env.trader))
	assert.Equal(t, uint64(2_300_000), env.balance(t, env.feeSink))
	assert.Equal(t, poolFunding, env.balance(t, store.MarketAddress(instrument)))

	pos, locked, err := env.engine.Position(req.Position)
	require.NoError(t, err)
	assert.Equal(t, uint64(97_700_000), locked)
	assert.Equal(t, env.trader, pos.Owner)
	assert.Equal(t, instrument, pos.Instrument)
	assert.Equal(t, uint64(97_700_000), pos.Collateral)
	assert.Equal(t, uint64(293_100_000), pos.Notional)
	assert.Equal(t, uint8(3), pos.Leverage)
	assert.Equal(t, uint64(1), pos.Nonce)
	assert.Equal(t, Long, pos.Direction)
	assert.False(t, pos.IsClosed())

	t.Run("SecondOpenSkipsPoolFunding", func(t *testing.T) {
		req2 := env.openRequest(t, env.trader, instrument, 2)
		require.NoError(t, env.engine.Execute(env.trader, req2))
		assert.Equal(t, poolFunding, env.balance(t, store.MarketAddress(instrument)))
		assert.Equal(t, uint64(0), env.balance(t, env.trader))
	})
}

func TestOpenPayerFundsOtherOwner(t *testing.T) {
	env := newTestEnv(t)
	owner := ids.GenerateTestID()
	payer := ids.GenerateTestID()
	env.fund(t, payer, 100_000_000+store.MinimumBalance(0))

	req := env.openRequest(t, owner, ids.GenerateTestID(), 1)
	require.NoError(t, env.engine.Execute(payer, req))

	pos, _, err := env.engine.Position(req.Position)
	require.NoError(t, err)
	assert.Equal(t, owner, pos.Owner)
	assert.Equal(t, uint64(0), env.balance(t, payer))
}

func TestOpenClampsLeverage(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.trader, 200_000_000+store.MinimumBalance(0))

	req := env.openRequest(t, env.trader, ids.GenerateTestID(), 1)
	req.Leverage = 20
	require.NoError(t, env.engine.Execute(env.trader, req))

	pos, _, err := env.engine.Position(req.Position)
	require.NoError(t, err)
	assert.Equal(t, MaxLeverage, pos.Leverage)
	// 2% + 0.5% at the clamped leverage.
	assert.Equal(t, uint64(97_500_000), pos.Collateral)
	assert.Equal(t, uint64(487_500_000), pos.Notional)
}

func TestOpenRejections(t *testing.T) {
	env := newTestEnv(t)
	instrument := ids.GenerateTestID()
	env.fund(t, env.trader, 1_000_000_000)

	t.Run("RequestedSizeBelowFloor", func(t *testing.T) {
		req := env.openRequest(t, env.trader, instrument, 1)
		req.RequestedSize = MinPositionSize - 1
		assert.ErrorIs(t, env.engine.Execute(env.trader, req), ErrInvalidArgument)
	})

	t.Run("InvalidDirection", func(t *testing.T) {
		req := env.openRequest(t, env.trader, instrument, 1)
		req.Direction = 0
		assert.ErrorIs(t, env.engine.Execute(env.trader, req), ErrInvalidArgument)
	})

	t.Run("SizeAfterFeesBelowFloor", func(t *testing.T) {
		req := env.openRequest(t, env.trader, instrument, 1)
		req.PaidAmount = 4_000_000
		req.RequestedSize = MinPositionSize
		req.Leverage = 1
		assert.ErrorIs(t, env.engine.Execute(env.trader, req), ErrInvalidArgument)
	})

	t.Run("PositionAddressMismatch", func(t *testing.T) {
		req := env.openRequest(t, env.trader, instrument, 1)
		req.Position = ids.GenerateTestID()
		assert.ErrorIs(t, env.engine.Execute(env.trader, req), ErrAddressMismatch)
	})

	t.Run("MarketAddressMismatch", func(t *testing.T) {
		req := env.openRequest(t, env.trader, instrument, 1)
		req.Market = ids.GenerateTestID()
		assert.ErrorIs(t, env.engine.Execute(env.trader, req), ErrAddressMismatch)
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		poor := ids.GenerateTestID()
		// Enough for the position but not the pool funding.
		env.fund(t, poor, 100_000_000)
		req := env.openRequest(t, poor, instrument, 1)
		assert.ErrorIs(t, env.engine.Execute(poor, req), ErrInsufficientFunds)
		assert.Equal(t, uint64(100_000_000), env.balance(t, poor))
	})

	t.Run("DuplicateNonce", func(t *testing.T) {
		req := env.openRequest(t, env.trader, instrument, 9)
		require.NoError(t, env.engine.Execute(env.trader, req))
		dup := env.openRequest(t, env.trader, instrument, 9)
		assert.ErrorIs(t, env.engine.Execute(env.trader, dup), ErrInvalidArgument)
	})
}

func TestAuthorityUpdate(t *testing.T) {
	env := newTestEnv(t)
	instrument := ids.GenerateTestID()
	env.fund(t, env.trader, 200_000_000+store.MinimumBalance(0))
	req := env.openRequest(t, env.trader, instrument, 1)
	require.NoError(t, env.engine.Execute(env.trader, req))

	update := &AuthorityUpdateRequest{
		Position:         req.Position,
		Nonce:            1,
		EntryPrice:       150_000_000_000,
		LiquidationPrice: 120_000_000_000,
		Closed:           0,
		PnL:              5_000_000,
		Instrument:       instrument,
	}

	t.Run("NonAuthorityRejected", func(t *testing.T) {
		assert.ErrorIs(t, env.engine.Execute(env.trader, update), ErrUnauthorized)
	})

	t.Run("OverwritesFields", func(t *testing.T) {
		require.NoError(t, env.engine.Execute(env.authority, update))
		pos, _, err := env.engine.Position(req.Position)
		require.NoError(t, err)
		assert.Equal(t, uint64(150_000_000_000), pos.EntryPrice)
		assert.Equal(t, uint64(120_000_000_000), pos.LiquidationPrice)
		assert.Equal(t, int64(5_000_000), pos.PnL)
		assert.False(t, pos.IsClosed())
		// Creation-time fields survive the overwrite.
		assert.Equal(t, uint64(97_700_000), pos.Collateral)
		assert.Equal(t, uint8(3), pos.Leverage)
	})

	t.Run("NonceMismatch", func(t *testing.T) {
		bad := *update
		bad.Nonce = 2
		assert.ErrorIs(t, env.engine.Execute(env.authority, &bad), ErrInvalidArgument)
	})

	t.Run("InvalidCloseState", func(t *testing.T) {
		bad := *update
		bad.Closed = 2
		assert.ErrorIs(t, env.engine.Execute(env.authority, &bad), ErrInvalidArgument)
	})

	t.Run("MissingRecord", func(t *testing.T) {
		bad := *update
		bad.Position = ids.GenerateTestID()
		assert.ErrorIs(t, env.engine.Execute(env.authority, &bad), ErrOwnershipMismatch)
	})

	t.Run("AdministrativeClose", func(t *testing.T) {
		closing := *update
		closing.Closed = 1
		closing.PnL = -20_000_000
		require.NoError(t, env.engine.Execute(env.authority, &closing))
		pos, _, err := env.engine.Position(req.Position)
		require.NoError(t, err)
		assert.True(t, pos.IsClosed())
	})

	t.Run("CloseFlagCannotReset", func(t *testing.T) {
		reopen := *update
		reopen.Closed = 0
		assert.ErrorIs(t, env.engine.Execute(env.authority, &reopen), ErrInvalidArgument)
	})
}

func TestUserClose(t *testing.T) {
	env := newTestEnv(t)
	instrument := ids.GenerateTestID()
	env.fund(t, env.trader, 200_000_000+store.MinimumBalance(0))
	req := env.openRequest(t, env.trader, instrument, 1)
	require.NoError(t, env.engine.Execute(env.trader, req))

	closeReq := &UserCloseRequest{Position: req.Position, Nonce: 1}

	t.Run("StrangerRejected", func(t *testing.T) {
		assert.ErrorIs(t, env.engine.Execute(ids.GenerateTestID(), closeReq), ErrUnauthorized)
	})

	t.Run("NonceMismatch", func(t *testing.T) {
		bad := &UserCloseRequest{Position: req.Position, Nonce: 2}
		assert.ErrorIs(t, env.engine.Execute(env.trader, bad), ErrInvalidArgument)
	})

	t.Run("OwnerMarksClose", func(t *testing.T) {
		require.NoError(t, env.engine.Execute(env.trader, closeReq))
		pos, _, err := env.engine.Position(req.Position)
		require.NoError(t, err)
		assert.True(t, pos.IsClosed())
	})

	t.Run("SecondCloseRejected", func(t *testing.T) {
		before, err := env.ledger.Get(req.Position)
		require.NoError(t, err)

		assert.ErrorIs(t, env.engine.Execute(env.trader, closeReq), ErrAlreadyClosed)

		after, err := env.ledger.Get(req.Position)
		require.NoError(t, err)
		assert.Equal(t, before, after, "rejected close must not touch the record")
	})

	t.Run("AuthorityMayMark", func(t *testing.T) {
		env.fund(t, env.trader, 100_000_000)
		second := env.openRequest(t, env.trader, instrument, 2)
		require.NoError(t, env.engine.Execute(env.trader, second))
		require.NoError(t, env.engine.Execute(env.authority, &UserCloseRequest{
			Position: second.Position,
			Nonce:    2,
		}))
	})
}

func TestSettle(t *testing.T) {
	setup := func(t *testing.T) (*testEnv, ids.ID, *SettleRequest) {
		env := newTestEnv(t)
		instrument := ids.GenerateTestID()
		env.fund(t, env.trader, 100_000_000+store.MinimumBalance(0))
		req := env.openRequest(t, env.trader, instrument, 1)
		require.NoError(t, env.engine.Execute(env.trader, req))
		require.NoError(t, env.engine.Execute(env.trader, &UserCloseRequest{
			Position: req.Position,
			Nonce:    1,
		}))
		return env, instrument, &SettleRequest{
			Position: req.Position,
			Owner:    env.trader,
			Market:   store.MarketAddress(instrument),
			Nonce:    1,
			FinalPnL: 5_000_000,
		}
	}

	t.Run("Profit", func(t *testing.T) {
		env, instrument, settle := setup(t)
		env.fund(t, store.MarketAddress(instrument), 10_000_000)

		require.NoError(t, env.engine.Execute(env.authority, settle))

		// Locked collateral plus profit net of the 2.3% settlement fee.
		assert.Equal(t, uint64(97_700_000+4_885_000), env.balance(t, env.trader))
		assert.Equal(t, uint64(2_300_000+115_000), env.balance(t, env.feeSink))
		assert.Equal(t, store.MinimumBalance(0)+10_000_000-5_000_000,
			env.balance(t, store.MarketAddress(instrument)))

		_, _, err := env.engine.Position(settle.Position)
		assert.ErrorIs(t, err, ErrPositionNotFound)
	})

	t.Run("ProfitForfeitedOnThinPool", func(t *testing.T) {
		env, instrument, settle := setup(t)
		// Pool holds only the retention minimum, well short of the payout.

		require.NoError(t, env.engine.Execute(env.authority, settle))

		assert.Equal(t, uint64(97_700_000), env.balance(t, env.trader))
		assert.Equal(t, uint64(2_300_000), env.balance(t, env.feeSink))
		assert.Equal(t, store.MinimumBalance(0), env.balance(t, store.MarketAddress(instrument)))

		_, _, err := env.engine.Position(settle.Position)
		assert.ErrorIs(t, err, ErrPositionNotFound)
	})

	t.Run("Loss", func(t *testing.T) {
		env, instrument, settle := setup(t)
		settle.FinalPnL = -20_000_000

		require.NoError(t, env.engine.Execute(env.authority, settle))

		assert.Equal(t, uint64(77_700_000), env.balance(t, env.trader))
		assert.Equal(t, store.MinimumBalance(0)+20_000_000,
			env.balance(t, store.MarketAddress(instrument)))
	})

	t.Run("TotalLoss", func(t *testing.T) {
		env, instrument, settle := setup(t)
		settle.FinalPnL = -200_000_000

		require.NoError(t, env.engine.Execute(env.authority, settle))

		assert.Equal(t, uint64(0), env.balance(t, env.trader))
		assert.Equal(t, store.MinimumBalance(0)+97_700_000,
			env.balance(t, store.MarketAddress(instrument)))
	})

	t.Run("NonAuthorityRejected", func(t *testing.T) {
		env, _, settle := setup(t)
		assert.ErrorIs(t, env.engine.Execute(env.trader, settle), ErrUnauthorized)
	})

	t.Run("NotMarkedForClose", func(t *testing.T) {
		env := newTestEnv(t)
		instrument := ids.GenerateTestID()
		env.fund(t, env.trader, 100_000_000+store.MinimumBalance(0))
		req := env.openRequest(t, env.trader, instrument, 1)
		require.NoError(t, env.engine.Execute(env.trader, req))

		err := env.engine.Execute(env.authority, &SettleRequest{
			Position: req.Position,
			Owner:    env.trader,
			Market:   store.MarketAddress(instrument),
			Nonce:    1,
		})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("OwnerMismatch", func(t *testing.T) {
		env, _, settle := setup(t)
		settle.Owner = ids.GenerateTestID()
		assert.ErrorIs(t, env.engine.Execute(env.authority, settle), ErrInvalidArgument)
	})

	t.Run("NonceMismatch", func(t *testing.T) {
		env, _, settle := setup(t)
		settle.Nonce = 2
		assert.ErrorIs(t, env.engine.Execute(env.authority, settle), ErrInvalidArgument)
	})

	t.Run("MarketAddressMismatch", func(t *testing.T) {
		env, _, settle := setup(t)
		settle.Market = ids.GenerateTestID()
		assert.ErrorIs(t, env.engine.Execute(env.authority, settle), ErrAddressMismatch)
	})

	t.Run("MissingRecord", func(t *testing.T) {
		env, _, settle := setup(t)
		settle.Position = ids.GenerateTestID()
		assert.ErrorIs(t, env.engine.Execute(env.authority, settle), ErrOwnershipMismatch)
	})
}

func TestForceClose(t *testing.T) {
	env := newTestEnv(t)
	position := ids.GenerateTestID()
	recipient := ids.GenerateTestID()

	// A record that fails deserialization: right flags, garbage data.
	tx := env.ledger.Begin()
	acct, err := tx.Account(position)
	require.NoError(t, err)
	acct.Balance = 97_700_000
	acct.Owned = true
	acct.Data = []byte("not a position record")
	require.NoError(t, tx.Commit())

	t.Run("NormalPathsRejectCorruption", func(t *testing.T) {
		err := env.engine.Execute(env.trader, &UserCloseRequest{Position: position})
		assert.ErrorIs(t, err, ErrCorruptedRecord)

		err = env.engine.Execute(env.authority, &SettleRequest{Position: position})
		assert.ErrorIs(t, err, ErrCorruptedRecord)
	})

	t.Run("NonAuthorityRejected", func(t *testing.T) {
		err := env.engine.Execute(env.trader, &ForceCloseRequest{
			Position:  position,
			Recipient: recipient,
		})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("RecipientIsPositionAccount", func(t *testing.T) {
		// Paying the drained balance into the account being deleted
		// would destroy it; the request is rejected outright.
		err := env.engine.Execute(env.authority, &ForceCloseRequest{
			Position:  position,
			Recipient: position,
		})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.Equal(t, uint64(97_700_000), env.balance(t, position))
	})

	t.Run("DrainsAndDeletes", func(t *testing.T) {
		require.NoError(t, env.engine.Execute(env.authority, &ForceCloseRequest{
			Position:  position,
			Recipient: recipient,
		}))

		assert.Equal(t, uint64(97_700_000), env.balance(t, recipient))
		_, _, err := env.engine.Position(position)
		assert.ErrorIs(t, err, ErrPositionNotFound)
	})

	t.Run("UnownedAccountRejected", func(t *testing.T) {
		err := env.engine.Execute(env.authority, &ForceCloseRequest{
			Position:  recipient,
			Recipient: env.authority,
		})
		assert.ErrorIs(t, err, ErrOwnershipMismatch)
	})
}

var errWriteFailed = errors.New("batch write failed")

// flakyBatchDB fails batch writes while *failing is set.
type flakyBatchDB struct {
	database.Database
	failing *bool
}

func (db flakyBatchDB) NewBatch() database.Batch {
	return flakyBatch{db.Database.NewBatch(), db.failing}
}

type flakyBatch struct {
	database.Batch
	failing *bool
}

func (b flakyBatch) Write() error {
	if *b.failing {
		return errWriteFailed
	}
	return b.Batch.Write()
}

func TestCommitFailureSurfacesAsError(t *testing.T) {
	failing := false
	ledger := store.New(flakyBatchDB{memdb.New(), &failing})
	env := &testEnv{
		ledger:    ledger,
		authority: ids.GenerateTestID(),
		feeSink:   ids.GenerateTestID(),
		trader:    ids.GenerateTestID(),
	}
	env.engine = NewEngine(Config{
		Authority: env.authority,
		FeeSink:   env.feeSink,
	}, ledger, log.NewNoOpLogger())

	position := ids.GenerateTestID()
	recipient := ids.GenerateTestID()
	tx := ledger.Begin()
	acct, err := tx.Account(position)
	require.NoError(t, err)
	acct.Balance = 97_700_000
	acct.Owned = true
	acct.Data = []byte("not a position record")
	require.NoError(t, tx.Commit())

	// A storage failure mid-operation must come back as an error with the
	// ledger untouched, not tear the process down.
	failing = true
	err = env.engine.Execute(env.authority, &ForceCloseRequest{
		Position:  position,
		Recipient: recipient,
	})
	assert.ErrorIs(t, err, errWriteFailed)
	assert.Equal(t, uint64(0), env.balance(t, recipient))
	assert.Equal(t, uint64(97_700_000), env.balance(t, position))

	// The engine keeps working once storage recovers.
	failing = false
	require.NoError(t, env.engine.Execute(env.authority, &ForceCloseRequest{
		Position:  position,
		Recipient: recipient,
	}))
	assert.Equal(t, uint64(97_700_000), env.balance(t, recipient))
}

type bogusRequest struct{}

func (bogusRequest) Op() string { return "bogus" }
func (bogusRequest) isRequest() {}

func TestExecuteUnknownOperation(t *testing.T) {
	env := newTestEnv(t)
	assert.ErrorIs(t, env.engine.Execute(env.trader, bogusRequest{}), ErrUnknownOperation)
	assert.ErrorIs(t, env.engine.Execute(env.trader, nil), ErrUnknownOperation)
}

type captureSink struct {
	subjects []string
}

func (c *captureSink) Publish(subject string, event any) {
	c.subjects = append(c.subjects, subject)
}

func TestLifecycleEvents(t *testing.T) {
	env := newTestEnv(t)
	sink := &captureSink{}
	env.engine.Events = sink

	instrument := ids.GenerateTestID()
	env.fund(t, env.trader, 100_000_000+store.MinimumBalance(0))

	req := env.openRequest(t, env.trader, instrument, 1)
	require.NoError(t, env.engine.Execute(env.trader, req))
	env.fund(t, store.MarketAddress(instrument), 10_000_000)
	require.NoError(t, env.engine.Execute(env.trader, &UserCloseRequest{Position: req.Position, Nonce: 1}))
	require.NoError(t, env.engine.Execute(env.authority, &SettleRequest{
		Position: req.Position,
		Owner:    env.trader,
		Market:   store.MarketAddress(instrument),
		Nonce:    1,
		FinalPnL: 5_000_000,
	}))

	assert.Equal(t, []string{
		SubjectPositionOpened,
		SubjectPositionCloseMarked,
		SubjectPositionSettled,
	}, sink.subjects)
}

func TestLifecycleConservation(t *testing.T) {
	env := newTestEnv(t)
	instrument := ids.GenerateTestID()
	initial := uint64(500_000_000)
	env.fund(t, env.trader, initial)

	sum := func() uint64 {
		var total uint64
		for _, addr := range []ids.ID{
			env.trader, env.feeSink,
			store.MarketAddress(instrument),
			store.PositionAddress(env.trader, 1),
		} {
			total += env.balance(t, addr)
		}
		return total
	}

	req := env.openRequest(t, env.trader, instrument, 1)
	require.NoError(t, env.engine.Execute(env.trader, req))
	assert.Equal(t, initial, sum())

	require.NoError(t, env.engine.Execute(env.trader, &UserCloseRequest{Position: req.Position, Nonce: 1}))
	assert.Equal(t, initial, sum())

	require.NoError(t, env.engine.Execute(env.authority, &SettleRequest{
		Position: req.Position,
		Owner:    env.trader,
		Market:   store.MarketAddress(instrument),
		Nonce:    1,
		FinalPnL: -20_000_000,
	}))
	assert.Equal(t, initial, sum())
}
