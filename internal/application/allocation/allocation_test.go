package allocation_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/satsale/internal/adapters/storage"
	"github.com/alejandrodnm/satsale/internal/application/allocation"
	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const auctionID = "sale-1"

type fixedOracle struct {
	price decimal.Decimal
	calls atomic.Int32
}

func (o *fixedOracle) Price(context.Context) (decimal.Decimal, error) {
	o.calls.Add(1)
	return o.price, nil
}

// seedSettled crea la subasta y liquida los pledges dados a 50k USD/BTC.
func seedSettled(t *testing.T, pledges map[string]domain.Sats) *storage.Store {
	t.Helper()
	ctx := context.Background()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.CreateAuction(ctx, domain.Auction{
		ID:          auctionID,
		TotalTokens: 1_000_000,
		CeilingUSD:  decimal.RequireFromString("10000000"),
		MinPledge:   1,
		EndTime:     time.Now().Add(time.Hour),
		IsActive:    true,
	})
	require.NoError(t, err)

	var running domain.Sats
	for id, amount := range pledges {
		p := domain.Pledge{ID: id, AuctionID: auctionID, ParticipantID: id[:1], Amount: amount}
		entry, err := db.Enqueue(ctx, p)
		require.NoError(t, err)
		price := decimal.RequireFromString("50000")
		a, applied, err := db.CommitSettlement(ctx, domain.Commit{
			AuctionID:            auctionID,
			Entry:                entry,
			PledgeID:             id,
			Amount:               amount,
			Decision:             domain.Decide(decimal.RequireFromString("10000000"), running, amount, price),
			ExpectedRunningTotal: running,
			At:                   time.Now(),
		})
		require.NoError(t, err)
		require.True(t, applied)
		running = a.RunningTotal
	}
	return db
}

func TestRun_RequiresCompletedAuction(t *testing.T) {
	db := seedSettled(t, map[string]domain.Sats{"a1": domain.SatsPerBTC})
	svc := allocation.New(db, &fixedOracle{price: decimal.RequireFromString("60000")})

	_, err := svc.Run(context.Background(), auctionID)
	assert.ErrorIs(t, err, domain.ErrAuctionNotCompleted)
}

func TestRun_ProportionalAndPersistedOnce(t *testing.T) {
	db := seedSettled(t, map[string]domain.Sats{
		"a1": domain.SatsPerBTC,
		"b1": 2 * domain.SatsPerBTC,
		"a2": domain.SatsPerBTC, // mismo participante "a"
	})
	ctx := context.Background()
	_, err := db.CompleteAuction(ctx, auctionID, domain.CompletionTime, decimal.RequireFromString("64000"), time.Now())
	require.NoError(t, err)

	oracle := &fixedOracle{price: decimal.RequireFromString("99999")}
	svc := allocation.New(db, oracle)

	r, err := svc.Run(ctx, auctionID)
	require.NoError(t, err)
	require.Len(t, r.Allocations, 2)
	assert.Equal(t, "a", r.Allocations[0].ParticipantID)
	assert.Equal(t, int64(500_000), r.Allocations[0].Tokens)
	assert.Equal(t, int64(500_000), r.Allocations[1].Tokens)
	assert.True(t, r.FinalPrice.Equal(decimal.RequireFromString("64000")), "usa el snapshot del cierre")
	assert.Equal(t, int32(0), oracle.calls.Load())

	// tokenPrice = 4 BTC × 64k / 1M
	assert.True(t, r.TokenPriceUSD.Equal(decimal.RequireFromString("0.256")), "got %s", r.TokenPriceUSD)

	again, err := svc.Run(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, r.Distributed(), again.Distributed())
	assert.True(t, again.FinalPrice.Equal(r.FinalPrice))
}

func TestRun_FetchesMissingFinalPrice(t *testing.T) {
	db := seedSettled(t, map[string]domain.Sats{"a1": 30_000, "b1": 70_000})
	ctx := context.Background()
	_, err := db.CompleteAuction(ctx, auctionID, domain.CompletionTime, decimal.Zero, time.Now())
	require.NoError(t, err)

	oracle := &fixedOracle{price: decimal.RequireFromString("61000")}
	r, err := allocation.New(db, oracle).Run(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), oracle.calls.Load())
	assert.True(t, r.FinalPrice.Equal(decimal.RequireFromString("61000")))
	assert.Equal(t, int64(1_000_000), r.Distributed())

	a, err := db.GetAuction(ctx, auctionID)
	require.NoError(t, err)
	assert.True(t, a.FinalPrice.Equal(decimal.RequireFromString("61000")))
}
