package settlement_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alejandrodnm/satsale/internal/application/settlement"
	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunner(f *fixture) *settlement.Runner {
	return settlement.NewRunner(settlement.RunnerConfig{Interval: 10 * time.Millisecond, BatchSize: 1000},
		f.worker, f.db)
}

// --- Drain ---

func TestDrain_ProcessesWholeQueueInOrder(t *testing.T) {
	f := newFixture(t, "100000", time.Now().Add(time.Hour))
	for i := 0; i < 5; i++ {
		f.enqueue(t, fmt.Sprintf("p%d", i), domain.MustSatsFromBTC("0.3"))
	}

	n, err := newRunner(f).Drain(context.Background(), auctionID)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// 0.3, 0.6, 0.9, 1.2 BTC × 80k ≤ 100k; el quinto (1.5 BTC → 120k) se devuelve
	settled, err := f.db.ListPledges(context.Background(), auctionID, domain.PledgeStatusSettled)
	require.NoError(t, err)
	assert.Len(t, settled, 4)
	refunded, err := f.db.ListPledges(context.Background(), auctionID, domain.PledgeStatusRefunded)
	require.NoError(t, err)
	require.Len(t, refunded, 1)
	assert.Equal(t, "p4", refunded[0].ID)
}

func TestDrain_RetryableErrorSurfaces(t *testing.T) {
	f := newFixture(t, "100000", time.Now().Add(time.Hour))
	f.enqueue(t, "p1", 100_000)
	f.oracle.set("", domain.ErrPriceUnavailable)

	n, err := newRunner(f).Drain(context.Background(), auctionID)
	assert.Equal(t, 0, n)
	assert.True(t, domain.IsRetryable(err))
}

func TestDrain_ContinuesPastReplayedHead(t *testing.T) {
	f, w := newStaleFixture(t)
	r := settlement.NewRunner(settlement.RunnerConfig{BatchSize: 10}, w, f.db)

	n, err := r.Drain(context.Background(), auctionID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "el replay no cuenta ni corta el ciclo")

	p, err := f.db.GetPledge(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, domain.PledgeStatusSettled, p.Status)

	depth, err := f.db.Depth(context.Background(), auctionID)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

// --- Completion ---

func TestCheckCompletion_TimeExpiry(t *testing.T) {
	f := newFixture(t, "100000", time.Now().Add(-time.Second))
	r := newRunner(f)

	closed, err := r.CheckCompletion(context.Background(), auctionID)
	require.NoError(t, err)
	assert.True(t, closed)

	a, err := f.db.GetAuction(context.Background(), auctionID)
	require.NoError(t, err)
	assert.True(t, a.IsCompleted)
	assert.False(t, a.IsActive)
	assert.Equal(t, domain.CompletionTime, a.CompletionReason)
	assert.True(t, a.FinalPrice.Equal(decimal.RequireFromString("80000")))
	assert.Equal(t, []domain.EventKind{domain.EventCompleted}, f.notifier.kinds())

	closed, err = r.CheckCompletion(context.Background(), auctionID)
	require.NoError(t, err)
	assert.False(t, closed, "solo se cierra una vez")
}

func TestCheckCompletion_WithoutPriceStillCloses(t *testing.T) {
	f := newFixture(t, "100000", time.Now().Add(-time.Second))
	f.oracle.set("", domain.ErrPriceUnavailable)

	closed, err := newRunner(f).CheckCompletion(context.Background(), auctionID)
	require.NoError(t, err)
	assert.True(t, closed)

	a, err := f.db.GetAuction(context.Background(), auctionID)
	require.NoError(t, err)
	assert.True(t, a.IsCompleted)
	assert.True(t, a.FinalPrice.IsZero())
}

func TestCheckCompletion_OpenAuction(t *testing.T) {
	f := newFixture(t, "100000", time.Now().Add(time.Hour))
	closed, err := newRunner(f).CheckCompletion(context.Background(), auctionID)
	require.NoError(t, err)
	assert.False(t, closed)
}

// --- Run ---

func TestRun_DrainsUntilCancelled(t *testing.T) {
	f := newFixture(t, "100000", time.Now().Add(time.Hour))
	f.enqueue(t, "p1", 100_000)
	f.enqueue(t, "p2", 200_000)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, newRunner(f).Run(ctx, auctionID))

	a, err := f.db.GetAuction(context.Background(), auctionID)
	require.NoError(t, err)
	assert.Equal(t, domain.Sats(300_000), a.RunningTotal)
}

// --- Properties ---

// El resultado del drenado es idéntico a aplicar Decide en orden de secuencia,
// y el running total final es la suma de los pledges settled.
func TestDrain_MatchesSequentialReplay(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("FCFS settlement equals sequential replay", prop.ForAll(
		func(amounts []int64, priceUSD int64, ceilingUSD int64) bool {
			f := newFixture(t, fmt.Sprint(ceilingUSD), time.Now().Add(time.Hour))
			f.oracle.set(fmt.Sprint(priceUSD), nil)
			for i, a := range amounts {
				f.enqueue(t, fmt.Sprintf("p%04d", i), domain.Sats(a))
			}

			if _, err := newRunner(f).Drain(context.Background(), auctionID); err != nil {
				t.Logf("drain: %v", err)
				return false
			}

			price := decimal.NewFromInt(priceUSD)
			ceiling := decimal.NewFromInt(ceilingUSD)
			var running, settledSum domain.Sats
			for i, a := range amounts {
				want := domain.Decide(ceiling, running, domain.Sats(a), price)
				running += want.Delta

				p, err := f.db.GetPledge(context.Background(), fmt.Sprintf("p%04d", i))
				if err != nil {
					return false
				}
				gotOutcome := domain.OutcomeRefunded
				if p.Status == domain.PledgeStatusSettled {
					gotOutcome = domain.OutcomeSettled
					settledSum += p.Amount
				}
				if gotOutcome != want.Outcome {
					t.Logf("pledge %d: got %s want %s", i, gotOutcome, want.Outcome)
					return false
				}
			}

			a, err := f.db.GetAuction(context.Background(), auctionID)
			if err != nil {
				return false
			}
			return a.RunningTotal == running && a.RunningTotal == settledSum
		},
		gen.SliceOfN(12, gen.Int64Range(1, 2*domain.SatsPerBTC)),
		gen.Int64Range(20_000, 120_000),
		gen.Int64Range(50_000, 500_000),
	))

	properties.TestingRun(t)
}
