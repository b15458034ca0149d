package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// --- Sats ---

func TestSats_BTCAndUSD(t *testing.T) {
	s := MustSatsFromBTC("1.25")
	assert.Equal(t, Sats(125_000_000), s)
	assert.Equal(t, "1.25000000 BTC", s.String())
	assert.True(t, s.USD(usd("80000")).Equal(usd("100000")))
}

func TestSatsFromBTC_SubSatoshi(t *testing.T) {
	_, err := SatsFromBTC(usd("0.000000001"))
	assert.Error(t, err)
}

func TestSatsFromBTC_Negative(t *testing.T) {
	_, err := SatsFromBTC(usd("-1"))
	assert.Error(t, err)
}

// --- Decide ---

func TestDecide_ExactCeilingSettles(t *testing.T) {
	// ceiling=$100,000, total=0, price=$80,000, pledge=1.25 BTC → cap exacto $100,000
	d := Decide(usd("100000"), 0, MustSatsFromBTC("1.25"), usd("80000"))

	assert.Equal(t, OutcomeSettled, d.Outcome)
	assert.Equal(t, MustSatsFromBTC("1.25"), d.Delta)
	assert.True(t, d.ProspectiveCap.Equal(usd("100000")))
}

func TestDecide_AlreadyOverCeilingRefunds(t *testing.T) {
	// ceiling=$75,000, total=1 BTC, price=$80,000 → ya estamos por encima
	d := Decide(usd("75000"), MustSatsFromBTC("1"), 1, usd("80000"))

	assert.Equal(t, OutcomeRefunded, d.Outcome)
	assert.Equal(t, Sats(0), d.Delta)
	assert.Equal(t, RefundReasonCeiling, d.RefundReason)
}

func TestDecide_OneSatOverRefunds(t *testing.T) {
	d := Decide(usd("100000"), 0, MustSatsFromBTC("1.25")+1, usd("80000"))
	assert.Equal(t, OutcomeRefunded, d.Outcome)
}

func TestDecideClosed(t *testing.T) {
	d := DecideClosed()
	assert.Equal(t, OutcomeRefunded, d.Outcome)
	assert.Equal(t, RefundReasonClosed, d.RefundReason)
	assert.True(t, d.Price.IsZero())
}

// --- Auction ---

func TestAuction_InBounds(t *testing.T) {
	a := Auction{MinPledge: 10_000, MaxPledge: 1_000_000}

	assert.True(t, a.InBounds(10_000))
	assert.True(t, a.InBounds(1_000_000))
	assert.False(t, a.InBounds(9_999))
	assert.False(t, a.InBounds(1_000_001))
	assert.False(t, a.InBounds(0))

	unbounded := Auction{MinPledge: 1}
	assert.True(t, unbounded.InBounds(21_000_000*SatsPerBTC))
}

func TestAuction_Closed(t *testing.T) {
	now := time.Now()
	a := Auction{EndTime: now.Add(time.Hour)}
	assert.False(t, a.Closed(now))
	assert.True(t, a.Closed(now.Add(time.Hour)))

	a.IsCompleted = true
	assert.True(t, a.Closed(now))

	noEnd := Auction{}
	assert.False(t, noEnd.Closed(now))
}

func TestAuction_CeilingReached(t *testing.T) {
	a := Auction{CeilingUSD: usd("100000"), RunningTotal: MustSatsFromBTC("1.25")}
	assert.True(t, a.CeilingReached(usd("80000")))
	assert.False(t, a.CeilingReached(usd("79999.99")))
	assert.False(t, a.CeilingReached(decimal.Zero))
}

// --- Errors ---

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrPriceUnavailable))
	assert.True(t, IsRetryable(ErrPersistenceConflict))
	assert.True(t, IsRetryable(ErrLockContention))
	assert.False(t, IsRetryable(ErrInvalidAmount))
	assert.False(t, IsRetryable(ErrDuplicateEnqueue))
	assert.False(t, IsRetryable(nil))
}

// --- Median ---

func TestMedian_Odd(t *testing.T) {
	m, ok := Median([]PriceSample{
		{Value: usd("60000"), Source: "a"},
		{Value: usd("61000"), Source: "b"},
		{Value: usd("59000"), Source: "c"},
	})
	require.True(t, ok)
	assert.True(t, m.Equal(usd("60000")), "got %s", m)
}

func TestMedian_EvenAveragesMiddle(t *testing.T) {
	m, ok := Median([]PriceSample{
		{Value: usd("60000")},
		{Value: usd("62000")},
		{Value: usd("59000")},
		{Value: usd("1000000")}, // outlier
	})
	require.True(t, ok)
	assert.True(t, m.Equal(usd("61000")), "got %s", m)
}

func TestMedian_IgnoresNonPositive(t *testing.T) {
	m, ok := Median([]PriceSample{{Value: decimal.Zero}, {Value: usd("61000")}})
	require.True(t, ok)
	assert.True(t, m.Equal(usd("61000")))

	_, ok = Median(nil)
	assert.False(t, ok)
}
