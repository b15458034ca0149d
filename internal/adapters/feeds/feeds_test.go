package feeds_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/satsale/internal/adapters/feeds"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveFile(t *testing.T, path, wantPath string) *httptest.Server {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, wantPath, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func serveBody(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newFeed(t *testing.T, name, baseURL string) *feeds.Feed {
	t.Helper()
	f, err := feeds.New(feeds.NewClient(2*time.Second, 0), feeds.Config{Name: name, BaseURL: baseURL, RatePerSec: 100})
	require.NoError(t, err)
	return f
}

// --- Decoders ---

func TestCoinbase_Success(t *testing.T) {
	srv := serveFile(t, "../../../testdata/fixtures/coinbase_spot.json", "/v2/prices/BTC-USD/spot")

	s, err := newFeed(t, feeds.NameCoinbase, srv.URL).FetchPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "coinbase", s.Source)
	assert.True(t, s.Value.Equal(decimal.RequireFromString("60000.12")), "got %s", s.Value)
	assert.False(t, s.FetchedAt.IsZero())
}

func TestKraken_Success(t *testing.T) {
	srv := serveFile(t, "../../../testdata/fixtures/kraken_ticker.json", "/0/public/Ticker")

	s, err := newFeed(t, feeds.NameKraken, srv.URL).FetchPrice(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Value.Equal(decimal.RequireFromString("61005.4")), "got %s", s.Value)
}

func TestKraken_APIError(t *testing.T) {
	srv := serveBody(t, `{"error":["EQuery:Unknown asset pair"],"result":{}}`)

	_, err := newFeed(t, feeds.NameKraken, srv.URL).FetchPrice(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown asset pair")
}

func TestCoinGecko_NumericPrice(t *testing.T) {
	srv := serveBody(t, `{"bitcoin":{"usd":59000.5}}`)

	s, err := newFeed(t, feeds.NameCoinGecko, srv.URL).FetchPrice(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Value.Equal(decimal.RequireFromString("59000.5")), "got %s", s.Value)
}

func TestCoinGecko_MissingPair(t *testing.T) {
	srv := serveBody(t, `{"ethereum":{"usd":3000}}`)

	_, err := newFeed(t, feeds.NameCoinGecko, srv.URL).FetchPrice(context.Background())
	assert.Error(t, err)
}

func TestBitstamp_Success(t *testing.T) {
	srv := serveBody(t, `{"last":"60500","bid":"60490","ask":"60510"}`)

	s, err := newFeed(t, feeds.NameBitstamp, srv.URL).FetchPrice(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Value.Equal(decimal.RequireFromString("60500")))
}

func TestFeed_NonPositivePriceRejected(t *testing.T) {
	srv := serveBody(t, `{"last":"0"}`)

	_, err := newFeed(t, feeds.NameBitstamp, srv.URL).FetchPrice(context.Background())
	assert.Error(t, err)
}

func TestNew_UnknownFeed(t *testing.T) {
	_, err := feeds.New(feeds.NewClient(time.Second, 0), feeds.Config{Name: "mtgox"})
	assert.Error(t, err)
}

// --- Transport ---

func TestFeed_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"last":"60000"}`))
	}))
	defer srv.Close()

	f, err := feeds.New(feeds.NewClient(2*time.Second, 1), feeds.Config{Name: feeds.NameBitstamp, BaseURL: srv.URL, RatePerSec: 100})
	require.NoError(t, err)

	s, err := f.FetchPrice(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Value.Equal(decimal.RequireFromString("60000")))
	assert.Equal(t, int32(2), calls.Load(), "un retry tras el 502")
}

func TestFeed_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("not found"))
	}))
	defer srv.Close()

	f, err := feeds.New(feeds.NewClient(2*time.Second, 3), feeds.Config{Name: feeds.NameCoinbase, BaseURL: srv.URL, RatePerSec: 100})
	require.NoError(t, err)

	_, err = f.FetchPrice(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFeed_RespectsContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := newFeed(t, feeds.NameBitstamp, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.FetchPrice(ctx)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
