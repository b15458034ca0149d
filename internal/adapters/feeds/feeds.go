package feeds

// feeds.go — adapters de precio BTC/USD, uno por exchange.
//
// Cada feed solo sabe construir su URL y extraer el número del JSON;
// el transporte (retries, backoff) lo comparte Client y el rate limit es por feed.

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	NameCoinbase  = "coinbase"
	NameKraken    = "kraken"
	NameCoinGecko = "coingecko"
	NameBitstamp  = "bitstamp"

	defaultCoinbaseBase  = "https://api.coinbase.com"
	defaultKrakenBase    = "https://api.kraken.com"
	defaultCoinGeckoBase = "https://api.coingecko.com"
	defaultBitstampBase  = "https://www.bitstamp.net"

	// Muy por debajo de los límites públicos: solo se consulta en cada refresh.
	defaultRatePerSec = 1.0
)

// Feed implementa ports.PriceFeed para un exchange concreto.
type Feed struct {
	name    string
	url     string
	client  *Client
	limiter *rate.Limiter
	decode  func(ctx context.Context, f *Feed) (decimal.Decimal, error)
}

// Config describe un feed en la configuración.
type Config struct {
	Name       string
	BaseURL    string  // vacío = URL de producción
	RatePerSec float64 // 0 = default
}

// New construye el feed por nombre.
func New(client *Client, cfg Config) (*Feed, error) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = defaultRatePerSec
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	f := &Feed{
		name:    strings.ToLower(cfg.Name),
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}

	switch f.name {
	case NameCoinbase:
		f.url = orDefault(base, defaultCoinbaseBase) + "/v2/prices/BTC-USD/spot"
		f.decode = decodeCoinbase
	case NameKraken:
		f.url = orDefault(base, defaultKrakenBase) + "/0/public/Ticker?pair=XBTUSD"
		f.decode = decodeKraken
	case NameCoinGecko:
		f.url = orDefault(base, defaultCoinGeckoBase) + "/api/v3/simple/price?ids=bitcoin&vs_currencies=usd"
		f.decode = decodeCoinGecko
	case NameBitstamp:
		f.url = orDefault(base, defaultBitstampBase) + "/api/v2/ticker/btcusd/"
		f.decode = decodeBitstamp
	default:
		return nil, fmt.Errorf("feeds.New: unknown feed %q", cfg.Name)
	}
	return f, nil
}

// NewAll construye todos los feeds configurados.
func NewAll(client *Client, cfgs []Config) ([]*Feed, error) {
	out := make([]*Feed, 0, len(cfgs))
	for _, c := range cfgs {
		f, err := New(client, c)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Name devuelve el identificador del feed.
func (f *Feed) Name() string { return f.name }

// FetchPrice consulta el exchange y devuelve la muestra.
func (f *Feed) FetchPrice(ctx context.Context) (domain.PriceSample, error) {
	v, err := f.decode(ctx, f)
	if err != nil {
		return domain.PriceSample{}, fmt.Errorf("feeds.%s: %w", f.name, err)
	}
	if v.Sign() <= 0 {
		return domain.PriceSample{}, fmt.Errorf("feeds.%s: non-positive price %s", f.name, v)
	}
	return domain.PriceSample{Value: v, Source: f.name, FetchedAt: time.Now().UTC()}, nil
}

// --- decoders ---

// {"data":{"amount":"60000.12","base":"BTC","currency":"USD"}}
func decodeCoinbase(ctx context.Context, f *Feed) (decimal.Decimal, error) {
	var resp struct {
		Data struct {
			Amount   decimal.Decimal `json:"amount"`
			Currency string          `json:"currency"`
		} `json:"data"`
	}
	if err := f.client.get(ctx, f.limiter, f.url, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Data.Currency != "" && resp.Data.Currency != "USD" {
		return decimal.Zero, fmt.Errorf("unexpected currency %q", resp.Data.Currency)
	}
	return resp.Data.Amount, nil
}

// {"error":[],"result":{"XXBTZUSD":{"c":["60000.10000","0.001"]}}}
func decodeKraken(ctx context.Context, f *Feed) (decimal.Decimal, error) {
	var resp struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			Close []string `json:"c"`
		} `json:"result"`
	}
	if err := f.client.get(ctx, f.limiter, f.url, &resp); err != nil {
		return decimal.Zero, err
	}
	if len(resp.Error) > 0 {
		return decimal.Zero, fmt.Errorf("api error: %s", strings.Join(resp.Error, "; "))
	}
	for _, ticker := range resp.Result {
		if len(ticker.Close) == 0 {
			continue
		}
		return decimal.NewFromString(ticker.Close[0])
	}
	return decimal.Zero, fmt.Errorf("no ticker in response")
}

// {"bitcoin":{"usd":60000}}
func decodeCoinGecko(ctx context.Context, f *Feed) (decimal.Decimal, error) {
	var resp map[string]map[string]decimal.Decimal
	if err := f.client.get(ctx, f.limiter, f.url, &resp); err != nil {
		return decimal.Zero, err
	}
	v, ok := resp["bitcoin"]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("price missing for bitcoin/usd")
	}
	return v, nil
}

// {"last":"60000","bid":"59990","ask":"60010", ...}
func decodeBitstamp(ctx context.Context, f *Feed) (decimal.Decimal, error) {
	var resp struct {
		Last decimal.Decimal `json:"last"`
	}
	if err := f.client.get(ctx, f.limiter, f.url, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Last, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
