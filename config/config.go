package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del settler.
type Config struct {
	Sale       SaleConfig       `yaml:"sale"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Storage    StorageConfig    `yaml:"storage"`
	Lock       LockConfig       `yaml:"lock"`
	Redis      RedisConfig      `yaml:"redis"`
	Settlement SettlementConfig `yaml:"settlement"`
	Log        LogConfig        `yaml:"log"`
}

// SaleConfig describe la venta. Los importes BTC van como string decimal
// ("0.0001") para no pasar por float.
type SaleConfig struct {
	ID          string `yaml:"id"`
	TotalTokens int64  `yaml:"total_tokens"`
	CeilingUSD  string `yaml:"ceiling_usd"`
	MinPledge   string `yaml:"min_pledge_btc"`
	MaxPledge   string `yaml:"max_pledge_btc"` // vacío = sin límite
	Start       string `yaml:"start"`          // RFC3339, vacío = ahora
	End         string `yaml:"end"`            // RFC3339, vacío = sin fin
	Network     string `yaml:"network"`        // mainnet | testnet | regtest
}

// OracleConfig controla el oracle de precio.
type OracleConfig struct {
	Feeds              []FeedConfig `yaml:"feeds"`
	Quorum             int          `yaml:"quorum"`
	FreshTTLSeconds    int          `yaml:"fresh_ttl_seconds"`
	FallbackTTLSeconds int          `yaml:"fallback_ttl_seconds"`
	FeedTimeoutMillis  int          `yaml:"feed_timeout_ms"`
	TotalTimeoutMillis int          `yaml:"total_timeout_ms"`
	HTTPRetries        int          `yaml:"http_retries"`
	Cache              string       `yaml:"cache"` // memory | redis
}

// FeedConfig es un exchange consultado por el oracle.
type FeedConfig struct {
	Name       string  `yaml:"name"`
	BaseURL    string  `yaml:"base_url"`
	RatePerSec float64 `yaml:"rate_per_sec"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`    // ruta SQLite, ":memory:" o URL postgres
}

// LockConfig elige el backend del lease de settlement.
type LockConfig struct {
	Backend    string `yaml:"backend"` // local | redis
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// RedisConfig es la conexión compartida por lock y cache de precio.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SettlementConfig controla el loop del worker.
type SettlementConfig struct {
	IntervalMillis   int `yaml:"interval_ms"`
	MaxBackoffMillis int `yaml:"max_backoff_ms"`
	BatchSize        int `yaml:"batch_size"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del entorno sobreescriben los del YAML.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse construye la configuración desde YAML ya leído.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Auction convierte la sección sale en el agregado de dominio.
func (c *Config) Auction() (domain.Auction, error) {
	s := c.Sale
	a := domain.Auction{
		ID:          s.ID,
		TotalTokens: s.TotalTokens,
		Network:     s.Network,
		IsActive:    true,
	}

	var err error
	if a.CeilingUSD, err = decimal.NewFromString(s.CeilingUSD); err != nil {
		return domain.Auction{}, fmt.Errorf("sale.ceiling_usd: %w", err)
	}
	if a.MinPledge, err = parseBTC(s.MinPledge); err != nil {
		return domain.Auction{}, fmt.Errorf("sale.min_pledge_btc: %w", err)
	}
	if a.MaxPledge, err = parseBTC(s.MaxPledge); err != nil {
		return domain.Auction{}, fmt.Errorf("sale.max_pledge_btc: %w", err)
	}
	if a.StartTime, err = parseTime(s.Start); err != nil {
		return domain.Auction{}, fmt.Errorf("sale.start: %w", err)
	}
	if a.EndTime, err = parseTime(s.End); err != nil {
		return domain.Auction{}, fmt.Errorf("sale.end: %w", err)
	}
	if a.StartTime.IsZero() {
		a.StartTime = time.Now().UTC()
	}
	return a, nil
}

// Validate comprueba lo que setDefaults no puede arreglar.
func (c *Config) Validate() error {
	var errs []error
	if c.Sale.ID == "" {
		errs = append(errs, errors.New("sale.id is required"))
	}
	if c.Sale.TotalTokens <= 0 {
		errs = append(errs, errors.New("sale.total_tokens must be positive"))
	}
	if _, err := c.Auction(); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q not supported", c.Storage.Driver))
	}
	switch c.Lock.Backend {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("lock.backend %q not supported", c.Lock.Backend))
	}
	switch c.Oracle.Cache {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("oracle.cache %q not supported", c.Oracle.Cache))
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required by lock.backend or oracle.cache"))
	}
	if len(c.Oracle.Feeds) == 0 {
		errs = append(errs, errors.New("oracle.feeds is empty"))
	}
	if c.Oracle.Quorum > len(c.Oracle.Feeds) {
		errs = append(errs, fmt.Errorf("oracle.quorum %d above %d configured feeds", c.Oracle.Quorum, len(c.Oracle.Feeds)))
	}
	return errors.Join(errs...)
}

// UsesRedis devuelve true si algún componente necesita el cliente Redis.
func (c *Config) UsesRedis() bool {
	return c.Lock.Backend == "redis" || c.Oracle.Cache == "redis"
}

func (c *Config) FreshTTL() time.Duration {
	return time.Duration(c.Oracle.FreshTTLSeconds) * time.Second
}

func (c *Config) FallbackTTL() time.Duration {
	return time.Duration(c.Oracle.FallbackTTLSeconds) * time.Second
}

func (c *Config) FeedTimeout() time.Duration {
	return time.Duration(c.Oracle.FeedTimeoutMillis) * time.Millisecond
}

func (c *Config) TotalTimeout() time.Duration {
	return time.Duration(c.Oracle.TotalTimeoutMillis) * time.Millisecond
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLSeconds) * time.Second
}

func (c *Config) SettleInterval() time.Duration {
	return time.Duration(c.Settlement.IntervalMillis) * time.Millisecond
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Settlement.MaxBackoffMillis) * time.Millisecond
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LOCK_BACKEND"); v != "" {
		cfg.Lock.Backend = v
	}
	if v := os.Getenv("PRICE_CACHE"); v != "" {
		cfg.Oracle.Cache = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Sale.MinPledge == "" {
		cfg.Sale.MinPledge = "0.00001"
	}
	if cfg.Sale.Network == "" {
		cfg.Sale.Network = "mainnet"
	}
	if len(cfg.Oracle.Feeds) == 0 {
		cfg.Oracle.Feeds = []FeedConfig{{Name: "coinbase"}, {Name: "kraken"}, {Name: "coingecko"}}
	}
	if cfg.Oracle.Quorum <= 0 {
		cfg.Oracle.Quorum = 2
	}
	if cfg.Oracle.FreshTTLSeconds <= 0 {
		cfg.Oracle.FreshTTLSeconds = 30 * 60
	}
	if cfg.Oracle.FallbackTTLSeconds <= 0 {
		cfg.Oracle.FallbackTTLSeconds = 72 * 60 * 60
	}
	if cfg.Oracle.FeedTimeoutMillis <= 0 {
		cfg.Oracle.FeedTimeoutMillis = 5000
	}
	if cfg.Oracle.TotalTimeoutMillis <= 0 {
		cfg.Oracle.TotalTimeoutMillis = 8000
	}
	if cfg.Oracle.Cache == "" {
		cfg.Oracle.Cache = "memory"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "satsale.db"
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "local"
	}
	if cfg.Lock.TTLSeconds <= 0 {
		cfg.Lock.TTLSeconds = 30
	}
	if cfg.Settlement.IntervalMillis <= 0 {
		cfg.Settlement.IntervalMillis = 1000
	}
	if cfg.Settlement.MaxBackoffMillis <= 0 {
		cfg.Settlement.MaxBackoffMillis = 30_000
	}
	if cfg.Settlement.BatchSize <= 0 {
		cfg.Settlement.BatchSize = 100
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func parseBTC(s string) (domain.Sats, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return domain.SatsFromBTC(d)
}

func parseTime(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
