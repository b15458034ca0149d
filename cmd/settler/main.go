package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/satsale/config"
	"github.com/alejandrodnm/satsale/internal/adapters/feeds"
	"github.com/alejandrodnm/satsale/internal/adapters/lock"
	"github.com/alejandrodnm/satsale/internal/adapters/notify"
	"github.com/alejandrodnm/satsale/internal/adapters/pricecache"
	"github.com/alejandrodnm/satsale/internal/adapters/storage"
	"github.com/alejandrodnm/satsale/internal/application/engine"
	"github.com/alejandrodnm/satsale/internal/application/oracle"
	"github.com/alejandrodnm/satsale/internal/application/settlement"
	"github.com/alejandrodnm/satsale/internal/domain"
	"github.com/alejandrodnm/satsale/internal/ports"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

const usage = `usage: settler [flags] <command>

commands:
  run        drain the settlement queue until interrupted (default)
  price      print the current BTC/USD median price
  status     print the sale snapshot
  enqueue    admit a pledge (-participant, -amount, -address)
  confirm    record on-chain confirmations (-pledge, -tx, -confs, -verified)
  pledges    list pledges (-status to filter, e.g. refunded)
  allocate   compute (once) and print the token allocation
  reset      clear the settlement queue and processed set
`

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	refresh := flag.Bool("refresh", false, "price: invalidate the cache before fetching")
	participant := flag.String("participant", "", "enqueue: participant id")
	amount := flag.String("amount", "", "enqueue: amount in BTC")
	address := flag.String("address", "", "enqueue: deposit address")
	pledgeID := flag.String("pledge", "", "confirm: pledge id")
	txID := flag.String("tx", "", "confirm: transaction id")
	confs := flag.Int("confs", 0, "confirm: confirmations")
	verified := flag.Bool("verified", false, "confirm: funds verified")
	status := flag.String("status", "", "pledges: filter by status")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd := "run"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := wire(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer svc.close()

	saleID := cfg.Sale.ID
	switch cmd {
	case "run":
		slog.Info("settler starting",
			"config", *configPath,
			"auction_id", saleID,
			"storage", cfg.Storage.Driver,
			"lock", cfg.Lock.Backend,
			"price_cache", cfg.Oracle.Cache,
		)
		runner := svc.engine.Runner(settlement.RunnerConfig{
			Interval:   cfg.SettleInterval(),
			MaxBackoff: cfg.MaxBackoff(),
			BatchSize:  cfg.Settlement.BatchSize,
		})
		err = runner.Run(ctx, saleID)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err == nil {
			slog.Info("settler stopped cleanly")
		}

	case "price":
		if *refresh {
			if err = svc.engine.InvalidatePrice(ctx); err != nil {
				break
			}
		}
		var price decimal.Decimal
		if price, err = svc.engine.BitcoinPrice(ctx); err == nil {
			fmt.Printf("BTC/USD %s\n", price.StringFixed(2))
		}

	case "status":
		var snap engine.Snapshot
		if snap, err = svc.engine.Snapshot(ctx, saleID); err == nil {
			svc.console.PrintStatus(snap.Auction, snap.QueueDepth, snap.PriceUSD)
		}

	case "enqueue":
		err = enqueue(ctx, svc.engine, saleID, *participant, *amount, *address)

	case "confirm":
		err = svc.engine.RecordConfirmation(ctx, *pledgeID, *txID, *confs, *verified)
		if err == nil {
			slog.Info("confirmation recorded", "pledge_id", *pledgeID, "confirmations", *confs, "verified", *verified)
		}

	case "pledges":
		var list []domain.Pledge
		if list, err = svc.engine.Pledges(ctx, saleID, domain.PledgeStatus(*status)); err == nil {
			svc.console.PrintPledges(list)
		}

	case "allocate":
		var res domain.AllocationResult
		if res, err = svc.engine.Allocate(ctx, saleID); err == nil {
			svc.console.PrintAllocation(res)
		}

	case "reset":
		err = svc.engine.ClearAll(ctx, saleID)

	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		slog.Error("command failed", "cmd", cmd, "err", err)
		svc.close()
		os.Exit(1)
	}
}

type app struct {
	engine  *engine.Engine
	console *notify.Console
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "err", err)
		}
	}
	a.closers = nil
}

// wire construye los adapters según la configuración y asegura que la venta exista.
func wire(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{console: notify.NewConsole()}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
	}

	var locker ports.Locker = lock.NewLocal()
	if cfg.Lock.Backend == "redis" {
		locker = lock.NewRedis(rdb, cfg.LockTTL())
	}

	var cache ports.PriceCache = pricecache.NewMemory()
	if cfg.Oracle.Cache == "redis" {
		cache = pricecache.NewRedis(rdb)
	}

	feedCfgs := make([]feeds.Config, len(cfg.Oracle.Feeds))
	for i, f := range cfg.Oracle.Feeds {
		feedCfgs[i] = feeds.Config{Name: f.Name, BaseURL: f.BaseURL, RatePerSec: f.RatePerSec}
	}
	built, err := feeds.NewAll(feeds.NewClient(cfg.FeedTimeout(), cfg.Oracle.HTTPRetries), feedCfgs)
	if err != nil {
		a.close()
		return nil, err
	}
	priceFeeds := make([]ports.PriceFeed, len(built))
	for i, f := range built {
		priceFeeds[i] = f
	}

	orc := oracle.New(oracle.Config{
		FreshTTL:       cfg.FreshTTL(),
		FallbackTTL:    cfg.FallbackTTL(),
		FeedTimeout:    cfg.FeedTimeout(),
		OverallTimeout: cfg.TotalTimeout(),
		Quorum:         cfg.Oracle.Quorum,
	}, cache, priceFeeds...)

	a.engine = engine.New(engine.Deps{
		Store:    store,
		Queue:    store,
		Oracle:   orc,
		Locker:   locker,
		Notifier: a.console,
	})

	auction, err := cfg.Auction()
	if err != nil {
		a.close()
		return nil, err
	}
	if _, _, err := a.engine.ConfigureAuction(ctx, auction); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func enqueue(ctx context.Context, e *engine.Engine, saleID, participant, amount, address string) error {
	btc, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("amount %q: %w", amount, err)
	}
	sats, err := domain.SatsFromBTC(btc)
	if err != nil {
		return err
	}
	seq, err := e.EnqueuePledge(ctx, domain.Pledge{
		AuctionID:      saleID,
		ParticipantID:  participant,
		Amount:         sats,
		DepositAddress: address,
	})
	if err != nil {
		return err
	}
	fmt.Printf("queued %s for %s at position #%d\n", sats, participant, seq)
	return nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
