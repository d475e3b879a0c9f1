package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/alert"
	"github.com/giftscan/internal/alert/telegram"
	"github.com/giftscan/internal/api"
	"github.com/giftscan/internal/cache"
	"github.com/giftscan/internal/config"
	"github.com/giftscan/internal/convert"
	"github.com/giftscan/internal/digest"
	"github.com/giftscan/internal/fees"
	"github.com/giftscan/internal/lock"
	"github.com/giftscan/internal/market"
	"github.com/giftscan/internal/market/fragment"
	"github.com/giftscan/internal/market/portals"
	"github.com/giftscan/internal/market/tonapi"
	"github.com/giftscan/internal/market/tonnel"
	"github.com/giftscan/internal/market/virtual"
	"github.com/giftscan/internal/model"
	"github.com/giftscan/internal/normalize"
	"github.com/giftscan/internal/opportunity"
	"github.com/giftscan/internal/ratelimit"
	"github.com/giftscan/internal/reconcile"
	"github.com/giftscan/internal/scan"
	"github.com/giftscan/internal/stats"
	"github.com/giftscan/internal/store"
	"github.com/giftscan/internal/valuation"
)

// globalConcurrency caps total in-flight marketplace requests across every
// source, on top of the per-source buckets.
const globalConcurrency = 10

// staticTokenSource serves the Portals bearer token exchange from a
// pre-provisioned auth token in config. A live init-data exchange would
// implement the same interface.
type staticTokenSource struct {
	token string
}

func (s staticTokenSource) FetchToken(ctx context.Context) (string, error) {
	return s.token, nil
}

func main() {
	logger := log.Default()

	cfg, err := config.Load("config.yaml")
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Connect to MySQL using database/sql.
	sqlDB, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		logger.Fatalf("failed to open mysql: %v", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		logger.Fatalf("failed to ping mysql: %v", err)
	}
	defer sqlDB.Close()
	logger.Printf("connected to mysql")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Printf("redis unavailable at %s, read cache invalidation disabled: %v", cfg.RedisAddr, err)
		redisClient = nil
	} else {
		defer redisClient.Close()
		logger.Printf("connected to redis")
	}

	// Initialize schema for all four core tables.
	catalogStore := store.NewCatalogStore(sqlDB)
	if err := catalogStore.InitSchema(ctx); err != nil {
		logger.Fatalf("failed to init catalog schema: %v", err)
	}
	snapshotStore := store.NewSnapshotStore(sqlDB)
	if err := snapshotStore.InitSchema(ctx); err != nil {
		logger.Fatalf("failed to init snapshot schema: %v", err)
	}
	listingStore := store.NewListingStore(sqlDB)
	if err := listingStore.InitSchema(ctx); err != nil {
		logger.Fatalf("failed to init listing schema: %v", err)
	}
	saleStore := store.NewSaleStore(sqlDB)
	if err := saleStore.InitSchema(ctx); err != nil {
		logger.Fatalf("failed to init sale schema: %v", err)
	}

	db := store.NewDB(sqlDB)
	mapper := normalize.NewMapper(logger)

	// Per-source rate buckets plus the global in-flight cap.
	limiter := ratelimit.NewRegistry(globalConcurrency)
	limiter.Configure("tonapi", cfg.TonAPIRateLimit, time.Second)
	limiter.Configure("portals", cfg.PortalsRateLimit, time.Second)
	limiter.Configure("GetGems", cfg.GetGemsRateLimit, time.Second)

	// TonAPI is the bulk indexed aggregator; GetGems and MRKT are virtual
	// adapters filtering its tagged results out of one shared fetch per
	// tick, so the upstream is hit once no matter how many marketplaces it
	// backs. The same cached fetch doubles as the scanner's per-item
	// listing feed for reconciliation.
	tonapiAdapter := tonapi.New(cfg.TonAPIKey, limiter, mapper, logger)
	shared := virtual.NewSharedCache(tonapiAdapter, cfg.ScanInterval+10*time.Second)

	adapters := []market.Adapter{
		virtual.New("GetGems", shared),
		virtual.New("MRKT", shared),
		portals.New(staticTokenSource{token: cfg.PortalsAuthToken}, limiter, mapper, logger),
		tonnel.New(mapper, logger),
		fragment.New(),
	}

	feeCalc := fees.NewCalculator(fees.Config{
		DefaultFeePercent: decimal.NewFromFloat(cfg.MarketplaceFeePercent),
		GasFeeTON:         decimal.NewFromFloat(cfg.GasFeeTON),
	})
	converter := convert.NewConverter()

	reconciler := reconcile.NewReconciler(db, listingStore, saleStore)
	persister := scan.NewDBPersister(db, snapshotStore, reconciler)

	minSpread := decimal.NewFromFloat(cfg.MinSpreadTON)
	detector := opportunity.NewDetector(catalogStore, snapshotStore, saleStore, feeCalc, minSpread)
	rareScanner := opportunity.NewRareAtFloorScanner()
	medianLookup := func(ctx context.Context, slug string, tier model.RarityTier) (*decimal.Decimal, int, error) {
		records, err := saleStore.PricesSince(ctx, slug, tier, time.Now().Add(-30*24*time.Hour))
		if err != nil {
			return nil, 0, err
		}
		if len(records) == 0 {
			return nil, 0, nil
		}
		prices := make([]decimal.Decimal, len(records))
		for i, r := range records {
			prices[i] = r.Price
		}
		median := valuation.Median(prices)
		return &median, len(records), nil
	}

	var sink alert.Sink
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		tgSink := telegram.New(cfg.TelegramBotToken, cfg.TelegramChatID)
		if username, ok := tgSink.TestConnection(ctx); ok {
			logger.Printf("telegram sink connected as @%s", username)
		} else {
			logger.Printf("telegram sink configured but unreachable; alerts will be retried per tick")
		}
		sink = tgSink
	} else {
		logger.Printf("telegram not configured, alerts will only be logged")
	}
	batcher := alert.NewBatcher(sink, logger)

	statsService := stats.NewService(catalogStore, listingStore, saleStore, snapshotStore)
	digestBuilder := digest.NewBuilder(catalogStore, listingStore, saleStore, sink, cfg.DigestInterval, logger)

	var invalidator scan.Invalidator
	var tickLock *lock.RedisLocker
	if redisClient != nil {
		invalidator = cache.NewInvalidator(redisClient, logger)
		tickLock = lock.NewRedisLocker(redisClient, "giftscan:")
	}

	scanner := scan.New(scan.Deps{
		Catalog:   catalogStore,
		Adapters:  adapters,
		Feed:      shared,
		Persister: persister,
		Detector:  detector,
		Rare:      rareScanner,
		Listings:  listingStore,
		Median:    medianLookup,
		Alerts:    batcher,
		Digest:    digestBuilder,
		Cache:     invalidator,
		Converter: converter,
		Interval:  cfg.ScanInterval,
		Retry:     ratelimit.DefaultRetryConfig(),
		Logger:    logger,
		Lock:      tickLock,
	})

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go scanner.Run(runCtx)
	logger.Printf("scanner started, interval %s", cfg.ScanInterval)

	router := gin.Default()
	handler := api.NewHandler(catalogStore, snapshotStore, statsService, cfg.ArbitrageThresholdPct, logger)
	handler.Register(router)

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Printf("http server listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("http server: %v", err)
	}
	logger.Printf("shut down cleanly after %d ticks (%d overruns)", scanner.TicksRun(), scanner.OverrunCount())
}
