package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"arbflow/cache"
	"arbflow/config"
	"arbflow/logger"
	"arbflow/provider"
	"arbflow/provider/binance"
	"arbflow/provider/upbit"
	"arbflow/ratelimit"
)

func main() {
	log := logger.New()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.CloudWatch.Enabled {
		log.InitCloudWatch(ctx, cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace)
	}
	if config.IsProductionLike(cfg.ArbFlow.Environment) {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.ArbFlow.Name,
		"version":     cfg.ArbFlow.Version,
		"environment": cfg.ArbFlow.Environment,
		"run_id":      cfg.ArbFlow.RunID,
	}).Info("starting arbflow")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	limiter := ratelimit.NewLimiter(rdb, cfg.Redis.Namespace, cfg.ArbFlow.Environment, cfg.ArbFlow.RunID,
		cfg.RateLimit.DefaultPerSecond, cfg.RateLimit.Budgets, log)
	pacer := ratelimit.NewPacer(cfg.RateLimit.DefaultPerSecond, cfg.RateLimit.Budgets)
	marketCache := cache.NewMarketCache(rdb, cfg.Redis.Namespace, cfg.ArbFlow.Environment, cfg.ArbFlow.RunID,
		cfg.Cache.TTLMs, log)

	upbitRest := upbit.NewRest(cfg.Source.Upbit.RestURL, cfg.Reader.Timeout, limiter, log)
	binanceRest, err := binance.NewRest(cfg.Source.Binance.MarketType, cfg.Source.Binance.RestURL,
		cfg.Reader.Timeout, limiter, log)
	if err != nil {
		log.WithError(err).Error("Failed to build binance provider")
		os.Exit(1)
	}

	upbitWs := upbit.NewWs(cfg.Source.Upbit.WsURL,
		cfg.WebSocket.MaxReconnectAttempts, cfg.WebSocket.ReconnectBackoff, log)
	binanceWs, err := binance.NewWs(cfg.Source.Binance.MarketType,
		cfg.WebSocket.MaxReconnectAttempts, cfg.WebSocket.ReconnectBackoff, log)
	if err != nil {
		log.WithError(err).Error("Failed to build binance websocket provider")
		os.Exit(1)
	}

	startWs(ctx, log, upbitWs, cfg.Source.Upbit.Symbols)
	startWs(ctx, log, binanceWs, cfg.Source.Binance.Symbols)

	p := &poller{
		cfg:     cfg,
		cache:   marketCache,
		limiter: limiter,
		pacer:   pacer,
		log:     log,
	}

	wg := &sync.WaitGroup{}
	for _, symbol := range cfg.Source.Upbit.Symbols {
		wg.Add(1)
		go p.pollSymbol(ctx, wg, upbitRest, symbol)
		wg.Add(1)
		go p.sampleTrades(ctx, wg, upbitRest, symbol)
	}
	for _, symbol := range cfg.Source.Binance.Symbols {
		wg.Add(1)
		go p.pollSymbol(ctx, wg, binanceRest, symbol)
		wg.Add(1)
		go p.sampleTrades(ctx, wg, binanceRest, symbol)
	}
	wg.Add(1)
	go p.monitor(ctx, wg, []provider.WsProvider{upbitWs, binanceWs})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received")
	cancel()
	wg.Wait()

	if err := upbitWs.Disconnect(); err != nil {
		log.WithError(err).Warn("error disconnecting upbit websocket")
	}
	if err := binanceWs.Disconnect(); err != nil {
		log.WithError(err).Warn("error disconnecting binance websocket")
	}

	log.Info("arbflow stopped")
}

// startWs connects and subscribes a websocket provider. Failure is a
// degraded condition, not a fatal one: REST polling keeps the data flowing
// while the operator investigates.
func startWs(ctx context.Context, log *logger.Log, ws provider.WsProvider, symbols []string) {
	entry := log.WithComponent(ws.Name() + "_ws")
	if err := ws.Subscribe(symbols); err != nil {
		entry.WithError(err).Warn("websocket subscribe failed")
	}
	if err := ws.Connect(ctx); err != nil {
		entry.WithError(err).Warn("websocket connect failed; continuing with REST only")
		return
	}
	entry.WithFields(logger.Fields{"symbols": symbols}).Info("websocket provider started")
}
