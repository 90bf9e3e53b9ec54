package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"math"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"fusionbot/config"
	"fusionbot/internal/adapters/binanceclient"
	"fusionbot/internal/adapters/httpapi"
	"fusionbot/internal/adapters/logger"
	"fusionbot/internal/adapters/metrics"
	"fusionbot/internal/adapters/notify"
	"fusionbot/internal/adapters/oracle"
	"fusionbot/internal/adapters/paper"
	"fusionbot/internal/adapters/redisbus"
	"fusionbot/internal/adapters/retrying"
	"fusionbot/internal/adapters/sqlite"
	"fusionbot/internal/analysis"
	"fusionbot/internal/app"
	"fusionbot/internal/domain"
	"fusionbot/internal/ports"
	"fusionbot/internal/retry"
	"fusionbot/internal/risk"
)

type options struct {
	live      bool
	status    bool
	closeAll  bool
	dryRun    bool
	once      bool
	logLevel  string
	statsDays int
}

func main() {
	var opts options
	flag.BoolVar(&opts.live, "live", false, "Trade on Binance instead of the paper venue")
	flag.BoolVar(&opts.status, "status", false, "Print mode, open positions and performance, then exit")
	flag.BoolVar(&opts.closeAll, "close-all", false, "Close every open position at market, then exit")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "Log orders instead of sending them")
	flag.BoolVar(&opts.once, "once", false, "Run a single cycle and exit")
	flag.StringVar(&opts.logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
	flag.IntVar(&opts.statsDays, "days", 7, "Performance window for --status, in days")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	if opts.live {
		cfg.Live = true
	}
	if opts.dryRun {
		cfg.Trading.DryRun = true
	}
	if opts.once {
		cfg.Trading.Once = true
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("FATAL: Invalid configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, appLogger); err != nil {
		appLogger.Error(context.Background(), err, "FATAL: fusionbot exited with error")
		_ = appLogger.Sync()
		os.Exit(1)
	}
	appLogger.Info(context.Background(), "Application finished gracefully.")
}

func run(ctx context.Context, cfg *config.Config, opts options, appLogger *logger.ZapLogger) error {
	recorder := metrics.NewRecorder()

	// Ledger
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		return fmt.Errorf("failed to initialize database repository: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()

	// Venue: the Binance client trades live and feeds prices to the paper venue.
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.UseTestnet,
		BaseURL:    cfg.BaseURL,
		Logger:     appLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Binance client: %w", err)
	}

	var (
		venue       ports.ExchangeGateway = binanceClient
		stopChecker app.StopOrderChecker
	)
	if !cfg.Live {
		paperVenue, err := paper.New(paper.Config{
			InitialBalance: cfg.PaperBalance,
			FeeRate:        cfg.PaperFeeRate,
			QuoteCurrency:  "USDT",
		}, binanceClient, appLogger)
		if err != nil {
			return fmt.Errorf("failed to initialize paper venue: %w", err)
		}
		venue, stopChecker = paperVenue, paperVenue
	}
	gateway := retrying.New(venue, retry.DefaultConfig(), appLogger, recorder)

	analyzer, err := analysis.New(cfg.Analysis, gateway, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize technical analyzer: %w", err)
	}

	var decider ports.DecisionProvider = oracle.Static{}
	if cfg.OracleURL != "" {
		client, err := oracle.New(oracle.Config{
			URL:     cfg.OracleURL,
			APIKey:  cfg.OracleAPIKey,
			Timeout: cfg.OracleTimeout,
			Retry:   retry.DefaultConfig(),
			Logger:  appLogger,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize decision oracle: %w", err)
		}
		decider = client
	} else {
		appLogger.Warn(ctx, "ORACLE_URL not set, every cycle will wait")
	}

	senders := []notify.Sender{notify.NewLogSender(appLogger)}
	if cfg.TelegramToken != "" {
		tg, err := notify.NewTelegramSender(notify.TelegramConfig{
			Token:  cfg.TelegramToken,
			ChatID: cfg.TelegramChatID,
			Retry:  retry.DefaultConfig(),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram alerts: %w", err)
		}
		senders = append(senders, tg)
	}
	notifier := notify.New(senders, ports.ParsePriority(cfg.NotifyMinPriority), appLogger)

	deps := app.Deps{
		Exchange:    gateway,
		Store:       repo,
		State:       repo,
		Risk:        risk.NewRiskManager(cfg.Risk),
		Oracle:      decider,
		Analyzer:    analyzer,
		StopChecker: stopChecker,
		Notifier:    notifier,
		Metrics:     recorder,
		Logger:      appLogger,
	}

	if cfg.RedisAddr != "" {
		bus, err := redisbus.New(ctx, redisbus.ClientConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisPrefix,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer func() { _ = bus.Close() }()
		deps.Signals = redisbus.NewSignalFeed(bus, cfg.SignalBatch, appLogger)
		deps.RiskScanner = redisbus.NewRiskFeed(bus, cfg.RiskMaxAge, appLogger)
		deps.Lock = redisbus.NewCycleLock(bus, gateway.Name(), cfg.LockTTL)
	} else {
		appLogger.Warn(ctx, "REDIS_ADDR not set, no signal feed: open positions are managed but no entries are made")
	}

	svc, err := app.NewTradingService(cfg.Trading, deps)
	if err != nil {
		return fmt.Errorf("failed to initialize trading service: %w", err)
	}

	switch {
	case opts.status:
		return printStatus(ctx, svc, opts.statsDays)
	case opts.closeAll:
		n, err := svc.Positions().ForceCloseAll(ctx, domain.ExitManual)
		fmt.Printf("Closed %d position(s)\n", n)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return svc.Start(gctx)
	})
	if cfg.AdminAddr != "" && !cfg.Trading.Once {
		server, err := httpapi.NewServer(httpapi.Config{
			Addr:       cfg.AdminAddr,
			StaleAfter: cfg.HeartbeatStaleAfter,
		}, svc, recorder.Handler(), appLogger)
		if err != nil {
			return err
		}
		g.Go(func() error { return server.Run(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printStatus(ctx context.Context, svc *app.TradingService, days int) error {
	now := time.Now()
	st, err := svc.Status(ctx, now.AddDate(0, 0, -days))
	if err != nil {
		return err
	}

	fmt.Printf("Exchange:  %s\n", st.Exchange)
	fmt.Printf("Mode:      %s", st.Mode)
	if st.ModeSince != nil {
		fmt.Printf(" (since %s)", st.ModeSince.Local().Format(time.DateTime))
	}
	fmt.Println()
	if st.Heartbeat != nil {
		fmt.Printf("Heartbeat: %s ago\n", now.Sub(*st.Heartbeat).Round(time.Second))
	}
	if st.LastTradeAt != nil {
		fmt.Printf("Last trade: %s\n", st.LastTradeAt.Local().Format(time.DateTime))
	}

	fmt.Printf("\nOpen positions: %d\n", len(st.OpenPositions))
	if len(st.OpenPositions) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSYMBOL\tQTY\tENTRY\tSL\tTP\tSTOP\tAGE")
		for _, p := range st.OpenPositions {
			fmt.Fprintf(w, "%d\t%s\t%.8g\t%.8g\t%.8g\t%.8g\t%.8g\t%s\n",
				p.ID, p.Symbol, p.Quantity, p.EntryPrice, p.VirtualSL, p.VirtualTP, p.CatastropheSL,
				p.Age(now).Round(time.Minute))
		}
		_ = w.Flush()
	}

	perf := st.Performance
	fmt.Printf("\nPerformance, last %d day(s):\n", days)
	fmt.Printf("  Trades:        %d (%d wins, %d losses, %d unknown)\n", perf.TotalTrades, perf.Wins, perf.Losses, perf.Unknown)
	fmt.Printf("  Win rate:      %.1f%%\n", perf.WinRate*100)
	fmt.Printf("  Total PnL:     %.2f\n", perf.TotalPnL)
	fmt.Printf("  Average PnL:   %.2f\n", perf.AveragePnL)
	if math.IsInf(perf.ProfitFactor, 1) {
		fmt.Println("  Profit factor: n/a (no losing trades)")
	} else {
		fmt.Printf("  Profit factor: %.2f\n", perf.ProfitFactor)
	}
	fmt.Printf("  Max drawdown:  %.2f\n", perf.MaxDrawdown)
	return nil
}
