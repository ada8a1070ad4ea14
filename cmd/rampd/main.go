package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"naira-ramp/internal/cache"
	"naira-ramp/internal/chain"
	"naira-ramp/internal/clock"
	"naira-ramp/internal/config"
	"naira-ramp/internal/domain"
	"naira-ramp/internal/funding"
	"naira-ramp/internal/handlers"
	"naira-ramp/internal/httpserver"
	"naira-ramp/internal/logging"
	"naira-ramp/internal/metrics"
	"naira-ramp/internal/money"
	"naira-ramp/internal/notify"
	"naira-ramp/internal/offramp"
	"naira-ramp/internal/onramp"
	"naira-ramp/internal/paystack"
	"naira-ramp/internal/recon"
	"naira-ramp/internal/retry"
	"naira-ramp/internal/schedule"
	"naira-ramp/internal/store"
	"naira-ramp/internal/submit"
	"naira-ramp/internal/wa"
	"naira-ramp/internal/watcher"
	"naira-ramp/migrations"
)

const expirySweepInterval = time.Minute

type chainDriver interface {
	domain.ChainExecutor
	recon.ChainSource
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	reconcileOnce := flag.Bool("reconcile", false, "run one reconciliation over the trailing window and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting naira-ramp", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}
	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	st, err := store.Open(ctx, store.Options{
		Driver:      cfg.StoreDriver,
		SQLitePath:  cfg.SQLitePath,
		DatabaseURL: cfg.DatabaseURL,
		Schema:      cfg.DatabaseSchema,
	}, migrations.Files, clk, logger)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()

	var (
		redisClient *cache.Redis
		recipients  paystack.RecipientCache
		dedupe      paystack.Deduper
		locker      funding.Locker = funding.NewLocalLocker()
	)
	if cfg.RedisAddr != "" {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
		recipients = redisClient
		dedupe = redisClient
		locker = funding.NewRedisLocker(redisClient, 30*time.Second)
	}

	var executor chainDriver
	switch cfg.ChainDriver {
	case "rpc":
		executor = chain.NewRPCClient(cfg.ChainRPCURL, cfg.ChainRPCToken, cfg.ChainTimeout, logger, metricRegistry)
	default:
		logger.Warn("using the simulated chain driver", "funding", cfg.SimulatorFunding.String())
		sim := chain.NewSimulator(clk)
		for _, coin := range cfg.SupportedStablecoins {
			sim.Fund(coin, cfg.SimulatorFunding)
		}
		executor = sim
	}

	gateway := paystack.New(paystack.Config{
		BaseURL:      cfg.PaystackBaseURL,
		SecretKey:    cfg.PaystackSecretKey,
		CallbackURL:  cfg.PaystackCallbackURL,
		DefaultEmail: cfg.PaystackDefaultEmail,
		Timeout:      cfg.PaystackTimeout,
	}, logger, metricRegistry, recipients, clk)

	calc, err := money.NewCalculator(money.Config{
		USDRates: map[string]decimal.Decimal{"NGN": cfg.NGNUSDRate},
		FeeRate:  cfg.FeeRate,
		MinFee:   cfg.MinFeeUSD,
	})
	if err != nil {
		return fmt.Errorf("init calculator: %w", err)
	}

	inbox := notify.NewInbox(500)
	backends := []notify.Backend{notify.NewLogBackend(logger)}
	var waClient *wa.Client
	if cfg.WhatsAppStorePath != "" {
		waClient, err = wa.New(ctx, wa.Config{
			StorePath: cfg.WhatsAppStorePath,
			LogLevel:  cfg.WhatsAppLogLevel,
			AdminJIDs: cfg.WhatsAppAdminJIDs,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer waClient.Close()
		backends = append(backends, waClient)
	}
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		QueueSize:       256,
		DeliveryTimeout: 10 * time.Second,
		Clock:           clk,
		Metrics:         metricRegistry,
	}, inbox, logger, backends...)

	policy := retry.Policy{
		MaxAttempts: cfg.SubmitMaxAttempts,
		BaseDelay:   cfg.SubmitBaseDelay,
		MaxDelay:    cfg.SubmitMaxDelay,
	}
	submitter := submit.New(executor, clk, policy, logger, metricRegistry)

	onrampSvc := onramp.New(onramp.Config{
		MinFiat:            cfg.OnRampMinFiat,
		MaxFiat:            cfg.OnRampMaxFiat,
		Stablecoins:        cfg.SupportedStablecoins,
		FundingAccount:     cfg.FundingAccount,
		AutoApproveMaxFiat: cfg.AutoApproveMaxFiat,
		ExpiryGrace:        cfg.PaymentExpiryGrace,
		IntentRetry:        policy,
	}, onramp.Deps{
		Store:     st,
		Gateway:   gateway,
		Submitter: submitter,
		Guard:     funding.NewGuard(executor, st, locker, cfg.FundingAccount, logger),
		Calc:      calc,
		Notify:    dispatcher,
		Clock:     clk,
		Logger:    logger,
		Metrics:   metricRegistry,
	})
	defer onrampSvc.Wait()

	offrampSvc := offramp.New(offramp.Config{
		MinToken:              cfg.OffRampMinToken,
		MaxToken:              cfg.OffRampMaxToken,
		Stablecoins:           cfg.SupportedStablecoins,
		DepositAddress:        cfg.DepositAddress,
		AwaitPayoutSettlement: cfg.AwaitPayoutSettlement,
	}, offramp.Deps{
		Store:     st,
		Gateway:   gateway,
		Submitter: submitter,
		Calc:      calc,
		Notify:    dispatcher,
		Clock:     clk,
		Logger:    logger,
		Metrics:   metricRegistry,
	})

	reconEngine, err := recon.New(recon.Config{
		LagThreshold: cfg.ReconLagThreshold,
		Interval:     cfg.ReconInterval,
		OutputDir:    cfg.ReconOutputDir,
	}, recon.Deps{
		Store:    st,
		Payments: gateway,
		Payouts:  gateway,
		Chain:    executor,
		Notify:   dispatcher,
		Clock:    clk,
		Logger:   logger,
		Metrics:  metricRegistry,
	})
	if err != nil {
		return fmt.Errorf("init reconciliation: %w", err)
	}

	if *reconcileOnce {
		end := clk.Now().UTC()
		report, err := reconEngine.Run(ctx, end.Add(-24*time.Hour), end)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		logger.Info("reconciliation finished",
			"matched", report.Counts[recon.Matched],
			"mismatched", report.Counts[recon.Mismatched],
			"pending", report.Counts[recon.Pending],
			"overdue", report.Overdue,
			"files", report.Files,
		)
		return nil
	}

	processor := handlers.NewPaystackProcessor(onrampSvc, offrampSvc, metricRegistry, logger)
	webhookHandler := paystack.NewWebhookHandler(logger, metricRegistry, gateway, processor, dedupe)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		PaystackWebhook: webhookHandler,
	}, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		OnRamp:     onrampSvc,
		OffRamp:    offrampSvc,
		Recon:      reconEngine,
		Inbox:      inbox,
		AdminToken: cfg.AdminToken,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})

	if waClient != nil {
		g.Go(func() error {
			if err := waClient.Start(gctx); err != nil {
				logger.Error("whatsapp client stopped", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if n, err := onrampSvc.Redrive(gctx); err != nil {
			logger.Error("onramp redrive failed", "error", err)
		} else if n > 0 {
			logger.Info("onramp sessions redriven", "count", n)
		}
		if n, err := offrampSvc.Redrive(gctx); err != nil {
			logger.Error("offramp redrive failed", "error", err)
		} else if n > 0 {
			logger.Info("offramp requests redriven", "count", n)
		}
		return nil
	})

	tasks := []*schedule.Task{
		schedule.Every(gctx, clk, expirySweepInterval, func(ctx context.Context) {
			if n, err := onrampSvc.ExpireUnpaid(ctx); err != nil && ctx.Err() == nil {
				logger.Error("expiry sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("expired unpaid sessions", "count", n)
			}
		}),
		watcher.New(watcher.Config{
			Interval:         cfg.WatcherInterval,
			BlockWindow:      cfg.WatcherBlockWindow,
			QueriesPerSecond: cfg.WatcherRPS,
		}, st, executor, offrampSvc, clk, logger, metricRegistry).Start(gctx),
		reconEngine.Start(gctx),
	}

	g.Go(func() error {
		if err := httpSrv.Start(); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		for _, task := range tasks {
			task.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
