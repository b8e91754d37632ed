// Command engine runs the TP/SL monitoring and rebalancing engine as a
// standalone process: load config, wire the exchange clients, cache,
// persistence, and alerting, then run the scheduler until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tpslguard/internal/alert"
	"tpslguard/internal/cache"
	"tpslguard/internal/config"
	"tpslguard/internal/core"
	"tpslguard/internal/engine"
	"tpslguard/internal/exchange/bybit"
	"tpslguard/internal/history"
	"tpslguard/internal/infrastructure/health"
	"tpslguard/internal/infrastructure/metrics"
	"tpslguard/internal/linkid"
	"tpslguard/internal/logging"
	"tpslguard/internal/persistence"
	"tpslguard/internal/telemetry"
)

var (
	configFile = flag.String("config", "", "optional YAML config overlay path")
	historyDB  = flag.String("history-db", "./data/history.db", "path to the SQLite audit trail database")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	tel, err := telemetry.Setup("tpslguard-engine")
	if err != nil {
		logger.Fatal("telemetry setup failed", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	store, err := persistence.New(cfg.Persistence.Dir, cfg.Persistence.BackupCount, cfg.Persistence.BackupInterval, logger)
	if err != nil {
		logger.Fatal("persistence store init failed", "error", err)
	}

	healthMgr := health.NewHealthManager(logger)
	healthMgr.Register("persistence", func() error {
		if store.Degraded() {
			return fmt.Errorf("persistence store degraded")
		}
		return nil
	})

	if cfg.EnableMetrics {
		metricsServer := metrics.NewServer(cfg.MetricsPort, logger)
		metricsServer.SetHealthReporter(healthMgr)
		metricsServer.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Stop(ctx)
		}()
	}

	registry := linkid.NewRegistry()

	mainExch := bybit.New(core.AccountMain, exchangeConfig(cfg, "main"), logger)
	exchanges := map[core.Account]core.IExchange{core.AccountMain: mainExch}
	if cfg.EnableMirrorTrading {
		exchanges[core.AccountMirror] = bybit.New(core.AccountMirror, exchangeConfig(cfg, "mirror"), logger)
	}

	sharedCache := wireCache(exchanges, cfg)

	notifier := wireNotifier(cfg, logger, *historyDB)

	eng := engine.New(engine.Deps{
		Config:    cfg,
		Logger:    logger,
		Exchanges: exchanges,
		Cache:     sharedCache,
		Registry:  registry,
		Store:     store,
		Notifier:  notifier,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		logger.Fatal("engine start failed", "error", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining engine")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	eng.Stop(shutdownCtx)

	if store.Degraded() {
		logger.Warn("persistence store exited in a degraded state")
	}
}

func exchangeConfig(cfg *config.Config, account string) *config.ExchangeConfig {
	ec := cfg.Exchanges[account]
	return &ec
}

// wireCache builds the single Monitoring Cache shared by every account. Its
// fetch functions dispatch to the exchange client registered for the
// requested account.
func wireCache(exchanges map[core.Account]core.IExchange, cfg *config.Config) core.ICache {
	return cache.New(
		func(ctx context.Context, account core.Account) ([]core.Position, error) {
			return exchanges[account].GetAllPositions(ctx)
		},
		func(ctx context.Context, account core.Account) ([]core.Order, error) {
			return exchanges[account].GetAllOpenOrders(ctx)
		},
		cfg.Cache.DefaultTTL,
		cfg.Cache.ExecutionTTL,
	)
}

// multiNotifier fans an event out to every wired sink (alerts, audit trail).
type multiNotifier struct {
	sinks []core.Notifier
}

func (m *multiNotifier) Notify(ctx context.Context, event core.Event) {
	for _, sink := range m.sinks {
		sink.Notify(ctx, event)
	}
}

func wireNotifier(cfg *config.Config, logger core.ILogger, historyDBPath string) core.Notifier {
	manager := alert.NewAlertManager(logger)
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		chatID := fmt.Sprintf("%d", cfg.DefaultAlertChatID)
		manager.AddChannel(alert.NewTelegramChannel(token, chatID))
	}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		manager.AddChannel(alert.NewSlackChannel(webhook))
	}
	sinks := []core.Notifier{alert.NewDispatcher(manager)}

	recorder, err := history.NewRecorder(historyDBPath, logger)
	if err != nil {
		logger.Warn("audit trail disabled: could not open history db", "error", err)
	} else {
		sinks = append(sinks, recorder)
	}

	return &multiNotifier{sinks: sinks}
}
