package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/polymaker/bot"
	"github.com/web3guy0/polymaker/core"
	"github.com/web3guy0/polymaker/feeds"
	"github.com/web3guy0/polymaker/internal/config"
	"github.com/web3guy0/polymaker/internal/metrics"
	"github.com/web3guy0/polymaker/marketdata"
	"github.com/web3guy0/polymaker/marketstate"
	"github.com/web3guy0/polymaker/risk"
	"github.com/web3guy0/polymaker/storage"
	"github.com/web3guy0/polymaker/types"
	"github.com/web3guy0/polymaker/worker"
)

var runInProcess bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the aggregator and the worker scheduler",
	Long: `run owns the shared market websocket, publishes the snapshot store, and
schedules one worker per admitted candidate. It exits when the scheduler
does: on SIGINT/SIGTERM or an exit command.`,
	RunE: runService,
}

func init() {
	runCmd.Flags().BoolVar(&runInProcess, "inprocess", false, "run workers as goroutines instead of child processes")
	rootCmd.AddCommand(runCmd)
}

func runService(cmd *cobra.Command, _ []string) error {
	cfg, logs, err := bootstrap("")
	if err != nil {
		return err
	}
	defer logs.Close()

	banner("SCHEDULER")
	log.Info().
		Str("mode", cfg.Mode()).
		Int("max_workers", cfg.Scheduler.MaxWorkers).
		Bool("inprocess", runInProcess).
		Str("data_dir", cfg.DataDir).
		Msg("Starting")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ═══════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════

	// 1. Ledger
	ledger, err := storage.New(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer ledger.Close()
	log.Info().Msg("✅ Ledger initialized")

	// 2. Shared market feed
	feed := feeds.NewClient(cfg.Feed.URL, feeds.WithPingInterval(cfg.Feed.PingInterval), feeds.WithName("shared"))
	agg := marketdata.NewAggregator(feed, marketdata.NewStore(cfg.Reader.StorePath), cfg.Aggregator)
	if err := agg.Restore(); err != nil {
		log.Warn().Err(err).Msg("No snapshot store to restore")
	}
	if cfg.NATS.URL != "" {
		pub, err := marketdata.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, snapshots stay file-only")
		} else {
			agg.SetPublisher(pub)
			defer pub.Close()
		}
	}
	log.Info().Msg("✅ Aggregator initialized")

	// 3. Exchange
	client, err := newExchange(cfg)
	if err != nil {
		return err
	}
	log.Info().Msg("✅ Execution layer initialized")

	// 4. Risk
	monitor := risk.NewLiquidationMonitor(cfg.Liquidation, ledger, time.Now())
	breaker := risk.NewCircuitBreaker(cfg.Breaker)

	// 5. Launcher
	var launcher core.Launcher
	if runInProcess {
		launcher = &core.InProcessLauncher{Run: inProcessWorker(cfg, client, ledger)}
	} else {
		var args []string
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		launcher = &core.ProcessLauncher{ReportDir: cfg.ReportDir(), Args: args}
	}

	// 6. Telegram
	var notifier core.Notifier
	var tg *bot.TelegramBot
	if cfg.Telegram.Token != "" {
		tg, err = bot.NewTelegramBot(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram disabled")
		} else {
			notifier = tg
		}
	}

	// 7. Scheduler
	sched := core.NewScheduler(cfg.Scheduler, core.Deps{
		Launcher:    launcher,
		States:      marketstate.NewChecker(cfg.MarketState),
		Market:      agg,
		Ledger:      ledger,
		Liquidation: monitor,
		Breaker:     breaker,
		Balance:     client.GetBalance,
		Notifier:    notifier,
	})
	if tg != nil {
		tg.SetController(sched)
		tg.SetBalanceFunc(func() (decimal.Decimal, error) {
			bctx, bcancel := context.WithTimeout(ctx, 10*time.Second)
			defer bcancel()
			return client.GetBalance(bctx)
		})
	}

	// ═══════════════════════════════════════════════════════════════════════════
	// RUN
	// ═══════════════════════════════════════════════════════════════════════════

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agg.Run(gctx) })
	g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr) })
	g.Go(func() error {
		// the scheduler decides when the process is done
		defer cancel()
		return sched.Run(gctx)
	})
	if tg != nil {
		tg.Start()
		tg.NotifyStartup(cfg.Scheduler.MaxWorkers, cfg.Mode())
		g.Go(func() error {
			<-gctx.Done()
			tg.Stop()
			return nil
		})
	}

	log.Info().Msg("🚀 Running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Stopped with error")
		return err
	}
	log.Info().Msg("👋 Shutdown complete")
	return nil
}

func inProcessWorker(cfg *config.Config, ex worker.Exchange, fills worker.FillRecorder) core.RunFunc {
	fallback := marketdata.NewPrivateFallback(cfg.Feed.URL, cfg.Aggregator, feeds.WithPingInterval(cfg.Feed.PingInterval))
	return func(ctx context.Context, id string, cmds <-chan worker.Command) types.ExitReport {
		wcfg := cfg.Worker
		wcfg.InstrumentID = id
		wcfg.ReportPath = worker.ReportPath(cfg.ReportDir(), id)

		rcfg := cfg.Reader
		rcfg.InstrumentID = id

		return worker.Run(ctx, wcfg, worker.Deps{
			Snapshots: marketdata.NewReader(rcfg, fallback),
			Exchange:  ex,
			Fills:     fills,
			Commands:  cmds,
		})
	}
}
