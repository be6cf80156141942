package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/web3guy0/polymaker/feeds"
	"github.com/web3guy0/polymaker/marketdata"
	"github.com/web3guy0/polymaker/storage"
	"github.com/web3guy0/polymaker/types"
	"github.com/web3guy0/polymaker/worker"
)

var (
	workerInstrument string
	workerReport     string
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Trade one instrument (spawned by run)",
	Hidden: true,
	Long: `worker runs the strategy for a single instrument until it exits, then
leaves an exit report for the scheduler.

Signals:
  SIGUSR1          liquidate (LIQUIDATED)
  SIGUSR2          liquidate (POSITION_CLOSED)
  SIGTERM, SIGINT  stop (USER_STOPPED)`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerInstrument, "instrument", "", "instrument (token) id")
	workerCmd.Flags().StringVar(&workerReport, "report", "", "exit report path (defaults under the data dir)")
	_ = workerCmd.MarkFlagRequired("instrument")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	id := workerInstrument
	cfg, logs, err := bootstrap(id)
	if err != nil {
		return err
	}
	defer logs.Close()
	log.Logger = log.With().Str("instrument", id).Int("pid", os.Getpid()).Logger()

	report := workerReport
	if report == "" {
		report = worker.ReportPath(cfg.ReportDir(), id)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// before slow setup: unhandled SIGUSR1/2 terminate the process
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	client, err := newExchange(cfg)
	if err != nil {
		return writeStartupFailure(report, id, err)
	}

	var fills worker.FillRecorder
	ledger, err := storage.New(cfg.DatabaseDSN)
	if err != nil {
		log.Warn().Err(err).Msg("Ledger unavailable, fills not recorded")
	} else {
		defer ledger.Close()
		fills = ledger
	}

	cmds := make(chan worker.Command, 4)
	go forwardSignals(ctx, sigs, cmds)

	wcfg := cfg.Worker
	wcfg.InstrumentID = id
	wcfg.ReportPath = report

	rcfg := cfg.Reader
	rcfg.InstrumentID = id
	reader := marketdata.NewReader(rcfg,
		marketdata.NewPrivateFallback(cfg.Feed.URL, cfg.Aggregator, feeds.WithPingInterval(cfg.Feed.PingInterval)))

	rep := worker.Run(ctx, wcfg, worker.Deps{
		Snapshots: reader,
		Exchange:  client,
		Fills:     fills,
		Commands:  cmds,
	})
	log.Info().Str("reason", string(rep.Reason)).Str("report", report).Msg("Worker done")
	return nil
}

// forwardSignals turns SIGUSR1/SIGUSR2 into liquidation commands.
func forwardSignals(ctx context.Context, sigs <-chan os.Signal, cmds chan<- worker.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-sigs:
			reason := types.ExitLiquidated
			if s == syscall.SIGUSR2 {
				reason = types.ExitPositionClosed
			}
			log.Info().Str("signal", s.String()).Str("reason", string(reason)).Msg("📨 Liquidation requested")
			select {
			case cmds <- worker.Command{Kind: worker.CmdLiquidate, Reason: reason}:
			default:
			}
		}
	}
}

// writeStartupFailure leaves an INTERNAL report so the scheduler can refill.
func writeStartupFailure(path, id string, cause error) error {
	rep := types.NewExitReport(id, types.ExitInternal, time.Now())
	rep.Data = map[string]string{"detail": cause.Error()}
	if err := worker.WriteReport(path, rep); err != nil {
		log.Error().Err(err).Msg("Exit report not written")
	}
	return cause
}
