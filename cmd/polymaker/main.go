package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/web3guy0/polymaker/exec"
	"github.com/web3guy0/polymaker/internal/config"
	"github.com/web3guy0/polymaker/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "polymaker",
	Short: "Polymarket market-making core",
	Long: `polymaker buys dips and sells rebounds on Polymarket outcome tokens.

One "run" process owns the shared market feed and the worker scheduler; every
admitted instrument gets its own "worker" process. "ctl" talks to a running
scheduler through its status file and command inbox.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults to $POLYMAKER_CONFIG)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads config and sets up logging. Workers log to their own file
// next to the main one. The closer flushes the log file.
func bootstrap(workerID string) (*config.Config, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	lc := cfg.Log
	if workerID != "" && lc.File != "" {
		lc.File = filepath.Join(filepath.Dir(lc.File), "workers", workerID+".log")
	}
	return cfg, logging.Setup(lc), nil
}

func newExchange(cfg *config.Config) (*exec.Client, error) {
	client, err := exec.NewClient(exec.ClientConfig{
		BaseURL:       cfg.CLOB.URL,
		PrivateKey:    cfg.CLOB.PrivateKey,
		APIKey:        cfg.CLOB.APIKey,
		APISecret:     cfg.CLOB.APISecret,
		Passphrase:    cfg.CLOB.Passphrase,
		DryRun:        cfg.DryRun,
		DryRunBalance: cfg.CLOB.DryRunBalance,
		Timeout:       cfg.CLOB.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("exchange client: %w", err)
	}
	return client, nil
}

func banner(title string) {
	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msgf("              POLYMAKER - %s", title)
	log.Info().Msg("═══════════════════════════════════════════════════════════════")
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String()
}
