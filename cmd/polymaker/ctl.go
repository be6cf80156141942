package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/web3guy0/polymaker/core"
	"github.com/web3guy0/polymaker/internal/config"
	"github.com/web3guy0/polymaker/types"
)

var ctlJSON bool

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running scheduler",
	Long: `ctl reads the scheduler's status file and drops commands into its inbox.
Commands are applied on the scheduler's next tick.`,
}

var ctlListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show worker records from the last scheduler tick",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		st, err := core.ReadStatus(cfg.Scheduler.StatusPath)
		if err != nil {
			return err
		}
		if ctlJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		return printStatus(cmd, st)
	},
}

var ctlStopCmd = &cobra.Command{
	Use:   "stop <instrument>",
	Short: "Stop one instrument",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, core.Command{Op: core.OpStop, InstrumentID: args[0]})
	},
}

var ctlRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-read upstream feeds and recheck pending candidates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return submit(cmd, core.Command{Op: core.OpRefresh})
	},
}

var ctlExitCmd = &cobra.Command{
	Use:   "exit",
	Short: "Stop every worker and shut the scheduler down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return submit(cmd, core.Command{Op: core.OpExit})
	},
}

func init() {
	ctlListCmd.Flags().BoolVar(&ctlJSON, "json", false, "print the raw status file")
	ctlCmd.AddCommand(ctlListCmd, ctlStopCmd, ctlRefreshCmd, ctlExitCmd)
	rootCmd.AddCommand(ctlCmd)
}

func submit(cmd *cobra.Command, c core.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Scheduler.InboxDir, 0755); err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	if err := core.Submit(cfg.Scheduler.InboxDir, c); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s %s\n", c.Op, c.InstrumentID)
	return nil
}

func printStatus(cmd *cobra.Command, st core.StatusFile) error {
	out := cmd.OutOrStdout()
	degraded := ""
	if st.Degraded {
		degraded = "  FEED DEGRADED"
	}
	fmt.Fprintf(out, "updated %s ago  running %d/%d  pending %d%s\n\n",
		since(st.UpdatedAt), st.Running, st.MaxSlots, st.Pending, degraded)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INSTRUMENT\tSTATE\tHANDLE\tUPTIME\tLAST DATA\tREASON\tRETRIES\tFLAGS")
	for _, r := range st.Workers {
		reason := "-"
		if r.ExitReason != nil {
			reason = string(*r.ExitReason)
		}
		uptime := "-"
		if r.State == types.WorkerRunning || r.State == types.WorkerExiting {
			uptime = since(r.StartedAt)
		}
		flags := ""
		if r.HadPosition {
			flags += "P"
		}
		if r.LowLiquidity {
			flags += "L"
		}
		if r.Refillable {
			flags += "R"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.InstrumentID, r.State, r.Handle, uptime, since(r.LastHeartbeat), reason, r.RetryCount, flags)
	}
	return w.Flush()
}
