package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

type globalOptions struct {
	server string
	token  string
	output string
}

func (o *globalOptions) client() *OverseerClient {
	return NewOverseerClient(o.server, o.token)
}

// newRootCmd builds the command tree. Each call returns an independent tree.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "overseerctl",
		Short: "Overseer governance CLI",
		Long: `overseerctl talks to an Overseer server.

Commands:
  stats        Decision counters and pause state
  pause        Block every agent operation
  resume       Lift the pause
  approvals    List, approve and deny pending operations
  ledger       Verify, read or repair the hash-chained ledger
  anomalies    List and review anomaly events
  guardrails   Suggested block rules from recent history
  token        Mint an operator token`,
		SilenceUsage: true,
		Version:      version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.output != "table" && opts.output != "json" {
				return fmt.Errorf("invalid output format %q (must be table or json)", opts.output)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.server, "server", envOr("OVERSEER_SERVER", "http://localhost:8890"), "Overseer server URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("OVERSEER_TOKEN"), "Operator bearer token")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format (table, json)")

	root.AddCommand(
		newStatsCmd(opts),
		newPauseCmd(opts, true),
		newPauseCmd(opts, false),
		newApprovalsCmd(opts),
		newLedgerCmd(opts),
		newAnomaliesCmd(opts),
		newGuardrailsCmd(opts),
		newTokenCmd(),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}
