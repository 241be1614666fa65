package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/neogan74/overseer/internal/auth"
	"github.com/spf13/cobra"
)

func newStatsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show decision counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := opts.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), stats)
			}

			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			tw := newTable(cmd.OutOrStdout())
			for _, k := range keys {
				fmt.Fprintf(tw, "%s\t%v\n", k, stats[k])
			}
			return tw.Flush()
		},
	}
}

func newPauseCmd(opts *globalOptions, paused bool) *cobra.Command {
	use, short := "resume", "Lift the global pause"
	if paused {
		use, short = "pause", "Block every agent operation until resumed"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := opts.client().SetPaused(cmd.Context(), paused)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), out)
			}
			state := "resumed"
			if paused {
				state = "paused"
			}
			if changed, _ := out["changed"].(bool); !changed {
				fmt.Fprintf(cmd.OutOrStdout(), "already %s\n", state)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}
}

func newApprovalsCmd(opts *globalOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List approvals (pending by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			approvals, err := opts.client().Approvals(cmd.Context(), status)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), approvals)
			}
			if len(approvals) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no approvals")
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tSTATUS\tOPERATION\tSOURCE\tEXPIRES\tREASON")
			for _, a := range approvals {
				fmt.Fprintf(tw, "%s\t%s\t%s.%s\t%s\t%s\t%s\n",
					a.ID, a.Status, a.Operation.Category, a.Operation.Action,
					a.Operation.Source, a.ExpiresAt, a.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (Pending, Approved, Denied, Expired, all)")

	var reason string
	deny := &cobra.Command{
		Use:   "deny <id>",
		Short: "Deny a pending operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolve(cmd, opts, args[0], false, reason)
		},
	}
	deny.Flags().StringVar(&reason, "reason", "", "Reason recorded with the denial")

	cmd.AddCommand(&cobra.Command{
		Use:   "approve <id>",
		Short: "Release a pending operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolve(cmd, opts, args[0], true, "")
		},
	}, deny)
	return cmd
}

func resolve(cmd *cobra.Command, opts *globalOptions, id string, approve bool, reason string) error {
	a, err := opts.client().Resolve(cmd.Context(), id, approve, reason)
	if err != nil {
		return err
	}
	if opts.output == "json" {
		return printJSON(cmd.OutOrStdout(), a)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "approval %s is %s\n", a.ID, a.Status)
	return nil
}

func newLedgerCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the hash-chained ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Walk the whole chain and report the first break",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := opts.client().VerifyLedger(cmd.Context())
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.ErrorResponse.Error == "chain_integrity" {
				fmt.Fprintf(cmd.OutOrStdout(), "BROKEN: %s\n", apiErr.Message)
				return err
			}
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), v)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: %v entries checked\n", v["checked"])
			return nil
		},
	})

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Show the newest entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := opts.client().RecentLedger(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "SEQ\tTIMESTAMP\tHASH\tPAYLOAD")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.Sequence, e.Timestamp, shortHash(e.Hash), string(e.Payload))
			}
			return tw.Flush()
		},
	}
	recent.Flags().IntVar(&limit, "limit", 20, "Number of entries (1-500)")

	var hours int
	repair := &cobra.Command{
		Use:   "repair",
		Short: "Append audit entries missing from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := opts.client().RepairLedger(cmd.Context(), hours)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "appended %d entries\n", len(report.Appended))
			if len(report.MissingAudit) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%d ledger entries have no audit record\n", len(report.MissingAudit))
			}
			return nil
		},
	}
	repair.Flags().IntVar(&hours, "hours", 24, "Look-back window in hours (1-168)")

	cmd.AddCommand(recent, repair)
	return cmd
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func newAnomaliesCmd(opts *globalOptions) *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "anomalies",
		Short: "List anomaly events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := opts.client().Anomalies(cmd.Context(), hours)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), events)
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no anomalies")
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tSEVERITY\tTYPE\tSOURCE\tREVIEW\tDESCRIPTION")
			for _, e := range events {
				review := "-"
				if e.RequiresReview {
					review = "needed"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.Severity, e.Type, e.Source, review, e.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "Look-back window in hours (1-168)")

	cmd.AddCommand(&cobra.Command{
		Use:   "review <id>",
		Short: "Mark an anomaly reviewed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.client().ReviewAnomaly(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), e)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "anomaly %s reviewed\n", e.ID)
			return nil
		},
	})
	return cmd
}

func newGuardrailsCmd(opts *globalOptions) *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "guardrails",
		Short: "Suggest block rules from repeated blocked operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			suggestions, err := opts.client().Guardrails(cmd.Context(), hours)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), suggestions)
			}
			if len(suggestions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no suggestions")
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tCONFIDENCE\tOCCURRENCES\tRULE")
			for _, s := range suggestions {
				fmt.Fprintf(tw, "%s\t%.2f\t%d\t%s\n", s.ID, s.Confidence, s.Occurrences, s.SuggestedRule)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "Look-back window in hours (1-168)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		secret   string
		issuer   string
		operator string
		name     string
		roles    []string
		expiry   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token signed with the server secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("a signing secret is required (--secret or OVERSEER_JWT_SECRET)")
			}
			if operator == "" {
				return errors.New("--operator is required")
			}
			for _, r := range roles {
				switch r {
				case auth.RoleAdmin, auth.RoleApprover, auth.RoleViewer:
				default:
					return fmt.Errorf("unknown role %q (must be one of %s)", r,
						strings.Join([]string{auth.RoleAdmin, auth.RoleApprover, auth.RoleViewer}, ", "))
				}
			}

			token, err := auth.NewJWTService(secret, expiry, issuer).GenerateToken(operator, name, roles)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", envOr("OVERSEER_JWT_SECRET", ""), "HS256 signing secret")
	cmd.Flags().StringVar(&issuer, "issuer", envOr("OVERSEER_JWT_ISSUER", "overseer"), "Token issuer")
	cmd.Flags().StringVar(&operator, "operator", "", "Operator id")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleViewer}, "Roles (admin, approver, viewer)")
	cmd.Flags().DurationVar(&expiry, "expiry", 8*time.Hour, "Token lifetime")
	return cmd
}
