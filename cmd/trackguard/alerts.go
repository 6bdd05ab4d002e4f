package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/trackguard/pkg/client"
)

func newAlertsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List active alerts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			list, err := opts.client().ActiveAlerts(ctx)
			if err != nil {
				return fmt.Errorf("fetch alerts: %w", err)
			}
			return printAlerts(cmd, opts, list)
		},
	}

	var limit int
	history := &cobra.Command{
		Use:   "history",
		Short: "Show recent alerts, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			list, err := opts.client().AlertHistory(ctx, limit)
			if err != nil {
				return fmt.Errorf("fetch alert history: %w", err)
			}
			return printAlerts(cmd, opts, list)
		},
	}
	history.Flags().IntVar(&limit, "limit", 100, "maximum number of alerts")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show alert counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			s, err := opts.client().AlertStats(ctx)
			if err != nil {
				return fmt.Errorf("fetch alert stats: %w", err)
			}
			if opts.asJSON {
				return writeJSON(cmd, s)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "active:\t%d\n", s.Active)
			fmt.Fprintf(w, "acknowledged:\t%d\n", s.Acknowledged)
			fmt.Fprintf(w, "total:\t%d\n", s.Total)
			fmt.Fprintf(w, "last 24h:\t%d\n", s.Last24h)
			for _, sev := range sortedKeys(s.BySeverity) {
				fmt.Fprintf(w, "severity %s:\t%d\n", sev, s.BySeverity[sev])
			}
			return w.Flush()
		},
	}

	ack := &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := opts.client().AcknowledgeAlert(ctx, args[0]); err != nil {
				return fmt.Errorf("acknowledge %s: %w", args[0], err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "acknowledged %s\n", args[0])
			return err
		},
	}

	cmd.AddCommand(history, stats, ack, newExportCmd(opts))
	return cmd
}

func printAlerts(cmd *cobra.Command, opts *options, list []client.Alert) error {
	if opts.asJSON {
		return writeJSON(cmd, list)
	}
	if len(list) == 0 {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "no alerts")
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSEVERITY\tRULE\tVEHICLE\tSINCE\tSTATE\tMESSAGE")
	for _, a := range list {
		state := "active"
		switch {
		case a.ResolvedAt != nil:
			state = "resolved"
		case a.Acknowledged:
			state = "acked"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Severity, a.RuleName, a.VehicleID, a.Timestamp.Format(time.RFC3339), state, a.Message)
	}
	return w.Flush()
}

func newRulesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List alert rules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			rules, err := opts.client().Rules(ctx)
			if err != nil {
				return fmt.Errorf("fetch rules: %w", err)
			}
			if opts.asJSON {
				return writeJSON(cmd, rules)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCONDITION\tSEVERITY\tTHROTTLE\tENABLED")
			for _, r := range rules {
				cond := fmt.Sprintf("%s %s %g", r.Condition.Field, r.Condition.Operator, r.Condition.Value)
				if r.Condition.Duration > 0 {
					cond += fmt.Sprintf(" for %ds", r.Condition.Duration)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%ds\t%t\n", r.ID, r.Name, cond, r.Severity, r.Throttle, r.Enabled)
			}
			return w.Flush()
		},
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newExportCmd(opts *options) *cobra.Command {
	var (
		exp     client.ExportOptions
		outFile string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export persisted alert history as CSV or JSON",
		Example: "  trackguard alerts export --since 24h -o alerts.csv\n" +
			"  trackguard alerts export --type summary --format json",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			body, err := opts.client().ExportAlerts(ctx, exp)
			if err != nil {
				return fmt.Errorf("export alerts: %w", err)
			}
			if outFile == "" {
				_, err := cmd.OutOrStdout().Write(body)
				return err
			}
			if err := os.WriteFile(outFile, body, 0644); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", len(body), outFile)
			return err
		},
	}
	cmd.Flags().StringVar(&exp.Type, "type", "alerts", "alerts or summary")
	cmd.Flags().StringVar(&exp.Format, "format", "csv", "csv or json")
	cmd.Flags().DurationVar(&exp.Since, "since", 0, "only alerts newer than this")
	cmd.Flags().StringVar(&exp.VehicleID, "vehicle", "", "filter by vehicle id")
	cmd.Flags().StringVar(&exp.RuleID, "rule", "", "filter by rule id")
	cmd.Flags().StringVarP(&outFile, "output", "o", "", "write to file instead of stdout")
	return cmd
}
