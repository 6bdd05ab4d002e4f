package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show Coordinator and RequestManager health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			h, err := opts.client().Health(ctx)
			if err != nil {
				return fmt.Errorf("fetch health: %w", err)
			}
			if opts.asJSON {
				return writeJSON(cmd, h)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "status:\t%s\n", h.Status)
			fmt.Fprintf(w, "version:\t%s\n", h.Version)
			c := h.Coordinator
			fmt.Fprintf(w, "queue:\t%d\n", c.QueueLength)
			fmt.Fprintf(w, "circuit:\t%s\n", circuitLabel(c.CircuitOpen, c.CircuitResetAt))
			if c.EmergencyStop {
				fmt.Fprintf(w, "emergency stop:\t%s (%s remaining)\n", c.EmergencyReason, time.Duration(c.CooldownRemainingMs)*time.Millisecond)
			}
			fmt.Fprintf(w, "requests:\t%d total, %d vendor calls, %d cache hits, %d rate limited\n",
				c.TotalRequests, c.VendorCalls, c.CacheHits, c.RateLimitHits)
			fmt.Fprintf(w, "cache entries:\t%d\n", c.CacheSize)
			r := h.Requests
			fmt.Fprintf(w, "local manager:\thealthy=%t queue=%d active=%d failures=%d last_minute=%d\n",
				r.IsHealthy, r.QueueLength, r.ActiveRequests, r.ConsecutiveFailures, r.RequestsLastMinute)
			return w.Flush()
		},
	}
}

func circuitLabel(open bool, resetAt time.Time) string {
	if !open {
		return "closed"
	}
	if resetAt.IsZero() {
		return "open"
	}
	return "open until " + resetAt.Format(time.RFC3339)
}

func newMetricsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show unified polling metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			m, err := opts.client().UnifiedMetrics(ctx)
			if err != nil {
				return fmt.Errorf("fetch metrics: %w", err)
			}
			if opts.asJSON {
				return writeJSON(cmd, m)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "risk:\t%s\n", m.RiskLevel)
			fmt.Fprintf(w, "calls:\t%d (%d ok, %d failed)\n", m.TotalCalls, m.SuccessfulCalls, m.FailedCalls)
			fmt.Fprintf(w, "success rate:\t%.1f%%\n", m.SuccessRate*100)
			fmt.Fprintf(w, "avg latency:\t%.0fms\n", m.AverageLatencyMs)
			fmt.Fprintf(w, "sessions:\t%d (%d vehicles, %d live viewers)\n", m.ActiveSessions, m.ActiveVehicles, m.LiveViewers)
			fmt.Fprintf(w, "circuit open:\t%t\n", m.CircuitOpen)
			fmt.Fprintf(w, "emergency stopped:\t%t\n", m.EmergencyStopped)
			return w.Flush()
		},
	}
}
