package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/trackguard/pkg/client"
)

func newRequestsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Control the daemon's RequestManager",
	}
	cmd.AddCommand(
		newRequestsToggleCmd(opts, "pause", "Open the circuit and hold queued requests", (*client.Client).PauseRequests),
		newRequestsToggleCmd(opts, "resume", "Close the circuit and drain queued requests", (*client.Client).ResumeRequests),
		newRateLimitCmd(opts),
	)
	return cmd
}

func newRequestsToggleCmd(opts *options, use, short string, call func(*client.Client, context.Context) (client.RequestHealth, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			h, err := call(opts.client(), ctx)
			if err != nil {
				return fmt.Errorf("%s requests: %w", use, err)
			}
			if opts.asJSON {
				return writeJSON(cmd, h)
			}
			circuit := "closed"
			if h.CircuitOpen {
				circuit = "open"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "circuit %s, %d queued, %d active\n", circuit, h.QueueLength, h.ActiveRequests)
			return err
		},
	}
}

func newRateLimitCmd(opts *options) *cobra.Command {
	var (
		minSpacing, window, pauseWindow                                time.Duration
		maxPerWindow, maxConcurrent, failureThreshold, maxFrontRetries int
	)
	cmd := &cobra.Command{
		Use:   "rate-limit",
		Short: "Show or adjust the RequestManager limiter",
		Long:  "rate-limit prints the current limiter. Any flag given is applied as a live adjustment; unset flags keep their value.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var patch client.RateLimitPatch
			changed := false
			flags := cmd.Flags()
			durations := []struct {
				name string
				val  time.Duration
				dst  **int64
			}{
				{"min-spacing", minSpacing, &patch.MinSpacingMs},
				{"window", window, &patch.WindowMs},
				{"pause-window", pauseWindow, &patch.PauseWindowMs},
			}
			for _, d := range durations {
				if !flags.Changed(d.name) {
					continue
				}
				if d.val < 0 {
					return fmt.Errorf("--%s must not be negative", d.name)
				}
				ms := d.val.Milliseconds()
				*d.dst = &ms
				changed = true
			}
			counts := []struct {
				name string
				val  int
				dst  **int
			}{
				{"max-per-window", maxPerWindow, &patch.MaxPerWindow},
				{"max-concurrent", maxConcurrent, &patch.MaxConcurrent},
				{"failure-threshold", failureThreshold, &patch.FailureThreshold},
				{"max-front-retries", maxFrontRetries, &patch.MaxFrontRetries},
			}
			for _, c := range counts {
				if !flags.Changed(c.name) {
					continue
				}
				if c.val < 0 {
					return fmt.Errorf("--%s must not be negative", c.name)
				}
				v := c.val
				*c.dst = &v
				changed = true
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			var (
				limits client.RateLimit
				err    error
			)
			if changed {
				limits, err = opts.client().AdjustRateLimit(ctx, patch)
			} else {
				limits, err = opts.client().RateLimit(ctx)
			}
			if err != nil {
				return fmt.Errorf("rate limit: %w", err)
			}
			if opts.asJSON {
				return writeJSON(cmd, limits)
			}

			ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "min spacing:\t%s\n", ms(limits.MinSpacingMs))
			fmt.Fprintf(w, "max per window:\t%d per %s\n", limits.MaxPerWindow, ms(limits.WindowMs))
			fmt.Fprintf(w, "max concurrent:\t%d\n", limits.MaxConcurrent)
			fmt.Fprintf(w, "failure threshold:\t%d\n", limits.FailureThreshold)
			fmt.Fprintf(w, "pause window:\t%s\n", ms(limits.PauseWindowMs))
			fmt.Fprintf(w, "max front retries:\t%d\n", limits.MaxFrontRetries)
			return w.Flush()
		},
	}
	f := cmd.Flags()
	f.DurationVar(&minSpacing, "min-spacing", 0, "minimum gap between vendor requests")
	f.IntVar(&maxPerWindow, "max-per-window", 0, "requests allowed per window")
	f.DurationVar(&window, "window", 0, "sliding window length")
	f.IntVar(&maxConcurrent, "max-concurrent", 0, "requests in flight at once")
	f.IntVar(&failureThreshold, "failure-threshold", 0, "consecutive failures that open the circuit")
	f.DurationVar(&pauseWindow, "pause-window", 0, "how long an open circuit pauses")
	f.IntVar(&maxFrontRetries, "max-front-retries", 0, "retries re-queued at the front")
	return cmd
}
