package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStopCmd(opts *options) *cobra.Command {
	var (
		reason   string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Declare a system-wide emergency stop",
		Long:  "stop halts all vendor traffic. A zero --duration uses the daemon's configured cooldown.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if duration < 0 {
				return fmt.Errorf("--duration must not be negative")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := opts.client().EmergencyStop(ctx, reason, duration); err != nil {
				return fmt.Errorf("emergency stop: %w", err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "emergency stop declared: %s\n", reason)
			return err
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator", "reason recorded with the stop")
	cmd.Flags().DurationVar(&duration, "duration", 0, "how long the stop lasts")
	return cmd
}

func newResumeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Clear an emergency stop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := opts.client().ClearEmergencyStop(ctx); err != nil {
				return fmt.Errorf("clear emergency stop: %w", err)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "emergency stop cleared")
			return err
		},
	}
}
