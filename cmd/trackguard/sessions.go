package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/trackguard/pkg/client"
)

func newSessionsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and manage polling sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			sessions, err := opts.client().Sessions(ctx)
			if err != nil {
				return fmt.Errorf("fetch sessions: %w", err)
			}
			if opts.asJSON {
				return writeJSON(cmd, sessions)
			}
			if len(sessions) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tPRIORITY\tINTERVAL\tDEVICES\tPOLLS\tERRORS")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
					s.ID, s.State, s.Priority, intervalLabel(s), strings.Join(s.DeviceIDs, ","), s.Polls, s.Errors)
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(
		newSessionAddCmd(opts),
		newSessionUpdateCmd(opts),
		newSessionRemoveCmd(opts),
		newSessionPollCmd(opts),
	)
	return cmd
}

func intervalLabel(s client.Session) string {
	if s.Adaptive {
		return s.Interval.String() + " (adaptive)"
	}
	return s.Interval.String()
}

func printSession(cmd *cobra.Command, opts *options, verb string, s client.Session) error {
	if opts.asJSON {
		return writeJSON(cmd, s)
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s session %s: %s every %s, %s priority\n",
		verb, s.ID, strings.Join(s.DeviceIDs, ","), intervalLabel(s), s.Priority)
	return err
}

func newSessionAddCmd(opts *options) *cobra.Command {
	var (
		devices  []string
		interval time.Duration
		priority string
	)
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a polling session",
		Long:  "add starts polling the given devices. A zero --interval lets the daemon adapt the interval to activity.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval < 0 {
				return fmt.Errorf("--interval must not be negative")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			s, err := opts.client().RegisterSession(ctx, client.SessionRequest{
				ID:         args[0],
				DeviceIDs:  devices,
				IntervalMs: interval.Milliseconds(),
				Priority:   priority,
			})
			if err != nil {
				return fmt.Errorf("register session: %w", err)
			}
			return printSession(cmd, opts, "registered", s)
		},
	}
	cmd.Flags().StringSliceVar(&devices, "devices", nil, "device ids, comma separated")
	cmd.Flags().DurationVar(&interval, "interval", 0, "polling interval (0 for adaptive)")
	cmd.Flags().StringVar(&priority, "priority", "medium", "high, medium or low")
	_ = cmd.MarkFlagRequired("devices")
	return cmd
}

func newSessionUpdateCmd(opts *options) *cobra.Command {
	var (
		devices  []string
		interval time.Duration
		priority string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a session's devices, interval or priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch client.SessionPatch
			flags := cmd.Flags()
			if flags.Changed("devices") {
				if len(devices) == 0 {
					return fmt.Errorf("--devices must not be empty")
				}
				patch.DeviceIDs = devices
			}
			if flags.Changed("interval") {
				if interval < 0 {
					return fmt.Errorf("--interval must not be negative")
				}
				ms := interval.Milliseconds()
				patch.IntervalMs = &ms
			}
			if flags.Changed("priority") {
				patch.Priority = &priority
			}
			if patch.DeviceIDs == nil && patch.IntervalMs == nil && patch.Priority == nil {
				return fmt.Errorf("nothing to update: set --devices, --interval or --priority")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			s, err := opts.client().UpdateSession(ctx, args[0], patch)
			if err != nil {
				return fmt.Errorf("update session: %w", err)
			}
			return printSession(cmd, opts, "updated", s)
		},
	}
	cmd.Flags().StringSliceVar(&devices, "devices", nil, "replacement device ids, comma separated")
	cmd.Flags().DurationVar(&interval, "interval", 0, "polling interval (0 for adaptive)")
	cmd.Flags().StringVar(&priority, "priority", "", "high, medium or low")
	return cmd
}

func newSessionRemoveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Unregister a polling session",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := opts.client().UnregisterSession(ctx, args[0]); err != nil {
				return fmt.Errorf("unregister session: %w", err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "removed session %s\n", args[0])
			return err
		},
	}
}

func newSessionPollCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "poll <id>",
		Short: "Poll a session now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := opts.client().ForcePoll(ctx, args[0]); err != nil {
				return fmt.Errorf("force poll: %w", err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "polled session %s\n", args[0])
			return err
		},
	}
}
