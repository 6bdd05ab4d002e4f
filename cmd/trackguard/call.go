package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/trackguard/pkg/client"
)

func newCallCmd(opts *options) *cobra.Command {
	var (
		devices  []string
		priority string
	)
	cmd := &cobra.Command{
		Use:   "call <action>",
		Short: "Send one vendor request through the Coordinator",
		Example: "  trackguard call last_position --devices d1,d2\n" +
			"  trackguard call device_list --priority low",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := client.VendorRequest{Action: args[0], Priority: priority}
			if len(devices) > 0 {
				req.Params = map[string]any{"device_ids": devices}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			resp, err := opts.client().Vendor(ctx, req)
			if err != nil {
				return err
			}
			if opts.asJSON {
				if err := writeJSON(cmd, resp); err != nil {
					return err
				}
			} else if resp.Success {
				if resp.FromCache {
					fmt.Fprintln(cmd.ErrOrStderr(), "(cached)")
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(resp.Data))
			}

			switch {
			case resp.Success:
				return nil
			case resp.EmergencyStop:
				return fmt.Errorf("emergency stop active, %s remaining", time.Duration(resp.CooldownRemainingMs)*time.Millisecond)
			case resp.ShouldWait:
				return fmt.Errorf("rate limited, retry in %s", time.Duration(resp.WaitTimeMs)*time.Millisecond)
			default:
				return fmt.Errorf("request failed: %s", resp.Error)
			}
		},
	}
	cmd.Flags().StringSliceVar(&devices, "devices", nil, "device ids, comma separated")
	cmd.Flags().StringVar(&priority, "priority", "medium", "high, medium or low")
	return cmd
}
