package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/trackguard/pkg/client"
)

const requestTimeout = 30 * time.Second

type options struct {
	apiURL     string
	adminToken string
	asJSON     bool
}

func (o *options) client() *client.Client {
	c := client.NewClient(o.apiURL)
	c.SetRequesterID("cli")
	c.SetAdminToken(o.adminToken)
	return c
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "trackguard",
		Short:         "Operate a trackguard-d vendor gateway",
		Long:          "trackguard inspects and controls a running trackguard-d: Coordinator health, polling sessions, alerts and emergency stops.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.apiURL, "api", envOrDefault("TRACKGUARD_API", "http://127.0.0.1:8095"), "trackguard-d base URL")
	rootCmd.PersistentFlags().StringVar(&opts.adminToken, "admin-token", os.Getenv("TRACKGUARD_ADMIN_TOKEN"), "bearer token for admin commands")
	rootCmd.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print raw JSON")

	rootCmd.AddCommand(
		newVersionCmd(),
		newHealthCmd(opts),
		newMetricsCmd(opts),
		newSessionsCmd(opts),
		newRequestsCmd(opts),
		newCallCmd(opts),
		newAlertsCmd(opts),
		newRulesCmd(opts),
		newStopCmd(opts),
		newResumeCmd(opts),
		newMCPCmd(opts),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s (commit %s, built %s)\n", Version, Commit, BuildTime)
			return err
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
