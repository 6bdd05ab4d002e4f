package main

import (
	"github.com/spf13/cobra"

	"github.com/rmax-ai/trackguard/pkg/mcp"
)

func newMCPCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the Model Context Protocol over stdio",
		Long:  "mcp exposes trackguard-d health, alerts and vendor requests to MCP-capable agents on stdin/stdout.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv := mcp.NewServer(opts.apiURL, Version)
			srv.SetAdminToken(opts.adminToken)
			return srv.Serve()
		},
	}
}
