package main

import (
	"fmt"

	"github.com/raskyld/caphub"
	"github.com/spf13/cobra"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "version: %s\ncommit: %s\nprotocol: %d\n",
				buildVersion, buildCommit, caphub.ProtocolVersion)
			return nil
		},
	}
}
