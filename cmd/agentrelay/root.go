package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set via ldflags.
var Version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentrelay",
		Short:         "Agent response orchestration and delivery server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", getEnv("CONFIG_FILE", ""), "Path to the YAML config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentrelay %s\n", Version)
		},
	})
	return root
}
