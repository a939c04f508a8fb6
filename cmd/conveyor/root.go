package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "conveyor",
		Short:         "Conveyor runs build, test and deploy pipelines",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	persistent := cmd.PersistentFlags()
	persistent.String("config", "", "config file (default .conveyor.yml in the working directory)")
	persistent.String("pipeline", "", "pipeline definition file")
	persistent.StringArray("only-stage", nil, "include only matching stages (repeatable)")
	persistent.StringArray("skip-stage", nil, "exclude matching stages (repeatable)")
	persistent.String("format", "pretty", "output format (pretty|json)")
	persistent.String("log-level", "warn", "log level (debug|info|warn|error)")

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newRunCmd())

	return cmd
}
