// Package cmd holds the routined command line.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	logx "routined/pkg/logx"
)

const defaultConfig = "routined.yaml"

type rootFlags struct {
	config   string
	logLevel string
}

func (f *rootFlags) logger() logx.Logger {
	return logx.NewConsole(f.logLevel)
}

// NewRootCmd builds the full command tree.
func NewRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:   "routined",
		Short: "Weighted scheduler for catalog routines",
		Long: `routined periodically fetches the active routines from a catalog, picks a
weighted batch that respects per-routine cooldowns, runs each one through the
generation pipeline and feeds the outcomes back into the priority store.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&f.config, "config", "c", defaultConfig, "config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "warn", "log level for one-shot commands")

	root.AddCommand(
		newShowCmd(f),
		newSetPriorityCmd(f),
		newSetWeightCmd(f),
		newSettingsCmd(f),
		newRunCmd(f),
		newStopCmd(f),
		newHistoryCmd(f),
	)
	return root
}

// Execute runs the command line with ctx; cancelling ctx stops `run`.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}
