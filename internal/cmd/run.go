package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"routined/internal/app"
)

func newRunCmd(f *rootFlags) *cobra.Command {
	var (
		interval string
		maxPer   int
		once     bool
	)
	c := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduling loop until interrupted",
		Long: `Run fetches, selects and dispatches routines every interval until SIGINT or
SIGTERM. The config file is watched and most settings apply without a restart.

Only one run may use a storage directory at a time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var o app.Overrides
			if interval != "" {
				d, err := parseInterval(interval)
				if err != nil {
					return err
				}
				o.Interval = d
			}
			if cmd.Flags().Changed("max-per-cycle") {
				if maxPer < 0 {
					return errors.New("--max-per-cycle must be >= 0")
				}
				o.MaxPerCycle = &maxPer
			}

			a, err := app.New(app.Options{ConfigPath: f.config, Overrides: o})
			if err != nil {
				return err
			}
			defer a.Close()

			if once {
				sum, err := a.RunOnce(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "fetched %d, selected %d, succeeded %d, failed %d in %s\n",
					sum.Fetched, sum.Selected, sum.Succeeded, sum.Failed, sum.Duration.Round(time.Millisecond))
				return err
			}
			return a.Run(cmd.Context())
		},
	}
	c.Flags().StringVar(&interval, "interval", "", "seconds (or a duration like 90s) between cycles")
	c.Flags().IntVar(&maxPer, "max-per-cycle", 0, "routines dispatched per cycle (stored setting otherwise)")
	c.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return c
}

// parseInterval accepts plain seconds or a Go duration.
func parseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("--interval must be > 0: %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("--interval: invalid value %q", s)
	}
	return d, nil
}

func newStopCmd(f *rootFlags) *cobra.Command {
	var timeout time.Duration
	c := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running scheduler for this storage directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, err := app.Stop(f.config, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped scheduler (pid %d)\n", pid)
			return nil
		},
	}
	c.Flags().DurationVar(&timeout, "timeout", 45*time.Second, "how long to wait for the scheduler to exit")
	return c
}
