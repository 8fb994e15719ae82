package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"routined/internal/app"
	"routined/internal/priority"
)

var errUnknownRoutine = errors.New("routine is not tracked yet (it appears after its first cycle)")

func newSetPriorityCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-priority <routine-id> <1-10>",
		Short: "Set a routine's priority (clamped to 1..10)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("priority must be an integer: %q", args[1])
			}
			return editEntry(cmd, f, args[0], func(s *priority.Store) bool { return s.AdjustPriority(args[0], v) })
		},
	}
}

func newSetWeightCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-weight <routine-id> <0.1-5.0>",
		Short: "Set a routine's weight multiplier (clamped to 0.1..5.0)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("weight must be a number: %q", args[1])
			}
			return editEntry(cmd, f, args[0], func(s *priority.Store) bool { return s.AdjustWeight(args[0], v) })
		},
	}
}

func editEntry(cmd *cobra.Command, f *rootFlags, id string, edit func(*priority.Store) bool) error {
	st, err := app.OpenState(f.config, true, f.logger())
	if err != nil {
		return err
	}
	defer st.Close()
	if !edit(st.Priorities) {
		return fmt.Errorf("%s: %w", id, errUnknownRoutine)
	}
	e, _ := st.Priorities.Get(id)
	fmt.Fprintf(cmd.OutOrStdout(), "%s: priority %d, weight %.2f\n", id, e.Priority, e.Weight)
	return nil
}

func newSettingsCmd(f *rootFlags) *cobra.Command {
	var maxPer, cooldown, minInterval int
	c := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the global scheduling settings",
		Long: `Without flags the current settings are printed. Each flag given replaces
the stored value; cooldown and min-interval are in seconds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fl := cmd.Flags()
			changed := fl.Changed("max-per-cycle") || fl.Changed("cooldown") || fl.Changed("min-interval")
			for name, v := range map[string]int{"max-per-cycle": maxPer, "cooldown": cooldown, "min-interval": minInterval} {
				if fl.Changed(name) && v < 0 {
					return fmt.Errorf("--%s must be >= 0", name)
				}
			}

			st, err := app.OpenState(f.config, changed, f.logger())
			if err != nil {
				return err
			}
			defer st.Close()

			s := st.Priorities.Settings()
			if changed {
				s = st.Priorities.UpdateSettings(func(s *priority.Settings) {
					if fl.Changed("max-per-cycle") {
						s.MaxExecutionsPerCycle = maxPer
					}
					if fl.Changed("cooldown") {
						s.CooldownPeriodSeconds = cooldown
					}
					if fl.Changed("min-interval") {
						s.MinimumIntervalSeconds = minInterval
					}
				})
			}
			showSettings(cmd, s)
			return nil
		},
	}
	c.Flags().IntVar(&maxPer, "max-per-cycle", 0, "routines dispatched per cycle")
	c.Flags().IntVar(&cooldown, "cooldown", 0, "seconds a routine rests after it runs")
	c.Flags().IntVar(&minInterval, "min-interval", 0, "advisory minimum seconds between cycles")
	return c
}
