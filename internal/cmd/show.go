package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"routined/internal/app"
	"routined/internal/catalog"
	"routined/internal/priority"
	"routined/internal/selector"
)

func newShowCmd(f *rootFlags) *cobra.Command {
	var eligible bool
	c := &cobra.Command{
		Use:   "show",
		Short: "Show stored priorities and global settings",
		Long: `Show the priority store: priority, weight, success rate, execution count and
last run per routine, followed by the global settings.

With --eligible the active routines are fetched from the catalog and each one
is shown with its current selection weight or the reason it is skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := app.OpenState(f.config, false, f.logger())
			if err != nil {
				return err
			}
			defer st.Close()
			if eligible {
				return showEligible(cmd, f, st)
			}
			showEntries(cmd, st.Priorities.Snapshot())
			return nil
		},
	}
	c.Flags().BoolVar(&eligible, "eligible", false, "fetch active routines and show selection weights")
	return c
}

func showEntries(cmd *cobra.Command, snap priority.Snapshot) {
	out := cmd.OutOrStdout()
	now := time.Now()
	if len(snap.Entries) == 0 {
		fmt.Fprintln(out, "No routines tracked yet.")
	} else {
		rows := make([][]string, 0, len(snap.Entries))
		for _, e := range snap.Entries {
			rows = append(rows, []string{
				e.RoutineID,
				strconv.Itoa(e.Priority),
				strconv.FormatFloat(e.Weight, 'f', 2, 64),
				pct(e.SuccessRate),
				strconv.FormatInt(e.ExecutionCount, 10),
				ago(e.LastExecuted, now),
			})
		}
		renderTable(out, []string{"ROUTINE", "PRIORITY", "WEIGHT", "SUCCESS", "RUNS", "LAST RUN"}, rows, nil)
	}
	showSettings(cmd, snap.Settings)
}

func showSettings(cmd *cobra.Command, s priority.Settings) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("Settings"))
	fmt.Fprintf(out, "  max executions per cycle: %d\n", s.MaxExecutionsPerCycle)
	fmt.Fprintf(out, "  cooldown:                 %s\n", s.Cooldown())
	fmt.Fprintf(out, "  minimum interval:         %s\n", time.Duration(s.MinimumIntervalSeconds)*time.Second)
}

func showEligible(cmd *cobra.Command, f *rootFlags, st *app.State) error {
	cat, err := app.NewCatalog(st.Config, st.Resolved, f.logger())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), st.Resolved.CatalogTimeout)
	defer cancel()
	active, err := cat.FetchActive(ctx)
	if err != nil {
		return fmt.Errorf("fetch routines: %w", err)
	}
	active = catalog.FilterActive(active)

	out := cmd.OutOrStdout()
	cands := selector.New(st.Priorities).Candidates(active)
	if len(cands) == 0 {
		fmt.Fprintln(out, "No active routines.")
		return nil
	}
	var total float64
	for _, c := range cands {
		total += c.Weight
	}
	rows := make([][]string, 0, len(cands))
	for _, c := range cands {
		chance, state := "-", "eligible"
		if c.Eligible && total > 0 {
			chance = pct(c.Weight / total)
		}
		if !c.Eligible {
			state = fmt.Sprintf("%s (%s left)", c.Reason, c.CooldownLeft.Round(time.Second))
		}
		rows = append(rows, []string{
			c.Routine.ID,
			c.Routine.Name,
			strconv.Itoa(c.Entry.Priority),
			strconv.FormatFloat(c.Weight, 'f', 3, 64),
			chance,
			state,
		})
	}
	renderTable(out, []string{"ROUTINE", "NAME", "PRIORITY", "WEIGHT", "CHANCE", "STATE"}, rows, func(row int) bool {
		return !cands[row].Eligible
	})
	return nil
}
