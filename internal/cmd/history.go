package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"routined/internal/app"
)

func newHistoryCmd(f *rootFlags) *cobra.Command {
	var (
		routine string
		limit   int
	)
	c := &cobra.Command{
		Use:   "history",
		Short: "Show recent dispatch outcomes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("--limit must be > 0")
			}
			st, err := app.OpenState(f.config, false, f.logger())
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.Store.Recent(cmd.Context(), routine, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No outcomes recorded.")
				return nil
			}
			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				detail := r.Message
				if !r.Success {
					detail = r.Error
					if r.Class != "" {
						detail = "[" + r.Class + "] " + detail
					}
				}
				rows = append(rows, []string{
					r.ExecutedAt.Local().Format(time.DateTime),
					r.RoutineID,
					status(r.Success),
					(time.Duration(r.DurationMs) * time.Millisecond).String(),
					strconv.FormatUint(r.Cycle, 10),
					truncate(detail, 60),
				})
			}
			renderTable(out, []string{"WHEN", "ROUTINE", "STATUS", "TOOK", "CYCLE", "DETAIL"}, rows, nil)
			return nil
		},
	}
	c.Flags().StringVar(&routine, "routine", "", "only this routine id")
	c.Flags().IntVarP(&limit, "limit", "n", 20, "number of records")
	return c
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
