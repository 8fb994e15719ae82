package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Faint(true).Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Padding(0, 1)
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Padding(0, 1)
	titleStyle  = lipgloss.NewStyle().Bold(true)
)

// renderTable writes a bordered table. dim marks rows drawn faint.
func renderTable(w io.Writer, headers []string, rows [][]string, dim func(row int) bool) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case dim != nil && dim(row):
				return dimStyle
			default:
				return cellStyle
			}
		})
	fmt.Fprintln(w, t.String())
}

func ago(t *time.Time, now time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	d := now.Sub(*t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}

func pct(v float64) string { return strconv.FormatFloat(v*100, 'f', 1, 64) + "%" }

func status(ok bool) string {
	if ok {
		return okStyle.Render("ok")
	}
	return badStyle.Render("failed")
}
