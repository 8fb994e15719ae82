package housekeeping

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Accepted forms:
//   - cron: "0 */6 * * *", "@daily", "@every 90m", or "cron:<expr>"
//   - interval: "6h", "45m", "interval:2h"
//   - HH:MM interval: "06:00" (every six hours)
var (
	parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)
)

// ParseSchedule turns a schedule string into a cron.Schedule. kind is
// "cron" or "interval".
func ParseSchedule(raw string) (sched cron.Schedule, kind string, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, "", fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		s = strings.TrimSpace(s[len("interval:"):])
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	}

	d, err := parseInterval(s)
	if err != nil {
		return nil, "", fmt.Errorf("invalid schedule %q (use cron like '0 */6 * * *', HH:MM like '06:00', or a duration like '6h')", raw)
	}
	return cron.Every(d), "interval", nil
}

func parseCron(expr string) (cron.Schedule, string, error) {
	if expr == "" {
		return nil, "", fmt.Errorf("cron expression required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return sched, "cron", nil
}

func parseInterval(s string) (time.Duration, error) {
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", s)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < time.Second {
		return 0, fmt.Errorf("interval must be at least 1s")
	}
	return d, nil
}
