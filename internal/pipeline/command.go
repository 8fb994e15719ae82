package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"routined/internal/backoff"
	"routined/internal/catalog"
	logx "routined/pkg/logx"
)

const (
	maxOutputBytes = 1 << 20
	maxStderrShown = 512
	killGrace      = 5 * time.Second
)

// request is written to the command's stdin as one JSON document.
type request struct {
	Routine catalog.Routine `json:"routine"`
	Dedup   DedupHints      `json:"dedup"`
}

// CommandConfig describes the generator process.
type CommandConfig struct {
	Argv []string
	Dir  string
	Env  map[string]string
}

// Command runs a generator process per dispatch. The routine is sent as
// JSON on stdin; the process must print one Outcome JSON document on stdout.
//
// A non-zero exit without a parseable Outcome is a dispatch error whose
// class is derived from stderr.
type Command struct {
	cfg CommandConfig
	log logx.Logger
}

func NewCommand(cfg CommandConfig, log logx.Logger) (*Command, error) {
	if len(cfg.Argv) == 0 || strings.TrimSpace(cfg.Argv[0]) == "" {
		return nil, ErrNoCommand
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Command{cfg: cfg, log: log}, nil
}

func (c *Command) Dispatch(ctx context.Context, r catalog.Routine, hints DedupHints) (Outcome, error) {
	in, err := json.Marshal(request{Routine: r, Dedup: hints})
	if err != nil {
		return Outcome{}, backoff.Permanent(fmt.Errorf("pipeline: encode request: %w", err))
	}

	cmd := exec.CommandContext(ctx, c.cfg.Argv[0], c.cfg.Argv[1:]...)
	cmd.Dir = c.cfg.Dir
	cmd.Env = c.env(r)
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr limitedBuffer
	stdout.max, stderr.max = maxOutputBytes, maxOutputBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Ask politely first; CommandContext kills after WaitDelay.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	start := time.Now()
	runErr := cmd.Run()
	took := time.Since(start)

	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}

	out, perr := parseOutcome(stdout.Bytes())
	if perr == nil {
		c.log.Debug("generator finished",
			logx.String("routine", r.ID),
			logx.Bool("success", out.Success),
			logx.Duration("took", took),
		)
		if err := out.classifiedError(); err != nil {
			return out, err
		}
		return out, nil
	}

	if runErr != nil {
		msg := snippet(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return Outcome{}, exitError(exitErr.ExitCode(), msg)
		}
		if errors.Is(runErr, exec.ErrNotFound) || errors.Is(runErr, os.ErrNotExist) || errors.Is(runErr, os.ErrPermission) {
			return Outcome{}, backoff.Permanent(fmt.Errorf("pipeline: %w", runErr))
		}
		return Outcome{}, backoff.Transient(fmt.Errorf("pipeline: %s", msg))
	}
	return Outcome{}, backoff.Permanent(fmt.Errorf("pipeline: decode outcome: %w", perr))
}

// classifiedError turns a generator-reported throttling failure into a
// retryable error so the backoff engine sees it.
func (o Outcome) classifiedError() error {
	if o.Success {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(o.Class)) {
	case "rate_limited", "ratelimited", "rate-limited":
		msg := o.Error
		if msg == "" {
			msg = "generator rate limited"
		}
		return backoff.RateLimited(errors.New(msg), time.Duration(o.RetryAfterSeconds)*time.Second)
	default:
		return nil
	}
}

func (c *Command) env(r catalog.Routine) []string {
	env := os.Environ()
	keys := make([]string, 0, len(c.cfg.Env))
	for k := range c.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.cfg.Env[k])
	}
	return append(env,
		"ROUTINED_ROUTINE_ID="+r.ID,
		"ROUTINED_ROUTINE_NAME="+r.Name,
	)
}

func parseOutcome(b []byte) (Outcome, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return Outcome{}, errors.New("empty output")
	}
	// Generators may log before the result; the outcome is the last line.
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		if last := bytes.TrimSpace(b[i+1:]); len(last) > 0 && last[0] == '{' {
			b = last
		}
	}
	var out Outcome
	if err := json.Unmarshal(b, &out); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// Markers a generator prints on stderr when its backend throttles it.
var rateLimitMarkers = []string{"rate limit", "rate_limit", "too many requests", "429", "quota", "resource_exhausted"}

// sysexits(3) codes that retrying cannot fix.
var permanentExitCodes = map[int]bool{64: true, 65: true, 66: true, 77: true, 78: true}

// exitError classifies a non-zero generator exit: throttling markers on
// stderr are rate limited, sysexits usage/data/config codes are permanent,
// everything else is transient.
func exitError(code int, msg string) error {
	err := fmt.Errorf("pipeline: generator exited %d: %s", code, msg)
	lower := strings.ToLower(msg)
	for _, m := range rateLimitMarkers {
		if strings.Contains(lower, m) {
			return backoff.RateLimited(err, 0)
		}
	}
	if permanentExitCodes[code] {
		return backoff.Permanent(err)
	}
	return backoff.Transient(err)
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrShown {
		s = s[len(s)-maxStderrShown:]
	}
	return s
}

// limitedBuffer keeps at most max bytes and silently drops the rest.
type limitedBuffer struct {
	bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.Len(); room > 0 {
		if len(p) > room {
			_, _ = l.Buffer.Write(p[:room])
		} else {
			_, _ = l.Buffer.Write(p)
		}
	}
	return len(p), nil
}
