package pipeline

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"routined/internal/backoff"
	"routined/internal/catalog"
	logx "routined/pkg/logx"
)

func shell(t *testing.T, script string) *Command {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	c, err := NewCommand(CommandConfig{
		Argv: []string{"sh", "-c", script},
		Env:  map[string]string{"GREETING": "hi"},
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

var routine = catalog.Routine{ID: "r1", Name: "Inbox", Active: true}

func TestCommandSuccess(t *testing.T) {
	t.Parallel()
	c := shell(t, `cat >/dev/null; echo "working..."; echo '{"success":true,"message":"'"$GREETING $ROUTINED_ROUTINE_ID"'"}'`)
	out, err := c.Dispatch(context.Background(), routine, DedupHints{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !out.Success || out.Message != "hi r1" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestCommandReceivesRoutineAndHints(t *testing.T) {
	t.Parallel()
	// echo stdin back inside the message so the request shape can be checked
	c := shell(t, `in=$(cat | tr -d '"'); echo "{\"success\":true,\"message\":\"$in\"}"`)
	out, err := c.Dispatch(context.Background(), routine, DedupHints{RecentMessages: []string{"prev"}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	for _, want := range []string{"routine:", "id:r1", "recentMessages:[prev]"} {
		if !strings.Contains(out.Message, want) {
			t.Fatalf("request %q missing %q", out.Message, want)
		}
	}
}

func TestCommandReportedFailure(t *testing.T) {
	t.Parallel()
	c := shell(t, `cat >/dev/null; echo '{"success":false,"error":"nothing to do"}'`)
	out, err := c.Dispatch(context.Background(), routine, DedupHints{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Success || out.Error != "nothing to do" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestCommandReportedRateLimit(t *testing.T) {
	t.Parallel()
	c := shell(t, `cat >/dev/null; echo '{"success":false,"class":"rate_limited","error":"slow down","retryAfterSeconds":3}'`)
	_, err := c.Dispatch(context.Background(), routine, DedupHints{})
	if !backoff.IsRateLimited(err) {
		t.Fatalf("err = %v, want rate limited", err)
	}
	if hint := backoff.RetryAfterHint(err); hint != 3*time.Second {
		t.Fatalf("hint = %s", hint)
	}
}

func TestCommandExitClassifiedFromStderr(t *testing.T) {
	t.Parallel()
	c := shell(t, `cat >/dev/null; echo "HTTP 429 Too Many Requests" >&2; exit 1`)
	_, err := c.Dispatch(context.Background(), routine, DedupHints{})
	if err == nil || backoff.Classify(err) != backoff.ClassRateLimited {
		t.Fatalf("err = %v", err)
	}

	c = shell(t, `cat >/dev/null; echo "bad things" >&2; exit 3`)
	_, err = c.Dispatch(context.Background(), routine, DedupHints{})
	if err == nil || !strings.Contains(err.Error(), "exited 3") {
		t.Fatalf("err = %v", err)
	}
}

func TestExitErrorIsStructured(t *testing.T) {
	t.Parallel()
	cases := []struct {
		code int
		msg  string
		want backoff.Class
	}{
		{1, "Quota exceeded for model", backoff.ClassRateLimited},
		{1, "HTTP 429", backoff.ClassRateLimited},
		{1, "bad things", backoff.ClassTransient},
		{3, "", backoff.ClassTransient},
		{64, "usage: gen [flags]", backoff.ClassPermanent},
		{78, "missing api key", backoff.ClassPermanent},
	}
	for _, tc := range cases {
		err := exitError(tc.code, tc.msg)
		var be *backoff.Error
		if !errors.As(err, &be) {
			t.Fatalf("exitError(%d, %q) = %T, want *backoff.Error", tc.code, tc.msg, err)
		}
		if got := backoff.Classify(err); got != tc.want {
			t.Errorf("exitError(%d, %q) class = %s, want %s", tc.code, tc.msg, got, tc.want)
		}
	}
}

func TestCommandGarbageOutputIsPermanent(t *testing.T) {
	t.Parallel()
	c := shell(t, `cat >/dev/null; echo not-json`)
	_, err := c.Dispatch(context.Background(), routine, DedupHints{})
	if backoff.Classify(err) != backoff.ClassPermanent {
		t.Fatalf("err = %v", err)
	}
}

func TestCommandHonoursContext(t *testing.T) {
	t.Parallel()
	c := shell(t, `sleep 10`)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Dispatch(ctx, routine, DedupHints{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 8*time.Second {
		t.Fatal("dispatch ignored cancellation")
	}
}

func TestNewCommandRequiresArgv(t *testing.T) {
	t.Parallel()
	if _, err := NewCommand(CommandConfig{}, logx.Nop()); !errors.Is(err, ErrNoCommand) {
		t.Fatalf("err = %v", err)
	}
}
