package cmd

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"routined/internal/catalog"
)

// executeCommand runs a fresh command tree with args and returns the
// captured output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// testConfig writes a config with a file catalog of three routines and
// returns its path.
func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cat := filepath.Join(dir, "routines.json")
	err := catalog.WriteFile(cat, []catalog.Routine{
		{ID: "alpha", Name: "Alpha", Active: true},
		{ID: "beta", Name: "Beta", Active: true},
		{ID: "gamma", Name: "Gamma", Active: false},
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg := `{
  "logging": {"level": "error"},
  "catalog": {"driver": "file", "path": "` + cat + `"},
  "pipeline": {"command": ["sh", "-c", "cat >/dev/null; echo '{\"success\":true,\"message\":\"ok\"}'"]},
  "storage": {"driver": "file", "path": "` + filepath.Join(dir, "state") + `"}
}`
	path := filepath.Join(dir, "routined.json")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRootCommandTree(t *testing.T) {
	root := NewRootCmd()
	want := []string{"show", "set-priority", "set-weight", "settings", "run", "stop", "history"}
	have := map[string]bool{}
	for _, c := range root.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
	if f := root.PersistentFlags().Lookup("config"); f == nil || f.DefValue != defaultConfig {
		t.Fatalf("config flag = %+v", f)
	}
}

func TestShowEmptyStore(t *testing.T) {
	cfg := testConfig(t)
	out, err := executeCommand(t, "show", "--config", cfg)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"No routines tracked yet.", "max executions per cycle: 3", "cooldown:                 5m0s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestShowEligibleListsActiveRoutines(t *testing.T) {
	cfg := testConfig(t)
	out, err := executeCommand(t, "show", "--eligible", "--config", cfg)
	if err != nil {
		t.Fatalf("show --eligible: %v", err)
	}
	if !strings.Contains(out, "alpha") || !strings.Contains(out, "beta") {
		t.Fatalf("missing routines:\n%s", out)
	}
	if strings.Contains(out, "gamma") {
		t.Fatalf("inactive routine listed:\n%s", out)
	}
	if !strings.Contains(out, "50.0%") {
		t.Fatalf("expected even chances:\n%s", out)
	}
}

func TestSettingsUpdate(t *testing.T) {
	cfg := testConfig(t)
	out, err := executeCommand(t, "settings", "--config", cfg, "--max-per-cycle", "5", "--cooldown", "30")
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if !strings.Contains(out, "max executions per cycle: 5") || !strings.Contains(out, "30s") {
		t.Fatalf("output:\n%s", out)
	}

	out, err = executeCommand(t, "settings", "--config", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "max executions per cycle: 5") || !strings.Contains(out, "minimum interval:         1m0s") {
		t.Fatalf("settings not persisted:\n%s", out)
	}

	if _, err := executeCommand(t, "settings", "--config", cfg, "--cooldown", "-1"); err == nil {
		t.Fatal("negative cooldown accepted")
	}
}

func TestRunOnceThenTuneAndHistory(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cfg := testConfig(t)
	out, err := executeCommand(t, "run", "--once", "--config", cfg)
	if err != nil {
		t.Fatalf("run --once: %v\n%s", err, out)
	}
	if !strings.Contains(out, "fetched 2, selected 2, succeeded 2, failed 0") {
		t.Fatalf("run output:\n%s", out)
	}

	out, err = executeCommand(t, "set-priority", "alpha", "42", "--config", cfg)
	if err != nil {
		t.Fatalf("set-priority: %v", err)
	}
	if !strings.Contains(out, "alpha: priority 10") {
		t.Fatalf("priority not clamped:\n%s", out)
	}
	out, err = executeCommand(t, "set-weight", "beta", "0.01", "--config", cfg)
	if err != nil {
		t.Fatalf("set-weight: %v", err)
	}
	if !strings.Contains(out, "weight 0.10") {
		t.Fatalf("weight not clamped:\n%s", out)
	}
	if _, err := executeCommand(t, "set-priority", "nope", "3", "--config", cfg); err == nil {
		t.Fatal("unknown routine accepted")
	}

	out, err = executeCommand(t, "history", "--config", cfg, "--routine", "alpha")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "alpha") || strings.Contains(out, "beta") {
		t.Fatalf("history output:\n%s", out)
	}

	out, err = executeCommand(t, "show", "--config", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "alpha") || !strings.Contains(out, "ago") {
		t.Fatalf("show output:\n%s", out)
	}
}

func TestSetPriorityRejectsNonInteger(t *testing.T) {
	cfg := testConfig(t)
	if _, err := executeCommand(t, "set-priority", "alpha", "high", "--config", cfg); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseInterval(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "60", want: "1m0s"},
		{in: "90s", want: "1m30s"},
		{in: "0", wantErr: true},
		{in: "-5s", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		d, err := parseInterval(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseInterval(%q) = %s, want error", tc.in, d)
			}
			continue
		}
		if err != nil || d.String() != tc.want {
			t.Errorf("parseInterval(%q) = %s, %v", tc.in, d, err)
		}
	}
}

func TestStopWithoutScheduler(t *testing.T) {
	cfg := testConfig(t)
	if _, err := executeCommand(t, "stop", "--config", cfg, "--timeout", "0s"); err == nil {
		t.Fatal("expected error")
	}
}
