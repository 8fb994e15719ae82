package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"routined/internal/backoff"
	logx "routined/pkg/logx"
)

func TestValueRoundTripKeepsShape(t *testing.T) {
	t.Parallel()
	in := `{"a":[1,2.5,"x",null,true],"big":12345678901234567890,"nested":{"k":"v"}}`
	var v Value
	if err := json.Unmarshal([]byte(in), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.Kind() != KindMap {
		t.Fatalf("kind = %s", v.Kind())
	}
	big, _ := v.Get("big")
	if n, ok := big.AsNumber(); !ok || n.String() != "12345678901234567890" {
		t.Fatalf("big number = %v (%v)", n, ok)
	}
	if keys := v.Keys(); strings.Join(keys, ",") != "a,big,nested" {
		t.Fatalf("keys = %v", keys)
	}

	out, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var a, b any
	_ = json.Unmarshal([]byte(in), &a)
	_ = json.Unmarshal(out, &b)
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	if string(ab) != string(bb) {
		t.Fatalf("round trip changed value:\n in=%s\nout=%s", ab, bb)
	}
}

func TestFilterActive(t *testing.T) {
	t.Parallel()
	in := []Routine{
		{ID: "a", Active: true},
		{ID: "b", Active: false},
		{ID: "", Active: true},
		{ID: "a", Name: "dup", Active: true},
		{ID: "c", Active: true},
	}
	out := FilterActive(in)
	if len(out) != 2 || out[0].ID != "a" || out[0].Name != "" || out[1].ID != "c" {
		t.Fatalf("FilterActive = %+v", out)
	}
}

func TestHTTPCatalogFetchActive(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/routines" || r.URL.Query().Get("active") != "true" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"routines":[
			{"id":"r1","name":"Inbox","active":true,"steps":[{"instruction":"triage","params":{"limit":10}}]},
			{"id":"r2","name":"Off","active":false,"steps":[]}
		]}`))
	}))
	defer srv.Close()

	c, err := NewHTTPCatalog(srv.URL+"/api/", WithToken("tok"))
	if err != nil {
		t.Fatalf("NewHTTPCatalog: %v", err)
	}
	got, err := c.FetchActive(context.Background())
	if err != nil {
		t.Fatalf("FetchActive: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r1" || len(got[0].Steps) != 1 {
		t.Fatalf("routines = %+v", got)
	}
	limit, ok := got[0].Steps[0].Params.Get("limit")
	if !ok || limit.Kind() != KindNumber {
		t.Fatalf("params not preserved: %+v", got[0].Steps[0].Params)
	}
}

func TestHTTPCatalogClassifiesStatus(t *testing.T) {
	t.Parallel()
	var code atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := int(code.Load())
		if c == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "7")
		}
		w.WriteHeader(c)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	c, err := NewHTTPCatalog(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		code int
		want backoff.Class
	}{
		{http.StatusTooManyRequests, backoff.ClassRateLimited},
		{http.StatusServiceUnavailable, backoff.ClassTransient},
		{http.StatusNotFound, backoff.ClassPermanent},
		{http.StatusUnauthorized, backoff.ClassPermanent},
	}
	for _, tc := range cases {
		code.Store(int32(tc.code))
		_, err := c.FetchActive(context.Background())
		if err == nil {
			t.Fatalf("status %d: expected error", tc.code)
		}
		if got := backoff.Classify(err); got != tc.want {
			t.Fatalf("status %d: class = %s, want %s (%v)", tc.code, got, tc.want, err)
		}
		if tc.code == http.StatusTooManyRequests {
			if hint := backoff.RetryAfterHint(err); hint != 7*time.Second {
				t.Fatalf("retry-after hint = %s, want 7s", hint)
			}
		}
		if tc.code == http.StatusUnauthorized && !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	}
}

func TestHTTPCatalogReportOutcome(t *testing.T) {
	t.Parallel()
	var got Report
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.EscapedPath() != "/routines/r%2F1/outcomes" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := NewHTTPCatalog(srv.URL, WithRateLimit(100))
	if err != nil {
		t.Fatal(err)
	}
	rep := Report{RoutineID: "r/1", Success: true, Message: "done", DurationMs: 12}
	if err := c.ReportOutcome(context.Background(), rep); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	if got.RoutineID != "r/1" || !got.Success || got.Message != "done" {
		t.Fatalf("server saw %+v", got)
	}
	if err := c.ReportOutcome(context.Background(), Report{}); backoff.Classify(err) != backoff.ClassPermanent {
		t.Fatalf("empty report err = %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if d := parseRetryAfter("30", now); d != 30*time.Second {
		t.Fatalf("seconds = %s", d)
	}
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	if d := parseRetryAfter(date, now); d != 90*time.Second {
		t.Fatalf("date = %s", d)
	}
	for _, v := range []string{"", "-5", "soon", now.Add(-time.Minute).Format(http.TimeFormat)} {
		if d := parseRetryAfter(v, now); d != 0 {
			t.Fatalf("%q = %s, want 0", v, d)
		}
	}
}

func TestFileCatalogYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "routines.yaml")
	doc := `
routines:
  - id: morning
    name: Morning brief
    active: true
    steps:
      - instruction: summarize inbox
        params:
          labels: [work, urgent]
  - id: paused
    active: false
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewFileCatalog(path, logx.Nop())
	got, err := c.FetchActive(context.Background())
	if err != nil {
		t.Fatalf("FetchActive: %v", err)
	}
	if len(got) != 1 || got[0].ID != "morning" {
		t.Fatalf("routines = %+v", got)
	}
	labels, _ := got[0].Steps[0].Params.Get("labels")
	if items, ok := labels.AsList(); !ok || len(items) != 2 {
		t.Fatalf("labels = %+v", labels)
	}

	_ = c.ReportOutcome(context.Background(), Report{RoutineID: "morning", Success: true})
	if len(c.Reports()) != 1 {
		t.Fatalf("reports = %d", len(c.Reports()))
	}
}

func TestFileCatalogMissingFileIsPermanent(t *testing.T) {
	t.Parallel()
	c := NewFileCatalog(filepath.Join(t.TempDir(), "none.json"), logx.Nop())
	_, err := c.FetchActive(context.Background())
	if backoff.Classify(err) != backoff.ClassPermanent {
		t.Fatalf("err = %v", err)
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "r.json")
	if err := WriteFile(path, []Routine{{ID: "x", Name: "X", Active: true}}); err != nil {
		t.Fatal(err)
	}
	got, err := NewFileCatalog(path, logx.Nop()).FetchActive(context.Background())
	if err != nil || len(got) != 1 || got[0].Name != "X" {
		t.Fatalf("got %+v, %v", got, err)
	}
}
