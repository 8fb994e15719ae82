package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"routined/internal/backoff"
	"routined/internal/config"
	logx "routined/pkg/logx"
)

// FileCatalog reads routines from a local JSON or YAML document and keeps
// reported outcomes in memory. It is meant for offline use and testing.
//
// The document is re-read on every fetch so edits take effect on the next
// cycle.
type FileCatalog struct {
	path string
	log  logx.Logger

	mu      sync.Mutex
	reports []Report
}

func NewFileCatalog(path string, log logx.Logger) *FileCatalog {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FileCatalog{path: path, log: log}
}

func (f *FileCatalog) FetchActive(ctx context.Context) ([]Routine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, backoff.Permanent(fmt.Errorf("catalog: %w", err))
		}
		return nil, backoff.Transient(fmt.Errorf("catalog: %w", err))
	}
	jb, _, err := config.CoerceToJSON(f.path, raw)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("catalog: %s: %w", f.path, err))
	}
	if len(bytes.TrimSpace(jb)) == 0 || string(bytes.TrimSpace(jb)) == "null" {
		return nil, nil
	}
	routines, err := decodeRoutines(jb)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("catalog: %s: %w", f.path, err))
	}
	return FilterActive(routines), nil
}

func (f *FileCatalog) ReportOutcome(_ context.Context, r Report) error {
	f.mu.Lock()
	f.reports = append(f.reports, r)
	if len(f.reports) > 1000 {
		f.reports = append([]Report(nil), f.reports[len(f.reports)-1000:]...)
	}
	f.mu.Unlock()
	f.log.Debug("outcome reported", logx.String("routine", r.RoutineID), logx.Bool("success", r.Success))
	return nil
}

// Reports returns a copy of the outcomes received so far.
func (f *FileCatalog) Reports() []Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Report(nil), f.reports...)
}

// WriteFile stores routines as a JSON document at path.
func WriteFile(path string, routines []Routine) error {
	b, err := json.MarshalIndent(routinesEnvelope{Routines: routines}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
