package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"routined/internal/priority"
	logx "routined/pkg/logx"
)

const (
	documentFile = "priorities.json"
	historyFile  = "history.jsonl"
)

// fileStore is the dependency-free backend.
//
// Files (inside Dir):
//   - priorities.json (full snapshot, replaced atomically via tmp+rename)
//   - history.jsonl   (append-only JSON Lines, rewritten on prune)
type fileStore struct {
	log logx.Logger
	dir string

	mu          sync.Mutex
	historyFile *os.File
	closed      bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	hf, err := openAppend(filepath.Join(cfg.Dir, historyFile))
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: cfg.Dir, historyFile: hf}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.historyFile == nil {
		return nil
	}
	err := s.historyFile.Close()
	s.historyFile = nil
	return err
}

func (s *fileStore) Load() (priority.Document, bool, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, documentFile))
	if err != nil {
		if os.IsNotExist(err) {
			return priority.Document{}, false, nil
		}
		return priority.Document{}, false, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return priority.Document{}, false, nil
	}
	doc, err := decodeDocument(b)
	if err != nil {
		return priority.Document{}, false, fmt.Errorf("%s: %w", documentFile, err)
	}
	return doc, true, nil
}

func (s *fileStore) Save(doc priority.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal priorities: %w", err)
	}
	return writeAtomic(filepath.Join(s.dir, documentFile), b)
}

// writeAtomic replaces path with data via a sibling temp file.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *fileStore) Append(_ context.Context, r OutcomeRecord) error {
	ensureID(&r)
	if r.ExecutedAt.IsZero() {
		r.ExecutedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.historyFile).Encode(r)
}

func (s *fileStore) Recent(ctx context.Context, routineID string, limit int) ([]OutcomeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readHistoryLocked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]OutcomeRecord, 0, min(max(limit, 0), len(all)))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if routineID != "" && all[i].RoutineID != routineID {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context, cutoff time.Time, maxRecords int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return 0, ErrClosed
	}
	all, err := s.readHistoryLocked(ctx)
	if err != nil {
		return 0, err
	}

	kept := all[:0:0]
	for _, r := range all {
		if !cutoff.IsZero() && r.ExecutedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
	}
	if maxRecords > 0 && len(kept) > maxRecords {
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].ExecutedAt.Before(kept[j].ExecutedAt) })
		kept = kept[len(kept)-maxRecords:]
	}
	removed := len(all) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range kept {
		if err := enc.Encode(r); err != nil {
			return 0, err
		}
	}
	path := filepath.Join(s.dir, historyFile)
	if err := writeAtomic(path, buf.Bytes()); err != nil {
		return 0, err
	}
	// The old handle points at the replaced inode; reopen.
	_ = s.historyFile.Close()
	hf, err := openAppend(path)
	if err != nil {
		s.historyFile = nil
		return removed, err
	}
	s.historyFile = hf
	return removed, nil
}

// readHistoryLocked loads the whole log in file order. Lines that fail to
// decode are skipped.
func (s *fileStore) readHistoryLocked(ctx context.Context) ([]OutcomeRecord, error) {
	f, err := os.Open(filepath.Join(s.dir, historyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []OutcomeRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	bad := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r OutcomeRecord
		if err := json.Unmarshal(line, &r); err != nil {
			bad++
			continue
		}
		out = append(out, r)
	}
	if bad > 0 {
		s.log.Debug("history lines skipped", logx.Int("count", bad))
	}
	return out, sc.Err()
}
