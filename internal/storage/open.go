package storage

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"routined/internal/priority"
	logx "routined/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("storage: dir is required")
	}

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("storage: unknown driver: " + driver)
	}
}

// decodeDocument unmarshals a stored priority document. Settings absent from
// the document keep their defaults.
func decodeDocument(b []byte) (priority.Document, error) {
	doc := priority.Document{
		Priorities:     map[string]priority.Entry{},
		GlobalSettings: priority.DefaultSettings(),
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return priority.Document{}, err
	}
	if doc.Priorities == nil {
		doc.Priorities = map[string]priority.Entry{}
	}
	return doc, nil
}

func ensureID(r *OutcomeRecord) {
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
}
