package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"routined/internal/backoff"
	"routined/internal/catalog"
	"routined/internal/config"
	"routined/internal/housekeeping"
	"routined/internal/notifier"
	"routined/internal/observability/debugsrv"
	"routined/internal/pipeline"
	"routined/internal/storage"
	logx "routined/pkg/logx"
)

var ErrNoCatalog = errors.New("catalog is not configured (set catalog.driver to http or file)")

// Overrides are command-line values that win over the config file.
type Overrides struct {
	Interval    time.Duration
	MaxPerCycle *int
}

// LoadConfig loads path and resolves it with the overrides applied.
func LoadConfig(path string, o Overrides) (*config.Manager, *config.Config, config.Resolved, error) {
	m := config.NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		return nil, nil, config.Resolved{}, err
	}
	res, err := resolve(cfg, o)
	if err != nil {
		return nil, nil, config.Resolved{}, err
	}
	return m, cfg, res, nil
}

func resolve(cfg *config.Config, o Overrides) (config.Resolved, error) {
	res, err := cfg.Resolve()
	if err != nil {
		return res, err
	}
	if o.Interval > 0 {
		res.Interval = o.Interval
		res.MaxInterval = max(res.MaxInterval, o.Interval)
	}
	if o.MaxPerCycle != nil {
		v := *o.MaxPerCycle
		res.MaxPerCycle = &v
	}
	return res, nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageConfig(cfg *config.Config, res config.Resolved) storage.Config {
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Dir:         cfg.StorageDir(),
		BusyTimeout: res.BusyTimeout,
	}
}

func policy(res config.Resolved) backoff.Policy {
	return backoff.Policy{
		MaxRetries: res.MaxRetries,
		BaseDelay:  res.BaseDelay,
		MaxDelay:   res.MaxDelay,
		Multiplier: res.Multiplier,
	}
}

func housekeepingConfig(res config.Resolved) housekeeping.Config {
	return housekeeping.Config{
		Schedule:   res.PruneSchedule,
		Retention:  res.Retention,
		MaxRecords: res.MaxRecords,
	}
}

func notifierConfig(cfg *config.Config) notifier.Config {
	if cfg.Notify == nil {
		return notifier.Config{}
	}
	n := cfg.Notify
	return notifier.Config{
		Enabled:    n.Enabled,
		RatePerSec: n.RatePerSec,
		OnFailure:  n.OnFailure,
		OnBackoff:  n.OnBackoff,
	}
}

func debugConfig(cfg *config.Config) debugsrv.Config {
	return debugsrv.Config{
		Addr:          cfg.Debug.Addr,
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}

// NewCatalog builds the routine source named by catalog.driver.
func NewCatalog(cfg *config.Config, res config.Resolved, log logx.Logger) (catalog.Catalog, error) {
	c := cfg.Catalog
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "http":
		h, err := catalog.NewHTTPCatalog(c.URL,
			catalog.WithToken(c.Token),
			catalog.WithTimeout(res.CatalogTimeout),
			catalog.WithRateLimit(c.RatePerSec),
			catalog.WithLogger(log),
		)
		if err != nil {
			return nil, err
		}
		return h, nil
	case "file":
		return catalog.NewFileCatalog(c.Path, log), nil
	default:
		return nil, ErrNoCatalog
	}
}

// NewPipeline builds the generator command runner.
func NewPipeline(cfg *config.Config, log logx.Logger) (pipeline.Pipeline, error) {
	p, err := pipeline.NewCommand(pipeline.CommandConfig{
		Argv: cfg.Pipeline.Command,
		Dir:  cfg.Pipeline.Dir,
		Env:  cfg.Pipeline.Env,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("%w (set pipeline.command)", err)
	}
	return p, nil
}

// validate is the hot-reload gate: anything that fails here keeps the
// previous config.
func validate(cfg *config.Config) error {
	res, err := cfg.Resolve()
	if err != nil {
		return err
	}
	if _, _, err := housekeeping.ParseSchedule(res.PruneSchedule); err != nil {
		return fmt.Errorf("%w: history.prune_schedule: %v", config.ErrInvalidConfig, err)
	}
	if err := debugConfig(cfg).Validate(); err != nil {
		return fmt.Errorf("%w: debug.addr: %v", config.ErrInvalidConfig, err)
	}
	return nil
}
