package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ppiankov/autoremedy/internal/audit"
	"github.com/ppiankov/autoremedy/internal/capability"
	"github.com/ppiankov/autoremedy/internal/config"
	"github.com/ppiankov/autoremedy/internal/engine"
	"github.com/ppiankov/autoremedy/internal/metrics"
	"github.com/ppiankov/autoremedy/internal/notify"
	"github.com/ppiankov/autoremedy/internal/pipeline"
	"github.com/ppiankov/autoremedy/internal/redact"
	"github.com/ppiankov/autoremedy/internal/rules"
	"github.com/ppiankov/autoremedy/internal/store"
	"github.com/ppiankov/autoremedy/internal/store/sqlite"
)

// runtime is an engine wired to the configured store and capabilities.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    store.Store
	engine   *engine.Engine
	metrics  *metrics.Metrics
	auditLog *audit.Log
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		return sqlite.Open(cfg.Store.Path)
	default:
		return store.NewMemory(), nil
	}
}

// capabilities builds the outbound collaborators from cfg. Unconfigured
// ones stay nil so their actions fail as unavailable.
func capabilities(cfg *config.Config, scrub *redact.Scrubber, logger *zap.Logger) pipeline.Capabilities {
	var caps pipeline.Capabilities
	if cfg.Scripts.Dir != "" {
		caps.Scripts = capability.NewScriptRunner(cfg.Scripts, logger.Named("scripts")).WithScrubber(scrub)
	}
	if cfg.Tickets.URL != "" {
		caps.Tickets = capability.NewTicketClient(cfg.Tickets)
	}
	if len(cfg.Notifiers) > 0 {
		d := notify.NewDispatcher(cfg.Notifiers, logger.Named("notify"))
		caps.Notifier = d
		caps.Escalator = d
	}
	return caps
}

// openRuntime builds the engine. withMetrics registers Prometheus
// collectors; the audit log is opened when configured.
func openRuntime(cfg *config.Config, cfgHash string, logger *zap.Logger, withMetrics bool) (*runtime, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: logger, store: st}

	scrub, err := redact.New(cfg.Redact)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("redact: %w", err)
	}

	var observers []engine.Observer
	if withMetrics {
		rt.metrics = metrics.New()
		observers = append(observers, rt.metrics)
	}
	if cfg.AuditLog != "" {
		rt.auditLog, err = audit.Open(cfg.AuditLog)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		rec := audit.NewRecorder(rt.auditLog, logger.Named("audit"))
		rec.SetConfigHash(cfgHash)
		rec.SetScrubber(scrub)
		observers = append(observers, rec)
	}

	rt.engine = engine.New(st, engine.Options{
		Logger:          logger,
		Capabilities:    capabilities(cfg, scrub, logger),
		Observers:       observers,
		Concurrency:     cfg.Concurrency,
		QueueSize:       cfg.QueueSize,
		MaxEventRetries: cfg.MaxEventRetries,
		RetryBackoff:    cfg.RetryBackoff,
		SweepSpec:       cfg.EscalationSweep,
		Scrubber:        scrub,
	})
	return rt, nil
}

// applyRulesFile loads the configured rules file into the engine. A
// missing file is not an error.
func (rt *runtime) applyRulesFile(ctx context.Context) error {
	if rt.cfg.RulesFile == "" {
		return nil
	}
	f, err := rules.LoadFile(rt.cfg.RulesFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			rt.logger.Warn("rules file not found", zap.String("path", rt.cfg.RulesFile))
			return nil
		}
		return err
	}
	return rt.engine.ApplyRules(ctx, f)
}

func (rt *runtime) Close() error {
	var errs []error
	if rt.auditLog != nil {
		errs = append(errs, rt.auditLog.Close())
	}
	errs = append(errs, rt.store.Close())
	return errors.Join(errs...)
}

// openFromFlags loads config, logger and runtime for one-shot commands.
func openFromFlags() (*runtime, error) {
	cfg, hash, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	rt, err := openRuntime(cfg, hash, logger, false)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Driver == config.DriverMemory {
		if err := rt.applyRulesFile(context.Background()); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}
	return rt, nil
}
