package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/zen-systems/pixelgate/pkg/adapter"
	"github.com/zen-systems/pixelgate/pkg/archive"
	"github.com/zen-systems/pixelgate/pkg/audit"
	"github.com/zen-systems/pixelgate/pkg/broker"
	"github.com/zen-systems/pixelgate/pkg/config"
	"github.com/zen-systems/pixelgate/pkg/evidence"
	"github.com/zen-systems/pixelgate/pkg/generate"
	"github.com/zen-systems/pixelgate/pkg/ledger"
	"github.com/zen-systems/pixelgate/pkg/logging"
	"github.com/zen-systems/pixelgate/pkg/metrics"
	"github.com/zen-systems/pixelgate/pkg/moderation"
	"github.com/zen-systems/pixelgate/pkg/persist"
	"github.com/zen-systems/pixelgate/pkg/pipeline"
	"github.com/zen-systems/pixelgate/pkg/pricing"
	"github.com/zen-systems/pixelgate/pkg/store/postgres"
	"github.com/zen-systems/pixelgate/pkg/store/sqlite"
)

// backend is a relational store serving the ledger, images and audit trail.
type backend interface {
	ledger.Store
	persist.Store
	audit.Store
	Ping(ctx context.Context) error
	Close() error
}

// app holds the wired components of one process.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	metrics *metrics.Metrics

	db          backend
	archive     *archive.Store
	ledger      *ledger.Ledger
	trail       *audit.Trail
	persister   *persist.Persister
	coordinator *pipeline.Coordinator

	closers []func() error
}

// newApp wires storage and, when withPipeline is set, the provider adapters
// and the generation pipeline.
func newApp(ctx context.Context, withPipeline bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := logging.New(cfg.Log, os.Stderr)
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	for _, err := range catalog.ResolveProviders(&cfg.Providers) {
		log.WithError(err).Warn("provider model not in the model catalog")
	}

	db, err := openBackend(cfg, log)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	store, err := archive.NewStore(cfg.Storage.Dir, cfg.Storage.PublicBaseURL,
		archive.WithMaxDownload(cfg.Storage.MaxDownloadBytes),
		archive.WithSourceHosts(cfg.Storage.SourceHosts...))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize archive: %w", err)
	}
	a.archive = store

	a.ledger = ledger.New(db, log, a.metrics)
	a.trail = audit.NewTrail(db, log, a.metrics, a.auditSinks()...)
	a.persister = persist.New(db, store, log, cfg.Moderation.MaxCaptionLength)

	if !withPipeline {
		return a, nil
	}

	registry, err := createAdapters(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create adapters: %w", err)
	}
	driver, err := generate.FromConfig(cfg, registry, store, log, a.metrics)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.coordinator = pipeline.New(pipeline.Options{
		Moderator: moderation.New(cfg.Moderation),
		Pricing:   pricing.NewEngine(cfg.Pricing),
		Ledger:    a.ledger,
		Trail:     a.trail,
		Driver:    driver,
		Persister: a.persister,
		Sources:   store,
		Limits:    cfg.Limits,
		Log:       log,
		Metrics:   a.metrics,
	})
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
}

// auditSinks connects the optional secondary audit sinks. A sink that cannot
// be set up is skipped.
func (a *app) auditSinks() []audit.Sink {
	var sinks []audit.Sink
	if dir := a.cfg.Audit.EvidenceDir; dir != "" {
		w, err := evidence.NewWriter(dir)
		if err != nil {
			a.log.WithError(err).Warn("evidence sink disabled")
		} else {
			sinks = append(sinks, audit.EvidenceSink{Writer: w})
		}
	}
	if url := a.cfg.Audit.AMQPURL; url != "" {
		p, err := broker.NewPublisher(url, a.cfg.Audit.Exchange, a.log)
		if err != nil {
			a.log.WithError(err).Warn("amqp sink disabled")
		} else {
			sinks = append(sinks, audit.BrokerSink{Publisher: p})
			a.closers = append(a.closers, p.Close)
		}
	}
	return sinks
}

func openBackend(cfg *config.Config, log *logrus.Logger) (backend, error) {
	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.DSN == "" {
			return nil, fmt.Errorf("database.dsn is required for postgres")
		}
		return postgres.Open(cfg.Database.DSN, log)
	case "", "sqlite":
		path := cfg.Database.DSN
		if path == "" {
			path = cfg.DataPath("pixelgate.db")
		}
		return sqlite.Open(path, log)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func createAdapters(ctx context.Context, cfg *config.Config) (adapter.Registry, error) {
	adapters := adapter.Registry{"mock": adapter.NewMockAdapter()}

	if cfg.OpenAIAPIKey != "" {
		a, err := adapter.NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai adapter: %w", err)
		}
		adapters["openai"] = a
	}
	if cfg.GoogleAPIKey != "" {
		a, err := adapter.NewGoogleAdapter(ctx, cfg.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create google adapter: %w", err)
		}
		adapters["google"] = a
	}
	if cfg.AnthropicAPIKey != "" {
		a, err := adapter.NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic adapter: %w", err)
		}
		adapters["anthropic"] = a
	}
	return adapters, nil
}
