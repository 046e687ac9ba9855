package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emojirelay/backend/internal/async"
	"github.com/emojirelay/backend/internal/broker"
	"github.com/emojirelay/backend/internal/config"
	"github.com/emojirelay/backend/internal/db"
	"github.com/emojirelay/backend/internal/handlers"
	"github.com/emojirelay/backend/internal/ledger"
	"github.com/emojirelay/backend/internal/messages"
	"github.com/emojirelay/backend/internal/metrics"
	"github.com/emojirelay/backend/internal/middleware"
	"github.com/emojirelay/backend/internal/notify"
	"github.com/emojirelay/backend/internal/relay"
	"github.com/emojirelay/backend/internal/repositories"
	"github.com/emojirelay/backend/internal/storage"
)

// dependencies owns the process-wide collaborators built at startup.
type dependencies struct {
	routes  handlers.Dependencies
	ledger  *ledger.Ledger
	tasks   *async.Group
	closers []func() error
}

// Close drains in-flight relay runs and then releases the share backend.
func (d *dependencies) Close(ctx context.Context) error {
	var errs []error
	if d.tasks != nil {
		if err := d.tasks.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain relay runs: %w", err))
		}
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildDependencies wires together concrete implementations used by the HTTP handlers.
func buildDependencies(ctx context.Context, cfg config.Config, logger *slog.Logger, registry *prometheus.Registry) (*dependencies, error) {
	if logger == nil {
		logger = slog.Default()
	}

	recorder, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}

	shareLedger, backend, err := openLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	shareLedger.WithObserver(recorder)

	deps := &dependencies{ledger: shareLedger, closers: backend.closers}

	fetcher := messages.NewFetcher(messages.FetcherConfig{
		BaseURL:     cfg.Weixin.AdminBaseURL,
		Token:       cfg.Weixin.Token,
		Cookie:      cfg.Weixin.Cookie,
		Fingerprint: cfg.Weixin.Fingerprint,
		Timeout:     cfg.Weixin.FetchTimeout,
	}, messages.NewUserCache(), nil)

	credentials := broker.New(broker.Config{
		BaseURL: cfg.Weixin.APIBaseURL,
		Bucket:  cfg.ObjectStore.Bucket,
		Timeout: cfg.Weixin.BrokerTimeout,
	}, nil)

	var store storage.ObjectStore
	if s3Store, err := storage.NewS3Store(ctx, cfg.ObjectStore, credentials); err != nil {
		logger.Warn("object store disabled, assets will be linked at their source", "error", err)
	} else {
		store = s3Store
	}

	transfer := storage.NewTransfer(store, credentials, storage.TransferConfig{
		Cookie:          cfg.Weixin.Cookie,
		DownloadTimeout: cfg.ObjectStore.DownloadTimeout,
		UploadTimeout:   cfg.ObjectStore.UploadTimeout,
	}, nil).WithObserver(recorder)

	notifier := notify.New(notify.Config{
		BaseURL:     cfg.Weixin.AdminBaseURL,
		Token:       cfg.Weixin.Token,
		Cookie:      cfg.Weixin.Cookie,
		Fingerprint: cfg.Weixin.Fingerprint,
		Referer:     cfg.Weixin.Referer,
		AppID:       cfg.Weixin.MiniProgramAppID,
		PagePath:    cfg.Weixin.MiniProgramPagePath,
		Prefix:      cfg.Weixin.NoticePrefix,
		LinkText:    cfg.Weixin.NoticeLinkText,
		Timeout:     cfg.Weixin.NotifyTimeout,
	}, nil)

	deps.tasks = async.NewGroup(logger)
	pipeline := relay.NewPipeline(fetcher, transfer, notifier, deps.tasks, recorder)

	deps.routes = handlers.Dependencies{
		Relay:          pipeline,
		Shares:         shareLedger,
		ShareLimiter:   middleware.NewIPRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.Burst, 0),
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		RecommendEmoji: cfg.RecommendEmoji,
		Gallery:        cfg.Gallery,
	}
	if backend.pool != nil {
		deps.routes.Database = backend.pool
	}

	return deps, nil
}

type shareBackend struct {
	pool    db.Pool
	closers []func() error
}

// openLedger opens the configured partition store and wraps it in a Ledger.
func openLedger(ctx context.Context, cfg config.Config) (*ledger.Ledger, shareBackend, error) {
	loc, err := time.LoadLocation(cfg.Shares.Timezone)
	if err != nil {
		return nil, shareBackend{}, fmt.Errorf("load share timezone: %w", err)
	}

	var (
		store   ledger.PartitionStore
		backend shareBackend
	)

	switch cfg.Shares.Backend {
	case config.ShareBackendBolt:
		bolt, err := ledger.OpenBoltStore(cfg.Shares.BoltPath)
		if err != nil {
			return nil, shareBackend{}, err
		}
		store = bolt
		backend.closers = append(backend.closers, bolt.Close)
	case config.ShareBackendPostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, shareBackend{}, err
		}
		store = repositories.NewPostgresPartitionStore(pool)
		backend.pool = pool
		backend.closers = append(backend.closers, func() error {
			pool.Close()
			return nil
		})
	default:
		fileStore, err := ledger.NewFileStore(cfg.Shares.Dir)
		if err != nil {
			return nil, shareBackend{}, err
		}
		store = fileStore
	}

	return ledger.New(store, loc), backend, nil
}
