// Package app builds the harvester's long-lived services from configuration
// and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-harvester/internal/api"
	"github.com/JakeFAU/wayback-harvester/internal/cdx"
	"github.com/JakeFAU/wayback-harvester/internal/clock/system"
	"github.com/JakeFAU/wayback-harvester/internal/config"
	"github.com/JakeFAU/wayback-harvester/internal/content"
	"github.com/JakeFAU/wayback-harvester/internal/download"
	"github.com/JakeFAU/wayback-harvester/internal/extract"
	"github.com/JakeFAU/wayback-harvester/internal/fetcher/wayback"
	"github.com/JakeFAU/wayback-harvester/internal/harvest"
	"github.com/JakeFAU/wayback-harvester/internal/hash/sha1"
	"github.com/JakeFAU/wayback-harvester/internal/id/uuid"
	"github.com/JakeFAU/wayback-harvester/internal/index"
	"github.com/JakeFAU/wayback-harvester/internal/index/elastic"
	indexmemory "github.com/JakeFAU/wayback-harvester/internal/index/memory"
	"github.com/JakeFAU/wayback-harvester/internal/logging"
	"github.com/JakeFAU/wayback-harvester/internal/metrics"
	"github.com/JakeFAU/wayback-harvester/internal/patterns"
	"github.com/JakeFAU/wayback-harvester/internal/pipeline"
	"github.com/JakeFAU/wayback-harvester/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/wayback-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/wayback-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/wayback-harvester/internal/registrar"
	badgerstorage "github.com/JakeFAU/wayback-harvester/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/wayback-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/wayback-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/wayback-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/wayback-harvester/internal/storage/postgres"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store        harvest.Store
	blobs        harvest.BlobStore
	blobCloser   io.Closer
	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	index        *index.Manager

	patterns  *patterns.Registry
	registrar *registrar.Registrar
	deps      pipeline.Deps
	pipeline  *pipeline.Manager
	apiServer *api.Server
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	a := &App{cfg: cfg, logger: logger}
	a.logger.Info("building application dependencies",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("index_backend", cfg.Index.Backend),
		zap.Bool("postgres", cfg.DB.DSN != ""),
	)

	if err := a.setupStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupBlobs(ctx); err != nil {
		a.Close()
		return nil, err
	}
	contentStore, err := content.New(a.blobs, sha1.New(), logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("content store init failed: %w", err)
	}
	backend, err := a.setupIndex(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.index = index.New(backend, index.Config{
		BatchSize:         cfg.Index.BatchSize,
		FlushInterval:     cfg.Index.FlushInterval(),
		ExcludeUnverified: cfg.Index.ExcludeUnverified,
	}, logger)
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	clock := system.New()
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Archive.RatePerSecond,
		DefaultBurst: cfg.Archive.Burst,
	})
	fetcher := wayback.New(wayback.Config{
		BaseURL:   cfg.Archive.BaseURL,
		UserAgent: cfg.Archive.UserAgent,
		Timeout:   cfg.Archive.FetchTimeout(),
	}, limiter, logger)
	a.logger.Info("archive fetcher configured",
		zap.String("base_url", cfg.Archive.BaseURL),
		zap.Float64("rate_per_second", cfg.Archive.RatePerSecond),
		zap.Int("burst", cfg.Archive.Burst),
	)

	base, ceiling := cfg.Download.Backoff()
	downloads := download.New(a.store, contentStore, fetcher, publisher, clock, download.Config{
		Concurrency:   cfg.Download.Concurrency,
		BatchSize:     cfg.Download.BatchSize,
		MimeTypes:     cfg.Download.MimeTypes,
		Backoff:       harvest.Backoff{Base: base, Ceiling: ceiling},
		LocalShortcut: cfg.Download.LocalShortcut,
		SuccessTopic:  cfg.Download.SuccessTopicName,
	}, logger)

	a.patterns = patterns.New(a.store, clock, logger)
	a.registrar = registrar.New(a.store, a.store, logger)
	a.deps = pipeline.Deps{
		Registrar: a.registrar,
		Patterns:  a.patterns,
		Downloads: downloads,
		State:     a.store,
		Content:   contentStore,
		Extractor: extract.New(extract.Config{
			MaxTextBytes: cfg.Extract.MaxTextBytes,
			MaxLinks:     cfg.Extract.MaxLinks,
		}, logger),
		Index: a.index,
		Clock: clock,
		IDs:   uuid.New(),
	}
	if len(cfg.Ingest.Paths) > 0 {
		a.logger.Info("configured CDX sources are read once per process", zap.Strings("paths", cfg.Ingest.Paths))
		a.pipeline = a.Pipeline(cdx.NewFileSource(cfg.Ingest.Paths, cfg.Ingest.PageSize, logger))
	} else {
		a.pipeline = a.Pipeline(nil)
	}

	a.apiServer = api.NewServer(api.Deps{
		Index:    a.index,
		Patterns: a.patterns,
		Reports:  a.store,
		Store:    a.store,
	}, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: time.Duration(cfg.Server.TimeoutSeconds) * time.Second,
	}, logger)

	return a, nil
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, using in-memory store")
		a.store = memorystorage.NewStore()
		return nil
	}
	if a.cfg.DB.MigrateOnStart {
		if err := pgstore.Migrate(a.cfg.DB.DSN, a.logger); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetime) * time.Minute,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.store = store
	a.logger.Info("postgres store initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.gcsClient, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		local, err := localstorage.New(localstorage.Config{
			BaseDir: a.cfg.Storage.LocalDir,
			Level:   a.cfg.Storage.ZstdLevel,
		})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs, a.blobCloser = local, local
	case "badger":
		a.logger.Info("using badger storage backend", zap.String("path", a.cfg.Storage.BadgerDir))
		db, err := badgerstorage.New(badgerstorage.Config{Dir: a.cfg.Storage.BadgerDir})
		if err != nil {
			return fmt.Errorf("badger blob store init failed: %w", err)
		}
		a.blobs, a.blobCloser = db, db
	default:
		a.logger.Info("using in-memory storage backend")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupIndex(ctx context.Context) (harvest.SearchIndex, error) {
	if a.cfg.Index.Backend != "elasticsearch" {
		a.logger.Info("using in-memory search index")
		return indexmemory.New(), nil
	}
	client, err := elastic.NewClient(elastic.Config{
		Addresses:  a.cfg.Index.Addresses,
		Username:   a.cfg.Index.Username,
		Password:   a.cfg.Index.Password,
		Index:      a.cfg.Index.IndexName,
		MaxRetries: a.cfg.Index.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch init failed: %w", err)
	}
	backend := elastic.New(client, a.cfg.Index.IndexName, a.logger)
	if err := backend.EnsureIndex(ctx); err != nil {
		if !errors.Is(err, harvest.ErrIndexUnavailable) {
			return nil, fmt.Errorf("elasticsearch index setup failed: %w", err)
		}
		a.logger.Warn("elasticsearch unavailable at startup, search is degraded", zap.Error(err))
	}
	a.logger.Info("using elasticsearch index",
		zap.Strings("addresses", a.cfg.Index.Addresses),
		zap.String("index", a.cfg.Index.IndexName),
	)
	return backend, nil
}

func (a *App) setupPublisher(ctx context.Context) (harvest.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.Download.SuccessTopicName == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.gcpPublisher = gcppublisher.New(a.pubsubClient, a.logger)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.Download.SuccessTopicName),
	)
	return a.gcpPublisher, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the relational store.
func (a *App) Store() harvest.Store { return a.store }

// Patterns returns the pattern registry.
func (a *App) Patterns() *patterns.Registry { return a.patterns }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Pipeline returns a pass runner reading records from source. source may be
// nil, in which case passes skip ingestion.
func (a *App) Pipeline(source harvest.RecordSource) *pipeline.Manager {
	deps := a.deps
	deps.Source = source
	return pipeline.New(deps, pipeline.Config{
		Interval:            a.cfg.Pipeline.Interval(),
		ExtractionBatchSize: a.cfg.Pipeline.ExtractionBatchSize,
		IndexBatchSize:      a.cfg.Pipeline.IndexBatchSize,
	}, a.logger)
}

// Ingest registers every record of the given CDX files without running the
// rest of a pass.
func (a *App) Ingest(ctx context.Context, paths []string) (registrar.Result, error) {
	source := cdx.NewFileSource(paths, a.cfg.Ingest.PageSize, a.logger)
	defer source.Close()

	var total registrar.Result
	for {
		records, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("read records: %w", err)
		}
		res, err := a.registrar.Ingest(ctx, records)
		total.Add(res)
		if err != nil {
			return total, fmt.Errorf("ingest records: %w", err)
		}
	}
}

// RunPass runs one pass. With paths it ingests those CDX files; otherwise it
// reads the configured sources.
func (a *App) RunPass(ctx context.Context, paths []string) (pipeline.PassReport, error) {
	if len(paths) == 0 {
		return a.pipeline.RunPass(ctx)
	}
	source := cdx.NewFileSource(paths, a.cfg.Ingest.PageSize, a.logger)
	defer source.Close()
	return a.Pipeline(source).RunPass(ctx)
}

// RunPasses runs scheduled passes until ctx is canceled.
func (a *App) RunPasses(ctx context.Context) error {
	return a.pipeline.Run(ctx)
}

// Serve runs the HTTP API and scheduled passes until ctx is canceled, then
// shuts the server down.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	passesDone := make(chan error, 1)
	go func() {
		a.logger.Info("pipeline started", zap.Duration("interval", a.cfg.Pipeline.Interval()))
		passesDone <- a.pipeline.Run(ctx)
	}()

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return <-passesDone
}

// Close flushes the index writer and releases every client.
func (a *App) Close() {
	if a.index != nil {
		a.index.Close()
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.blobCloser != nil {
		if err := a.blobCloser.Close(); err != nil {
			a.logger.Warn("blob store close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}
