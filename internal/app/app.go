// Package app builds an extraction run from configuration and owns the
// long-lived clients it needs.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdp-extractor/internal/api"
	"github.com/JakeFAU/pdp-extractor/internal/checkpoint"
	"github.com/JakeFAU/pdp-extractor/internal/clock/system"
	"github.com/JakeFAU/pdp-extractor/internal/config"
	"github.com/JakeFAU/pdp-extractor/internal/crawler"
	"github.com/JakeFAU/pdp-extractor/internal/dispatcher"
	"github.com/JakeFAU/pdp-extractor/internal/extractors"
	"github.com/JakeFAU/pdp-extractor/internal/fetcher/auto"
	collyfetcher "github.com/JakeFAU/pdp-extractor/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/pdp-extractor/internal/fetcher/headless"
	"github.com/JakeFAU/pdp-extractor/internal/fetcher/rodbrowser"
	"github.com/JakeFAU/pdp-extractor/internal/headless/detector"
	idgen "github.com/JakeFAU/pdp-extractor/internal/id/uuid"
	"github.com/JakeFAU/pdp-extractor/internal/logging"
	"github.com/JakeFAU/pdp-extractor/internal/metrics"
	"github.com/JakeFAU/pdp-extractor/internal/pipeline"
	"github.com/JakeFAU/pdp-extractor/internal/policy/ratelimit"
	"github.com/JakeFAU/pdp-extractor/internal/policy/simple"
	"github.com/JakeFAU/pdp-extractor/internal/pool"
	"github.com/JakeFAU/pdp-extractor/internal/progress"
	progresssinks "github.com/JakeFAU/pdp-extractor/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/pdp-extractor/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/pdp-extractor/internal/publisher/pubsub"
	"github.com/JakeFAU/pdp-extractor/internal/storage"
	gcsstorage "github.com/JakeFAU/pdp-extractor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pdp-extractor/internal/storage/local"
	pgstore "github.com/JakeFAU/pdp-extractor/internal/storage/postgres"
	"github.com/JakeFAU/pdp-extractor/internal/store"
	"github.com/JakeFAU/pdp-extractor/internal/tabular"
	"github.com/JakeFAU/pdp-extractor/internal/worker"
)

const (
	publishTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Options override collaborators that Build would otherwise create from
// configuration. The zero value is valid.
type Options struct {
	Logger *zap.Logger
	// Registry receives every collector; a fresh registry is used when nil.
	Registry *prometheus.Registry
	// RendererFactory replaces the engine selected by renderer.engine.
	RendererFactory crawler.RendererFactory
	// Publisher replaces the Pub/Sub publisher.
	Publisher crawler.Publisher
}

// App contains the dependencies of one run.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	runID    uuid.UUID
	registry *prometheus.Registry

	dispatch    *dispatcher.Dispatcher
	progressHub *progress.Hub
	apiServer   *api.Server
	publisher   crawler.Publisher

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	gcs             *gcsstorage.BlobStore
	db              *pgxpool.Pool
	history         store.RunRepository
	mirrors         []checkpoint.Mirror
}

// Build creates the application's dependencies. On error every client that
// was already opened is closed.
func Build(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		if logger, err = logging.New(cfg.Logging.Development); err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	runID, err := idgen.New().NewRunID()
	if err != nil {
		return nil, err
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	app := &App{
		cfg:      cfg,
		logger:   logging.ForRun(logger, runID.String()),
		runID:    runID,
		registry: registry,
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()
	app.logger.Info("building run",
		zap.String("input", cfg.Input.Path),
		zap.String("output", cfg.Output.Path),
		zap.String("engine", cfg.Renderer.Engine),
		zap.Int("workers", cfg.Run.Workers),
	)

	if err = app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	if err = app.setupMirrors(ctx); err != nil {
		return nil, err
	}
	if err = app.setupProgress(ctx); err != nil {
		return nil, err
	}
	if err = app.setupPublisher(ctx, opts.Publisher); err != nil {
		return nil, err
	}
	if app.dispatch, err = app.setupDispatcher(opts.RendererFactory); err != nil {
		return nil, err
	}
	if err = app.setupAPI(); err != nil {
		return nil, err
	}
	return app, nil
}

// Logger returns the run-scoped logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// RunID returns the id stamped on every event and mirrored row of this run.
func (a *App) RunID() uuid.UUID {
	return a.runID
}

// Dispatcher returns the run's dispatcher.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Handler returns the status server handler, or nil when it is disabled.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

func (a *App) reporter() *progress.Reporter {
	if a.progressHub == nil {
		return nil
	}
	return &progress.Reporter{
		Emitter: a.progressHub,
		RunID:   progress.UUIDToBytes(a.runID),
		Now:     system.New().Now,
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Debug("no DSN specified for database, skipping postgres mirror and run history")
		return nil
	}
	var err error
	a.db, err = pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		ResultsTable:    a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	if err = pgstore.EnsureSchema(ctx, a.db, a.cfg.DB.Table); err != nil {
		return fmt.Errorf("postgres schema failed: %w", err)
	}
	if a.history, err = pgstore.NewRunHistory(a.db); err != nil {
		return fmt.Errorf("run history init failed: %w", err)
	}
	a.logger.Info("postgres initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupMirrors(ctx context.Context) error {
	if a.db != nil {
		mirror, err := pgstore.NewResultMirror(a.db, a.cfg.DB.Table, a.runID.String())
		if err != nil {
			return fmt.Errorf("postgres mirror init failed: %w", err)
		}
		a.mirrors = append(a.mirrors, mirror)
	}
	if a.cfg.GCS.Bucket != "" {
		var err error
		a.gcs, err = gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.GCS.Bucket, Prefix: a.cfg.GCS.Prefix})
		if err != nil {
			return fmt.Errorf("gcs init failed: %w", err)
		}
		mirror, err := storage.NewFileMirror("gcs", a.gcs, a.cfg.GCS.Object)
		if err != nil {
			return fmt.Errorf("gcs mirror init failed: %w", err)
		}
		a.mirrors = append(a.mirrors, mirror)
		a.logger.Info("gcs mirror enabled", zap.String("bucket", a.cfg.GCS.Bucket))
	}
	if a.cfg.Output.BackupDir != "" {
		backup, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Output.BackupDir})
		if err != nil {
			return fmt.Errorf("backup dir init failed: %w", err)
		}
		mirror, err := storage.NewFileMirror("backup", backup, "")
		if err != nil {
			return fmt.Errorf("backup mirror init failed: %w", err)
		}
		a.mirrors = append(a.mirrors, mirror)
		a.logger.Info("local backup enabled", zap.String("dir", a.cfg.Output.BackupDir))
	}
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil
	}
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.db != nil {
		runSink, err := pgstore.NewRunSink(a.db)
		if err != nil {
			return fmt.Errorf("run sink init failed: %w", err)
		}
		sinkList = append(sinkList, runSink)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Debug("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context, override crawler.Publisher) error {
	if override != nil {
		a.publisher = override
		return nil
	}
	if a.cfg.PubSub.Topic == "" {
		a.logger.Debug("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = gcppublisher.New(a.pubsubClient, map[string]string{"run_id": a.runID.String()})
	a.publisher = a.pubsubPublisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return nil
}

func (a *App) setupDispatcher(factory crawler.RendererFactory) (*dispatcher.Dispatcher, error) {
	cfg := a.cfg
	reporter := a.reporter()
	clock := system.New()

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Renderer.DomainQPS,
		DefaultBurst: cfg.Renderer.DomainBurst,
	})
	if _, err := limiter.WithDelayHistogram(a.registry); err != nil {
		return nil, fmt.Errorf("rate limiter metrics failed: %w", err)
	}
	if factory == nil {
		var err error
		if factory, err = rendererFactory(cfg, limiter, a.logger.Named("renderer")); err != nil {
			return nil, err
		}
	}

	var actions []crawler.Action
	if cfg.Renderer.Engine != config.EngineStatic {
		actions = extractors.DefaultActions(cfg.Site.Pincode)
	}
	fieldExtractors, err := extractors.DefaultExtractors(cfg.Site.Fields)
	if err != nil {
		return nil, fmt.Errorf("extractors init failed: %w", err)
	}
	pipe := pipeline.New(
		pipeline.Config{ActionTimeout: cfg.Renderer.ActionTimeout},
		actions,
		fieldExtractors,
		a.logger.Named("pipeline"),
	)

	workerCfg := worker.Config{
		AttemptTimeout:   cfg.Run.AttemptTimeout,
		PolitenessDelay:  cfg.Run.PolitenessDelay,
		ErrorPageMarkers: cfg.Site.ErrorPageMarkers,
		Admission:        admission(cfg, a.logger.Named("admission")),
	}
	if cfg.Run.DebugDir != "" {
		debug, err := localstorage.New(localstorage.Config{BaseDir: cfg.Run.DebugDir})
		if err != nil {
			return nil, fmt.Errorf("debug dir init failed: %w", err)
		}
		workerCfg.Debug = debug
		a.logger.Info("failure screenshots enabled", zap.String("dir", cfg.Run.DebugDir))
	}

	policy := crawler.NewExponentialRetryPolicy(cfg.Run.RetryLimit, cfg.Run.BackoffBase, cfg.Run.BackoffMax)
	controller := worker.NewController(policy, cfg.Site.Fields, worker.ControllerOptions{
		Clock:    clock,
		Reporter: reporter,
		Logger:   a.logger.Named("retry"),
	})

	ckpt, err := checkpoint.New(checkpoint.Config{
		Path:     cfg.Output.Path,
		Fields:   cfg.Site.Fields,
		Mirrors:  a.mirrors,
		Logger:   a.logger,
		Reporter: reporter,
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint init failed: %w", err)
	}

	poolCfg := pool.Config{
		RecycleThreshold: cfg.Renderer.RecycleThreshold,
		CreateAttempts:   cfg.Renderer.CreateAttempts,
		CreateBackoff:    cfg.Renderer.CreateBackoff,
	}
	poolLogger := a.logger.Named("pool")
	openPool := func(ctx context.Context, size int) (dispatcher.SessionPool, error) {
		poolCfg.Size = size
		p, err := pool.New(ctx, poolCfg, factory, pool.Options{
			Logger:   poolLogger,
			Reporter: reporter,
			IDs:      idgen.New(),
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	a.logger.Info("run config",
		zap.Int("retry_limit", cfg.Run.RetryLimit),
		zap.Duration("backoff_base", cfg.Run.BackoffBase),
		zap.Int("save_every", cfg.Run.SaveEvery),
		zap.Duration("politeness_delay", cfg.Run.PolitenessDelay),
		zap.Int("recycle_threshold", cfg.Renderer.RecycleThreshold),
		zap.Bool("rate_limited", limiter.Enabled()),
	)
	return dispatcher.New(dispatcher.Config{
		Workers:           cfg.Run.Workers,
		Limit:             cfg.Input.Limit,
		SaveEvery:         cfg.Run.SaveEvery,
		FlushInterval:     cfg.Run.FlushInterval,
		QueueDepth:        cfg.Run.QueueDepth,
		FinalFlushTimeout: cfg.Run.FinalFlushTimeout,
		Worker:            workerCfg,
	}, a.runID.String(), dispatcher.Deps{
		Source: &tabular.Source{
			Path:     cfg.Input.Path,
			IDColumn: cfg.Input.IDColumn,
			Logger:   a.logger.Named("input"),
		},
		Store:      ckpt,
		OpenPool:   openPool,
		Pipeline:   pipe,
		Controller: controller,
		Reporter:   reporter,
		Clock:      clock,
		Logger:     a.logger,
	})
}

func rendererFactory(cfg config.Config, limiter *ratelimit.Limiter, logger *zap.Logger) (crawler.RendererFactory, error) {
	r := cfg.Renderer
	switch r.Engine {
	case config.EngineChromedp:
		return chromedpFactory(r, limiter, logger), nil
	case config.EngineRod:
		return rodbrowser.NewFactory(rodbrowser.Config{
			Headless:          r.Headless,
			UserAgent:         r.UserAgent,
			NavigationTimeout: r.NavTimeout,
			SettleDelay:       r.SettleDelay,
			WindowWidth:       r.WindowWidth,
			WindowHeight:      r.WindowHeight,
			Bin:               r.ExecPath,
		}, limiter, logger), nil
	case config.EngineStatic:
		return staticFactory(r, limiter, logger), nil
	case config.EngineAuto:
		return auto.NewFactory(auto.Config{
			Static:   staticFactory(r, limiter, logger),
			Browser:  chromedpFactory(r, limiter, logger),
			Detector: detector.NewHeuristic(r.PromoteThreshold),
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown renderer engine %q", r.Engine)
	}
}

func chromedpFactory(r config.RendererConfig, limiter *ratelimit.Limiter, logger *zap.Logger) crawler.RendererFactory {
	return headlessfetcher.NewFactory(headlessfetcher.Config{
		Headless:          r.Headless,
		UserAgent:         r.UserAgent,
		NavigationTimeout: r.NavTimeout,
		SettleDelay:       r.SettleDelay,
		WindowWidth:       r.WindowWidth,
		WindowHeight:      r.WindowHeight,
		ExecPath:          r.ExecPath,
	}, limiter, logger)
}

func staticFactory(r config.RendererConfig, limiter *ratelimit.Limiter, logger *zap.Logger) crawler.RendererFactory {
	return collyfetcher.NewFactory(collyfetcher.Config{
		UserAgent:     r.UserAgent,
		RespectRobots: r.RespectRobots,
		Timeout:       r.NavTimeout,
	}, limiter, logger)
}

// admission builds the pre-navigation policy. Colly already honors robots.txt
// for the static engine, so only browser engines check it here.
func admission(cfg config.Config, logger *zap.Logger) *simple.Policy {
	return simple.New(simple.Config{
		BlockedDomains: cfg.Site.BlockedDomains,
		RespectRobots:  cfg.Renderer.RespectRobots && cfg.Renderer.Engine != config.EngineStatic,
		UserAgent:      cfg.Renderer.UserAgent,
	}, logger)
}

func (a *App) setupAPI() error {
	if a.cfg.Server.Addr == "" {
		return nil
	}
	httpMetrics, err := metrics.NewHTTP(a.registry)
	if err != nil {
		return err
	}
	a.apiServer = api.NewServer(a.dispatch, a.history, a.registry, httpMetrics, a.logger.Named("api"))
	return nil
}

// Run executes the extraction run, serving the status API alongside it when
// configured, and publishes the final summary. It returns the dispatcher's
// error unchanged.
func (a *App) Run(ctx context.Context) (dispatcher.Summary, error) {
	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              a.cfg.Server.Addr,
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("status server started", zap.String("addr", a.cfg.Server.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("status server error", zap.Error(err))
			}
		}()
	}

	summary, runErr := a.dispatch.Run(ctx)
	a.publishSummary(summary, runErr)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("status server shutdown error", zap.Error(err))
		}
	}
	return summary, runErr
}

type summaryMessage struct {
	dispatcher.Summary
	Error string `json:"error,omitempty"`
}

func (a *App) publishSummary(summary dispatcher.Summary, runErr error) {
	msg := summaryMessage{Summary: summary}
	if runErr != nil {
		msg.Error = runErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	id, err := a.publisher.Publish(ctx, a.cfg.PubSub.Topic, msg)
	if err != nil {
		a.logger.Warn("publish run summary failed", zap.Error(err))
		return
	}
	a.logger.Debug("run summary published", zap.String("message_id", id))
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	return logging.Sync(a.logger)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
