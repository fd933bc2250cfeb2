// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/NaveedAhmed286/amazon-scraper/internal/api"
	"github.com/NaveedAhmed286/amazon-scraper/internal/clock"
	"github.com/NaveedAhmed286/amazon-scraper/internal/config"
	"github.com/NaveedAhmed286/amazon-scraper/internal/dispatcher"
	"github.com/NaveedAhmed286/amazon-scraper/internal/export/sheets"
	"github.com/NaveedAhmed286/amazon-scraper/internal/extract"
	collyfetcher "github.com/NaveedAhmed286/amazon-scraper/internal/fetcher/colly"
	headlessfetcher "github.com/NaveedAhmed286/amazon-scraper/internal/fetcher/headless"
	"github.com/NaveedAhmed286/amazon-scraper/internal/hash/sha256"
	"github.com/NaveedAhmed286/amazon-scraper/internal/headless/detector"
	"github.com/NaveedAhmed286/amazon-scraper/internal/health"
	"github.com/NaveedAhmed286/amazon-scraper/internal/id/uuid"
	"github.com/NaveedAhmed286/amazon-scraper/internal/logging"
	"github.com/NaveedAhmed286/amazon-scraper/internal/memory"
	"github.com/NaveedAhmed286/amazon-scraper/internal/normalize"
	"github.com/NaveedAhmed286/amazon-scraper/internal/policy/ratelimit"
	"github.com/NaveedAhmed286/amazon-scraper/internal/policy/simple"
	memorypublisher "github.com/NaveedAhmed286/amazon-scraper/internal/publisher/memory"
	gcppublisher "github.com/NaveedAhmed286/amazon-scraper/internal/publisher/pubsub"
	queuemem "github.com/NaveedAhmed286/amazon-scraper/internal/queue/memory"
	"github.com/NaveedAhmed286/amazon-scraper/internal/retry"
	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
	"github.com/NaveedAhmed286/amazon-scraper/internal/search"
	gcsstorage "github.com/NaveedAhmed286/amazon-scraper/internal/storage/gcs"
	localstorage "github.com/NaveedAhmed286/amazon-scraper/internal/storage/local"
	storemem "github.com/NaveedAhmed286/amazon-scraper/internal/storage/memory"
	pgstore "github.com/NaveedAhmed286/amazon-scraper/internal/storage/postgres"
	"github.com/NaveedAhmed286/amazon-scraper/internal/storage/sqlite"
	"github.com/NaveedAhmed286/amazon-scraper/internal/telemetry"
	"github.com/NaveedAhmed286/amazon-scraper/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  scraper.Clock

	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	queue     *queuemem.Queue
	retries   *retry.Queue
	scheduler *retry.Scheduler
	monitor   *health.Monitor
	shortTerm *storemem.ShortTermStore

	journal         *sqlite.Journal
	pgStore         *pgstore.MemoryStore
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	headless        *headlessfetcher.Fetcher
	providers       telemetry.Providers
}

// Build creates the application's dependencies. Backing services are not
// contacted here: an unreachable store shows up as "not ready" once the
// health monitor runs.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("memory_backend", cfg.Memory.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("publisher", cfg.Publisher.Type),
		zap.Bool("sheets_export", cfg.Sheets.Enabled()),
	)

	app := &App{cfg: cfg, logger: logger, clock: clock.NewSystem()}
	app.providers, err = telemetry.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	tiers, err := app.setupTiers(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	exporter, err := app.setupExport(ctx)
	if err != nil {
		return nil, err
	}
	app.setupJournal(ctx)

	app.shortTerm = storemem.NewShortTermStore(app.clock)
	mem := memory.NewManager(app.shortTerm, tiers, memory.Config{ShortTermTTL: cfg.Memory.ShortTermTTL}, app.clock, logger)
	jobs := storemem.NewJobStore(app.clock)

	app.setupRetries(ctx, jobs, publisher)
	app.queue = queuemem.NewQueue(cfg.Queue.Capacity)
	app.scheduler = retry.NewScheduler(app.retries, app.queue, jobs, app.clock, cfg.Retry.ScanInterval, logger)

	deps := worker.Deps{
		Queue:      app.queue,
		Jobs:       jobs,
		Retries:    app.retries,
		Normalizer: normalize.New(normalize.Config{DefaultDomain: cfg.Scrape.DefaultDomain}, app.clock),
		Memory:     mem,
		Blobs:      blobs,
		Publisher:  publisher,
		Hasher:     sha256.New(),
		Clock:      app.clock,
	}
	if exporter != nil {
		deps.Exporter = exporter
	}
	app.setupScraping(&deps)

	workerCfg := worker.Config{
		RawPrefix:  cfg.Storage.RawPrefix,
		Topic:      cfg.Publisher.Topic,
		JobTimeout: cfg.Workers.JobTimeout,
	}
	workers := make([]dispatcher.Runner, 0, cfg.Workers.Count)
	for i := 0; i < cfg.Workers.Count; i++ {
		workers = append(workers, worker.New(deps, workerCfg, logger.With(zap.Int("worker", i))))
	}
	var parker dispatcher.Parker
	if app.journal != nil {
		parker = app.retries
	}
	app.dispatch = dispatcher.New(app.queue, jobs, uuid.New(), app.clock, workers, parker,
		dispatcher.Config{MaxAttempts: cfg.Retry.MaxAttempts}, logger)

	app.monitor = health.NewMonitor(health.Config{
		Interval: cfg.Health.ProbeInterval,
		Timeout:  cfg.Health.ProbeTimeout,
	}, app.clock, logger)
	app.monitor.Register("store", mem, true)
	if app.journal != nil {
		app.monitor.Register("retry_journal", app.journal, false)
	}

	apiDeps := api.Deps{
		Jobs:      jobs,
		Submitter: app.dispatch,
		Memory:    mem,
		Health:    app.monitor,
		Retries:   app.retries,
		Searcher: search.New(search.Deps{
			Fetcher: deps.Probe,
			Limiter: deps.Limiter,
			Policy:  deps.Policy,
		}, logger),
	}
	if app.journal != nil {
		apiDeps.DeadLetters = app.journal
	}
	app.apiServer = api.NewServer(apiDeps, api.Options{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		DefaultDomain:  cfg.Scrape.DefaultDomain,
	}, logger)
	return app, nil
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) setupTiers(ctx context.Context) (scraper.TierStore, error) {
	if a.cfg.Memory.Backend != "postgres" {
		a.logger.Info("using in-memory tier store", zap.Int("long_term_cap", a.cfg.Memory.LongTermCap))
		return storemem.NewTierStore(a.clock, a.cfg.Memory.LongTermCap), nil
	}
	prefix := a.cfg.DB.TablePrefix
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MemoryTable:     prefix + "memories",
		EpisodeTable:    prefix + "episodes",
		LongTermCap:     a.cfg.Memory.LongTermCap,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		ConnectTimeout:  a.cfg.DB.ConnectTimeout,
	}, a.clock)
	if err != nil {
		return nil, fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pgStore = store
	a.logger.Info("using postgres tier store", zap.String("table_prefix", prefix))
	return store, nil
}

func (a *App) setupStorage(ctx context.Context) (scraper.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw records to GCS", zap.String("bucket", a.cfg.Storage.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BasePath})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw records locally", zap.String("path", a.cfg.Storage.BasePath))
		return blobs, nil
	case "none":
		a.logger.Info("raw record archive disabled")
		return nil, nil
	default:
		return storemem.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (scraper.Publisher, error) {
	switch a.cfg.Publisher.Type {
	case "pubsub":
		pub, err := gcppublisher.New(ctx, a.cfg.Publisher.ProjectID, a.cfg.Publisher.Topic)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.pubsubPublisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
		return pub, nil
	case "none":
		return nil, nil
	default:
		return memorypublisher.New(), nil
	}
}

// setupExport builds the Google Sheets exporter when a spreadsheet is
// configured.
func (a *App) setupExport(ctx context.Context) (*sheets.Exporter, error) {
	sc := a.cfg.Sheets
	if !sc.Enabled() {
		return nil, nil
	}
	var opts []option.ClientOption
	if sc.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(sc.CredentialsFile))
	}
	exporter, err := sheets.New(ctx, sheets.Config{SpreadsheetID: sc.SpreadsheetID, Worksheet: sc.Worksheet}, opts...)
	if err != nil {
		return nil, fmt.Errorf("sheets exporter init failed: %w", err)
	}
	a.logger.Info("exporting items to google sheets", zap.String("worksheet", sc.Worksheet))
	return exporter, nil
}

// setupJournal opens the retry journal. Failure degrades to in-memory
// retries instead of refusing to start.
func (a *App) setupJournal(ctx context.Context) {
	if a.cfg.Retry.JournalPath == "" {
		a.logger.Warn("retry journal disabled; pending retries are lost on restart")
		return
	}
	journal, err := sqlite.Open(ctx, a.cfg.Retry.JournalPath)
	if err != nil {
		a.logger.Error("retry journal unavailable", zap.String("path", a.cfg.Retry.JournalPath), zap.Error(err))
		return
	}
	a.journal = journal
}

func (a *App) setupRetries(ctx context.Context, jobs scraper.JobStore, publisher scraper.Publisher) {
	policy := &scraper.ExponentialRetryPolicy{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		BaseDelay:   a.cfg.Retry.BaseDelay,
		Factor:      a.cfg.Retry.Factor,
		MaxDelay:    a.cfg.Retry.MaxDelay,
		Jitter:      a.cfg.Retry.Jitter,
	}
	var journal scraper.RetryJournal
	if a.journal != nil {
		journal = a.journal
	}
	reporter := retry.NewFailureReporter(jobs, journal, publisher, a.cfg.Publisher.Topic, a.logger)
	a.retries = retry.NewQueue(policy, journal, reporter, a.clock, a.logger)
	if journal == nil {
		return
	}
	restored, err := a.retries.Load(ctx)
	if err != nil {
		a.logger.Error("restore pending retries", zap.Error(err))
		return
	}
	if restored > 0 {
		a.logger.Info("restored pending retries", zap.Int("count", restored))
	}
}

func (a *App) setupScraping(deps *worker.Deps) {
	sc := a.cfg.Scrape
	deps.Probe = collyfetcher.New(collyfetcher.Config{
		UserAgent:      sc.UserAgent,
		RespectRobots:  sc.RespectRobots,
		Timeout:        sc.Timeout,
		AcceptLanguage: sc.AcceptLanguage,
	}, a.clock)
	deps.Extractor = extract.New()
	deps.Detector = detector.NewHeuristic(sc.PromoteThreshold)
	deps.Policy = simple.New(sc.AllowedHosts(), sc.Headless)
	deps.Limiter = ratelimit.New(ratelimit.Config{DefaultRPS: sc.RatePerDomain, DefaultBurst: sc.Burst})

	if !sc.Headless {
		return
	}
	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       sc.HeadlessParallel,
		UserAgent:         sc.UserAgent,
		NavigationTimeout: sc.NavTimeout,
		AcceptLanguage:    sc.AcceptLanguage,
	}, a.clock)
	if err != nil {
		a.logger.Warn("headless fetcher init failed", zap.Error(err))
		return
	}
	a.headless = headless
	deps.Headless = headless
	a.logger.Info("using headless fetcher", zap.Int("max_parallel", sc.HeadlessParallel))
}

// Run starts the workers, background loops and HTTP server, and blocks until
// the context is canceled or a signal arrives. In-flight and queued jobs are
// parked in the retry journal on the way out.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.monitor.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error {
		a.shortTerm.RunJanitor(gctx, a.cfg.Memory.JanitorInterval)
		return nil
	})
	g.Go(func() error { return a.dispatch.Run(gctx) })

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.dispatch.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("park queued jobs", zap.Error(err))
	}
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// Close releases every backing client.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPublisher != nil {
		if err := a.pubsubPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub publisher: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close retry journal: %w", err))
		}
	}
	if err := a.providers.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	_ = a.logger.Sync()
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
