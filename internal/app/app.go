package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"rss-service/config"
	"rss-service/internal/database"
	"rss-service/internal/enrichment"
	"rss-service/internal/fetcher"
	"rss-service/internal/handler"
	"rss-service/internal/middleware"
	"rss-service/internal/repository"
	"rss-service/internal/scheduler"
	"rss-service/internal/service"
	"rss-service/pkg/ratelimit"
)

const (
	manualUpdateLimit  = 5
	manualUpdateWindow = time.Minute
)

type Application struct {
	Router      *mux.Router
	Config      *config.Config
	Logger      *zap.Logger
	DBManager   *database.Manager
	AI          *config.AIProvider
	Engine      *service.Engine
	Batch       *service.Batch
	Scheduler   *scheduler.Scheduler
	Queue       *scheduler.Queue
	Limiter     *ratelimit.Limiter
	FeedHandler *handler.FeedHandler

	cancel context.CancelFunc
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	dbConfig := database.Config{
		Driver:           cfg.DBDriver,
		Path:             cfg.DBPath,
		ConnectionString: cfg.DatabaseURL,
		Host:             cfg.DBHost,
		Port:             cfg.DBPort,
		User:             cfg.DBUser,
		Password:         cfg.DBPassword,
		DBName:           cfg.DBName,
	}

	dbManager, err := database.NewManager(ctx, dbConfig, logger.Named("database"))
	if err != nil {
		return nil, err
	}

	store := repository.NewStore(dbManager)
	ai := config.NewAIProvider(cfg, logger)
	feedFetcher := fetcher.New(cfg.FetchTimeout, cfg.UserAgent, logger)
	summarizer := enrichment.NewClient(ai, cfg.EnrichTimeout, logger)

	engine := service.NewEngine(store, feedFetcher, summarizer, cfg.EnrichConcurrency, logger)
	batch := service.NewBatch(store, engine, logger)
	feedService := service.NewFeedService(store, engine, logger)

	sched := scheduler.New(batch, cfg.RefreshInterval, cfg.RefreshOnStart, logger)
	queue := scheduler.NewQueue(engine, cfg.QueueWorkers, cfg.QueueSize, cfg.TaskRetention, logger)
	limiter := ratelimit.NewLimiter(manualUpdateLimit, manualUpdateWindow)

	feedHandler := handler.NewFeedHandler(feedService, queue, sched, limiter, logger)

	app := &Application{
		Router:      mux.NewRouter(),
		Config:      cfg,
		Logger:      logger,
		DBManager:   dbManager,
		AI:          ai,
		Engine:      engine,
		Batch:       batch,
		Scheduler:   sched,
		Queue:       queue,
		Limiter:     limiter,
		FeedHandler: feedHandler,
	}

	app.setupMiddleware()
	app.setupRoutes()

	return app, nil
}

func (a *Application) setupMiddleware() {
	a.Router.Use(middleware.Recoverer(a.Logger.Named("http")))
	a.Router.Use(middleware.RequestLogger(a.Logger.Named("http")))
	a.Router.Use(securityHeadersMiddleware)
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (a *Application) setupRoutes() {
	a.FeedHandler.RegisterRoutes(a.Router)
}

// Start launches the background workers: scheduler, task queue, limiter
// cleanup and the credentials watcher.
func (a *Application) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.Queue.Start(ctx); err != nil {
		return err
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		a.Queue.Stop()
		return err
	}

	go a.Limiter.Run(ctx)
	go func() {
		if err := a.AI.Watch(ctx); err != nil {
			a.Logger.Warn("credentials watcher stopped", zap.Error(err))
		}
	}()
	return nil
}

// ReloadAI re-reads AI settings, as on SIGHUP.
func (a *Application) ReloadAI() {
	if err := a.AI.Reload(); err != nil {
		a.Logger.Warn("AI settings reload failed", zap.Error(err))
		return
	}
	a.Logger.Info("AI settings reloaded", zap.Bool("enabled", a.AI.AISettings().Enabled()))
}

// Shutdown stops background work, waits for pending enrichment up to ctx,
// then closes the database.
func (a *Application) Shutdown(ctx context.Context) error {
	a.Scheduler.Stop()
	a.Queue.Stop()
	if a.cancel != nil {
		a.cancel()
	}

	var errs []error
	if err := a.Engine.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *Application) Close() error {
	if a.DBManager != nil {
		return a.DBManager.Close()
	}
	return nil
}
