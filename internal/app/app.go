// Package app wires the report runner together: catalog, secrets, invoker,
// staging, orchestrator, run store, scheduler and the HTTP API.
package app

import (
	"fmt"
	"net/http"
	"strconv"

	goredis "github.com/go-redis/redis/v8"

	"report-runner/internal/auth"
	"report-runner/internal/catalog"
	"report-runner/internal/common/cache"
	"report-runner/internal/common/errors"
	"report-runner/internal/common/logging"
	"report-runner/internal/common/utils"
	"report-runner/internal/config"
	"report-runner/internal/handlers"
	"report-runner/internal/invoker"
	"report-runner/internal/oracle"
	"report-runner/internal/orchestrator"
	"report-runner/internal/runstore"
	"report-runner/internal/scheduler"
	"report-runner/internal/secrets"
	"report-runner/internal/server"
	"report-runner/internal/staging"
)

// App holds all the application dependencies
type App struct {
	Config       *config.Config
	Catalog      *catalog.Catalog
	Secrets      secrets.Store
	Invoker      *invoker.Invoker
	Staging      *staging.Store
	Orchestrator *orchestrator.Orchestrator
	RunStore     runstore.Store
	Scheduler    *scheduler.Scheduler
	Auth         *auth.Auth
	Handler      http.Handler
	Logger       logging.Logger

	redisClient *goredis.Client
}

// New builds the application from configuration, initializing components in
// dependency order. The catalog is validated against the secret store here;
// a descriptor with an unresolvable placeholder stops startup.
func New(cfg *config.Config) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logging.GetGlobalLogger().WithFields(logging.String("component", "app")),
	}

	a.Secrets = secrets.NewEnvStore(cfg.SecretPrefix)

	if err := a.initCatalog(); err != nil {
		return nil, err
	}
	if err := a.initInvoker(); err != nil {
		return nil, err
	}
	if err := a.initRunStore(); err != nil {
		return nil, err
	}

	a.Staging = staging.NewStore()
	a.Orchestrator = orchestrator.New(a.Catalog, oracle.NewPlanner(a.Catalog), a.Invoker, a.Staging, orchestrator.Options{
		StageTimeout:        cfg.StageTimeout,
		DeliveryConcurrency: cfg.DeliveryConcurrency,
		Recorder:            a.RunStore,
	})

	if err := a.initScheduler(); err != nil {
		return nil, err
	}

	a.Auth = auth.New(cfg.JWTSecret, cfg.AdminUsername, cfg.AdminPasswordHash)
	a.Handler = handlers.New(a.Orchestrator, a.Catalog, a.RunStore, a.Auth).Router()

	a.Logger.Info("application initialized",
		logging.Int("actions", a.Catalog.Len()),
		logging.String("run_store", cfg.DatabaseType),
		logging.String("cache", cfg.CacheType),
	)
	return a, nil
}

func (a *App) initCatalog() error {
	cat, err := catalog.LoadFile(a.Config.ActionsPath, a.Secrets)
	if err != nil {
		return err
	}
	a.Catalog = cat
	return nil
}

func (a *App) initInvoker() error {
	responseCache, err := a.buildCache()
	if err != nil {
		return err
	}

	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = a.Config.RetryMaxAttempts

	a.Invoker = invoker.New(a.Secrets, invoker.Options{
		Timeout:  a.Config.InvokeTimeout,
		Retry:    retry,
		Cache:    responseCache,
		CacheTTL: a.Config.CacheTTL,
	})
	return nil
}

func (a *App) buildCache() (cache.Cache, error) {
	if a.Config.CacheType != "redis" {
		return cache.New(cache.Config{Type: cache.TypeLocal, TTL: a.Config.CacheTTL})
	}

	db, err := strconv.Atoi(a.Config.RedisDB)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid REDIS_DB: %s", a.Config.RedisDB))
	}
	a.redisClient = goredis.NewClient(&goredis.Options{
		Addr:     a.Config.RedisAddress,
		Password: a.Config.RedisPassword,
		DB:       db,
	})
	return cache.New(cache.Config{
		Type:        cache.TypeRedis,
		TTL:         a.Config.CacheTTL,
		KeyPrefix:   "invoker:",
		RedisClient: a.redisClient,
	})
}

func (a *App) initRunStore() error {
	store, err := runstore.New(runstore.Config{
		Type:        a.Config.DatabaseType,
		SQLitePath:  a.Config.DatabasePath,
		PostgresDSN: a.Config.PostgresDSN(),
	})
	if err != nil {
		return err
	}
	a.RunStore = store
	return nil
}

func (a *App) initScheduler() error {
	a.Scheduler = scheduler.New(a.Orchestrator)
	if a.Config.ScheduleCron == "" {
		return nil
	}
	return a.Scheduler.Add(a.Config.ScheduleCron, orchestrator.Request{
		Prompt:         a.Config.SchedulePrompt,
		GenerateReport: true,
	})
}

// Server creates the HTTP listener for the API
func (a *App) Server() *server.Server {
	return server.New(a.Handler, a.Config.Port, a.Config.TLSCertFile, a.Config.TLSKeyFile)
}

// Cleanup releases everything the app holds, in reverse dependency order
func (a *App) Cleanup() {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.RunStore != nil {
		if err := a.RunStore.Close(); err != nil {
			a.Logger.Warn("failed to close run store", logging.Err(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.Logger.Warn("failed to close redis client", logging.Err(err))
		}
	}
}
