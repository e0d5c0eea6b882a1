// Package di assembles the application's components from a loaded
// configuration. Every command builds one Container and shuts it down on exit.
package di

import (
	"context"
	"sync"

	"github.com/conneroisu/strata/internal/build"
	"github.com/conneroisu/strata/internal/cache"
	"github.com/conneroisu/strata/internal/categories"
	"github.com/conneroisu/strata/internal/config"
	"github.com/conneroisu/strata/internal/errors"
	"github.com/conneroisu/strata/internal/logging"
	"github.com/conneroisu/strata/internal/monitoring"
	"github.com/conneroisu/strata/internal/registry"
	"github.com/conneroisu/strata/internal/scanner"
	"github.com/conneroisu/strata/internal/server"
	"github.com/conneroisu/strata/internal/services"
	"github.com/conneroisu/strata/internal/watcher"
	"github.com/conneroisu/strata/internal/websocket"
)

// maxGoroutines is the count above which health reports degraded.
const maxGoroutines = 10000

// Container holds the wired components.
type Container struct {
	Config *config.Config
	Logger logging.Logger

	Scanner      *scanner.Scanner
	Transpiler   *build.Transpiler
	Writer       *build.ArtifactWriter
	Registry     *registry.CollectionRegistry
	Cache        *cache.Layered
	Store        *categories.Store
	Collections  *services.CollectionsService
	Categories   *services.CategoriesService
	Hub          *websocket.Hub
	Orchestrator *build.Orchestrator
	Health       *monitoring.HealthMonitor

	mu       sync.Mutex
	watcher  *watcher.FileWatcher
	server   *server.Server
	closers  []closer
	shutdown bool
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// New builds the compile pipeline, the response cache, the category store
// and the services. The watcher and the server are created on demand.
func New(cfg *config.Config, logger logging.Logger) (*Container, error) {
	if cfg == nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "configuration is required")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	c := &Container{Config: cfg, Logger: logger}

	c.Scanner = scanner.New(scanner.Options{
		Root:      cfg.Compile.SourceDir,
		Extension: cfg.Compile.Extension,
		Reserved:  cfg.Compile.Reserved,
	})

	transpiler, err := build.NewTranspiler(build.RuntimeImport{
		Module:     cfg.Compile.RuntimeImport.Module,
		Identifier: cfg.Compile.RuntimeImport.Identifier,
		Global:     cfg.Compile.RuntimeImport.Global,
	}, cfg.Compile.Extension, build.NewTranspileMemo(cfg.Compile.MemoEntries))
	if err != nil {
		return nil, err
	}
	c.Transpiler = transpiler
	c.Writer = build.NewArtifactWriter(cfg.Compile.OutputDir)
	c.Registry = registry.NewCollectionRegistry(logger)

	var redisTier *cache.RedisCache
	if cfg.Cache.Redis.Enabled {
		redisTier = cache.NewRedisCache(cache.RedisOptions{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
	}
	c.Cache = cache.NewLayered(cache.Options{
		TTL:           cfg.Cache.TTL,
		MemoryEntries: cfg.Cache.MemoryEntries,
		Redis:         redisTier,
	}, logger)
	c.onShutdown("cache", func(context.Context) error { return c.Cache.Close() })

	store, err := categories.Open(cfg.Store.Path)
	if err != nil {
		_ = c.Shutdown(context.Background())
		return nil, err
	}
	c.Store = store
	c.onShutdown("store", func(context.Context) error { return c.Store.Close() })

	c.Collections = services.NewCollectionsService(c.Scanner, c.Registry, c.Cache)
	c.Categories = services.NewCategoriesService(c.Store, c.Cache, logger)

	c.Hub = websocket.NewHub(cfg.Server.AllowedOrigins, logger)
	c.onShutdown("websocket", c.Hub.Shutdown)

	c.Orchestrator = build.NewOrchestrator(c.Scanner, c.Transpiler, c.Writer, c.Registry, c.Cache, c.Hub, logger,
		build.Options{
			SourceDir:  cfg.Compile.SourceDir,
			Extension:  cfg.Compile.Extension,
			Cooldown:   cfg.Compile.Cooldown,
			Timeout:    cfg.Compile.Timeout,
			Workers:    cfg.Compile.Workers,
			PruneStale: cfg.Compile.PruneStale,
		})

	c.Health = monitoring.NewHealthMonitor(logger)
	c.Health.RegisterCheck(monitoring.SourceDirChecker(cfg.Compile.SourceDir))
	c.Health.RegisterCheck(monitoring.OutputDirChecker(cfg.Compile.OutputDir))
	c.Health.RegisterCheck(monitoring.GoroutineChecker(maxGoroutines))

	logger.Debug(context.Background(), "Container initialized",
		"source_dir", cfg.Compile.SourceDir,
		"output_dir", cfg.Compile.OutputDir,
		"redis", cfg.Cache.Redis.Enabled,
	)
	return c, nil
}

// LoadRegistry fills the registry from artifacts already on disk, so reads
// work before the first compile pass.
func (c *Container) LoadRegistry() error {
	return c.Registry.Load(c.Writer.Root())
}

// Watcher returns the source watcher, creating it on first use. Batches of
// source changes trigger a non-forced compile.
func (c *Container) Watcher() (*watcher.FileWatcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watcher != nil {
		return c.watcher, nil
	}
	if c.shutdown {
		return nil, errors.NewInternalError(errors.ErrCodeInternalError, "container is shut down", nil)
	}

	fw, err := watcher.NewFileWatcher(c.Config.Compile.Debounce, c.Logger)
	if err != nil {
		return nil, err
	}
	if err := fw.AddRecursive(c.Config.Compile.SourceDir); err != nil {
		_ = fw.Stop()
		return nil, err
	}
	fw.AddFilter(watcher.SourceFilter(c.Scanner))
	fw.AddHandler(watcher.CompileHandler(c.Orchestrator, c.Logger))

	c.watcher = fw
	c.closers = append(c.closers, closer{name: "watcher", fn: func(context.Context) error { return fw.Stop() }})
	return fw, nil
}

// Server returns the API server, creating it on first use.
func (c *Container) Server() *server.Server {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server == nil {
		c.server = server.New(server.Dependencies{
			Config:      c.Config.Server,
			Compiler:    c.Orchestrator,
			Collections: c.Collections,
			Categories:  c.Categories,
			Cache:       c.Cache,
			Hub:         c.Hub,
			Health:      c.Health,
			Logger:      c.Logger,
		})
		srv := c.server
		c.closers = append(c.closers, closer{name: "server", fn: srv.Shutdown})
	}
	return c.server
}

// Components lists the names of the components that hold resources, in
// shutdown order.
func (c *Container) Components() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.closers))
	for i := len(c.closers) - 1; i >= 0; i-- {
		names = append(names, c.closers[i].name)
	}
	return names
}

func (c *Container) onShutdown(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

// Shutdown releases components in reverse creation order. It is safe to
// call more than once; later calls do nothing.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var firstErr error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(ctx); err != nil {
			c.Logger.Warn(ctx, err, "Component shutdown failed", "component", closers[i].name)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
