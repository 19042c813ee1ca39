package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RoseOO/nearline/internal/api"
	"github.com/RoseOO/nearline/internal/auth"
	"github.com/RoseOO/nearline/internal/catalog"
	"github.com/RoseOO/nearline/internal/config"
	"github.com/RoseOO/nearline/internal/database"
	"github.com/RoseOO/nearline/internal/guard"
	"github.com/RoseOO/nearline/internal/index"
	"github.com/RoseOO/nearline/internal/ingest"
	"github.com/RoseOO/nearline/internal/logging"
	"github.com/RoseOO/nearline/internal/notifications"
	"github.com/RoseOO/nearline/internal/pipeline"
	"github.com/RoseOO/nearline/internal/repair"
	"github.com/RoseOO/nearline/internal/resolver"
	"github.com/RoseOO/nearline/internal/scheduler"
	"github.com/RoseOO/nearline/internal/tape"
	"github.com/RoseOO/nearline/internal/tidy"
	"github.com/RoseOO/nearline/internal/verify"
)

var (
	version   = "0.1.0"
	buildTime = "development"
)

// services bundles everything the daemon and the one-shot tasks share.
type services struct {
	cfg       *config.Config
	logger    *logging.Logger
	db        *database.DB
	store     *catalog.Store
	resolvers *resolver.Holder
	loader    *resolver.Loader
	pipeline  *pipeline.Service
	tidy      *tidy.Service
	verify    *verify.Service
	ingest    *ingest.Service
	repair    *repair.Service
}

func main() {
	configPath := flag.String("config", "/etc/nearline/config.json", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	initConfig := flag.Bool("init-config", false, "Create default configuration file")
	runTask := flag.String("run", "", "Run one task (process, tidy, verify, quick_verify, ingest, fix_problems) and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nearline v%s (built: %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration saved to %s\n", *configPath)
		os.Exit(0)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	// Initialize database
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Error("Failed to initialize database", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		logger.Error("Failed to run migrations", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("Database initialized", map[string]interface{}{"path": cfg.Database.Path})

	svcs := buildServices(cfg, logger, db)

	if *runTask != "" {
		runOnce(svcs, *runTask)
		return
	}

	runDaemon(svcs)
}

func buildServices(cfg *config.Config, logger *logging.Logger, db *database.DB) *services {
	store := catalog.NewStore(db)
	tapeClient := tape.NewClient(cfg.Tape, logger)

	loader := resolver.NewLoader(cfg.Feeds.DownloadConfURL, cfg.Feeds.StoragePathsURL)
	resolvers := resolver.NewHolder(nil)

	notifier := notifications.NewEmailService(cfg.Notifications.Email, logger)
	if notifier.IsEnabled() {
		logger.Info("Email notifications enabled", nil)
	}
	indexer := index.NewClient(cfg.Feeds.IndexURL, logger)

	return &services{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		store:     store,
		resolvers: resolvers,
		loader:    loader,
		pipeline:  pipeline.NewService(store, resolvers, tapeClient, notifier, indexer, cfg.Staging, logger),
		tidy:      tidy.NewService(store, indexer, cfg.Staging, logger),
		verify:    verify.NewService(store, resolvers, tapeClient, cfg, logger),
		ingest:    ingest.NewService(store, cfg, logger),
		repair:    repair.NewService(store, resolvers, tapeClient, cfg, logger),
	}
}

// loadResolver fetches the fileset feeds and swaps the shared mappings.
// A failed fetch keeps the previous value.
func loadResolver(ctx context.Context, svcs *services) error {
	res, err := svcs.loader.Load(ctx)
	if err != nil {
		return err
	}
	svcs.resolvers.Set(res)
	return nil
}

// runOnce runs a single task under its lock file, mirroring the
// standalone cron-driven deployment mode. The exit status is non-zero
// only when the re-entry guard fires.
func runOnce(svcs *services, task string) {
	g, err := guard.Acquire(svcs.cfg.Staging.LockDir, task)
	if err != nil {
		if errors.Is(err, guard.ErrAlreadyRunning) {
			svcs.logger.Warn("Task already running", map[string]interface{}{"task": task})
			os.Exit(1)
		}
		svcs.logger.Error("Failed to acquire task lock", map[string]interface{}{
			"task":  task,
			"error": err.Error(),
		})
		os.Exit(1)
	}
	defer g.Release()

	ctx := context.Background()
	if err := loadResolver(ctx, svcs); err != nil {
		svcs.logger.Warn("Failed to load fileset mappings", map[string]interface{}{
			"error": err.Error(),
		})
	}

	var runErr error
	switch task {
	case "process":
		svcs.pipeline.Run(ctx)
	case "tidy":
		runErr = svcs.tidy.Run(ctx)
	case "verify":
		runErr = svcs.verify.Run(ctx)
	case "quick_verify":
		runErr = svcs.verify.QuickVerify(ctx)
	case "ingest":
		runErr = svcs.ingest.Run(ctx)
	case "fix_problems":
		for _, name := range svcs.repair.Names() {
			if err := svcs.repair.Run(ctx, name); err != nil {
				svcs.logger.Error("Repair failed", map[string]interface{}{
					"repair": name,
					"error":  err.Error(),
				})
			}
		}
	default:
		svcs.logger.Error("Unknown task", map[string]interface{}{"task": task})
		return
	}

	if runErr != nil {
		svcs.logger.Error("Task failed", map[string]interface{}{
			"task":  task,
			"error": runErr.Error(),
		})
	}
}

func runDaemon(svcs *services) {
	cfg := svcs.cfg
	logger := svcs.logger

	logger.Info("Starting nearline", map[string]interface{}{"version": version})

	startCtx, cancelStart := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := loadResolver(startCtx, svcs); err != nil {
		logger.Warn("Failed to load fileset mappings, continuing without", map[string]interface{}{
			"error": err.Error(),
		})
	}
	cancelStart()

	authService := auth.NewService(svcs.db, cfg.Auth.JWTSecret, cfg.Auth.TokenExpiration)
	auditLogger := logging.NewAuditLogger(svcs.db, logger)

	// Register the background tasks
	schedulerService := scheduler.NewService(logger)
	tasks := []scheduler.Task{
		{Name: "process", Schedule: cfg.Schedule.Process, Run: func(ctx context.Context) error {
			svcs.pipeline.Run(ctx)
			return nil
		}},
		{Name: "tidy", Schedule: cfg.Schedule.Tidy, Run: svcs.tidy.Run},
		{Name: "verify", Schedule: cfg.Schedule.Verify, Run: svcs.verify.Run},
		{Name: "quick_verify", Schedule: cfg.Schedule.QuickVerify, Run: svcs.verify.QuickVerify},
		{Name: "ingest", Schedule: cfg.Schedule.Ingest, Run: svcs.ingest.Run},
		{Name: "resolver_reload", Schedule: cfg.Schedule.ResolverReload, Run: func(ctx context.Context) error {
			return loadResolver(ctx, svcs)
		}},
	}
	for _, task := range tasks {
		if err := schedulerService.Register(task); err != nil {
			logger.Error("Failed to schedule task", map[string]interface{}{
				"task":  task.Name,
				"error": err.Error(),
			})
			os.Exit(1)
		}
	}
	schedulerService.Start()

	// Create API server
	server := api.NewServer(svcs.store, authService, svcs.repair, svcs.resolvers,
		auditLogger, cfg, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Pattern requests can resolve a lot of files
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", map[string]interface{}{"address": addr})
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("HTTP server error", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Received shutdown signal", map[string]interface{}{"signal": sig.String()})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schedulerService.Stop()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("nearline shutdown complete", nil)
}
