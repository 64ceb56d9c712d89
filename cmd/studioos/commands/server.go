package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/studioos/am"
	"github.com/teranos/studioos/blob"
	"github.com/teranos/studioos/delivery"
	"github.com/teranos/studioos/delivery/webhook"
	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/logger"
	"github.com/teranos/studioos/pulse"
	"github.com/teranos/studioos/pulse/async"
	"github.com/teranos/studioos/server"
)

// ServerCmd starts the engine, the delivery orchestrator and the API
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Start the StudioOS engine and API server",
	Long: `Start the job worker pool, the delivery orchestrator and the HTTP/WebSocket API.

Jobs left running by a previous process are settled on startup and
unfinished deliveries resume where they stopped. Platform requirements in the
project am.toml are reloaded while the server runs.`,
	RunE: runServer,
}

var (
	serverDBPath string
	serverPort   int
)

func init() {
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Custom database path (overrides config)")
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "Listen port (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = 1
	}

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	dbPath := serverDBPath
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}
	port := cfg.GetServerPort()
	if serverPort > 0 {
		port = serverPort
	}

	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	log := logger.Logger
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := pulse.NewPublisher()

	handlers := async.NewHandlerRegistry()
	if err := async.RegisterProcessors(handlers, cfg.Engine.Processors, log); err != nil {
		return errors.Wrap(err, "failed to register processors")
	}
	queue := async.NewQueue(database, publisher, async.QueueConfigFromAm(cfg.Engine), log)
	defer queue.Close()
	queue.RequireHandlers(handlers)

	var pool *async.WorkerPool
	if cfg.Engine.Workers > 0 {
		pool = async.NewWorkerPool(ctx, queue, handlers, async.WorkerPoolConfigFromAm(cfg.Engine), log)
		pool.Start()
		defer pool.Stop()
	}

	platforms := delivery.NewAdapterRegistry()
	if err := webhook.RegisterPlatforms(platforms, cfg.Delivery.Platforms, log); err != nil {
		return errors.Wrap(err, "failed to register delivery platforms")
	}
	orchestrator := delivery.NewOrchestrator(database, platforms, publisher, delivery.OrchestratorConfigFromAm(cfg.Delivery), log)
	if err := orchestrator.Start(ctx); err != nil {
		return err
	}
	defer orchestrator.Stop()

	if path := am.ProjectConfigPath(); path != "" {
		watcher, err := am.NewConfigWatcher(path)
		if err != nil {
			log.Warnw("Config hot reload disabled", "path", path, logger.FieldError, err)
		} else {
			watcher.OnReload(func(c *am.Config) error {
				return platforms.ApplyConfig(c.Delivery.Platforms)
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	blobs, err := blob.NewFSStore(cfg.Storage.BlobDir)
	if err != nil {
		return errors.Wrap(err, "failed to open blob store")
	}

	srv, err := server.New(server.Deps{
		Queue:          queue,
		Pool:           pool,
		Orchestrator:   orchestrator,
		Blobs:          blobs,
		Publisher:      publisher,
		AllowedOrigins: cfg.GetServerAllowedOrigins(),
		Logger:         log,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	workers := 0
	if pool != nil {
		workers = cfg.Engine.Workers
	}
	printStartupBanner(verbosity, bannerInfo{
		dbPath:    dbPath,
		blobDir:   blobs.Dir(),
		port:      port,
		workers:   workers,
		jobTypes:  len(handlers.Names()),
		platforms: len(platforms.Names()),
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe(port)
	}()

	// GRACE: first signal drains, second one exits
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server stopped unexpectedly")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- stopServer(srv.Stop)
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return err
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}

// stopServer runs stop and wraps its failure
func stopServer(stop func() error) error {
	if err := stop(); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}
