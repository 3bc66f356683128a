package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"canvaschat/canvas"
	"canvaschat/chat"
	"canvaschat/core"
	"canvaschat/db"
	"canvaschat/export"
	"canvaschat/logging"
	"canvaschat/server"
	"canvaschat/syncer"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		// Use fmt here since logger isn't initialized yet
		fmt.Printf("Note: .env file not loaded: %v\n", err)
	}

	config, err := core.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(config.DevMode, config.LogFilePath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("addr", config.Addr()),
		zap.String("database", config.DatabasePath),
		zap.Duration("sync_quiet_period", config.SyncQuietPeriod),
		zap.Duration("hydration_timeout", config.HydrationTimeout),
		zap.Duration("ai_timeout", config.AITimeout),
		zap.Int("export_max_pixels", config.ExportMaxPixels),
		zap.Bool("env_provider", config.HasEnvProvider()),
		zap.Bool("dev_mode", config.DevMode),
	)

	database, err := db.NewDatabaseWithConfig(db.DatabaseConfig{
		Path:           config.DatabasePath,
		MigrationsPath: config.MigrationsPath,
	})
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	asyncWriter := db.NewAsyncWriter(db.NewInsertHandler(database))
	asyncWriter.Start()

	store := db.NewStore(database, asyncWriter)

	tabs := canvas.NewTabList()
	factory := canvas.NewOffscreenFactory(store, config.ExportMaxPixels)
	exporter := export.NewService(tabs, factory, config.HydrationTimeout, logger)
	debounce := syncer.NewDebouncer(store, config.SyncQuietPeriod, logger)
	orchestrator := chat.NewOrchestrator(tabs, exporter, store, config.AITimeout, logger)

	srv := server.NewServer(
		serverConfig(config),
		config,
		database,
		store,
		tabs,
		exporter,
		server.NewOrchestratorService(orchestrator),
		debounce,
		logger,
	)

	if err := restoreCanvases(srv, store, logger); err != nil {
		logger.Fatal("Failed to restore canvases", zap.Error(err))
	}

	printStartupSummary(config, tabs.Len())

	// Handle interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errChan:
		if err != nil {
			logger.Error("Server stopped unexpectedly", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	if !asyncWriter.StopWithTimeout(10 * time.Second) {
		logger.Warn("Async writer did not drain in time")
	}
	logger.Info("Goodbye!")
}

func serverConfig(config *core.Config) server.ServerConfig {
	serverCfg := server.DefaultServerConfig()
	serverCfg.Host = config.Host
	serverCfg.Port = config.Port
	return serverCfg
}

// restoreCanvases reopens every stored canvas as a tab, activating the
// first so the pipeline has a live surface immediately.
func restoreCanvases(srv *server.Server, store *db.Store, logger *logging.Logger) error {
	records, err := store.ListCanvases(context.Background())
	if err != nil {
		return err
	}
	for i, rec := range records {
		if err := srv.OpenCanvas(rec, i == 0); err != nil {
			logger.Warn("Skipping unrestorable canvas",
				zap.String("canvas_id", rec.ID),
				zap.String("name", rec.Name),
				zap.Error(err))
		}
	}
	logger.Info("Canvases restored", zap.Int("count", len(records)))
	return nil
}

func printStartupSummary(config *core.Config, canvasCount int) {
	header := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgWhite)
	value := color.New(color.FgGreen)

	header.Println("canvaschat backend")
	label.Print("  listening:   ")
	value.Println("http://" + config.Addr())
	label.Print("  database:    ")
	value.Println(config.DatabasePath)
	label.Print("  canvases:    ")
	value.Println(fmt.Sprintf("%d restored", canvasCount))
	label.Print("  provider:    ")
	switch {
	case config.HasEnvProvider():
		value.Println(config.ProviderBaseURL + " (env)")
	case config.OpenAIAPIKey != "":
		value.Println("hosted default")
	default:
		color.New(color.FgYellow).Println("none configured; chat will fail until a provider is set")
	}
}
