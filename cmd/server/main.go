package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nebula/ptyhost/internal/api"
	"github.com/nebula/ptyhost/internal/config"
	"github.com/nebula/ptyhost/internal/logging"
	"github.com/nebula/ptyhost/internal/process"
	"github.com/nebula/ptyhost/internal/stats"
	"github.com/nebula/ptyhost/internal/storage"
	"github.com/nebula/ptyhost/internal/terminal"
	"github.com/nebula/ptyhost/internal/websocket"
	"github.com/nebula/ptyhost/web"
	"go.uber.org/zap"
)

// @title ptyhost API
// @version 1.0
// @description Terminal session host: PTY-backed shells over HTTP and WebSocket
// @host localhost:7681
// @BasePath /api/v1
func main() {
	if err := run(); err != nil {
		os.Stderr.WriteString("ptyhost: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func run() error {
	configPath := "config.yaml"
	if envPath := os.Getenv("PTYHOST_CONFIG"); envPath != "" {
		configPath = envPath
	}

	// Load configuration
	cfg, err := config.NewManager(configPath, nil)
	if err != nil {
		return err
	}
	appConfig := cfg.Get()

	log, err := logging.New(logging.Config{
		Level:  appConfig.Logging.Level,
		Format: appConfig.Logging.Format,
	})
	if err != nil {
		return err
	}
	defer log.Sync()
	cfg.SetLogger(log.Named("config"))

	log.Info("configuration loaded", zap.String("path", configPath))

	// Storage is optional; without it there is no history and no persisted
	// overrides.
	store, err := storage.New(appConfig.Storage.Path)
	if err != nil {
		log.Warn("storage unavailable", zap.String("path", appConfig.Storage.Path), zap.Error(err))
		store = nil
	}
	if store != nil {
		defer store.Close()
		if err := cfg.AttachStorage(store); err != nil {
			log.Warn("apply stored overrides", zap.Error(err))
		}
		appConfig = cfg.Get()

		if n, err := store.PruneSessions(appConfig.Storage.HistoryRetention); err != nil {
			log.Warn("prune session history", zap.Error(err))
		} else if n > 0 {
			log.Info("pruned session history", zap.Int("removed", n))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub(nil, log.Named("ws"))
	go hub.Run(ctx)

	opts := []terminal.Option{
		terminal.WithSink(hub),
		terminal.WithLogger(log.Named("terminal")),
		terminal.WithDefaultShell(appConfig.Terminal.DefaultShell),
		terminal.WithDefaultSize(appConfig.Terminal.DefaultCols, appConfig.Terminal.DefaultRows),
		terminal.WithScrollback(appConfig.Terminal.ScrollbackBytes),
		terminal.WithReapExited(appConfig.Terminal.ReapExited),
	}
	var history api.HistoryStore
	if store != nil {
		opts = append(opts, terminal.WithHistory(store))
		history = store
	}
	terminalManager := terminal.NewManager(opts...)

	cfg.OnReload(func(c *config.Config) {
		terminalManager.SetDefaultShell(c.Terminal.DefaultShell)
		terminalManager.SetReapExited(c.Terminal.ReapExited)
		log.Info("configuration reloaded")
	})

	processManager := process.NewManager()

	collector := stats.NewCollector(
		terminalManager,
		processManager,
		hub,
		appConfig.Stats.Interval,
		appConfig.Stats.HistorySize,
		log.Named("stats"),
	)
	go collector.Start(ctx)

	router := api.NewRouter(api.Deps{
		Config:    cfg,
		Terminal:  terminalManager,
		Processes: processManager,
		History:   history,
		Stats:     collector,
		Hub:       hub,
		Logger:    log,
	})
	web.RegisterStaticRoutes(router.Engine())

	server := &http.Server{
		Addr:         appConfig.Address(),
		Handler:      router.Engine(),
		ReadTimeout:  appConfig.Server.ReadTimeout,
		WriteTimeout: appConfig.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("url", "http://"+appConfig.Address()),
			zap.String("swagger", "http://"+appConfig.Address()+"/swagger/index.html"),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

wait:
	for {
		select {
		case err := <-serverErr:
			terminalManager.Close()
			return err
		case sig := <-quit:
			if sig != syscall.SIGHUP {
				log.Info("received signal", zap.String("signal", sig.String()))
				break wait
			}
			log.Info("reloading configuration")
			if err := cfg.Reload(); err != nil {
				log.Error("reload configuration", zap.Error(err))
			}
		}
	}

	log.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appConfig.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Hang up every shell before the hub stops accepting events.
	terminalManager.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}
	cancel()

	log.Info("server stopped")
	return nil
}
