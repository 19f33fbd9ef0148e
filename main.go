// transferd/main.go
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transferd/api"
	"transferd/config"
	"transferd/engine"
	"transferd/notify"
	"transferd/recovery"
	"transferd/task"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DownloadDir, 0755); err != nil {
		logger.Error("failed to create download directory", "error", err)
		os.Exit(1)
	}

	// 2. Durable state and outbound channel
	rec, err := recovery.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Error("failed to open recovery log", "error", err)
		os.Exit(1)
	}
	defer rec.Close()

	var notifier notify.Notifier
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.WebhookURL, cfg.MessageLimit)
	} else {
		logger.Warn("no webhook URL configured, status updates go to the log")
		notifier = &notify.LogNotifier{Logger: logger, Limit: cfg.MessageLimit}
	}

	// 3. Engine adapters
	aria2 := engine.NewAria2(cfg.Aria2RPCURL, cfg.Aria2Secret, cfg.DownloadDir, cfg.Aria2PollInterval, logger)
	engines := task.Engines{Download: aria2}
	if rclone, err := engine.NewRclone(cfg.RcloneBin, cfg.RcloneFlags, cfg.DownloadDir, logger); err != nil {
		logger.Warn("upload engine unavailable, upload tasks will fail", "error", err)
	} else {
		engines.Upload = rclone
	}

	// 4. Task manager; report interrupted work before admitting anything new
	manager := task.NewManager(cfg, engines, rec, notifier, logger)
	if err := manager.ReplayInterrupted(); err != nil {
		logger.Warn("crash recovery replay failed", "error", err)
	}

	// 5. Start background loops and the HTTP server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager.Start(ctx)
	go aria2.Run(ctx)

	scheduler := task.NewStatusScheduler(manager, cfg.StatusInterval, cfg.StatusMaxInterval, logger)
	go scheduler.Run(ctx)

	router := api.SetupRouter(manager, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			stop()
		}
	}()

	// 6. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()
	stop()
	logger.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server exiting")
}
