package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"pose-factory/internal/config"
	"pose-factory/internal/dispatcher"
	"pose-factory/internal/handler"
	"pose-factory/internal/metrics"
	"pose-factory/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	storeCfg, err := cfg.StoreConfig()
	if err != nil {
		logrus.WithError(err).Fatal("invalid store configuration")
	}
	s, err := store.Open(context.Background(), storeCfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open object store")
	}

	m := metrics.NewMetrics()
	d := dispatcher.New(s, cfg.DataDir, cfg.ScriptsDir, cfg.PollInterval, m)
	h := handler.NewJobHandler(d, m, filepath.Join(cfg.DataDir, "downloads"))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithField("addr", cfg.ListenAddr).Info("API server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("shutting down API server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("forced shutdown")
	}
	logrus.Info("API server stopped")
}
