package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yatochka-dev/babel-synth/internal/config"
	"github.com/yatochka-dev/babel-synth/internal/registry"
	"github.com/yatochka-dev/babel-synth/internal/server"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.Load()

	srv := server.New(cfg, registry.New(logger), logger)

	httpSrv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     srv.Handler(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: event streams are long-lived and the
		// liveness pulse keeps them honest.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("signaling server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("goodbye")
}
