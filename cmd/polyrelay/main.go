// Command polyrelay runs the AI routing gateway: OpenAI-compatible endpoints
// in front of multi-account provider credentials with automatic fallback.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/polyrelay/polyrelay/internal/config"
	"github.com/polyrelay/polyrelay/internal/engine"
	"github.com/polyrelay/polyrelay/internal/executor"
	"github.com/polyrelay/polyrelay/internal/gateway"
	"github.com/polyrelay/polyrelay/internal/logging"
	"github.com/polyrelay/polyrelay/internal/store"
	"github.com/polyrelay/polyrelay/internal/translator"
	"github.com/polyrelay/polyrelay/internal/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("❌ loading config: %v", err)
	}
	logging.Setup(cfg.LogLevel)

	st, err := store.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		logrus.Fatalf("❌ opening store %s: %v", cfg.DatabasePath, err)
	}

	rt := executor.NewRuntime()
	defer rt.Close()

	eng := engine.New(st, executor.NewRegistry(rt), translator.NewRegistry())
	server := gateway.NewServer(cfg, st, eng)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.Infof("🚀 polyrelay %s (%s) listening on %s", version.Version, version.Commit, cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("❌ server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logrus.Info("👋 shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logrus.Warnf("⚠️ shutdown: %v", err)
	}
}
