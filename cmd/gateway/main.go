package main

import (
	"context"
	"crypto/x509"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Yundera/mesh-router-gateway/internal/bootstrap"
	"github.com/Yundera/mesh-router-gateway/internal/config"
	"github.com/Yundera/mesh-router-gateway/internal/middleware"
	"github.com/Yundera/mesh-router-gateway/internal/proxy"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
	commit    = "none"
)

func main() {
	var (
		envFile     = flag.String("env-file", "", "optional .env file loaded before reading the environment")
		showVersion = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("mesh-router-gateway version=%s commit=%s buildTime=%s\n", version, commit, buildTime)
		os.Exit(0)
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load() // .env in the working directory, if present
	}

	// Bootstrap logger
	rawLogger, _ := zap.NewProduction()
	log := rawLogger.Sugar()
	defer log.Sync() //nolint:errcheck

	instanceID := uuid.NewString()
	log.Infow("starting mesh-router-gateway",
		"version", version, "instance", instanceID)

	// Load config (env first, optional overrides file with hot reload)
	cfg, watcher, err := config.LoadAndWatch(log)
	if err != nil {
		log.Fatalw("failed to load config", "err", err)
	}
	defer watcher.Close()

	// Trust bundle for resolver + proxy TLS verification
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := trustPool(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to install trust bundle", "err", err)
	}

	// Build the handler chain
	gw, err := proxy.NewGateway(cfg, pool, instanceID, log)
	if err != nil {
		log.Fatalw("failed to build gateway", "err", err)
	}

	// Wire hot-reload: when the overrides file changes, apply tunables live
	go func() {
		for newCfg := range watcher.Updates() {
			log.Infow("config reloaded, applying changes")
			if err := gw.Reload(newCfg); err != nil {
				log.Errorw("reload failed", "err", err)
			}
		}
	}()

	// Metrics + health on a separate port so they never ride the proxy path
	adminMux := http.NewServeMux()
	gw.RegisterAdminHandlers(adminMux)

	adminSrv := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      adminMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	handler := middleware.Chain(gw,
		middleware.Recovery(log),
		middleware.RequestID,
		middleware.Logger(log),
		middleware.Metrics,
	)

	// Proxy listeners. Timeouts stay off the main servers: uploads and
	// streamed responses are long-lived by design; per-operation limits
	// live in the engine.
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}
	var httpsSrv *http.Server
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		httpsSrv = &http.Server{Addr: cfg.HTTPSAddr, Handler: handler}
	}

	go func() {
		log.Infow("admin server listening", "addr", cfg.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("admin server failed", "err", err)
		}
	}()

	go func() {
		log.Infow("http server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("http server failed", "err", err)
		}
	}()

	if httpsSrv != nil {
		go func() {
			log.Infow("https server listening", "addr", cfg.HTTPSAddr, "cert", cfg.TLSCertFile)
			err := httpsSrv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
			if err != nil && err != http.ErrServerClosed {
				log.Fatalw("https server failed", "err", err)
			}
		}()
	}

	// Graceful shutdown on SIGTERM / SIGINT
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Infow("shutting down gracefully…")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = adminSrv.Shutdown(shutdownCtx)
	if httpsSrv != nil {
		_ = httpsSrv.Shutdown(shutdownCtx)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("graceful shutdown failed", "err", err)
	}
	log.Infow("goodbye")
}

// trustPool fetches the mesh CA bundle, or falls back to the system
// pool when the fetch is disabled.
func trustPool(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*x509.CertPool, error) {
	if cfg.CACertSkip {
		log.Infow("ca bundle fetch disabled, using system pool")
		return bootstrap.SystemPool()
	}
	return bootstrap.FetchCABundle(ctx, cfg.BackendURL, cfg.CACertPath, log)
}
