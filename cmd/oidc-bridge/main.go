// oidc-bridge relays a browser-based OIDC authorization code flow to a
// desktop application's custom URI scheme. Provider discovery runs once at
// startup; if it fails the server still comes up, in a degraded mode where
// /login and the callback report not-configured errors until a restart.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/extauth/oidc-bridge/internal/conf"
	"github.com/extauth/oidc-bridge/internal/oidc"
	"github.com/extauth/oidc-bridge/internal/server"
)

var flagconf string

func init() {
	flag.StringVar(&flagconf, "conf", "", "config path, eg: -conf config.yaml")
}

func main() {
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "oidc-bridge",
		Level: hclog.Info,
	})

	cfg, err := conf.Load(flagconf)
	if err != nil {
		logger.Error("unable to load config", "error", err)
		os.Exit(1)
	}

	client := oidc.NewHTTPClient(cfg.Provider.HTTPTimeout())
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Provider.HTTPTimeout())
	metadata, err := oidc.Discover(ctx, client, cfg.Provider.URL)
	cancel()
	if err != nil {
		// Degraded, not fatal: the process keeps serving and reports its
		// state on the root endpoint until restarted.
		logger.Error("provider discovery failed, serving degraded", "provider", cfg.Provider.URL, "error", err)
		metadata = nil
	} else {
		logger.Info("provider discovered", "issuer", metadata.Issuer)
	}

	svc := server.New(cfg, metadata, logger)
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.ListenAddr, "redirect_uri", cfg.RedirectURL())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		os.Exit(1)
	case <-quit:
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
