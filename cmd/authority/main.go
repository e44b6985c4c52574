package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acmacalister/paygate"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file")
		addr       = flag.String("addr", "", "listen address (overrides authority.listen_addr)")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	cfg, err := paygate.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *addr != "" {
		cfg.Authority.ListenAddr = *addr
	}

	logger, closeLog, err := cfg.Logging.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("authority error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *paygate.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := paygate.NewAuthorityMetrics()

	a := paygate.NewAuthority()
	a.Retention = cfg.Authority.Retention
	a.PendingTTL = cfg.Authority.PendingTTL
	a.Logger = logger
	a.Metrics = metrics
	stopJanitor := a.StartJanitor(30 * time.Second)
	defer stopJanitor()

	srv := paygate.NewAuthorityServer(a)
	srv.APIKeys = cfg.Authority.APIKeys
	srv.WaitWindow = cfg.Authority.WaitWindow
	srv.Logger = logger
	srv.Metrics = metrics
	if cfg.Authority.IntakeRPS > 0 {
		rl := paygate.NewRateLimiter(cfg.Authority.IntakeRPS, cfg.Authority.IntakeBurst)
		defer rl.Close()
		srv.IntakeLimiter = rl
	}
	if cfg.Authority.Compression {
		cc := paygate.DefaultCompressionConfig()
		srv.Compression = &cc
	}
	if len(srv.APIKeys) == 0 {
		logger.Warn("no API keys configured, authority accepts unauthenticated requests")
	}

	httpSrv := &http.Server{
		Addr:              cfg.Authority.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(sctx)
	}()

	logger.Info("approval authority listening", "addr", cfg.Authority.ListenAddr, "version", paygate.Version)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
