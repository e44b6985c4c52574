package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acmacalister/paygate"
)

func main() {
	var (
		configPath     = flag.String("config", "", "path to config file (default: search ./paygate.yaml, ~/.paygate, /etc/paygate)")
		genConfig      = flag.Bool("gen-config", false, "generate example config file and exit")
		genCA          = flag.Bool("gen-ca", false, "generate a new CA certificate and exit")
		printBlockPage = flag.Bool("print-block-page", false, "print default block page template and exit")
		addr           = flag.String("addr", "", "proxy listen address (overrides config)")
		verbose        = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *printBlockPage {
		fmt.Println(paygate.DefaultBlockPageHTML)
		return
	}

	if *genConfig {
		if err := paygate.WriteExampleConfig("paygate.yaml"); err != nil {
			fmt.Fprintln(os.Stderr, "generate config:", err)
			os.Exit(1)
		}
		fmt.Println("Generated paygate.yaml")
		return
	}

	cfg, err := paygate.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger, closeLog, err := cfg.Logging.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	if *genCA {
		if err := paygate.WriteCA(cfg.TLS.CACert, cfg.TLS.CAKey, cfg.TLS.Organization, 10); err != nil {
			logger.Error("generate CA", "error", err)
			os.Exit(1)
		}
		logger.Info("CA certificate generated", "cert", cfg.TLS.CACert, "key", cfg.TLS.CAKey)
		logger.Info("add the CA certificate to your system/browser trust store")
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("proxy error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *paygate.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := paygate.InitTracing(cfg.Tracing, "paygate-proxy")
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	cm, err := paygate.NewCertManager(cfg.TLS.CACert, cfg.TLS.CAKey)
	if err != nil {
		logger.Info("hint: run with -gen-ca to generate a new CA certificate")
		return fmt.Errorf("load CA certificate: %w", err)
	}

	var metrics *paygate.Metrics
	if cfg.Server.Metrics {
		metrics = paygate.NewMetrics()
		logger.Info("prometheus metrics enabled at /metrics")
	}

	classifier := paygate.NewReloadableClassifier(cfg.Classifier, logger)
	if cfg.Classifier.RulesFile != "" {
		err := classifier.Reload(ctx)
		if metrics != nil {
			metrics.RecordClassifierReload(err)
		}
		if err != nil {
			return err
		}
	}
	reloader := paygate.WatchSIGHUP(classifier.Reload, metrics, logger)
	defer reloader.Cancel()

	cache, closeCache, cacheReady, err := cfg.BuildDecisionCache(ctx, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	client := paygate.NewApprovalClient(cfg.ClientConfig())
	client.Logger = logger
	client.Metrics = metrics

	var accessLog *paygate.AccessLogger
	if cfg.Logging.AccessLog {
		accessLog = paygate.NewAccessLogger(logger)
	}

	gate := paygate.NewGate(classifier, client)
	gate.Cache = cache
	gate.CacheTTL = cfg.Cache.TTL
	gate.Timeout = cfg.Authority.WaitTimeout
	gate.Pool = paygate.NewPool(cfg.Gate.Workers)
	gate.AcquireTimeout = cfg.Gate.AcquireTimeout
	gate.Logger = logger
	gate.AccessLog = accessLog
	gate.Metrics = metrics

	health := paygate.NewHealthChecker()
	health.ReadinessChecks = append(health.ReadinessChecks,
		cacheReady,
		paygate.AuthorityCheck(func() bool { return client.Health(context.Background()) }),
	)

	proxy := paygate.NewProxy(cfg.Server.Addr, cm)
	proxy.Gate = gate
	proxy.MaxBody = cfg.Classifier.MaxBody
	proxy.Logger = logger
	proxy.TransportPool = paygate.NewTransportPool(cfg.Upstream)
	proxy.Metrics = metrics
	proxy.HealthChecker = health
	proxy.AccessLog = accessLog
	proxy.IdleTimeout = cfg.Server.IdleTimeout

	if cfg.Server.RateLimit > 0 {
		rl := paygate.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
		defer rl.Close()
		proxy.RateLimiter = rl
	}

	if cfg.BlockPage.TemplatePath != "" {
		bp, err := paygate.NewBlockPageFromFile(cfg.BlockPage.TemplatePath)
		if err != nil {
			return fmt.Errorf("load block page template: %w", err)
		}
		proxy.BlockPage = bp
		logger.Info("loaded custom block page", "file", cfg.BlockPage.TemplatePath)
	}

	if !client.Health(ctx) {
		logger.Warn("approval authority unreachable, payment requests will be denied", "url", cfg.Authority.URL)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		health.SetReady(false)
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = proxy.Shutdown(sctx)
	}()

	health.SetAlive(true)
	health.SetReady(true)

	logger.Info("starting proxy", "addr", cfg.Server.Addr, "authority", cfg.Authority.URL, "cache", cfg.Cache.Backend)
	logger.Info("configure your system proxy to use this address")
	logger.Info("ensure the CA certificate is trusted by your system/browser")

	if err := proxy.ListenAndServe(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
