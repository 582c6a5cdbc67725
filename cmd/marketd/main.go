package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"itemmarket/config"
	"itemmarket/core/events"
	"itemmarket/gateway/middleware"
	"itemmarket/gateway/routes"
	nativecommon "itemmarket/native/common"
	"itemmarket/native/marketplace"
	"itemmarket/native/roles"
	"itemmarket/native/token"
	"itemmarket/observability"
	"itemmarket/observability/logging"
	telemetry "itemmarket/observability/otel"
	"itemmarket/storage"
	"itemmarket/storage/journal"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "marketd.toml", "path to marketd configuration (TOML or YAML)")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("marketd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.SetupWriter(os.Stdout, cfg.Observability.ServiceName, cfg.Environment, cfg.Observability.LogLevel)
	logger.Info("configuration loaded",
		slog.String("path", cfgPath),
		slog.String("listen", cfg.ListenAddress),
		slog.String("data_dir", cfg.DataDir),
		slog.Bool("auth", cfg.Auth.Enabled),
		logging.MaskField("hmac_secret", cfg.Auth.HMACSecret))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otlpMetrics := cfg.Observability.Metrics && strings.TrimSpace(cfg.Observability.OTLPEndpoint) != ""
	if cfg.Observability.Tracing || otlpMetrics {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Observability.ServiceName,
			Environment: cfg.Environment,
			Endpoint:    cfg.Observability.OTLPEndpoint,
			Insecure:    cfg.Observability.OTLPInsecure,
			Headers:     telemetry.ParseHeaders(cfg.Observability.OTLPHeaders),
			Metrics:     otlpMetrics,
			Traces:      cfg.Observability.Tracing,
		})
		if err != nil {
			return fmt.Errorf("initialise telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				logger.Warn("telemetry shutdown failed", slog.Any("error", err))
			}
		}()
	}

	svc, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           svc.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("marketd listening", slog.String("address", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	return nil
}

// app bundles the wired marketplace and the resources it must release.
type app struct {
	handler  http.Handler
	registry *marketplace.Registry
	db       storage.Database
	journal  *journal.Journal
}

func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			slog.Warn("close journal", slog.Any("error", err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if dir := strings.TrimSpace(cfg.DataDir); dir != "" {
		db, err := storage.NewLevelDB(filepath.Join(dir, "state"))
		if err != nil {
			return nil, fmt.Errorf("open state: %w", err)
		}
		a.db = db
	} else {
		logger.Warn("no data directory configured; state is kept in memory")
		a.db = storage.NewMemDB()
	}

	tokens := token.NewRegistry(a.db)
	for _, tc := range cfg.Tokens {
		if _, err := tokens.Register(common.HexToAddress(tc.Address), token.Metadata{
			Name:     tc.Name,
			Symbol:   tc.Symbol,
			Decimals: tc.Decimals,
		}); err != nil {
			return nil, fmt.Errorf("register token %s: %w", tc.Symbol, err)
		}
	}

	roleReg := roles.NewRegistry(a.db)
	for _, admin := range cfg.AdminAddresses() {
		if err := roleReg.Grant(marketplace.AdminRole, admin); err != nil {
			return nil, fmt.Errorf("grant admin role: %w", err)
		}
	}
	for _, resolver := range cfg.ResolverAddresses() {
		if err := roleReg.Grant(marketplace.ArbiterRole, resolver); err != nil {
			return nil, fmt.Errorf("grant dispute role: %w", err)
		}
	}

	resolver := marketplace.TokenResolverFunc(func(addr common.Address) (marketplace.Token, error) {
		tok, err := tokens.Lookup(addr)
		if err != nil {
			return nil, err
		}
		return tok, nil
	})
	registry, err := marketplace.New(a.db, resolver, roleReg, cfg.Custody())
	if err != nil {
		return nil, err
	}
	registry.SetLogger(logger.With(slog.String("module", marketplace.ModuleName)))
	registry.SetPauses(nativecommon.NewPauses(cfg.PausedModules...))

	emitters := events.Multi{}
	if cfg.Observability.Metrics {
		registry.SetMetrics(observability.Marketplace())
		emitters = append(emitters, observability.Events())
	}
	var eventLog routes.EventLog
	if path := strings.TrimSpace(cfg.JournalPath); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		j, err := journal.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		j.SetLogger(logger.With(slog.String("component", "journal")))
		a.journal = j
		eventLog = j
		emitters = append(emitters, j)
	}
	registry.SetEmitter(emitters)
	a.registry = registry

	var obs *middleware.Observability
	if cfg.Observability.Metrics || cfg.Observability.Tracing || cfg.Observability.LogRequests {
		obs = middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: cfg.Observability.ServiceName,
			LogRequests: cfg.Observability.LogRequests,
			Enabled:     cfg.Observability.Metrics || cfg.Observability.Tracing,
		}, logger)
	}
	var limiter *middleware.RateLimiter
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limit := middleware.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst}
		limiter = middleware.NewRateLimiter(map[string]middleware.RateLimit{
			routes.RateLimitSales:  limit,
			routes.RateLimitTokens: limit,
		}, logger)
	}

	router, err := routes.New(routes.Config{
		Registry: registry,
		Tokens:   tokens,
		Roles:    roleReg,
		Journal:  eventLog,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew(),
		}, logger),
		RateLimiter:   limiter,
		Observability: obs,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("configure routes: %w", err)
	}
	a.handler = router
	if cfg.Observability.Tracing {
		a.handler = otelhttp.NewHandler(router, cfg.Observability.ServiceName)
	}
	ok = true
	return a, nil
}
