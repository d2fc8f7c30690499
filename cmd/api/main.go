package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"coupon-redemption-api/internal/bootstrap"
	"coupon-redemption-api/internal/budget"
	"coupon-redemption-api/internal/cache"
	"coupon-redemption-api/internal/config"
	"coupon-redemption-api/internal/events"
	"coupon-redemption-api/internal/features"
	"coupon-redemption-api/internal/handler"
	"coupon-redemption-api/internal/middleware"
	"coupon-redemption-api/internal/redmine"
	"coupon-redemption-api/internal/service"
	"coupon-redemption-api/internal/tags"
	"coupon-redemption-api/internal/tracing"
)

const serviceName = "coupon-redemption-api"

func main() {
	configFile := flag.String("config", "", "Path to a JSON config file")
	port := flag.String("port", "", "Server port (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	loc, err := cfg.LoadLocation()
	if err != nil {
		logger.Fatal("failed to load time zone", zap.Error(err))
	}

	// Amounts go out as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	ctx := context.Background()

	flags := features.Defaults(cfg.Redmine.URL != "", cfg.Tracing.Events)
	if unknown := flags.Apply(cfg.Features); len(unknown) > 0 {
		logger.Warn("ignoring unknown feature flags", zap.Strings("flags", unknown))
	}

	tracer, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: serviceName,
		Environment: cfg.Tracing.Environment,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}

	st, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	pendingCache, closeCache, err := bootstrap.OpenPendingCache(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open pending store", zap.Error(err))
	}
	defer closeCache()

	eventManager := events.NewManager(flags.IsEnabled(features.EventHooks), logger)
	subscribeLogging(eventManager, logger)

	opts := service.Options{
		Store:    st,
		Pending:  cache.NewPendingStore(pendingCache, cfg.PendingTTL()),
		Events:   eventManager,
		Logger:   logger,
		Tracer:   tracer,
		Location: loc,
	}

	if cfg.Redmine.URL != "" {
		client := redmine.NewClient(cfg.Redmine.URL, cfg.Redmine.UserAgent, time.Duration(cfg.Redmine.Timeout)*time.Second)
		if flags.IsEnabled(features.BudgetExtraction) {
			opts.Budget = budget.NewExtractor(budget.NewHTMLSource(client), cfg.Redmine.Concurrency, logger)
		}
		if flags.IsEnabled(features.TrackerTags) {
			opts.Tags = tags.NewResolver(client, logger)
		}
	}

	engine := service.NewEngine(opts)

	h := handler.NewHandlerWithOptions(engine, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
		Location:    loc,
		Logger:      logger,
		Features:    flags,
	})

	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware(serviceName))

	var rateLimiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
		r.Use(middleware.RateLimitMiddleware(rateLimiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.Security.AllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", redmine.APIKeyHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h.Register(r)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server",
			zap.String("addr", server.Addr),
			zap.String("storage", cfg.Storage.Backend),
			zap.String("pending", cfg.Pending.Backend),
			zap.String("timezone", loc.String()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
	<-sigint

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down server", zap.Error(err))
	}
	if rateLimiter != nil {
		rateLimiter.Stop()
	}
	eventManager.Shutdown()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down tracing", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// subscribeLogging writes every domain event to the log.
func subscribeLogging(m *events.Manager, logger *zap.Logger) {
	m.Subscribe(events.EventCouponValidated, func(ctx context.Context, e events.Event) error {
		if data, ok := e.Data.(events.CouponValidatedData); ok {
			logger.Debug("coupon validated",
				zap.String("project_id", data.ProjectID),
				zap.String("coupon_code", data.CouponCode),
				zap.String("status", string(data.Status)),
			)
		}
		return nil
	})

	m.Subscribe(events.EventCouponCommitted, func(ctx context.Context, e events.Event) error {
		if data, ok := e.Data.(events.CouponCommittedData); ok {
			logger.Info("redemption recorded",
				zap.String("coupon_id", data.CouponID),
				zap.String("project_id", data.Record.ProjectID),
				zap.Time("applied_at", data.Record.AppliedAt),
			)
		}
		return nil
	})

	m.Subscribe(events.EventPersistenceFailed, func(ctx context.Context, e events.Event) error {
		if data, ok := e.Data.(events.PersistenceFailedData); ok {
			logger.Error("redemption not persisted",
				zap.String("operation", data.Operation),
				zap.String("project_id", data.ProjectID),
				zap.Error(data.Err),
			)
		}
		return nil
	})
}
