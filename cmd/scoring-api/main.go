package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/creditrisk/internal/adminauth"
	"github.com/jmerrifield20/creditrisk/internal/api"
	"github.com/jmerrifield20/creditrisk/internal/audit"
	"github.com/jmerrifield20/creditrisk/internal/config"
	"github.com/jmerrifield20/creditrisk/internal/mlflow"
	"github.com/jmerrifield20/creditrisk/internal/modelcache"
	"github.com/jmerrifield20/creditrisk/internal/resolver"
	"github.com/jmerrifield20/creditrisk/internal/schema"
	"github.com/jmerrifield20/creditrisk/internal/scoring"
	"github.com/jmerrifield20/creditrisk/internal/watch"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// healthService is the gRPC health service name that tracks model readiness.
const healthService = "creditrisk.Scoring"

func main() {
	var configFile string
	cmd := &cobra.Command{
		Use:          "scoring-api",
		Short:        "Credit risk scoring HTTP service",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _ := zap.NewProduction()
			defer logger.Sync() //nolint:errcheck

			if err := run(logger, configFile); err != nil {
				logger.Error("scoring-api exited with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "config file (default: configs/creditrisk.yaml if present)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(logger *zap.Logger, configFile string) error {
	// ── Configuration ─────────────────────────────────────────────────────────
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if cfg.File == "" {
		logger.Warn("no config file found, using defaults and env vars")
	} else {
		logger.Info("config loaded", zap.String("file", cfg.File))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Model resolution ──────────────────────────────────────────────────────
	var registry *mlflow.Client
	var registryClient resolver.RegistryClient
	if cfg.Model.RegistryURI != "" {
		registry, err = mlflow.New(cfg.MLflow(), logger)
		if err != nil {
			// A bad registry URI degrades to the local fallback, like any
			// other registry failure.
			logger.Warn("registry client unavailable", zap.String("uri", cfg.Model.RegistryURI), zap.Error(err))
			registryClient = resolver.UnavailableRegistry(err)
		} else {
			registryClient = registry
		}
	}

	featureSchema := schema.Default()
	if cfg.Schema.File != "" {
		featureSchema, err = schema.LoadFile(cfg.Schema.File)
		if err != nil {
			return err
		}
	}

	res := resolver.New(cfg.Model, registryClient, logger)
	res.SetAttemptRecord(api.RecordResolutionAttempt)
	res.SetModelCheck(func(l *resolver.Loaded) error { return featureSchema.CheckModel(l.Features) })

	healthSvc := health.NewServer()
	healthSvc.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	cache := modelcache.New(res, logger)
	cache.SetSwapHook(func(prev, next *resolver.ResolvedModel) {
		api.RecordModelSwap(prev, next)
		healthSvc.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)
	})

	loadCtx, loadCancel := context.WithTimeout(ctx, 2*cfg.Registry.Timeout+10*time.Second)
	m, err := cache.Get(loadCtx)
	loadCancel()
	if err != nil {
		if cfg.RequireModel {
			return fmt.Errorf("no model could be loaded: %w", err)
		}
		logger.Warn("starting without a model; scoring returns 503 until one loads", zap.Error(err))
	} else {
		logger.Info("serving model",
			zap.String("source", m.Source.String()),
			zap.String("identifier", m.Identifier),
			zap.String("version", m.Version),
		)
	}

	// ── Scoring ───────────────────────────────────────────────────────────────
	svc, err := scoring.New(cache, featureSchema, cfg.Thresholds(), logger)
	if err != nil {
		return fmt.Errorf("scoring service: %w", err)
	}

	// ── Decision log ──────────────────────────────────────────────────────────
	var decisions audit.Log
	if cfg.Audit.Enabled {
		if cfg.Database.URL != "" {
			db, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("connect to postgres: %w", err)
			}
			defer db.Close()
			if err := db.Ping(ctx); err != nil {
				return fmt.Errorf("ping postgres: %w", err)
			}
			decisions = audit.NewPostgresLog(db, logger)
			logger.Info("decision log: postgres")
		} else {
			decisions = audit.NewMemoryLog(cfg.Audit.Capacity)
			logger.Info("decision log: in memory", zap.Int("capacity", cfg.Audit.Capacity))
		}
		svc.SetDecisionSink(audit.NewRecorder(decisions))
	}

	// ── Admin ─────────────────────────────────────────────────────────────────
	var admin *adminauth.Issuer
	if cfg.Admin.JWTSecret != "" {
		admin, err = adminauth.NewIssuer([]byte(cfg.Admin.JWTSecret), cfg.Admin.Issuer, cfg.Admin.TokenTTL)
		if err != nil {
			return fmt.Errorf("admin tokens: %w", err)
		}
	} else {
		logger.Info("admin.jwt_secret not set; model reload endpoint disabled")
	}

	// ── Registry watcher ──────────────────────────────────────────────────────
	if cfg.Watch.Interval > 0 && registry != nil {
		w := watch.New(registry, cache, cfg.Model.ModelName, cfg.Model.ModelStage, cfg.Watch, logger)
		w.SetMetricsRecord(api.RecordWatchCheck)
		go w.Start(ctx)
		logger.Info("registry watcher started", zap.Duration("interval", cfg.Watch.Interval))
	}

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(ctx, api.Options{
		Scorer:       svc,
		Models:       cache,
		Decisions:    decisions,
		Admin:        admin,
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── gRPC health ───────────────────────────────────────────────────────────
	var grpcServer *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("gRPC listen on :%d: %w", cfg.Server.GRPCPort, err)
		}
		grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
		grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
		reflection.Register(grpcServer)

		go func() {
			logger.Info("gRPC health listening", zap.Int("port", cfg.Server.GRPCPort))
			if err := grpcServer.Serve(grpcLis); err != nil {
				logger.Fatal("gRPC serve error", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("scoring-api HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down scoring-api...")
	healthSvc.Shutdown()
	cancel() // stop the watcher and rate limiter sweep

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	logger.Info("scoring-api stopped")
	return nil
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
