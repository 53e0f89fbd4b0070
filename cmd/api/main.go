package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"sntacc.org/internal/audit"
	"sntacc.org/internal/config"
	"sntacc.org/internal/httpapi"
	"sntacc.org/internal/obs"
	"sntacc.org/internal/security"
	"sntacc.org/internal/session"
	"sntacc.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "none"
)

func main() {
	configFlag := flag.String("config", "", "path to a YAML or TOML config file")
	flag.Parse()

	if err := run(*configFlag); err != nil {
		fmt.Fprintf(os.Stderr, "sntacc-api: %v\n", err)
		os.Exit(1)
	}
}

func run(configFlag string) error {
	path, err := config.Path(configFlag)
	if err != nil && !errors.Is(err, config.ErrNoConfig) {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := obs.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	restore := obs.SetLogger(logger)
	defer restore()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store    security.Store
		auditLog audit.Store
		checks   []httpapi.ReadyCheck
	)
	if cfg.DatabaseURL != "" {
		db, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		store, auditLog = db, db
		checks = append(checks, httpapi.ReadyFunc(db.Ping))
	} else {
		logger.Warn("no database configured, using in-memory stores")
		store, auditLog = security.NewMemoryStore(), audit.NewMemoryStore()
	}

	sessionOpts := []session.Option{session.WithIssuer(cfg.JWTIssuer)}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		sessionOpts = append(sessionOpts, session.WithRevocations(session.NewRedisRevocations(rdb)))
		checks = append(checks, httpapi.ReadyFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	} else {
		sessionOpts = append(sessionOpts, session.WithRevocations(session.NewMemoryRevocations(time.Now)))
	}
	sessions, err := session.NewManager(cfg.JWTSecret, sessionOpts...)
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}

	recorderOpts := []audit.Option{
		audit.WithLogger(logger),
		audit.WithMirror("log", audit.LogSink{Logger: logger.Named("audit")}),
	}
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := audit.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		defer publisher.Close()
		dispatcher := audit.NewDispatcher("kafka", publisher, cfg.AuditBuffer, logger)
		defer dispatcher.Close()
		recorderOpts = append(recorderOpts, audit.WithMirror("kafka", dispatcher))
	}
	recorder := audit.NewRecorder(auditLog, recorderOpts...)

	svc, err := security.NewService(store,
		security.WithSessionIssuer(sessions),
		security.WithAuditor(recorder),
		security.WithTwoFactor(security.NewTwoFactor(cfg.TOTPIssuer)),
		security.WithIPGate(cfg.IPFailureThreshold, cfg.IPFailureWindow),
		security.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("security service: %w", err)
	}

	if cfg.BootstrapAdmin != "" {
		acct, err := svc.Bootstrap(ctx, cfg.BootstrapTenant, cfg.BootstrapAdmin, cfg.BootstrapPassword)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		logger.Info("bootstrap admin ready", zap.String("account_id", acct.ID), zap.String("username", acct.Username))
	}

	trusted, err := config.ParsePrefixes(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	apiOpts := []httpapi.Option{
		httpapi.WithTrustedProxies(trusted),
		httpapi.WithVersion(version),
		httpapi.WithLogger(logger),
		httpapi.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
	}
	for _, p := range checks {
		apiOpts = append(apiOpts, httpapi.WithReadyCheck(p))
	}
	api := httpapi.New(svc, sessions, recorder, auditLog, apiOpts...)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	httpapi.NewGRPCServer(api, logger).Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc listening", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcSrv.Stop()
	}
	logger.Info("stopped")
	return runErr
}
