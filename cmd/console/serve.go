package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ernest01982/tuktukadmin/internal/auth"
	"github.com/Ernest01982/tuktukadmin/internal/authflow"
	"github.com/Ernest01982/tuktukadmin/internal/backend"
	"github.com/Ernest01982/tuktukadmin/internal/backend/memory"
	"github.com/Ernest01982/tuktukadmin/internal/backend/postgres"
	"github.com/Ernest01982/tuktukadmin/internal/config"
	"github.com/Ernest01982/tuktukadmin/internal/console"
	"github.com/Ernest01982/tuktukadmin/internal/httpapi"
	"github.com/Ernest01982/tuktukadmin/internal/obs"
	"github.com/Ernest01982/tuktukadmin/internal/privilege"
	"github.com/Ernest01982/tuktukadmin/internal/realtime"
	"github.com/Ernest01982/tuktukadmin/internal/rides"
	"github.com/Ernest01982/tuktukadmin/internal/session"
	"github.com/Ernest01982/tuktukadmin/internal/sessioncache"
)

const (
	shutdownTimeout = 10 * time.Second
	refreshEvery    = 30 * time.Second
	lookupTimeout   = 10 * time.Second
)

type serveOptions struct {
	devAdmin string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the console HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.devAdmin, "dev-admin", "", "seed an admin as email:password (memory backend only)")
	return cmd
}

// backendRuntime is the opened backend plus what must run and close alongside it.
type backendRuntime struct {
	client     backend.Client
	tokens     *auth.Signer
	background []func(ctx context.Context)
	closers    []func() error
}

func runServe(ctx context.Context, cfg config.Config, opts serveOptions) error {
	logger := obs.Logger()
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.Backend)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt, err := openBackend(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, closeFn := range rt.closers {
			if err := closeFn(); err != nil {
				logger.Warn("close failed", zap.Error(err))
			}
		}
	}()

	var bg sync.WaitGroup
	for _, fn := range rt.background {
		bg.Add(1)
		go func(fn func(context.Context)) {
			defer bg.Done()
			fn(ctx)
		}(fn)
	}

	store := session.NewStore(rt.client, logger.Named("session"))
	resolver := privilege.New(rt.client, privilege.WithTimeout(lookupTimeout), privilege.WithLogger(logger))
	ctrl := authflow.New(rt.client, store, resolver, logger.Named("authflow"))
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("start auth lifecycle: %w", err)
	}
	defer ctrl.Close()

	view := rides.NewView(rt.client, cfg.RidesLimit, realtime.WithLogger(logger))
	if err := view.Activate(ctx); err != nil {
		// The page stays usable without live updates.
		logger.Warn("rides view not live", zap.Error(err))
	}
	defer view.Deactivate()

	api := httpapi.New(httpapi.Options{
		Auth:       ctrl,
		Rides:      view,
		Console:    console.New(rt.client, store, logger.Named("console")),
		Tokens:     rt.tokens,
		Version:    version,
		Logger:     logger.Named("http"),
		RateBurst:  cfg.RateBurst,
		RatePerSec: cfg.RatePerSec,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthServer(ctrl, logger.Named("grpc"))
	grpcSrv := httpapi.NewGRPCServer(health)
	bg.Add(1)
	go func() {
		defer bg.Done()
		health.Run(ctx)
	}()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	logger.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http shutdown", zap.Error(shutdownErr))
	}
	grpcSrv.GracefulStop()
	cancel()
	bg.Wait()
	logger.Info("stopped")
	return err
}

func openBackend(ctx context.Context, cfg config.Config, opts serveOptions, logger *zap.Logger) (*backendRuntime, error) {
	secret := cfg.AuthSecret
	if secret == "" && cfg.Backend == config.BackendMemory {
		// Memory sessions do not outlive the process, so neither does the key.
		secret = uuid.NewString()
	}
	signer, err := auth.NewSigner(secret, auth.WithIssuer("tuktuk-console"))
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case config.BackendMemory:
		b := memory.New(memory.WithAccessTTL(cfg.AccessTTL), memory.WithSigner(signer))
		if opts.devAdmin != "" {
			email, password, ok := strings.Cut(opts.devAdmin, ":")
			if !ok || email == "" || password == "" {
				return nil, errors.New("--dev-admin must be email:password")
			}
			if _, err := b.AddUser(email, password, true); err != nil {
				return nil, fmt.Errorf("seed dev admin: %w", err)
			}
		}
		logger.Warn("using in-memory backend; data is not persisted")
		return &backendRuntime{client: b, tokens: signer}, nil

	case config.BackendPostgres:
		db, err := postgres.Open(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		rt := &backendRuntime{tokens: signer, closers: []func() error{db.Close}}

		listener := postgres.NewListener(cfg.PGDSN, postgres.WithListenerLogger(logger))
		pgOpts := []postgres.Option{
			postgres.WithTTL(cfg.AccessTTL, cfg.RefreshTTL),
			postgres.WithListener(listener),
			postgres.WithLogger(logger),
		}
		if cfg.FunctionsURL != "" {
			pgOpts = append(pgOpts, postgres.WithFunctions(cfg.FunctionsURL, nil))
		}
		if cfg.RedisAddr != "" {
			var rc *redis.Client
			rc, err = sessioncache.Dial(ctx, sessioncache.RedisOptions{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPass,
				DB:       cfg.RedisDB,
			})
			if err != nil {
				_ = db.Close()
				return nil, err
			}
			rt.closers = append(rt.closers, rc.Close)
			pgOpts = append(pgOpts, postgres.WithSessionCache(sessioncache.NewRedis(rc, ""), ""))
		}

		be := postgres.New(db, signer, pgOpts...)
		rt.client = be
		rt.background = append(rt.background,
			func(ctx context.Context) {
				if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("change feed stopped", zap.Error(err))
				}
			},
			func(ctx context.Context) { be.AutoRefresh(ctx, refreshEvery) },
		)
		return rt, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
