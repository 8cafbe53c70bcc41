package pghatch

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pghatch/pghatch-go/internal/authhook"
	"github.com/pghatch/pghatch-go/internal/compiler"
	"github.com/pghatch/pghatch-go/internal/config"
	"github.com/pghatch/pghatch-go/internal/httpx"
	"github.com/pghatch/pghatch-go/internal/httpx/middleware"
	"github.com/pghatch/pghatch-go/internal/metrics"
	"github.com/pghatch/pghatch-go/internal/pgconn"
	"github.com/pghatch/pghatch-go/internal/router"
	"github.com/pghatch/pghatch-go/internal/schema"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pghatch REST gateway",
	Long:  `Introspects the configured database, mounts a REST endpoint per relation and callable, and keeps serving as the schema changes underneath it.`,
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	if cfg == nil {
		fmt.Println("configuration not loaded")
		os.Exit(2)
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Println("failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := newPool(ctx, cfg)
	if err != nil {
		log.Error("failed to create connection pool", zap.Error(err))
		os.Exit(1)
	}
	defer pool.Close()

	watcher, err := schema.NewWatcher(ctx, pool, log, schema.WatcherOptions{
		DebounceInterval:  time.Duration(cfg.Watcher.DebounceMS) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.Watcher.HeartbeatS) * time.Second,
	})
	if err != nil {
		log.Error("failed to install DDL watcher", zap.Error(err))
		os.Exit(1)
	}

	rt, err := router.New(ctx, pool, log, router.Options{
		IntrospectOptions: schema.Options{
			IncludedNamespaces: cfg.Schema.IncludedNamespaces,
			ExcludedObjects:    cfg.Schema.ExcludedObjects,
		},
		CompilerOptions: compiler.Options{
			DefaultLimit: cfg.Pagination.DefaultLimit,
			MaxLimit:     cfg.Pagination.MaxLimit,
		},
	})
	if err != nil {
		log.Error("initial schema introspection failed", zap.Error(err))
		os.Exit(1)
	}

	bg, bgCtx := errgroup.WithContext(ctx)
	bg.Go(func() error {
		watcher.Run(bgCtx)
		return nil
	})
	bg.Go(func() error {
		rt.Watch(bgCtx, watcher)
		return nil
	})

	handler := buildHandler(rt, pool, cfg)

	var metricsWg sync.WaitGroup
	metrics.StartPrometheusServer(ctx, &metricsWg, nil)

	var routerOpts []httputil.RouterOptions
	routerOpts = append(routerOpts, httputil.WithServerOptions(func(s *http.Server) {
		s.ReadHeaderTimeout = 5 * time.Second
	}))
	if cfg.HTTP.TLSCert != "" || cfg.HTTP.TLSKey != "" {
		routerOpts = append(routerOpts, httputil.WithTLS(cfg.HTTP.TLSCert, cfg.HTTP.TLSKey))
	}

	server := httputil.NewRouter(routerOpts...)
	server.Handle("/", handler)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("pghatch listening", zap.String("addr", cfg.HTTP.ListenAddr))
		if err := server.ListenAndServe(cfg.HTTP.ListenAddr); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-stop
	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}

	_ = bg.Wait()
	metricsWg.Wait()
	log.Info("shutdown complete")
}

// newLogger builds a zap.Logger matching cfg.Log: zap's development config
// for format "console", its production config otherwise. A level zap cannot
// parse leaves that config's default level in place.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(cfg.Level); err == nil {
		zcfg.Level = lvl
	}
	return zcfg.Build()
}

// newPool sizes a pgxpool.Pool from cfg.Pool via pgconn.PoolManager, keeping
// that abstraction in the mix even though a single pool never needs to
// switch its active member at runtime.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	pgxCfg.MinConns = cfg.Pool.Min
	pgxCfg.MaxConns = cfg.Pool.Max
	pgxCfg.MaxConnLifetime = time.Duration(cfg.Pool.MaxLifetime) * time.Second

	manager := pgconn.NewPoolManager()
	if err := manager.Add(ctx, pgconn.Pool{Name: "default", Config: pgxCfg}, true); err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return manager.Active()
}

// buildHandler wraps the Schema Router with request ID, CORS, structured
// logging, and role-resolution middleware, in that order. Bearer/Basic
// verification runs first (each a no-op pass-through when its scheme isn't
// present), then authhook.Middleware resolves the PostgreSQL role and
// attaches the SET ROLE'd connection the router's resolvers read from.
// When cfg.Request.TimeoutS > 0, the request context gets that deadline
// before any of these run, so connection acquisition and queries share it.
func buildHandler(rt *router.Router, pool *pgxpool.Pool, cfg *config.Config) http.Handler {
	var hooks []authhook.Hook
	var verifiers []httputil.Middleware

	if cfg.OIDC.ClientID != "" && cfg.OIDC.Issuer != "" {
		provider, err := authhook.NewOIDCProvider(authhook.OIDCConfig{
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			Issuer:       cfg.OIDC.Issuer,
			RoleClaimKey: cfg.OIDC.RoleClaimKey,
		})
		if err == nil {
			verifiers = append(verifiers, authhook.VerifyBearer(provider))
			hooks = append(hooks, authhook.FromOIDC(cfg.OIDC.RoleClaimKey))
		}
	}

	if len(cfg.BasicAuth.Credentials) > 0 {
		table := authhook.NewBasicAuthTable(cfg.BasicAuth.Credentials)
		verifiers = append(verifiers, authhook.VerifyBasic(table))
		hooks = append(hooks, authhook.FromBasicAuth())
	}

	if cfg.AnonRole != "" {
		hooks = append(hooks, authhook.FromAnonymous(cfg.AnonRole))
	}

	chain := append(verifiers, authhook.Middleware(pool, hooks...))
	if cfg.Request.TimeoutS > 0 {
		timeout := time.Duration(cfg.Request.TimeoutS) * time.Second
		withTimeout := func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctx, cancel := context.WithTimeout(r.Context(), timeout)
				defer cancel()
				next.ServeHTTP(w, r.WithContext(ctx))
			})
		}
		chain = append([]httputil.Middleware{withTimeout}, chain...)
	}
	handler := middleware.Chain(rt, chain...)
	return middleware.Chain(handler, middleware.RequestID, middleware.CORSWithOptions(nil), middleware.LoggerWithOptions(nil))
}
