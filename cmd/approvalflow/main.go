// Command approvalflow serves the workflow authoring API. With -validate it
// instead checks a template directory and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/approvalflow/internal/authoring"
	"github.com/pitabwire/approvalflow/internal/capability"
	"github.com/pitabwire/approvalflow/internal/config"
	"github.com/pitabwire/approvalflow/internal/definition"
	"github.com/pitabwire/approvalflow/internal/observability"
	"github.com/pitabwire/approvalflow/internal/roles"
	"github.com/pitabwire/approvalflow/internal/session"
	"github.com/pitabwire/approvalflow/internal/transport"
	"github.com/pitabwire/approvalflow/internal/workflow"
	"github.com/pitabwire/approvalflow/model"
)

// Stamped by the release build through -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	lintDir := flag.String("validate", "", "validate the workflow templates in `dir` and exit")
	flag.Parse()

	if *lintDir != "" {
		return lint(*lintDir)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "approvalflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	// Templates.
	loader := definition.NewLoader()
	templates, err := loader.LoadAll(cfg.Templates.Directories)
	if err != nil {
		logger.Error("template loading failed", zap.Error(err))
		return 1
	}
	warnInvalidTemplates(logger, templates)
	registry := definition.NewRegistry(templates)
	metrics.SetTemplatesLoaded(registry.Len())

	// Authorization.
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("capability policy initialization failed", zap.Error(err))
		return 1
	}
	capResolver := capability.NewResolver(evaluator, cfg.Capability.Cache.TTL, cfg.Capability.Cache.MaxEntries)
	capResolver.OnLookup(func(hit bool) {
		if hit {
			metrics.RecordCapabilityCacheHit()
		} else {
			metrics.RecordCapabilityCacheMiss()
		}
	})

	// Stores.
	wfStore, wfCloser, err := buildWorkflowStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return 1
	}
	sessions, guard, sessionCloser, err := buildSessionStore(ctx, cfg.Sessions, logger)
	if err != nil {
		logger.Error("session store initialization failed", zap.Error(err))
		return 1
	}

	directory, err := buildRoleDirectory(cfg.Roles, metrics, logger)
	if err != nil {
		logger.Error("role directory initialization failed", zap.Error(err))
		return 1
	}

	svc := authoring.NewService(wfStore, sessions, guard, directory, registry,
		authoring.WithLogger(logger),
		authoring.WithMetrics(metrics),
	)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	if err := jwks.Warm(ctx); err != nil {
		logger.Warn("JWKS warm-up failed, keys will be fetched on first request", zap.Error(err))
	}

	readiness := observability.ReadinessChecks{
		TemplatesReady: func() bool { return registry.Len() > 0 },
		Dependencies:   map[string]observability.HealthChecker{},
	}
	if p, ok := wfStore.(interface{ Ping(context.Context) error }); ok {
		readiness.Dependencies["workflow_store"] = observability.HealthCheckFunc(p.Ping)
	}
	if p, ok := sessions.(interface{ Ping(context.Context) error }); ok {
		readiness.Dependencies["session_store"] = observability.HealthCheckFunc(p.Ping)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Service:            svc,
		Metrics:            metrics,
		Readiness:          readiness,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	logger.Info("approvalflow listening",
		zap.String("addr", srv.Addr),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("templates", registry.Len()),
		zap.String("store", cfg.Store.Driver),
		zap.String("sessions", cfg.Sessions.Driver),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		reloadOnHangup(gctx, loader, registry, evaluator, capResolver, cfg.Templates.Directories, metrics, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("draining connections")
		grace := cfg.Server.ShutdownTimeout
		if grace <= 0 {
			grace = 20 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	status := 0
	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		status = 1
	}

	for _, closeFn := range []func(){wfCloser, sessionCloser} {
		if closeFn != nil {
			closeFn()
		}
	}
	fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracingShutdown(fctx); err != nil {
		logger.Warn("flushing traces failed", zap.Error(err))
	}

	logger.Info("approvalflow stopped")
	return status
}

// warnInvalidTemplates logs the validation errors of loaded templates. An
// invalid template still opens as a draft so a designer can repair it.
func warnInvalidTemplates(logger *zap.Logger, templates []definition.Template) {
	workflows := make([]model.Workflow, 0, len(templates))
	for _, tpl := range templates {
		workflows = append(workflows, tpl.Workflow)
	}
	for _, e := range definition.NewValidator().ValidateAll(workflows) {
		logger.Warn("template failed validation",
			zap.String("path", e.Path),
			zap.String("code", e.Code),
			zap.String("message", e.Message),
		)
	}
}

// lint validates every template under dir and reports problems on stdout.
// It returns a non-zero exit code when any template has errors.
func lint(dir string) int {
	results, err := definition.NewLoader().Lint([]string{dir}, definition.NewValidator())
	if err != nil {
		fmt.Fprintf(os.Stderr, "template loading failed: %v\n", err)
		return 1
	}

	files := make([]string, 0, len(results))
	for f := range results {
		files = append(files, f)
	}
	sort.Strings(files)

	failed := 0
	for _, f := range files {
		res := results[f]
		for _, e := range res.Errors {
			fmt.Printf("%s: error %s %s: %s\n", f, e.Code, e.Path, e.Message)
		}
		for _, w := range res.Warnings {
			fmt.Printf("%s: warning %s %s: %s\n", f, w.Code, w.Path, w.Message)
		}
		if !res.Valid() {
			failed++
		}
	}
	fmt.Printf("%d template(s) checked, %d invalid\n", len(files), failed)
	if failed > 0 {
		return 1
	}
	return 0
}

// buildWorkflowStore creates the workflow store based on config.
func buildWorkflowStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.WorkflowStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryWorkflowStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("workflow store: ping: %w", err)
		}

		store := workflow.NewPgWorkflowStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("workflow store: schema: %w", err)
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

// buildSessionStore creates the session store and save guard based on
// config. Both share one Redis client when the redis driver is selected.
func buildSessionStore(ctx context.Context, cfg config.SessionsConfig, logger *zap.Logger) (session.Store, session.SaveGuard, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory session store")
		return session.NewMemoryStore(cfg.TTL), session.NewMemorySaveGuard(cfg.SaveLockTTL), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("session store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("session store: ping: %w", err)
		}
		closer := func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		}
		return session.NewRedisStore(client, cfg.TTL), session.NewRedisSaveGuard(client, cfg.SaveLockTTL), closer, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported session store driver: %q", cfg.Driver)
	}
}

// buildRoleDirectory creates the approver role directory. Remote
// directories are wrapped in a per-tenant cache; breaker transitions and
// cache lookups are reported as metrics.
func buildRoleDirectory(cfg config.RolesConfig, metrics *observability.Metrics, logger *zap.Logger) (roles.Directory, error) {
	switch cfg.Source {
	case "static", "":
		if cfg.StaticFile == "" {
			logger.Warn("no role file configured, approver suggestions will be empty")
			return roles.NewStaticDirectory(nil), nil
		}
		dir, err := roles.LoadStaticDirectory(cfg.StaticFile)
		if err != nil {
			return nil, err
		}
		return dir, nil
	case "http":
		if cfg.BaseURL == "" {
			return nil, errors.New("roles: base_url is required for the http source")
		}
		remote := roles.NewHTTPDirectory(cfg)
		remote.Breaker().OnStateChange(func(s roles.BreakerState) {
			metrics.SetRoleDirectoryBreakerState(s.String())
			logger.Warn("role directory circuit breaker changed state", zap.String("state", s.String()))
		})
		cached := roles.NewCachedDirectory(remote, cfg.Cache.TTL, cfg.Cache.MaxEntries)
		cached.OnLookup(metrics.RecordRoleCacheLookup)
		return cached, nil
	default:
		return nil, fmt.Errorf("unsupported role source: %q", cfg.Source)
	}
}

// reloadOnHangup reloads templates and the capability policy on SIGHUP. A
// reload that fails keeps the previous catalog in service.
func reloadOnHangup(ctx context.Context, loader *definition.Loader, registry *definition.Registry,
	evaluator *capability.StaticPolicyEvaluator, resolver *capability.Resolver,
	dirs []string, metrics *observability.Metrics, logger *zap.Logger,
) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			templates, err := loader.LoadAll(dirs)
			if err != nil {
				logger.Error("template reload failed", zap.Error(err))
			} else {
				warnInvalidTemplates(logger, templates)
				registry.Replace(templates)
				metrics.SetTemplatesLoaded(registry.Len())
				logger.Info("templates reloaded",
					zap.Int("templates", registry.Len()),
					zap.String("checksum", registry.Checksum()),
				)
			}
			if err := evaluator.Sync(); err != nil {
				logger.Error("capability policy reload failed", zap.Error(err))
				continue
			}
			resolver.InvalidateAll()
			logger.Info("capability policy reloaded", zap.Int("roles", evaluator.RoleCount()))
		}
	}
}
