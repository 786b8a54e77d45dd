package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guillermoBallester/querywatch/internal/adapter/catalog"
	mcpadapter "github.com/guillermoBallester/querywatch/internal/adapter/mcp"
	"github.com/guillermoBallester/querywatch/internal/adapter/notify"
	"github.com/guillermoBallester/querywatch/internal/adapter/postgres"
	"github.com/guillermoBallester/querywatch/internal/audit"
	"github.com/guillermoBallester/querywatch/internal/config"
	"github.com/guillermoBallester/querywatch/internal/core/port"
	"github.com/guillermoBallester/querywatch/internal/core/service"
	"github.com/guillermoBallester/querywatch/internal/telemetry"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "querywatch",
		Short: "Query performance regression detection and index advisory over MCP.",
		Long: `querywatch ingests per-query execution samples, keeps a rolling baseline
for every query, opens regression events when latency or error rate drift
past the configured thresholds, and recommends index changes.

Operations are exposed as MCP tools over stdio (default) or streamable HTTP.`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			overrides, err := overridesFromFlags(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), overrides)
		},
	}
	registerFlags(cmd.Flags())
	return cmd
}

func registerFlags(fs *pflag.FlagSet) {
	fs.String("monitor-config", "", "MonitoringConfig YAML file (env: MONITOR_CONFIG)")
	fs.String("catalog", "", "query and index catalog YAML file (env: CATALOG_FILE)")
	fs.String("log-level", "", "debug, info, warn or error (env: LOG_LEVEL)")
	fs.String("transport", "", "stdio or http (env: TRANSPORT)")
	fs.String("http-addr", "", "listen address for the http transport (env: HTTP_ADDR)")
	fs.String("http-bearer-token", "", "bearer token required by the http transport (env: HTTP_BEARER_TOKEN)")
	fs.String("archive-database-url", "", "PostgreSQL URL for the resolved event archive (env: ARCHIVE_DATABASE_URL)")
	fs.Int32("pool-max-conns", 0, "archive pool max connections (env: POOL_MAX_CONNS)")
	fs.Int32("pool-min-conns", 0, "archive pool min connections (env: POOL_MIN_CONNS)")
	fs.Duration("pool-max-conn-lifetime", 0, "archive pool connection lifetime (env: POOL_MAX_CONN_LIFETIME)")
	fs.Bool("otel", false, "enable OpenTelemetry tracing and metrics (env: OTEL_ENABLED)")
	fs.Float64("otel-sample-ratio", 0, "fraction of root traces kept, 0 keeps all (env: OTEL_SAMPLE_RATIO)")
	fs.String("audit-log", "", "append an NDJSON audit trail to this file")
}

// parseFlags parses args into config overrides without running the command.
func parseFlags(args []string) (config.Overrides, error) {
	cmd := newRootCmd()
	if err := cmd.ParseFlags(args); err != nil {
		return config.Overrides{}, err
	}
	return overridesFromFlags(cmd.Flags())
}

// overridesFromFlags keeps unset flags nil so environment values survive.
func overridesFromFlags(fs *pflag.FlagSet) (config.Overrides, error) {
	var (
		o    config.Overrides
		errs []error
	)
	str := func(name string) *string {
		v, err := changed(fs, name, fs.GetString)
		errs = append(errs, err)
		return v
	}
	i32 := func(name string) *int32 {
		v, err := changed(fs, name, fs.GetInt32)
		errs = append(errs, err)
		return v
	}

	o.MonitorConfigFile = str("monitor-config")
	o.CatalogFile = str("catalog")
	o.LogLevel = str("log-level")
	o.Transport = str("transport")
	o.HTTPAddr = str("http-addr")
	o.HTTPBearerToken = str("http-bearer-token")
	o.ArchiveDatabaseURL = str("archive-database-url")
	o.PoolMaxConns = i32("pool-max-conns")
	o.PoolMinConns = i32("pool-min-conns")

	lifetime, err := changed(fs, "pool-max-conn-lifetime", fs.GetDuration)
	errs = append(errs, err)
	o.PoolMaxConnLifetime = lifetime
	ratio, err := changed(fs, "otel-sample-ratio", fs.GetFloat64)
	errs = append(errs, err)
	o.OTelSampleRatio = ratio

	o.OTelEnabled, err = fs.GetBool("otel")
	errs = append(errs, err)
	o.AuditLog, err = fs.GetString("audit-log")
	errs = append(errs, err)

	return o, errors.Join(errs...)
}

func changed[T any](fs *pflag.FlagSet, name string, get func(string) (T, error)) (*T, error) {
	if !fs.Changed(name) {
		return nil, nil
	}
	v, err := get(name)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func run(parent context.Context, overrides config.Overrides) error {
	cfg, err := config.Load(overrides)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Logs go to stderr; stdout is reserved for the MCP stdio transport.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	monCfg, err := config.LoadMonitoring(cfg.MonitorConfigFile)
	if err != nil {
		return fmt.Errorf("loading monitoring config: %w", err)
	}

	var (
		tracer trace.Tracer         = telemetry.NoopTracer()
		inst   port.Instrumentation = telemetry.NoopInstruments()
	)
	if cfg.OTelEnabled {
		provider, err := telemetry.Init(ctx, telemetry.Options{
			ServiceName:    "querywatch",
			Version:        version,
			MetricInterval: monCfg.CheckInterval,
			SampleRatio:    cfg.OTelSampleRatio,
		})
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", slog.String("error.message", err.Error()))
			}
		}()
		tracer = provider.Tracer("github.com/guillermoBallester/querywatch")
		inst = telemetry.NewInstruments()
	}

	logger.Info("starting querywatch",
		slog.String("version", version),
		slog.String("log_level", cfg.LogLevel.String()),
		slog.String("transport", cfg.Transport),
		slog.Duration("check_interval", monCfg.CheckInterval),
		slog.Duration("baseline_window", monCfg.BaselineWindow),
		slog.Int("notification_channels", len(monCfg.NotificationChannels)),
		slog.Bool("otel", cfg.OTelEnabled),
	)

	cat := service.NewCatalog()
	if cfg.CatalogFile != "" {
		f, err := catalog.LoadFromFile(cfg.CatalogFile)
		if err != nil {
			return fmt.Errorf("loading catalog: %w", err)
		}
		if err := f.Apply(cat, time.Now()); err != nil {
			return fmt.Errorf("applying catalog: %w", err)
		}
		logger.Info("catalog loaded",
			slog.String("file", cfg.CatalogFile),
			slog.Int("queries", len(f.Queries)),
			slog.Int("indexes", len(f.Indexes)),
		)
	}

	var archive port.EventArchive
	if cfg.ArchiveDatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.ArchiveDatabaseURL, postgres.PoolConfig{
			MaxConns:        cfg.PoolMaxConns,
			MinConns:        cfg.PoolMinConns,
			MaxConnLifetime: cfg.PoolMaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("connecting to archive database: %w", err)
		}
		defer pool.Close()

		pgArchive := postgres.NewArchive(pool)
		if err := pgArchive.EnsureSchema(ctx); err != nil {
			return err
		}
		archive = pgArchive
		logger.Info("event archive connected",
			slog.String("db.system", "postgresql"),
			slog.String("db.url", redactDSN(cfg.ArchiveDatabaseURL)),
		)
	}

	var auditor port.Auditor
	if cfg.AuditLog != "" {
		fa, err := audit.NewFileAuditor(cfg.AuditLog)
		if err != nil {
			return err
		}
		auditor = fa
		logger.Info("audit log enabled", slog.String("file", cfg.AuditLog))
	}

	mcpServer := mcpadapter.NewServer(version, logger, tracer, inst)

	notifiers, err := notify.FromConfig(monCfg.NotificationChannels, logger, mcpServer, nil)
	if err != nil {
		return fmt.Errorf("building notifiers: %w", err)
	}

	monitor, err := service.NewMonitor(monCfg, cat, service.MonitorOptions{
		Archive:         archive,
		Notifiers:       notifiers,
		Auditor:         auditor,
		Logger:          logger,
		Tracer:          tracer,
		Instrumentation: inst,
	})
	if err != nil {
		return fmt.Errorf("creating monitor: %w", err)
	}
	monitor.Start(context.WithoutCancel(ctx))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := monitor.Close(closeCtx); err != nil {
			logger.Warn("monitor close", slog.String("error.message", err.Error()))
		}
	}()

	mcpadapter.RegisterTools(mcpServer, monitor, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error {
		// The transport ending (stdin closed, listener gone) stops the monitor too.
		defer stop()
		if cfg.Transport == "http" {
			return serveHTTP(gctx, cfg, mcpServer, logger)
		}
		logger.Info("serving MCP over stdio")
		if err := mcpserver.NewStdioServer(mcpServer).Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("stdio server: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func serveHTTP(ctx context.Context, cfg *config.Config, mcpServer *mcpserver.MCPServer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", bearerAuthMiddleware(mcpserver.NewStreamableHTTPServer(mcpServer), cfg.HTTPBearerToken))
	mux.HandleFunc("/health", healthHandler)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(recoveryMiddleware(mux, logger), "querywatch"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("serving MCP over HTTP", slog.String("addr", cfg.HTTPAddr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}
