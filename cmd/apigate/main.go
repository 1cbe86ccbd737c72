// Command apigate runs the development API gateway: the pipeline
// engine mounted under its prefix, plus diagnostic endpoints for
// health, metrics, and gateway status.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/fabricedelahaij/apigate/internal/config"
	"github.com/fabricedelahaij/apigate/internal/gateway"
	"github.com/fabricedelahaij/apigate/internal/observability"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.Load,
			observability.NewLogger,
			provideMetrics,
			provideEngine,
			provideRouter,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger}
		}),
		fx.Invoke(setupTracer),
		fx.Invoke(registerDemoRoutes),
		fx.Invoke(runServer),
	)
	app.Run()
}

// metricsOut bundles the registry and recorder for fx.
type metricsOut struct {
	fx.Out
	Registry *prometheus.Registry
	Metrics  *observability.GatewayMetrics
}

func provideMetrics() metricsOut {
	reg, m := observability.NewMetrics()
	return metricsOut{Registry: reg, Metrics: m}
}

func setupTracer(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) error {
	tp, err := observability.InitTracer(context.Background(), cfg)
	if err != nil {
		return err
	}
	if cfg.OTELEnabled {
		otel.SetTracerProvider(tp)
		logger.Info("tracing enabled", "endpoint", cfg.OTELExporterEndpoint)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
	return nil
}

func provideEngine(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, metrics *observability.GatewayMetrics) (*gateway.Engine, error) {
	engine, err := gateway.New(cfg, logger, metrics)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return engine.Close()
		},
	})
	return engine, nil
}

// provideRouter mounts the engine and the diagnostic endpoints. The
// diagnostics are unauthenticated, so they get their own CORS policy
// and a modest rate limit.
func provideRouter(cfg *config.Config, engine *gateway.Engine, registry *prometheus.Registry) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(500))

	r.Group(func(diag chi.Router) {
		diag.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins(),
			AllowedMethods: []string{http.MethodGet},
			MaxAge:         int(cfg.CORSMaxAge.Seconds()),
		}))
		diag.Use(httprate.LimitByIP(30, time.Minute))

		diag.Get("/healthz", health.LiveEndpoint)
		diag.Get("/readyz", health.ReadyEndpoint)
		diag.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	})

	// Everything else flows through the gateway pipeline; unclaimed
	// paths fall back to the engine's 404.
	r.Handle("/*", engine)

	return r
}

// registerDemoRoutes installs a small route table so a fresh checkout
// answers requests. The filesystem scanner replaces this table through
// Engine.SetRoutes in real deployments.
func registerDemoRoutes(engine *gateway.Engine, logger *slog.Logger, cfg *config.Config) error {
	routes := []gateway.RouteEntry{
		{
			Template: cfg.Prefix + "/echo",
			Route: &gateway.Route{
				GET: func(_ context.Context, req *gateway.Request) (*gateway.Response, error) {
					return gateway.JSON(http.StatusOK, map[string]any{
						"path":   req.URL.Path,
						"query":  req.URL.RawQuery,
						"client": req.ClientAddr,
					}), nil
				},
				POST: func(_ context.Context, req *gateway.Request) (*gateway.Response, error) {
					return gateway.JSON(http.StatusOK, map[string]any{"received": req.Body}), nil
				},
			},
		},
		{
			Template: cfg.Prefix + "/token",
			Route: &gateway.Route{
				GET: func(_ context.Context, req *gateway.Request) (*gateway.Response, error) {
					token, err := req.IssueCSRFToken()
					if err != nil {
						return nil, err
					}
					return gateway.JSON(http.StatusOK, map[string]string{"token": token}), nil
				},
			},
		},
		{
			Template: cfg.Prefix + "/users/:id",
			Route: &gateway.Route{
				GET: func(_ context.Context, req *gateway.Request) (*gateway.Response, error) {
					return gateway.JSON(http.StatusOK, map[string]string{"id": req.Params["id"]}), nil
				},
			},
		},
	}

	if err := engine.SetRoutes(routes); err != nil {
		return fmt.Errorf("register demo routes: %w", err)
	}
	logger.Info("demo routes registered", "count", len(routes))
	return nil
}

func runServer(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, router chi.Router) {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			logger.Info("gateway listening",
				"addr", ln.Addr().String(),
				"prefix", cfg.Prefix,
				"env", cfg.Env,
			)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "error", err)
					os.Exit(1)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
