package shardq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"

	"pkt.systems/shardq/internal/version"
)

// Telemetry owns the exporters and listeners started by StartTelemetry.
type Telemetry struct {
	logger   pslog.Logger
	closers  []func(context.Context) error
	metrics  string
	pprofURL string
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// StartTelemetry installs the global tracer and meter providers requested by
// cfg. It returns nil when nothing is enabled; Shutdown is nil-safe.
func StartTelemetry(ctx context.Context, cfg Config, logger pslog.Logger) (*Telemetry, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	metricsListen := strings.TrimSpace(cfg.MetricsListen)
	pprofListen := strings.TrimSpace(cfg.PprofListen)
	if endpoint == "" && metricsListen == "" && pprofListen == "" {
		if cfg.EnableProfilingMetrics {
			return nil, fmt.Errorf("telemetry: profiling metrics require metrics listen address")
		}
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("shardq"),
			semconv.ServiceVersion(version.Current()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	t := &Telemetry{logger: logger}
	fail := func(err error) (*Telemetry, error) {
		_ = t.Shutdown(ctx)
		return nil, err
	}

	if endpoint != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return nil, err
		}
		provider, err := newTracerProvider(ctx, target, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(provider)
		t.closers = append(t.closers, wrapShutdown("trace", provider.Shutdown))
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}

	if metricsListen == "" && cfg.EnableProfilingMetrics {
		return fail(fmt.Errorf("telemetry: profiling metrics require metrics listen address"))
	}
	if metricsListen != "" {
		registry := prometheus.NewRegistry()
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.EnableProfilingMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			return fail(fmt.Errorf("telemetry: start prometheus exporter: %w", err))
		}
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(meterProvider)
		t.closers = append(t.closers, wrapShutdown("metric", meterProvider.Shutdown))
		if cfg.EnableProfilingMetrics {
			runtimeMetricsOnce.Do(func() {
				runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(meterProvider))
			})
			if runtimeMetricsErr != nil {
				return fail(fmt.Errorf("profiling: runtime metrics: %w", runtimeMetricsErr))
			}
			logger.Info("profiling.metrics.enabled")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		addr, closer, err := serve("telemetry.metrics", metricsListen, mux, logger)
		if err != nil {
			return fail(err)
		}
		t.closers = append(t.closers, closer)
		t.metrics = "http://" + addr + "/metrics"
		logger.Info("telemetry.metrics.enabled", "listen", addr)
	}

	if pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		addr, closer, err := serve("profiling.pprof", pprofListen, mux, logger)
		if err != nil {
			return fail(err)
		}
		t.closers = append(t.closers, closer)
		t.pprofURL = "http://" + addr + "/debug/pprof/"
		logger.Info("profiling.pprof.enabled", "listen", addr)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return t, nil
}

// MetricsURL returns the Prometheus scrape URL, or "" when disabled.
func (t *Telemetry) MetricsURL() string {
	if t == nil {
		return ""
	}
	return t.metrics
}

// PprofURL returns the pprof index URL, or "" when disabled.
func (t *Telemetry) PprofURL() string {
	if t == nil {
		return ""
	}
	return t.pprofURL
}

// Shutdown stops listeners and flushes exporters in reverse start order.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](ctx); err != nil {
			errs = append(errs, err)
			t.logger.Warn("telemetry.shutdown.failure", "error", err)
		}
	}
	t.closers = nil
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	t.logger.Debug("telemetry.shutdown.complete")
	return nil
}

func wrapShutdown(what string, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s shutdown: %w", what, err)
		}
		return nil
	}
}

// serve starts an HTTP server on addr and returns the bound address.
func serve(event, addr string, handler http.Handler, logger pslog.Logger) (string, func(context.Context) error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("%s listen: %w", event, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn(event+".serve_error", "error", err)
		}
	}()
	closer := func(ctx context.Context) error {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s shutdown: %w", event, err)
		}
		return nil
	}
	return ln.Addr().String(), closer, nil
}

type otlpTarget struct {
	protocol string
	endpoint string
	path     string
	insecure bool
}

func newTracerProvider(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch target.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (%s): %w", target.protocol, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
		sdktrace.WithBatcher(exporter),
	), nil
}

// resolveOTLPTarget accepts host[:port] (plain gRPC) or a grpc://, grpcs://,
// http:// or https:// URL.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		endpoint := raw
		if !strings.Contains(endpoint, ":") {
			endpoint = net.JoinHostPort(endpoint, "4317")
		}
		return otlpTarget{protocol: "grpc", endpoint: endpoint, insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	target := otlpTarget{endpoint: u.Host, path: strings.TrimSuffix(u.Path, "/")}
	defaultPort := "4317"
	switch strings.ToLower(u.Scheme) {
	case "grpc":
		target.protocol, target.insecure = "grpc", true
	case "grpcs":
		target.protocol = "grpc"
	case "http":
		target.protocol, target.insecure, defaultPort = "http", true, "4318"
	case "https":
		target.protocol, defaultPort = "http", "4318"
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if target.endpoint == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	if u.Port() == "" {
		target.endpoint = net.JoinHostPort(u.Hostname(), defaultPort)
	}
	return target, nil
}
