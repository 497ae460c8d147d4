// Aegis is an AI-powered incident response and remediation orchestrator.
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/aegis/internal/authmw"
	ac "github.com/linnemanlabs/aegis/internal/cfg"
	"github.com/linnemanlabs/aegis/internal/history"
	"github.com/linnemanlabs/aegis/internal/incidentapi"
	"github.com/linnemanlabs/aegis/internal/llm/claude"
	"github.com/linnemanlabs/aegis/internal/llm/offline"
	"github.com/linnemanlabs/aegis/internal/notify/slack"
	"github.com/linnemanlabs/aegis/internal/postgres"
	"github.com/linnemanlabs/aegis/internal/tools"
	"github.com/linnemanlabs/aegis/internal/workflow"
	"github.com/linnemanlabs/aegis/internal/workflow/memstore"
	"github.com/linnemanlabs/aegis/internal/workflow/pgstore"
)

const appName = "aegis"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	// Every subsystem owns a config struct and contributes its own flag
	// group to the shared flag set.
	var (
		appCfg    ac.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// AEGIS_-prefixed environment variables fill in anything not set on
	// the command line. Flags win over env.
	cfg.FillFromEnv(flag.CommandLine, "AEGIS_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// Checks that span config structs, so no single Validate can catch them.
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// Sync is a no-op on the stderr backend but keeps shutdown correct if
	// the backend ever buffers.
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"confidence_threshold", appCfg.ConfidenceThreshold,
		"max_retries", appCfg.MaxRetries,
		"deadline_seconds", appCfg.DeadlineSeconds,
	)

	// Profiling starts before anything else so startup itself is profiled.
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		// Profiling is best effort, the app runs without it.
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		// Same as profiling, tracing failure is not fatal.
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	workflowSvc, closeStore, err := buildService(ctx, L, appCfg, m.Registry())
	if err != nil {
		return err
	}
	defer closeStore()

	// The shutdown gate fails readiness while we drain, so the load
	// balancer steers new traffic away before the listeners close.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// The admin listener serves metrics, health and pprof. Network policy
	// keeps it internal; its own middleware additionally drops forwarded
	// traffic in case the policy ever slips.
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()

	// All responses are JSON, which compresses well.
	r.Use(middleware.Compress(5, "application/json"))

	// Resolve the chi route pattern into the request logger and span.
	r.Use(httpmw.AnnotateHTTPRoute)

	// Tag requests for query attribution and emit a per-request database
	// summary line. Queries from workflow runs land under the route that
	// submitted the incident.
	r.Use(postgres.RequestStats)

	r.Use(httpmw.AccessLog())

	// Alert payloads are small, reject anything oversized early.
	r.Use(httpmw.MaxBody(1024 * 64))

	// Health endpoints ride the main listener too so the load balancer
	// can probe the same port it routes to.
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// Incident routes sit behind bearer auth whenever a token is set.
	incidentAPI := incidentapi.New(L, workflowSvc)
	if appCfg.APIToken != "" {
		r.Group(func(gr chi.Router) {
			gr.Use(authmw.BearerToken(appCfg.APIToken))
			incidentAPI.RegisterRoutes(gr)
		})
	} else {
		L.Warn(ctx, "no api-token configured, incident endpoints are unauthenticated")
		incidentAPI.RegisterRoutes(r)
	}

	// Wrap the router outward. The outermost layer sees the raw request
	// first and the finished response last; inner layers get the enriched
	// context the outer ones built up.
	var h http.Handler = r

	// Request-scoped logger, inner so it carries trace id and route.
	h = httpmw.WithLogger(L)(h)

	// Surface trace and span ids to callers for support tickets.
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// Probe traffic would drown out real traces.
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute renames the span once the route pattern is known.
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	h = m.Middleware(h)

	// Client IP resolution sits outside the observability layers so every
	// downstream consumer sees the same resolved address.
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	// Recover wraps nearly everything so panics anywhere below become 500s.
	h = httpmw.Recover(L, nil)(h)

	// Security headers go on every response, including panic responses.
	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// Non-fatal, systemd falls back to its startup timeout.
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Give the load balancer time to notice the failed readiness probe
	// and in-flight requests time to finish. A second signal skips the wait.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Stop components in dependency order, each with a slice of the total
	// budget. The api listener goes first so no new workflow runs start,
	// then in-flight runs get to finish and persist their terminal state.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"workflow runs", workflowSvc.Drain},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// buildService assembles the workflow service and everything behind it:
// tool registry, incident store, analysis provider, history knowledge
// base, notifier and orchestrator. The returned cleanup releases the
// database pool when one was opened.
func buildService(ctx context.Context, L log.Logger, appCfg ac.Config, reg prometheus.Registerer) (*workflow.Service, func(), error) {
	// Tool registry for the log-analysis branch. Without a Loki endpoint
	// the branch runs tool-free and reasons from the alert text alone.
	var registry *tools.Registry
	if appCfg.LokiEndpoint != "" {
		registry = tools.NewRegistry()
		lokiQuery := tools.NewLokiQuery(appCfg.LokiEndpoint, appCfg.LokiTenantID)
		registry.Register(lokiQuery)
		L.Info(ctx, "loki tool available", "name", lokiQuery.Name(), "endpoint", appCfg.LokiEndpoint)
	}

	wfMetrics := workflow.NewMetrics(reg)
	hooks := wfMetrics.Hooks()

	cleanup := func() {}
	var store workflow.Store
	if appCfg.DatabaseURL != "" {
		dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_db_query_duration_seconds",
			Help:    "Duration of individual database queries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"origin", "outcome"})
		reg.MustRegister(dbQueryDuration)

		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.WithQueryObserver(
			func(origin, outcome string, dur time.Duration) {
				dbQueryDuration.WithLabelValues(origin, outcome).Observe(dur.Seconds())
			},
		))
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		cleanup = pool.Close
		L.Info(ctx, "incident store ready", "backend", "postgres")
	} else {
		store = memstore.New()
		L.Info(ctx, "incident store ready", "backend", "memory")
	}

	// Claude drives the analysis branches when a key is present, otherwise
	// the deterministic offline provider stands in.
	var provider workflow.AnalysisProvider
	if appCfg.ClaudeAPIKey != "" {
		provider = claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel, claude.Options{
			Registry: registry,
			Logger:   L,
			OnUsage:  hooks.OnLLMCall,
		})
		L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel)
	} else {
		provider = offline.New(0)
		L.Warn(ctx, "no claude-api-key configured, using the offline provider")
	}

	var historyStore *history.Store
	var err error
	if appCfg.HistoryPath != "" {
		historyStore, err = history.NewFromFile(appCfg.HistoryPath)
	} else {
		historyStore, err = history.New()
	}
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("history init: %w", err)
	}
	source := appCfg.HistoryPath
	if source == "" {
		source = "built-in"
	}
	L.Info(ctx, "history knowledge base ready", "source", source, "entries", historyStore.Len())

	var notifier workflow.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "slack notifier attached")
	}

	wfCfg := workflow.DefaultConfig()
	wfCfg.Thresholds.Confidence = appCfg.ConfidenceThreshold
	wfCfg.Thresholds.MaxRetries = appCfg.MaxRetries
	wfCfg.Deadline = time.Duration(appCfg.DeadlineSeconds) * time.Second

	orch := workflow.NewOrchestrator(workflow.OrchestratorOptions{
		Provider: provider,
		History:  historyStore,
		Notifier: notifier,
		Store:    store,
		Config:   wfCfg,
		Logger:   L,
		Hooks:    hooks,
	})

	return workflow.NewService(store, orch, L, hooks), cleanup, nil
}

// notifySystemd reports readiness over NOTIFY_SOCKET when the process
// runs under systemd with Type=notify.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd, and net has no context dial for unixgram
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	return nil
}
