package postgres

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// QueryObserver receives one measurement per completed query. Origin is
// the HTTP method plus chi route pattern when the query context descends
// from an API request, and "background" for detached work such as schema
// setup.
type QueryObserver func(origin, outcome string, dur time.Duration)

// queryTracer implements pgx.QueryTracer. It delegates span handling to
// the inner tracer (otelpgx) and layers on structured query logging,
// per-context stats, and the metrics observer.
type queryTracer struct {
	inner   pgx.QueryTracer
	observe QueryObserver
	minLog  time.Duration
}

type methodKey struct{}
type statsKey struct{}
type queryKey struct{}

// queryInfo travels from TraceQueryStart to TraceQueryEnd in the context.
type queryInfo struct {
	sql   string
	args  []any
	start time.Time
	op    string
}

func (t *queryTracer) TraceQueryStart(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryStartData,
) context.Context {
	info := &queryInfo{
		sql:   data.SQL,
		args:  data.Args,
		start: time.Now(),
		op:    callerOp(),
	}

	// Inner tracer first so the otelpgx span exists before we annotate it.
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if info.op != "" {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(attribute.String("code.function", info.op))
		}
	}

	return context.WithValue(ctx, queryKey{}, info)
}

func (t *queryTracer) TraceQueryEnd(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryEndData,
) {
	// Finish the otelpgx span before anything else.
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	info, _ := ctx.Value(queryKey{}).(*queryInfo)
	if info == nil {
		return
	}
	dur := time.Since(info.start)
	origin := queryOrigin(ctx)

	if s, ok := ctx.Value(statsKey{}).(*QueryStats); ok {
		s.record(dur, data.Err)
	}

	if t.observe != nil {
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		t.observe(origin, outcome, dur)
	}

	if data.Err == nil && dur < t.minLog {
		return
	}

	fields := []any{
		"db.statement", info.sql,
		"db.duration", dur.Seconds(),
		"db.origin", origin,
	}
	if info.op != "" {
		fields = append(fields, "db.op", info.op)
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if cmd, _, _ := strings.Cut(tag, " "); cmd != "" {
			fields = append(fields, "db.command", strings.ToUpper(cmd))
		}
		fields = append(fields, "db.rows", data.CommandTag.RowsAffected())
	}

	L := log.FromContext(ctx)
	if data.Err == nil {
		L.Info(ctx, "db query", fields...)
		return
	}

	// Arguments are logged only for failed queries.
	fields = append(fields, "db.args", info.args)
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields,
			"pg.code", pgErr.Code,
			"pg.constraint", pgErr.ConstraintName,
		)
	}
	L.Error(ctx, data.Err, "db query failed", fields...)
}

// queryOrigin names what triggered the current query. Workflow runs
// spawned by an API request keep the request's values, so their queries
// resolve to the triggering route rather than "background".
func queryOrigin(ctx context.Context) string {
	pattern := ""
	if rc := chi.RouteContext(ctx); rc != nil {
		pattern = rc.RoutePattern()
	}
	method, _ := ctx.Value(methodKey{}).(string)

	switch {
	case method != "" && pattern != "":
		return method + " " + pattern
	case pattern != "":
		return pattern
	case method != "":
		return method
	}
	return "background"
}

// QueryStats accumulates query counters for one context scope, typically
// a single HTTP request. Runs dispatched from a request share the
// request's collector, so record must stay safe after the response is
// written.
type QueryStats struct {
	mu      sync.Mutex
	queries int
	errors  int
	busy    time.Duration
	slowest time.Duration
}

// QueryTotals is a point-in-time copy of a QueryStats collector.
type QueryTotals struct {
	Queries int
	Errors  int
	Busy    time.Duration
	Slowest time.Duration
}

func (s *QueryStats) record(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	s.busy += dur
	if dur > s.slowest {
		s.slowest = dur
	}
	if err != nil {
		s.errors++
	}
}

// Totals returns a consistent snapshot of the counters.
func (s *QueryStats) Totals() QueryTotals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return QueryTotals{
		Queries: s.queries,
		Errors:  s.errors,
		Busy:    s.busy,
		Slowest: s.slowest,
	}
}

// WithQueryStats attaches a fresh collector to the context and returns it.
func WithQueryStats(ctx context.Context) (context.Context, *QueryStats) {
	s := &QueryStats{}
	return context.WithValue(ctx, statsKey{}, s), s
}

// RequestStats is chi middleware that tags the request context for query
// attribution and logs one summary line for requests that touched the
// database.
func RequestStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), methodKey{}, r.Method)
		ctx, stats := WithQueryStats(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))

		if t := stats.Totals(); t.Queries > 0 {
			log.FromContext(ctx).Info(ctx, "request db summary",
				"db.queries", t.Queries,
				"db.errors", t.Errors,
				"db.busy", t.Busy.Seconds(),
				"db.slowest", t.Slowest.Seconds(),
			)
		}
	})
}

// callerOp walks the stack for the first frame outside this package and
// the pgx machinery, shortened to "pkg.(*Type).Method" form.
func callerOp() string {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if fn := fr.Function; fn != "" && !skipFrame(fn) {
			return shortOp(fn)
		}
		if !more {
			return ""
		}
	}
}

func skipFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "/internal/postgres.")
}

// shortOp keeps the package name and function, dropping the module path.
func shortOp(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	return fn
}
