package obs

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// unmatchedRoute labels every request that matched no route.
const unmatchedRoute = "unmatched"

// StatusRecorder captures the status and body size a handler produced.
// The first status written wins, as it does on the wire.
type StatusRecorder struct {
	http.ResponseWriter
	status       int
	wroteHeader  bool
	bytesWritten int64
}

func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *StatusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.status = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *StatusRecorder) Write(p []byte) (int, error) {
	sr.wroteHeader = true
	n, err := sr.ResponseWriter.Write(p)
	sr.bytesWritten += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (sr *StatusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

func (sr *StatusRecorder) Status() int { return sr.status }

func (sr *StatusRecorder) BytesWritten() int64 { return sr.bytesWritten }

// Trail carries facts handlers learn about a request, such as the till and
// the sale, out to the middleware wrapped around them. Handlers run on
// derived contexts, so outer layers only see these through the shared
// pointer. All methods accept a nil Trail.
type Trail struct {
	mu         sync.Mutex
	userID     int64
	terminalID string
	saleID     int64
	errorCode  string
}

// TrailFields is a snapshot of a Trail.
type TrailFields struct {
	UserID     int64
	TerminalID string
	SaleID     int64
	ErrorCode  string
}

type trailKey struct{}

// WithTrail installs an empty Trail on the request context unless one is
// already there.
func WithTrail(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if TrailFrom(r.Context()) != nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), trailKey{}, &Trail{})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TrailFrom returns the request's Trail, or nil outside WithTrail.
func TrailFrom(ctx context.Context) *Trail {
	t, _ := ctx.Value(trailKey{}).(*Trail)
	return t
}

func (t *Trail) SetUser(id int64) {
	t.update(func() { t.userID = id })
}

func (t *Trail) SetTerminal(id string) {
	t.update(func() { t.terminalID = id })
}

func (t *Trail) SetSale(id int64) {
	t.update(func() { t.saleID = id })
}

func (t *Trail) SetErrorCode(code string) {
	t.update(func() { t.errorCode = code })
}

func (t *Trail) update(fn func()) {
	if t == nil {
		return
	}
	t.mu.Lock()
	fn()
	t.mu.Unlock()
}

func (t *Trail) Fields() TrailFields {
	if t == nil {
		return TrailFields{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrailFields{UserID: t.userID, TerminalID: t.terminalID, SaleID: t.saleID, ErrorCode: t.errorCode}
}

// HTTPObs instruments HTTP handlers with metrics.
type HTTPObs struct {
	Metrics *HTTPMetrics
}

func (o HTTPObs) Middleware(next http.Handler) http.Handler {
	if o.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := NewStatusRecorder(w)
		o.Metrics.InFlight.Inc()
		defer o.Metrics.InFlight.Dec()
		start := time.Now()
		next.ServeHTTP(recorder, r)

		route := routeLabel(r)
		o.Metrics.ReqTotal.WithLabelValues(r.Method, route, strconv.Itoa(recorder.Status())).Inc()
		o.Metrics.ReqDur.WithLabelValues(r.Method, route).Observe(DurationMillis(time.Since(start)))
	})
}

// routeOf reports the matched chi pattern. chi fills the route context in
// place, so the full pattern is only known after the handler has returned.
func routeOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

func routeLabel(r *http.Request) string {
	if route := routeOf(r); route != "" {
		return route
	}
	return unmatchedRoute
}

// TracingMiddleware wraps each request in a server span named after the
// matched route. Sale and till attributes come from the request's Trail,
// so it must run inside WithTrail to carry them.
func TracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("kasirledger/http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method)
		defer span.End()
		recorder := NewStatusRecorder(w)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		route := routeLabel(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", recorder.Status()),
		)
		fields := TrailFrom(r.Context()).Fields()
		if fields.UserID > 0 {
			span.SetAttributes(attribute.Int64("pos.user_id", fields.UserID))
		}
		if fields.TerminalID != "" {
			span.SetAttributes(attribute.String("pos.terminal_id", fields.TerminalID))
		}
		if fields.SaleID > 0 {
			span.SetAttributes(attribute.Int64("pos.sale_id", fields.SaleID))
		}
		if fields.ErrorCode != "" {
			span.SetAttributes(attribute.String("pos.error_code", fields.ErrorCode))
		}
		if recorder.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.Status()))
		}
	})
}
