// Package middleware holds the HTTP middleware shared by every route.
package middleware

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"channelgate/internal/appctx"
	"channelgate/internal/tracing"
)

const (
	LogFieldRequestID  = "request_id"
	LogFieldTraceID    = "trace_id"
	LogFieldMethod     = "method"
	LogFieldRoute      = "route"
	LogFieldStatusCode = "status_code"
	LogFieldDuration   = "duration_ms"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldSize       = "response_size"

	RequestIDHeader = "X-Request-ID"
)

var sensitiveHeaders = []string{"authorization", "cookie", "x-api-key", "x-webhook-hmac"}

// Observability traces, counts and logs every request. Requests are
// labelled by their mux route template so path parameters do not explode
// metric cardinality.
func Observability(rt *appctx.Runtime) func(http.Handler) http.Handler {
	log := rt.Component("http")
	tracer := rt.Tracer("http")
	propagator := rt.Tracing.Propagator()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeTemplate(r)

			parent := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracing.StartSpan(parent, tracer, r.Method+" "+route,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("client.address", ClientIP(r)),
			)
			defer span.End()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = tracing.GenerateRequestID()
			}
			ctx = tracing.WithRequestID(ctx, requestID)
			ctx = tracing.WithStartTime(ctx, start)
			r = r.WithContext(ctx)
			w.Header().Set(RequestIDHeader, requestID)

			fields := logrus.Fields{
				LogFieldRequestID: requestID,
				LogFieldTraceID:   tracing.GetOtelTraceID(ctx),
				LogFieldMethod:    r.Method,
				LogFieldRoute:     route,
				LogFieldRemoteIP:  ClientIP(r),
			}
			if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
				log.WithFields(fields).WithField("headers", redactHeaders(r.Header)).Debug("HTTP request started")
			}

			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			duration := tracing.Duration(ctx)
			status := strconv.Itoa(wrapper.statusCode)
			rt.Metrics.HTTPRequests.WithLabelValues(r.Method, route, status).Inc()
			rt.Metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())

			span.SetAttributes(
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
			)
			if wrapper.statusCode >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}

			level := logrus.InfoLevel
			switch {
			case wrapper.statusCode >= 500:
				level = logrus.ErrorLevel
			case wrapper.statusCode >= 400:
				level = logrus.WarnLevel
			}
			fields[LogFieldStatusCode] = wrapper.statusCode
			fields[LogFieldDuration] = duration.Milliseconds()
			fields[LogFieldSize] = wrapper.responseSize
			log.WithFields(fields).Log(level, "HTTP request completed")
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if isSensitiveHeader(name) {
			out[name] = "[REDACTED]"
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

func isSensitiveHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveHeaders {
		if lower == s {
			return true
		}
	}
	return false
}

// responseWrapper captures the status and size. It passes Hijack through
// for WebSocket upgrades.
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
	wroteHeader  bool
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	if !rw.wroteHeader {
		rw.statusCode = statusCode
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}

func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *responseWrapper) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWrapper) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
