package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type contextKey string

const (
	ownerIDKey   contextKey = "owner_id"
	requestIDKey contextKey = "request_id"
)

// OwnerID returns the authenticated account ID from the request context.
func OwnerID(ctx context.Context) string {
	if v, ok := ctx.Value(ownerIDKey).(string); ok {
		return v
	}
	return ""
}

// RequestID returns the request ID from the request context.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// requestIDMiddleware assigns every request an ID, honoring one supplied
// by the caller, and echoes it back in the response.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware resolves the bearer credential to an owner account and
// rejects the request with 401 otherwise. Handlers behind it can rely on
// OwnerID being set.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.metrics.RecordAuthFailure()
			writeError(w, http.StatusUnauthorized, errTypeAuth, "Invalid or missing API key")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		ownerID, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			s.metrics.RecordAuthFailure()
			writeError(w, http.StatusUnauthorized, errTypeAuth, "Invalid or missing API key")
			return
		}

		ctx := context.WithValue(r.Context(), ownerIDKey, ownerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusResponseWriter captures the status code for metrics.
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// metricsMiddleware records request counts and latencies per route.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(srw, r)

		s.metrics.RecordHTTPRequest(
			r.Method,
			routeTemplate(r),
			strconv.Itoa(srw.statusCode),
			time.Since(start),
		)
	})
}

// routeTemplate returns the mux path template so metrics don't explode
// into per-URL label values.
func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return r.URL.Path
	}
	tmpl, err := route.GetPathTemplate()
	if err != nil {
		return r.URL.Path
	}
	return tmpl
}
