// Package api is the HTTP surface of the payment ledger: a thin
// request/response mapping over the payments service and the API key
// authenticator. All business rules live below it.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"payflow/pkg/auth"
	"payflow/pkg/cache"
	"payflow/pkg/logging"
	"payflow/pkg/metrics"
	"payflow/pkg/payments"
	"payflow/pkg/store"
)

// Server hosts the public API.
type Server struct {
	payments *payments.Service
	auth     *auth.Authenticator
	store    store.Store
	loader   *cache.Loader
	metrics  *metrics.Metrics
	logger   *logging.Logger

	router *mux.Router
	server *http.Server
}

// Config holds HTTP server configuration.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Address:      ":8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer wires the router. loader may wrap a nil cache; metrics and
// logger fall back to inert implementations when nil.
func NewServer(
	svc *payments.Service,
	authenticator *auth.Authenticator,
	st store.Store,
	loader *cache.Loader,
	m *metrics.Metrics,
	logger *logging.Logger,
	config Config,
) *Server {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if m == nil {
		m = metrics.New("payflow")
	}
	if loader == nil {
		loader = cache.NewLoader(nil, 0)
	}

	s := &Server{
		payments: svc,
		auth:     authenticator,
		store:    st,
		loader:   loader,
		metrics:  m,
		logger:   logger.Named("api"),
	}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.metricsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc("/payments", s.handleCreatePayment).Methods(http.MethodPost)
	authed.HandleFunc("/payments", s.handleListPayments).Methods(http.MethodGet)
	authed.HandleFunc("/refunds", s.handleCreateRefund).Methods(http.MethodPost)
	authed.HandleFunc("/refunds", s.handleListRefunds).Methods(http.MethodGet)
	authed.HandleFunc("/balance", s.handleBalance).Methods(http.MethodGet)
	authed.HandleFunc("/customers", s.handleListCustomers).Methods(http.MethodGet)

	s.router = r
	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
