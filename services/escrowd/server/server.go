// Package server hosts the escrowd HTTP API in front of the escrow coordinator.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"assetescrow/core/events"
	"assetescrow/native/bank"
	"assetescrow/native/escrow"
	"assetescrow/observability"
)

const (
	maxRequestBody = 1 << 20 // 1 MiB
	requestTimeout = 15 * time.Second
)

// Server is the HTTP front-end for escrow interactions.
type Server struct {
	coordinator *escrow.Coordinator
	accounts    bank.Ledger
	hub         *events.Hub
	auth        *Authenticator
	logger      *slog.Logger
	metrics     *observability.APIMetrics
}

// New wires the API. hub may be nil, in which case the event stream is
// unavailable.
func New(coordinator *escrow.Coordinator, accounts bank.Ledger, hub *events.Hub, auth *Authenticator, logger *slog.Logger) (*Server, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("escrowd: coordinator required")
	}
	if accounts == nil {
		return nil, fmt.Errorf("escrowd: accounts ledger required")
	}
	if auth == nil {
		return nil, fmt.Errorf("escrowd: authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		coordinator: coordinator,
		accounts:    accounts,
		hub:         hub,
		auth:        auth,
		logger:      logger,
		metrics:     observability.API(),
	}, nil
}

// Handler returns the routed API wrapped with tracing.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/escrows/{buyer}", s.handleViewPending)
		v1.Get("/accounts/{principal}/balance", s.handleBalance)
		v1.Get("/events", s.handleEvents)

		v1.Group(func(authed chi.Router) {
			authed.Use(s.auth.Middleware)
			authed.Post("/escrows", s.handleInitiate)
			authed.Post("/escrows/approve", s.handleApprove)
			authed.Post("/escrows/cancel", s.handleCancel)
			authed.Post("/escrows/sweep", s.handleSweep)
		})
	})
	return otelhttp.NewHandler(r, "escrowd")
}

// observe records request metrics labelled by the matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.Observe(route, r.Method, status, time.Since(start))
	})
}

// statusFor maps coordinator failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrNoEscrow):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrEscrowExists), errors.Is(err, escrow.ErrPurchasePending),
		errors.Is(err, escrow.ErrRefundPending):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrExternalCall):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
