package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/leakytokens/tokend/pkg/httputil"
	"github.com/leakytokens/tokend/pkg/middleware"
	"github.com/leakytokens/tokend/pkg/observability"
	"github.com/leakytokens/tokend/pkg/quota"
	"github.com/leakytokens/tokend/pkg/saga"
)

// maxBodyBytes bounds request bodies; every request here is a small
// JSON document.
const maxBodyBytes = 64 * 1024

// Server is the tenant-facing quota and purchase API.
type Server struct {
	engine       *quota.Engine
	orchestrator *saga.Orchestrator
	router       *mux.Router
	handler      http.Handler
	logger       *observability.Logger
	metrics      *observability.Metrics
}

// NewServer creates the API server. orchestrator and metrics may be
// nil; the purchase routes then answer 503.
func NewServer(engine *quota.Engine, orchestrator *saga.Orchestrator, logger *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		engine:       engine,
		orchestrator: orchestrator,
		router:       mux.NewRouter(),
		logger:       logger,
		metrics:      metrics,
	}

	s.setupRoutes()

	chain := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(maxBodyBytes),
		middleware.NewTenantMiddleware(false).Handler,
	}
	if metrics != nil {
		chain = append([]func(http.Handler) http.Handler{observability.HTTPMetricsMiddleware(metrics)}, chain...)
	}
	s.handler = httputil.Chain(chain...)(s.router)

	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	// Quota routes
	s.router.HandleFunc("/api/v1/quota", s.getQuotaStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/quota/check", s.checkQuota).Methods("POST")
	s.router.HandleFunc("/api/v1/quota/consume", s.consumeQuota).Methods("POST")
	s.router.HandleFunc("/api/v1/quota/history", s.getHistory).Methods("GET")

	// Purchase routes
	s.router.HandleFunc("/api/v1/purchases", s.createPurchase).Methods("POST")
	s.router.HandleFunc("/api/v1/purchases/{id}", s.getPurchase).Methods("GET")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// tenantOrError resolves the request tenant, writing a 401 when the
// middleware did not attach one.
func tenantOrError(w http.ResponseWriter, r *http.Request) (*middleware.Tenant, bool) {
	tenant := middleware.GetTenant(r)
	if tenant == nil {
		httputil.WriteUnauthorized(w, "tenant identity required")
		return nil, false
	}
	return tenant, true
}

// idempotencyKeyOrError reads the Idempotency-Key header, writing a 400
// when it is absent.
func idempotencyKeyOrError(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		httputil.WriteBadRequest(w, "Idempotency-Key header is required")
		return "", false
	}
	return key, true
}
