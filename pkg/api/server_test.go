package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leakytokens/tokend/pkg/ledger"
	"github.com/leakytokens/tokend/pkg/middleware"
	"github.com/leakytokens/tokend/pkg/observability"
	"github.com/leakytokens/tokend/pkg/outbox"
	"github.com/leakytokens/tokend/pkg/payment"
	"github.com/leakytokens/tokend/pkg/quota"
	"github.com/leakytokens/tokend/pkg/quotacache"
	"github.com/leakytokens/tokend/pkg/saga"
)

type apiFixture struct {
	server   *Server
	ledger   *ledger.MemoryStore
	sagas    *saga.MemoryStore
	payments *payment.StubClient
	engine   *quota.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	store := ledger.NewMemoryStore()
	events := outbox.NewMemoryStore()
	cache := quotacache.New(nil, quotacache.DefaultConfig())
	buckets := quota.NewMemoryBucketStore(0)

	engine := quota.NewEngine(store, cache, buckets, events, quota.DefaultEngineConfig(), logger, nil)

	sagas := saga.NewMemoryStore()
	payments := payment.NewStubClient()
	orchestrator := saga.NewOrchestrator(sagas, engine, payments, events, saga.DefaultConfig(), logger, nil)

	return &apiFixture{
		server:   NewServer(engine, orchestrator, logger, nil),
		ledger:   store,
		sagas:    sagas,
		payments: payments,
		engine:   engine,
	}
}

func (f *apiFixture) seedBalance(t *testing.T, tenantID string, amount int64) {
	t.Helper()
	_, err := f.engine.Credit(context.Background(), tenantID, amount, "seed-"+tenantID, ledger.KindPurchaseCredit, "", nil)
	require.NoError(t, err)
}

type requestOpts struct {
	tenantID       string
	scopes         string
	idempotencyKey string
	body           interface{}
}

func (f *apiFixture) do(t *testing.T, method, path string, opts requestOpts) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	if opts.body != nil {
		data, err := json.Marshal(opts.body)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, body)
	if opts.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.tenantID != "" {
		req.Header.Set(middleware.TenantIDHeader, opts.tenantID)
	}
	if opts.scopes != "" {
		req.Header.Set(middleware.ScopesHeader, opts.scopes)
	}
	if opts.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", opts.idempotencyKey)
	}

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), "body: %s", rec.Body.String())
}

func TestServer_RejectsMissingTenant(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "GET", "/api/v1/quota", requestOpts{})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_RejectsWrongContentType(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest("POST", "/api/v1/quota/check", bytes.NewReader([]byte(`{"amount":1}`)))
	req.Header.Set(middleware.TenantIDHeader, "tenant-1")
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RequestIDHeader(t *testing.T) {
	f := newAPIFixture(t)
	f.seedBalance(t, "tenant-1", 10)

	rec := f.do(t, "GET", "/api/v1/quota", requestOpts{tenantID: "tenant-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
