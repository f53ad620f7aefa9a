package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/leakytokens/tokend/pkg/httputil"
	"github.com/leakytokens/tokend/pkg/ledger"
	"github.com/leakytokens/tokend/pkg/quota"
)

// getQuotaStatus handles GET /api/v1/quota
func (s *Server) getQuotaStatus(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrError(w, r)
	if !ok {
		return
	}

	bal, err := s.engine.Status(r.Context(), tenant.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrTenantNotFound) {
			// An unknown tenant simply has no balance yet.
			httputil.WriteSuccess(w, &QuotaStatusResponse{TenantID: tenant.ID, Timestamp: time.Now().UTC()})
			return
		}
		s.logger.WithError(err).WithField("tenant_id", tenant.ID).Error("failed to read quota status")
		httputil.WriteServiceUnavailable(w, "quota status unavailable")
		return
	}

	httputil.WriteSuccess(w, &QuotaStatusResponse{
		TenantID:  bal.TenantID,
		Balance:   bal.Balance,
		Version:   bal.Version,
		Timestamp: time.Now().UTC(),
	})
}

// checkQuota handles POST /api/v1/quota/check. The answer is advisory:
// a pass here does not reserve tokens, only consume does.
func (s *Server) checkQuota(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrError(w, r)
	if !ok {
		return
	}

	var req CheckRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequirePositive(w, req.Amount, "amount") {
		return
	}

	decision, err := s.engine.Check(r.Context(), tenant.ID, req.Amount)
	if err != nil {
		s.logger.WithError(err).WithField("tenant_id", tenant.ID).Error("quota check failed")
		httputil.WriteServiceUnavailable(w, "quota check unavailable")
		return
	}

	s.writeDecision(w, decision, http.StatusOK)
}

// consumeQuota handles POST /api/v1/quota/consume
func (s *Server) consumeQuota(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrError(w, r)
	if !ok {
		return
	}
	key, ok := idempotencyKeyOrError(w, r)
	if !ok {
		return
	}

	var req ConsumeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequirePositive(w, req.Amount, "amount") {
		return
	}

	decision, err := s.engine.Consume(r.Context(), quota.ConsumeRequest{
		TenantID:       tenant.ID,
		Amount:         req.Amount,
		IdempotencyKey: key,
		RequestRef:     req.RequestRef,
		Scopes:         tenant.Scopes,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			s.logger.WithError(err).WithField("tenant_id", tenant.ID).Warn("consume gave up under contention")
			w.Header().Set("Retry-After", "1")
			httputil.WriteServiceUnavailable(w, "balance contention, retry with the same idempotency key")
			return
		}
		s.logger.WithError(err).WithField("tenant_id", tenant.ID).Error("consume failed")
		httputil.WriteServiceUnavailable(w, "quota consume unavailable")
		return
	}

	status := http.StatusOK
	if !decision.Allowed {
		switch decision.Reason {
		case quota.ReasonAmountTooLarge:
			status = http.StatusBadRequest
		default:
			status = http.StatusTooManyRequests
		}
	}
	s.writeDecision(w, decision, status)
}

// getHistory handles GET /api/v1/quota/history
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrError(w, r)
	if !ok {
		return
	}

	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	entries, err := s.engine.History(r.Context(), tenant.ID, limit)
	if err != nil {
		s.logger.WithError(err).WithField("tenant_id", tenant.ID).Error("failed to read ledger history")
		httputil.WriteServiceUnavailable(w, "history unavailable")
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"tenant_id": tenant.ID,
		"entries":   entries,
	})
}

// writeDecision sends a decision with the usual rate-limit headers. The
// remaining count reflects the token balance, the limit reflects the
// admission capacity where one applied.
func (s *Server) writeDecision(w http.ResponseWriter, decision *quota.Decision, status int) {
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
	if decision.Admission != nil {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Admission.Capacity))
	}
	if !decision.Allowed && decision.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", decision.RetryAfterSeconds))
	}

	resp := &DecisionResponse{Decision: decision, Timestamp: time.Now().UTC()}
	if decision.Entry != nil {
		resp.EntryID = decision.Entry.ID
	}
	httputil.WriteJSON(w, status, resp)
}
