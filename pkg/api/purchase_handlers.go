package api

import (
	"errors"
	"net/http"

	"github.com/leakytokens/tokend/pkg/httputil"
	"github.com/leakytokens/tokend/pkg/saga"
)

// createPurchase handles POST /api/v1/purchases. Re-sending the same
// Idempotency-Key returns the existing purchase instead of charging
// again.
func (s *Server) createPurchase(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrError(w, r)
	if !ok {
		return
	}
	key, ok := idempotencyKeyOrError(w, r)
	if !ok {
		return
	}
	if s.orchestrator == nil {
		httputil.WriteServiceUnavailable(w, "token purchases are not configured")
		return
	}

	var req PurchaseRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequirePositive(w, req.Tokens, "tokens") {
		return
	}
	if req.AmountCents < 0 {
		httputil.WriteBadRequest(w, "amount_cents must not be negative")
		return
	}

	sg, err := s.orchestrator.StartPurchase(r.Context(), saga.PurchaseRequest{
		TenantID:       tenant.ID,
		Tokens:         req.Tokens,
		AmountCents:    req.AmountCents,
		IdempotencyKey: key,
	})
	if err != nil {
		if errors.Is(err, saga.ErrDisabled) {
			httputil.WriteServiceUnavailable(w, "token purchases are disabled")
			return
		}
		if errors.Is(err, saga.ErrCompensationFailed) && sg != nil {
			// The purchase outcome is durable even though the refund has not
			// landed yet; report the parked saga.
			s.logger.WithError(err).Error("purchase parked awaiting operator")
			httputil.WriteJSON(w, http.StatusAccepted, newPurchaseResponse(sg))
			return
		}
		if sg != nil {
			// Charge or refund outcome unknown; the recovery sweep resumes
			// the saga. Callers poll or re-send the same key.
			s.logger.WithError(err).WithField("saga_id", sg.ID).Warn("purchase parked for recovery")
			httputil.WriteJSON(w, http.StatusAccepted, newPurchaseResponse(sg))
			return
		}
		s.logger.WithError(err).WithField("tenant_id", tenant.ID).Error("failed to start purchase")
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	status := http.StatusCreated
	switch sg.State {
	case saga.StatePaymentFailed:
		status = http.StatusPaymentRequired
	case saga.StateCompensated:
		// Payment went through but the credit could not land; the charge
		// has been refunded.
		status = http.StatusConflict
	default:
		if !sg.State.Terminal() {
			status = http.StatusAccepted
		}
	}
	httputil.WriteJSON(w, status, newPurchaseResponse(sg))
}

// getPurchase handles GET /api/v1/purchases/{id}
func (s *Server) getPurchase(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantOrError(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if s.orchestrator == nil {
		httputil.WriteServiceUnavailable(w, "token purchases are not configured")
		return
	}

	sg, err := s.orchestrator.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			httputil.WriteNotFoundError(w, "purchase not found")
			return
		}
		s.logger.WithError(err).WithField("saga_id", id).Error("failed to load purchase")
		httputil.WriteServiceUnavailable(w, "purchase lookup unavailable")
		return
	}
	// Purchases are tenant-scoped; a foreign ID reads as absent.
	if sg.TenantID != tenant.ID {
		httputil.WriteNotFoundError(w, "purchase not found")
		return
	}

	httputil.WriteSuccess(w, newPurchaseResponse(sg))
}
