package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"pos-sync/internal/common/httpx"
	"pos-sync/internal/common/logger"
	"pos-sync/internal/domain"
	"pos-sync/internal/microservices/statemachine/service"
)

const maxBody = 1 << 20

type MutationHandler struct {
	service service.MachineInterface
	log     *logger.Logger
}

func NewMutationHandler(svc service.MachineInterface, log *logger.Logger) *MutationHandler {
	return &MutationHandler{service: svc, log: log}
}

// Apply answers 200 for accepted (or duplicate) mutations, 409 for
// conflicts, 400 for malformed requests and 5xx when the terminal should
// retry later.
func (h *MutationHandler) Apply(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		httpx.WriteProblem(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var req domain.MutationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteProblem(w, http.StatusBadRequest, "malformed", err.Error())
		return
	}

	resp, err := h.service.Apply(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrMalformed):
		httpx.WriteProblem(w, http.StatusBadRequest, "malformed", err.Error())
		return
	case domain.IsTransient(err):
		httpx.WriteProblem(w, http.StatusServiceUnavailable, "transient", err.Error())
		return
	case domain.IsInvariantViolation(err):
		httpx.WriteProblem(w, http.StatusInternalServerError, "invariant_violation", err.Error())
		return
	default:
		h.log.Error("mutation_failed", err, map[string]any{"token": req.IdempotencyToken, "kind": req.Kind})
		httpx.WriteProblem(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	code := http.StatusOK
	if !resp.Accepted {
		code = http.StatusConflict
	}
	httpx.WriteJSON(w, code, resp)
}
