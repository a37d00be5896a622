package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pos-sync/internal/common/httpx"
	"pos-sync/internal/common/logger"
	"pos-sync/internal/domain"
	"pos-sync/internal/microservices/statemachine/service"
)

type QueryHandler struct {
	service service.MachineInterface
	log     *logger.Logger
}

func NewQueryHandler(svc service.MachineInterface, log *logger.Logger) *QueryHandler {
	return &QueryHandler{service: svc, log: log}
}

func (h *QueryHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Snapshot(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

func (h *QueryHandler) GetTable(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.Table(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

func (h *QueryHandler) TableOrders(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	orders, err := h.service.TableOrders(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"tableId": id, "orders": orders})
}

func (h *QueryHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Order(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (h *QueryHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.service.Timeline(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"orderId": id, "events": events})
}

func (h *QueryHandler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		httpx.WriteProblem(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	h.log.Error("query_failed", err, nil)
	httpx.WriteProblem(w, http.StatusInternalServerError, "db_error", err.Error())
}
