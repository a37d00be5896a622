package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pos-sync/internal/common/httpx"
	"pos-sync/internal/common/logger"
	"pos-sync/internal/common/metrics"
	"pos-sync/internal/microservices/statemachine/service"
)

type Handler struct {
	MutationHandler *MutationHandler
	QueryHandler    *QueryHandler
}

func New(svc service.MachineInterface, log *logger.Logger) *Handler {
	return &Handler{
		MutationHandler: NewMutationHandler(svc, log),
		QueryHandler:    NewQueryHandler(svc, log),
	}
}

func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/mutations", h.MutationHandler.Apply)
		r.Get("/snapshot", h.QueryHandler.Snapshot)
		r.Get("/tables/{id}", h.QueryHandler.GetTable)
		r.Get("/tables/{id}/orders", h.QueryHandler.TableOrders)
		r.Get("/orders/{id}", h.QueryHandler.GetOrder)
		r.Get("/orders/{id}/timeline", h.QueryHandler.Timeline)
	})
	return r
}
