// Package handlers serves the terminal's local API. Every write lands in the
// durable queue; nothing here waits on the network.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pos-sync/internal/common/httpx"
	"pos-sync/internal/common/logger"
	"pos-sync/internal/common/metrics"
	"pos-sync/internal/domain"
	"pos-sync/internal/terminal/queue"
	"pos-sync/internal/terminal/syncengine"
)

const maxBody = 1 << 20

type QueueInterface interface {
	DeviceID() string
	Enqueue(ctx context.Context, kind domain.MutationKind, payload any) (string, error)
	Pending(ctx context.Context) ([]queue.PendingMutation, error)
	View(ctx context.Context) (queue.View, error)
	ViewOrder(ctx context.Context, id string) (domain.Order, error)
	ViewTable(ctx context.Context, id string) (domain.Table, error)
	Notices(ctx context.Context, limit int) ([]queue.Notice, error)
	RetryRejected(ctx context.Context, localID string) (string, error)
}

type SyncInterface interface {
	Trigger()
	Status(ctx context.Context) (syncengine.Status, error)
}

// Probes reports liveness of the two server links for /local/status.
type Probes struct {
	Online    func() bool
	Connected func() bool
}

type Handler struct {
	queue  QueueInterface
	sync   SyncInterface
	probes Probes
	log    *logger.Logger
}

func New(q QueueInterface, s SyncInterface, probes Probes, log *logger.Logger) *Handler {
	return &Handler{queue: q, sync: s, probes: probes, log: log}
}

func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/local", func(r chi.Router) {
		r.Post("/mutations", h.Enqueue)
		r.Get("/mutations", h.Pending)
		r.Get("/view", h.View)
		r.Get("/tables/{id}", h.Table)
		r.Get("/orders/{id}", h.Order)
		r.Get("/status", h.Status)
		r.Get("/notices", h.Notices)
		r.Post("/notices/{localId}/retry", h.Retry)
		r.Post("/sync", h.Sync)
	})
	return r
}

type enqueueRequest struct {
	Kind    domain.MutationKind `json:"kind"`
	Payload json.RawMessage     `json:"payload"`
}

// Enqueue answers 202 once the mutation is durable and visible in the view.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		httpx.WriteProblem(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var req enqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteProblem(w, http.StatusBadRequest, "malformed", err.Error())
		return
	}
	if err := checkPayload(req.Kind, req.Payload); err != nil {
		httpx.WriteProblem(w, http.StatusBadRequest, "malformed", err.Error())
		return
	}

	localID, err := h.queue.Enqueue(r.Context(), req.Kind, req.Payload)
	if errors.Is(err, domain.ErrMalformed) {
		httpx.WriteProblem(w, http.StatusBadRequest, "malformed", err.Error())
		return
	}
	if err != nil {
		h.log.Error("enqueue_failed", err, map[string]any{"kind": req.Kind})
		httpx.WriteProblem(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	h.sync.Trigger()
	h.log.Info("mutation_enqueued", map[string]any{"local_id": localID, "kind": req.Kind})
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"localId": localID})
}

func checkPayload(kind domain.MutationKind, raw json.RawMessage) error {
	if len(raw) == 0 {
		return errors.New("payload is required")
	}
	var err error
	switch kind {
	case domain.KindCreateOrder:
		_, err = domain.DecodePayload[domain.CreateOrderPayload](raw)
	case domain.KindUpdateOrderStatus:
		_, err = domain.DecodePayload[domain.UpdateOrderStatusPayload](raw)
	case domain.KindUpdateTableStatus:
		_, err = domain.DecodePayload[domain.UpdateTableStatusPayload](raw)
	default:
		err = errors.New("unknown kind " + string(kind))
	}
	return err
}

func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.queue.Pending(r.Context())
	if err != nil {
		httpx.WriteProblem(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	if pending == nil {
		pending = []queue.PendingMutation{}
	}
	httpx.WriteJSON(w, http.StatusOK, pending)
}

func (h *Handler) View(w http.ResponseWriter, r *http.Request) {
	v, err := h.queue.View(r.Context())
	if err != nil {
		httpx.WriteProblem(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, v)
}

func (h *Handler) Table(w http.ResponseWriter, r *http.Request) {
	t, err := h.queue.ViewTable(r.Context(), pathParam(r, "id"))
	writeEntity(w, t, err)
}

func (h *Handler) Order(w http.ResponseWriter, r *http.Request) {
	o, err := h.queue.ViewOrder(r.Context(), pathParam(r, "id"))
	writeEntity(w, o, err)
}

type statusResponse struct {
	DeviceID  string            `json:"deviceId"`
	Online    bool              `json:"online"`
	Connected bool              `json:"realtimeConnected"`
	Sync      syncengine.Status `json:"sync"`
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.sync.Status(r.Context())
	if err != nil {
		httpx.WriteProblem(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	out := statusResponse{DeviceID: h.queue.DeviceID(), Sync: st}
	if h.probes.Online != nil {
		out.Online = h.probes.Online()
	}
	if h.probes.Connected != nil {
		out.Connected = h.probes.Connected()
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) Notices(w http.ResponseWriter, r *http.Request) {
	limit := httpx.AtoiDefault(r.URL.Query().Get("limit"), 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	ns, err := h.queue.Notices(r.Context(), limit)
	if err != nil {
		httpx.WriteProblem(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ns)
}

// Retry re-queues the payload of a rejected mutation under a new local id.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	localID := pathParam(r, "localId")
	newID, err := h.queue.RetryRejected(r.Context(), localID)
	if errors.Is(err, domain.ErrNotFound) {
		httpx.WriteProblem(w, http.StatusNotFound, "not_found", "no retryable rejection for "+localID)
		return
	}
	if err != nil {
		httpx.WriteProblem(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	h.sync.Trigger()
	h.log.Info("mutation_retried", map[string]any{"local_id": localID, "new_local_id": newID})
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"localId": newID})
}

// Sync asks for a drain now.
func (h *Handler) Sync(w http.ResponseWriter, _ *http.Request) {
	h.sync.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

func writeEntity(w http.ResponseWriter, v any, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		httpx.WriteProblem(w, http.StatusNotFound, "not_found", err.Error())
	case err != nil:
		httpx.WriteProblem(w, http.StatusInternalServerError, "queue_error", err.Error())
	default:
		httpx.WriteJSON(w, http.StatusOK, v)
	}
}

// pathParam unescapes ids such as local:ab12cd34:7 that clients may encode.
func pathParam(r *http.Request, key string) string {
	raw := chi.URLParam(r, key)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}
