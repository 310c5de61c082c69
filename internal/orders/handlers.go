package orders

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/darkden-lab/ordertracking/internal/domain"
	"github.com/darkden-lab/ordertracking/internal/httputil"
)

const maxBodyBytes = 1 << 16

// Handlers exposes the order API over HTTP.
type Handlers struct {
	service *Service
	logger  *zap.Logger
}

func NewHandlers(service *Service, logger *zap.Logger) *Handlers {
	return &Handlers{service: service, logger: logger.Named("orders-api")}
}

// RegisterRoutes wires the order endpoints onto the provided router.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/orders", h.ListOrders).Methods(http.MethodGet)
	r.HandleFunc("/api/orders", h.CreateOrder).Methods(http.MethodPost)
	r.HandleFunc("/api/orders/{id}", h.GetOrder).Methods(http.MethodGet)
	r.HandleFunc("/api/orders/{id}/status", h.UpdateOrderStatus).Methods(http.MethodPut)
}

// ListOrders handles GET /api/orders
func (h *Handlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, lo.Map(list, func(o *domain.Order, _ int) domain.Order {
		return *o
	}))
}

// GetOrder handles GET /api/orders/{id}
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	order, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, order)
}

// CreateOrder handles POST /api/orders
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.normalize()
	if err := validate.Struct(req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	order, err := h.service.Create(r.Context(), req.OrderNumber, req.Description)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.Header().Set("Location", "/api/orders/"+order.ID.String())
	httputil.WriteSuccess(w, http.StatusCreated, order)
}

// UpdateOrderStatus handles PUT /api/orders/{id}/status
func (h *Handlers) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	order, err := h.service.UpdateStatus(r.Context(), id, domain.OrderStatus(*req.Status))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, order)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid order id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrOrderNumberTaken):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidStatus):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("order request failed", zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
