// Package httpapi реализует JSON HTTP слой над orders.Service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
)

const (
	unexpectedErrorMessage = "An unexpected error occurred in the server."
	maxBodyBytes           = 1 << 20
)

// OrderService перечисляет операции над заказами, которые нужны HTTP слою.
type OrderService interface {
	CreateOrder(ctx context.Context, in domain.OrderInput) (orders.OrderDetails, error)
	UpdateOrder(ctx context.Context, orderID int64, in domain.OrderInput) (orders.OrderDetails, error)
	DeleteOrder(ctx context.Context, orderID int64) error
	GetOrder(ctx context.Context, orderID int64) (orders.OrderDetails, error)
	ListOrders(ctx context.Context, filter domain.ListFilter) ([]orders.OrderDetails, error)
}

// Handler обслуживает /api/orders.
type Handler struct {
	service OrderService
	logger  *log.Entry
}

func NewHandler(service OrderService, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	return &Handler{service: service, logger: logger}
}

// Register добавляет маршруты API в router.
func (h *Handler) Register(router *mux.Router) {
	api := router.PathPrefix("/api/orders").Subrouter()
	api.HandleFunc("", h.listOrders).Methods(http.MethodGet)
	api.HandleFunc("", h.createOrder).Methods(http.MethodPost)
	api.HandleFunc("/status/{status}", h.listOrdersByStatus).Methods(http.MethodGet)
	api.HandleFunc("/{id:[0-9]+}", h.getOrder).Methods(http.MethodGet)
	api.HandleFunc("/{id:[0-9]+}", h.updateOrder).Methods(http.MethodPut)
	api.HandleFunc("/{id:[0-9]+}", h.deleteOrder).Methods(http.MethodDelete)
}

// NewRouter собирает router с API и middleware.
func NewRouter(h *Handler, middlewares ...mux.MiddlewareFunc) *mux.Router {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "resource not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	router.Use(loggingMiddleware(h.logger))
	for _, mw := range middlewares {
		router.Use(mw)
	}
	h.Register(router)
	return router
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeOrder(w, r)
	if !ok {
		return
	}
	details, err := h.service.CreateOrder(r.Context(), in)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, orders.NewOrderView(details))
}

func (h *Handler) updateOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	in, ok := h.decodeOrder(w, r)
	if !ok {
		return
	}
	details, err := h.service.UpdateOrder(r.Context(), id, in)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, orders.NewOrderView(details))
}

func (h *Handler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteOrder(r.Context(), id); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	details, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, orders.NewOrderView(details))
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	filter, ok := listFilter(w, r)
	if !ok {
		return
	}
	h.respondList(w, r, filter)
}

func (h *Handler) listOrdersByStatus(w http.ResponseWriter, r *http.Request) {
	filter, ok := listFilter(w, r)
	if !ok {
		return
	}
	status := domain.OrderStatus(mux.Vars(r)["status"])
	filter.Status = &status
	h.respondList(w, r, filter)
}

func (h *Handler) respondList(w http.ResponseWriter, r *http.Request, filter domain.ListFilter) {
	list, err := h.service.ListOrders(r.Context(), filter)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	views := make([]orders.OrderView, 0, len(list))
	for _, details := range list {
		views = append(views, orders.NewOrderView(details))
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *Handler) decodeOrder(w http.ResponseWriter, r *http.Request) (domain.OrderInput, bool) {
	var req orderRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		h.logger.WithError(err).Debug("failed to decode order request")
		respondError(w, http.StatusBadRequest, "invalid request body")
		return domain.OrderInput{}, false
	}
	return req.toInput(), true
}

// respondServiceError: 409 конфликт версий, 404 не найдено, 400 остальные ошибки валидации, иначе 500.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrUpdateConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case domain.IsValidation(err):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.WithError(err).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("order request failed")
		respondError(w, http.StatusInternalServerError, unexpectedErrorMessage)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid order id")
		return 0, false
	}
	return id, true
}

func listFilter(w http.ResponseWriter, r *http.Request) (domain.ListFilter, bool) {
	var filter domain.ListFilter
	query := r.URL.Query()
	if raw := query.Get("customerId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid customerId")
			return filter, false
		}
		filter.CustomerID = &id
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return filter, false
		}
		filter.Limit = limit
	}
	return filter, true
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func loggingMiddleware(logger *log.Entry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.WithFields(log.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).String(),
			}).Debug("http request")
		})
	}
}
