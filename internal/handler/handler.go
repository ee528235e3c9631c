// Package handler содержит HTTP-обработчики API сервиса заказов бота.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/foodbot/internal/metrics"
	"github.com/mmeshcher/foodbot/internal/middleware"
	"github.com/mmeshcher/foodbot/internal/model"
	"github.com/mmeshcher/foodbot/internal/validation"
)

const idempotencyKeyHeader = "Idempotency-Key"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Register(ctx context.Context, userID int64, username string) (bool, error)
	GetProfile(ctx context.Context, userID int64) (model.User, error)
	AddToBasket(ctx context.Context, userID int64, itemName string, unitPrice model.Money, quantity int) (model.BasketEntry, error)
	GetBasketView(ctx context.Context, userID int64) (model.BasketView, error)
	ClearBasket(ctx context.Context, userID int64) error
	Checkout(ctx context.Context, userID int64, idempotencyKey string) (model.CheckoutResult, error)
	GetWalletBalance(ctx context.Context, userID int64) (model.Money, error)
	TopUp(ctx context.Context, userID int64, amount model.Money) (model.Money, error)
	ListOrders(ctx context.Context, userID int64) ([]model.Order, error)
	GetOrderDetail(ctx context.Context, userID, orderID int64) (model.OrderDetail, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        *metrics.Metrics
	metricsHandler http.Handler
}

// NewHandler создаёт обработчик. m и metricsHandler могут быть nil: тогда метрики не собираются и /metrics не публикуется.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, m *metrics.Metrics, metricsHandler http.Handler) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        m,
		metricsHandler: metricsHandler,
	}
}

type registerRequest struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type registerResponse struct {
	UserID  int64  `json:"user_id"`
	Token   string `json:"token,omitempty"`
	Created bool   `json:"created"`
}

// Register регистрирует пользователя бота и выдаёт ему токен.
// Токен уже существующего пользователя получает только транспорт бота, предъявивший сервисный токен.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.UserID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	created, err := h.service.Register(r.Context(), req.UserID, req.Username)
	if err != nil {
		h.writeError(w, err, "register user error", zap.Int64("userID", req.UserID))
		return
	}

	resp := registerResponse{UserID: req.UserID, Created: created}
	if !created && !middleware.IsTrustedCaller(r.Context()) {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	h.authMiddleware.SetAuthCookie(w, req.UserID)
	resp.Token = h.authMiddleware.Token(req.UserID)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

type profileResponse struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username,omitempty"`
	CreatedAt string `json:"created_at"`
}

// GetProfile возвращает профиль текущего пользователя.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	u, err := h.service.GetProfile(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "get profile error", zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusOK, profileResponse{
		UserID:    u.ID,
		Username:  u.Username,
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	})
}

type addItemRequest struct {
	ItemName string      `json:"item_name"`
	Price    model.Money `json:"price"`
	Quantity int         `json:"quantity"`
}

type basketEntryResponse struct {
	ID        int64       `json:"id"`
	ItemName  string      `json:"item_name"`
	UnitPrice model.Money `json:"unit_price"`
	Quantity  int         `json:"quantity"`
	AddedAt   string      `json:"added_at"`
}

// AddItem добавляет блюдо в корзину. Без quantity добавляется одна порция.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	entry, err := h.service.AddToBasket(r.Context(), userID, req.ItemName, req.Price, req.Quantity)
	if err != nil {
		h.writeError(w, err, "add basket item error", zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusCreated, basketEntryResponse{
		ID:        entry.ID,
		ItemName:  entry.ItemName,
		UnitPrice: entry.UnitPrice,
		Quantity:  entry.Quantity,
		AddedAt:   entry.AddedAt.Format(time.RFC3339),
	})
}

// GetBasket возвращает корзину, сгруппированную по блюдам.
func (h *Handler) GetBasket(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	view, err := h.service.GetBasketView(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "get basket error", zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// ClearBasket очищает корзину.
func (h *Handler) ClearBasket(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.ClearBasket(r.Context(), userID); err != nil {
		h.writeError(w, err, "clear basket error", zap.Int64("userID", userID))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type checkoutResponse struct {
	Outcome  model.CheckoutOutcome `json:"outcome"`
	Order    *orderResponse        `json:"order,omitempty"`
	Balance  *model.Money          `json:"balance,omitempty"`
	Required *model.Money          `json:"required,omitempty"`
}

// Checkout оформляет заказ из корзины.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	key := r.Header.Get(idempotencyKeyHeader)
	if key != "" && !validation.IsValidIdempotencyKey(key) {
		http.Error(w, "invalid Idempotency-Key", http.StatusBadRequest)
		return
	}

	res, err := h.service.Checkout(r.Context(), userID, key)
	if err != nil {
		h.writeError(w, err, "checkout error", zap.Int64("userID", userID))
		return
	}

	resp := checkoutResponse{Outcome: res.Outcome}
	status := http.StatusOK
	switch res.Outcome {
	case model.CheckoutCommitted, model.CheckoutReplayed:
		o := newOrderResponse(res.Order.Order, res.Order.Lines)
		resp.Order = &o
		resp.Balance = &res.Balance
		w.Header().Set(idempotencyKeyHeader, res.Order.Order.IdempotencyKey)
	case model.CheckoutInsufficientFunds:
		status = http.StatusPaymentRequired
		resp.Balance = &res.Balance
		resp.Required = &res.Required
	case model.CheckoutInProgress:
		status = http.StatusConflict
	case model.CheckoutEmptyBasket:
		status = http.StatusUnprocessableEntity
	}

	writeJSON(w, status, resp)
}

type walletResponse struct {
	Balance model.Money `json:"balance"`
}

// GetWallet возвращает баланс кошелька.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetWalletBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "get wallet error", zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusOK, walletResponse{Balance: balance})
}

type topUpRequest struct {
	Amount model.Money `json:"amount"`
}

// TopUp пополняет кошелёк.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.service.TopUp(r.Context(), userID, req.Amount)
	if err != nil {
		h.writeError(w, err, "top up error", zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusOK, walletResponse{Balance: balance})
}

type orderResponse struct {
	ID        int64                 `json:"id"`
	Status    string                `json:"status"`
	Total     model.Money           `json:"total"`
	CreatedAt string                `json:"created_at"`
	Lines     []model.OrderLineView `json:"lines,omitempty"`
}

func newOrderResponse(o model.Order, lines []model.OrderLine) orderResponse {
	resp := orderResponse{
		ID:        o.ID,
		Status:    string(o.Status),
		Total:     o.Total,
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
	}
	if len(lines) > 0 {
		resp.Lines = model.LineViews(lines)
	}
	return resp
}

// GetOrders возвращает заказы пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.ListOrders(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "get orders error", zap.Int64("userID", userID))
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, newOrderResponse(o, nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOrder возвращает заказ со строками.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil || orderID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	detail, err := h.service.GetOrderDetail(r.Context(), userID, orderID)
	if err != nil {
		h.writeError(w, err, "get order error", zap.Int64("userID", userID), zap.Int64("orderID", orderID))
		return
	}

	writeJSON(w, http.StatusOK, newOrderResponse(detail.Order, detail.Lines))
}

// Health отвечает 200, пока процесс обслуживает запросы.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// writeError переводит ошибку сервиса в HTTP-статус. Непредвиденные ошибки пишутся в лог.
func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	var perr *model.PersistenceError
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, model.ErrInvalidItem), errors.Is(err, model.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrUserNotFound), errors.Is(err, model.ErrAccountNotFound), errors.Is(err, model.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, model.ErrCheckoutInProgress), errors.Is(err, model.ErrBasketChanged),
		errors.Is(err, model.ErrOrderExists), errors.Is(err, model.ErrCheckoutIncomplete):
		status = http.StatusConflict
	case errors.Is(err, model.ErrAmountOutOfRange):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &perr):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
	}
	http.Error(w, http.StatusText(status), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
