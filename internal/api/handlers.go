package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nikolaydubina/fpdecimal"
	"github.com/rs/zerolog"
	"github.com/tradecore/exchange/internal/auth"
	"github.com/tradecore/exchange/internal/exchange"
	"github.com/tradecore/exchange/internal/models"
)

// Queries is the read side the handlers need beyond the engine.
type Queries interface {
	UserOrders(ctx context.Context, userID int64) ([]models.Order, error)
	UserTrades(ctx context.Context, userID int64) ([]models.Trade, error)
	UserBalances(ctx context.Context, userID int64) ([]models.Balance, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Queries Queries
	Engine  *exchange.Engine
	Router  *exchange.Router
	Auth    *auth.AuthService
	Log     zerolog.Logger
}

// NewHandler creates a new handler
func NewHandler(q Queries, engine *exchange.Engine, router *exchange.Router, authService *auth.AuthService, log zerolog.Logger) *Handler {
	return &Handler{
		Queries: q,
		Engine:  engine,
		Router:  router,
		Auth:    authService,
		Log:     log.With().Str("component", "api").Logger(),
	}
}

type ctxKey string

const userIDKey ctxKey = "user_id"

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeErrorMsg(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.Log.Error().Err(err).Msg("registration failed")
		writeErrorMsg(w, http.StatusInternalServerError, "failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeErrorMsg(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeErrorMsg(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.Auth.GetUserFromToken(tokenString)
		if err != nil {
			writeErrorMsg(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUser(r *http.Request) (int64, bool) {
	id, ok := r.Context().Value(userIDKey).(int64)
	return id, ok
}

type placeOrderRequest struct {
	MarketID string `json:"market_id"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Price    string `json:"price,omitempty"`
	Quantity string `json:"quantity"`
}

// PlaceOrder handles order placement. Limit orders go straight to the book;
// market orders are routed to the better venue.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(r)
	if !ok {
		writeErrorMsg(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid request body")
		return
	}

	side := models.Side(req.Side)
	if !side.Valid() {
		writeErrorMsg(w, http.StatusBadRequest, "side must be 'buy' or 'sell'")
		return
	}
	quantity, err := fpdecimal.FromString(req.Quantity)
	if err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid quantity")
		return
	}

	switch models.OrderType(req.Type) {
	case models.TypeLimit:
		price, err := fpdecimal.FromString(req.Price)
		if err != nil {
			writeErrorMsg(w, http.StatusBadRequest, "invalid price")
			return
		}
		order, trades, err := h.Engine.PlaceLimit(r.Context(), userID, req.MarketID, side, price, quantity)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"order":  orderJSON(order),
			"trades": tradesJSON(trades),
		})
	case models.TypeMarket:
		result, err := h.Router.Route(r.Context(), exchange.RouteRequest{
			UserID:   userID,
			MarketID: req.MarketID,
			Side:     side,
			Quantity: quantity,
		})
		if err != nil {
			// A failed external execution still produced a terminal order.
			if result != nil && result.Order != nil {
				writeJSON(w, http.StatusBadGateway, map[string]any{
					"error": "external execution failed",
					"order": orderJSON(result.Order),
				})
				return
			}
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"venue":  string(result.Venue),
			"order":  orderJSON(result.Order),
			"trades": tradesJSON(result.Trades),
		})
	default:
		writeErrorMsg(w, http.StatusBadRequest, "type must be 'limit' or 'market'")
	}
}

// CancelOrder cancels an open or partially filled order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(r)
	if !ok {
		writeErrorMsg(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	order, err := h.Engine.CancelOrder(r.Context(), orderID, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": orderJSON(order)})
}

// GetUserOrders retrieves the authenticated user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(r)
	if !ok {
		writeErrorMsg(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orders, err := h.Queries.UserOrders(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]any, 0, len(orders))
	for i := range orders {
		out = append(out, orderJSON(&orders[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetUserTrades retrieves the authenticated user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(r)
	if !ok {
		writeErrorMsg(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	trades, err := h.Queries.UserTrades(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tradesJSON(trades))
}

// GetBalances retrieves the authenticated user's balances
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(r)
	if !ok {
		writeErrorMsg(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	balances, err := h.Queries.UserBalances(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(balances))
	for _, b := range balances {
		out = append(out, map[string]any{
			"asset":     b.Asset,
			"available": b.Available.String(),
			"locked":    b.Locked.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetOrderBook retrieves the top of book for a market
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "market")
	bid, ask, err := h.Engine.TopOfBook(r.Context(), marketID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := map[string]any{"market_id": marketID}
	if bid != nil {
		resp["best_bid"] = orderJSON(bid)
	}
	if ask != nil {
		resp["best_ask"] = orderJSON(ask)
	}
	writeJSON(w, http.StatusOK, resp)
}

func orderJSON(o *models.Order) map[string]any {
	return map[string]any{
		"id":            o.ID,
		"market_id":     o.MarketID,
		"side":          string(o.Side),
		"type":          string(o.Type),
		"price":         o.Price.String(),
		"quantity":      o.Quantity.String(),
		"filled_amount": o.FilledAmount.String(),
		"status":        string(o.Status),
		"created_at":    o.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    o.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func tradesJSON(trades []models.Trade) []map[string]any {
	out := make([]map[string]any, 0, len(trades))
	for _, t := range trades {
		out = append(out, map[string]any{
			"id":            t.ID,
			"market_id":     t.MarketID,
			"buy_order_id":  t.BuyOrderID,
			"sell_order_id": t.SellOrderID,
			"amount":        t.Amount.String(),
			"price":         t.Price.String(),
			"total":         t.Total.String(),
			"executed_at":   t.ExecutedAt.Format(time.RFC3339Nano),
		})
	}
	return out
}

// writeError maps the error taxonomy to HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidQuantity),
		errors.Is(err, models.ErrInvalidPrice):
		writeErrorMsg(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrOrderNotFound),
		errors.Is(err, models.ErrMarketNotFound):
		writeErrorMsg(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrNotOwner):
		writeErrorMsg(w, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrInvalidStateTransition),
		errors.Is(err, models.ErrNoLiquidity):
		writeErrorMsg(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrInsufficientFunds):
		writeErrorMsg(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, models.ErrTxConflict):
		writeErrorMsg(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.Log.Error().Err(err).Msg("internal error")
		writeErrorMsg(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorMsg(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
