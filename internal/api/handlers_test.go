package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/nikolaydubina/fpdecimal"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradecore/exchange/internal/auth"
	"github.com/tradecore/exchange/internal/exchange"
	"github.com/tradecore/exchange/internal/external"
	"github.com/tradecore/exchange/internal/feed"
	"github.com/tradecore/exchange/internal/models"
	"github.com/tradecore/exchange/internal/store"
)

func d(t *testing.T, s string) fpdecimal.Decimal {
	t.Helper()
	v, err := fpdecimal.FromString(s)
	require.NoError(t, err)
	return v
}

type fakeUsers struct {
	nextID int64
	byName map[string]*models.User
}

func (f *fakeUsers) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	if _, ok := f.byName[username]; ok {
		return nil, fmt.Errorf("username taken")
	}
	u := &models.User{ID: f.nextID, Username: username, PasswordHash: passwordHash}
	f.nextID++
	f.byName[username] = u
	return u, nil
}

func (f *fakeUsers) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u, ok := f.byName[username]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return u, nil
}

type fixedQuotes struct {
	price fpdecimal.Decimal
	err   error
}

func (q *fixedQuotes) Quote(ctx context.Context, from, to string, amount fpdecimal.Decimal) (fpdecimal.Decimal, error) {
	if q.err != nil {
		return fpdecimal.Zero, q.err
	}
	return q.price, nil
}

type fixedExec struct {
	result *external.ExecutionResult
	err    error
}

func (e *fixedExec) Build(ctx context.Context, quote external.SwapQuote) (*external.SwapTx, error) {
	return &external.SwapTx{Ref: "test-ref", FromAsset: quote.FromAsset, ToAsset: quote.ToAsset, Amount: quote.Amount}, nil
}

func (e *fixedExec) Execute(ctx context.Context, tx *external.SwapTx) (*external.ExecutionResult, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

type testServer struct {
	router *chi.Mux
	auth   *auth.AuthService
	mem    *store.Memory
}

// newTestServer wires the full handler stack over the in-memory store:
// one X-Y market, alice funded with 1000 Y, bob with 10 X.
func newTestServer(t *testing.T, quotes external.QuoteProvider, exec external.SwapExecutor) *testServer {
	t.Helper()

	mem := store.NewMemory()
	mem.AddMarket(models.Market{ID: "X-Y", BaseAsset: "X", QuoteAsset: "Y"})
	mem.Credit(1, "Y", d(t, "1000"))
	mem.Credit(2, "X", d(t, "10"))

	log := zerolog.Nop()
	engine := exchange.NewEngine(mem, feed.NewMockSender(), log)
	router := exchange.NewRouter(mem, engine, quotes, exec, 0, log)
	authService := auth.NewAuthService(&fakeUsers{nextID: 1, byName: make(map[string]*models.User)}, "test-secret")
	handler := NewHandler(mem, engine, router, authService, log)

	r := chi.NewRouter()
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/orderbook/{market}", handler.GetOrderBook)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Get("/trades", handler.GetUserTrades)
		r.Get("/balances", handler.GetBalances)
	})

	return &testServer{router: r, auth: authService, mem: mem}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// registerAndLogin creates the user through the API and returns a token.
// User IDs are assigned in registration order, matching the seeded balances.
func (s *testServer) registerAndLogin(t *testing.T, username string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": username, "password": "password123",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": username, "password": "password123",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["token"])
	return resp["token"]
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestRegisterAndLogin(t *testing.T) {
	s := newTestServer(t, &fixedQuotes{err: errors.New("down")}, &fixedExec{})

	w := s.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": "alice", "password": "password123",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decodeJSON[map[string]any](t, w)
	assert.Equal(t, "alice", resp["username"])

	w = s.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProtectedEndpointsRequireAuth(t *testing.T) {
	s := newTestServer(t, &fixedQuotes{err: errors.New("down")}, &fixedExec{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/orders"},
		{http.MethodGet, "/orders"},
		{http.MethodDelete, "/orders/1"},
		{http.MethodGet, "/trades"},
		{http.MethodGet, "/balances"},
	} {
		w := s.do(t, tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", tc.method, tc.path)
	}
}

func TestPlaceLimitOrderAndMatch(t *testing.T) {
	s := newTestServer(t, &fixedQuotes{err: errors.New("down")}, &fixedExec{})
	alice := s.registerAndLogin(t, "alice")
	bob := s.registerAndLogin(t, "bob")

	w := s.do(t, http.MethodPost, "/orders", alice, map[string]string{
		"market_id": "X-Y", "side": "buy", "type": "limit",
		"price": "100", "quantity": "5",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decodeJSON[map[string]any](t, w)
	order := resp["order"].(map[string]any)
	assert.Equal(t, "open", order["status"])
	assert.Empty(t, resp["trades"])

	w = s.do(t, http.MethodPost, "/orders", bob, map[string]string{
		"market_id": "X-Y", "side": "sell", "type": "limit",
		"price": "98", "quantity": "3",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	resp = decodeJSON[map[string]any](t, w)
	order = resp["order"].(map[string]any)
	assert.Equal(t, "filled", order["status"])
	trades := resp["trades"].([]any)
	require.Len(t, trades, 1)
	trade := trades[0].(map[string]any)
	assert.Equal(t, "98.000", trade["price"])
	assert.Equal(t, "3.000", trade["amount"])

	// Both sides see the trade in their history
	for _, token := range []string{alice, bob} {
		w = s.do(t, http.MethodGet, "/trades", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decodeJSON[[]any](t, w), 1)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	s := newTestServer(t, &fixedQuotes{err: errors.New("down")}, &fixedExec{})
	alice := s.registerAndLogin(t, "alice")

	tests := []struct {
		name string
		body map[string]string
		code int
	}{
		{"BadSide", map[string]string{"market_id": "X-Y", "side": "hold", "type": "limit", "price": "1", "quantity": "1"}, http.StatusBadRequest},
		{"BadType", map[string]string{"market_id": "X-Y", "side": "buy", "type": "stop", "price": "1", "quantity": "1"}, http.StatusBadRequest},
		{"BadQuantity", map[string]string{"market_id": "X-Y", "side": "buy", "type": "limit", "price": "1", "quantity": "abc"}, http.StatusBadRequest},
		{"BadPrice", map[string]string{"market_id": "X-Y", "side": "buy", "type": "limit", "price": "", "quantity": "1"}, http.StatusBadRequest},
		{"ZeroQuantity", map[string]string{"market_id": "X-Y", "side": "buy", "type": "limit", "price": "1", "quantity": "0"}, http.StatusBadRequest},
		{"UnknownMarket", map[string]string{"market_id": "NOPE", "side": "buy", "type": "limit", "price": "1", "quantity": "1"}, http.StatusNotFound},
		{"InsufficientFunds", map[string]string{"market_id": "X-Y", "side": "buy", "type": "limit", "price": "1000", "quantity": "50"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/orders", alice, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestMarketOrderRoutesExternal(t *testing.T) {
	s := newTestServer(t,
		&fixedQuotes{price: fpdecimal.FromInt(100)},
		&fixedExec{result: &external.ExecutionResult{
			SettledAmount: fpdecimal.FromInt(2),
			SettledPrice:  fpdecimal.FromInt(100),
		}})
	alice := s.registerAndLogin(t, "alice")

	// Empty book: the quote wins by default
	w := s.do(t, http.MethodPost, "/orders", alice, map[string]string{
		"market_id": "X-Y", "side": "buy", "type": "market", "quantity": "2",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodeJSON[map[string]any](t, w)
	assert.Equal(t, "external", resp["venue"])
	order := resp["order"].(map[string]any)
	assert.Equal(t, "filled", order["status"])
	assert.Equal(t, "market", order["type"])
	assert.Empty(t, resp["trades"])

	w = s.do(t, http.MethodGet, "/balances", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	balances := decodeJSON[[]map[string]any](t, w)
	byAsset := map[string]map[string]any{}
	for _, b := range balances {
		byAsset[b["asset"].(string)] = b
	}
	assert.Equal(t, "800.000", byAsset["Y"]["available"])
	assert.Equal(t, "0", byAsset["Y"]["locked"])
	assert.Equal(t, "2.000", byAsset["X"]["available"])
}

func TestMarketOrderExternalFailure(t *testing.T) {
	s := newTestServer(t,
		&fixedQuotes{price: fpdecimal.FromInt(100)},
		&fixedExec{err: errors.New("broadcast rejected")})
	alice := s.registerAndLogin(t, "alice")

	w := s.do(t, http.MethodPost, "/orders", alice, map[string]string{
		"market_id": "X-Y", "side": "buy", "type": "market", "quantity": "2",
	})
	require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
	resp := decodeJSON[map[string]any](t, w)
	order := resp["order"].(map[string]any)
	assert.Equal(t, "failed", order["status"])
}

func TestMarketOrderNoLiquidity(t *testing.T) {
	s := newTestServer(t, &fixedQuotes{err: errors.New("down")}, &fixedExec{})
	alice := s.registerAndLogin(t, "alice")

	w := s.do(t, http.MethodPost, "/orders", alice, map[string]string{
		"market_id": "X-Y", "side": "buy", "type": "market", "quantity": "1",
	})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestCancelOrder(t *testing.T) {
	s := newTestServer(t, &fixedQuotes{err: errors.New("down")}, &fixedExec{})
	alice := s.registerAndLogin(t, "alice")
	bob := s.registerAndLogin(t, "bob")

	w := s.do(t, http.MethodPost, "/orders", alice, map[string]string{
		"market_id": "X-Y", "side": "buy", "type": "limit",
		"price": "100", "quantity": "5",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decodeJSON[map[string]any](t, w)
	orderID := int64(resp["order"].(map[string]any)["id"].(float64))

	// Someone else's order
	w = s.do(t, http.MethodDelete, fmt.Sprintf("/orders/%d", orderID), bob, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Missing order
	w = s.do(t, http.MethodDelete, "/orders/999", alice, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Own order
	w = s.do(t, http.MethodDelete, fmt.Sprintf("/orders/%d", orderID), alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeJSON[map[string]any](t, w)
	assert.Equal(t, "canceled", resp["order"].(map[string]any)["status"])

	// Cancel again
	w = s.do(t, http.MethodDelete, fmt.Sprintf("/orders/%d", orderID), alice, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetOrderBook(t *testing.T) {
	s := newTestServer(t, &fixedQuotes{err: errors.New("down")}, &fixedExec{})
	alice := s.registerAndLogin(t, "alice")
	bob := s.registerAndLogin(t, "bob")

	w := s.do(t, http.MethodGet, "/orderbook/X-Y", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[map[string]any](t, w)
	assert.NotContains(t, resp, "best_bid")
	assert.NotContains(t, resp, "best_ask")

	s.do(t, http.MethodPost, "/orders", alice, map[string]string{
		"market_id": "X-Y", "side": "buy", "type": "limit", "price": "90", "quantity": "1",
	})
	s.do(t, http.MethodPost, "/orders", bob, map[string]string{
		"market_id": "X-Y", "side": "sell", "type": "limit", "price": "95", "quantity": "1",
	})

	w = s.do(t, http.MethodGet, "/orderbook/X-Y", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeJSON[map[string]any](t, w)
	assert.Equal(t, "90.000", resp["best_bid"].(map[string]any)["price"])
	assert.Equal(t, "95.000", resp["best_ask"].(map[string]any)["price"])
}
