package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/tradecore/exchange/internal/api"
	"github.com/tradecore/exchange/internal/auth"
	"github.com/tradecore/exchange/internal/config"
	"github.com/tradecore/exchange/internal/db"
	"github.com/tradecore/exchange/internal/exchange"
	"github.com/tradecore/exchange/internal/external"
	"github.com/tradecore/exchange/internal/feed"
	feedkafka "github.com/tradecore/exchange/internal/feed/kafka"
	"github.com/tradecore/exchange/internal/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type wsHub struct {
	clients map[*wsClient]bool
	mu      sync.RWMutex
	log     zerolog.Logger
}

func newWSHub(log zerolog.Logger) *wsHub {
	return &wsHub{clients: make(map[*wsClient]bool), log: log}
}

func (h *wsHub) broadcast(data []byte) {
	h.mu.RLock()
	var dead []*wsClient
	for client := range h.clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			dead = append(dead, client)
		}
	}
	h.mu.RUnlock()

	if len(dead) > 0 {
		h.mu.Lock()
		for _, client := range dead {
			delete(h.clients, client)
		}
		h.mu.Unlock()
	}
}

func (h *wsHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			break
		}
	}
}

// wsFeed fans settled trades out to websocket clients on top of the primary
// feed sender.
type wsFeed struct {
	next feed.Sender
	hub  *wsHub
}

func (f *wsFeed) SendTrade(ctx context.Context, msg *feed.TradeMessage) error {
	if data, err := json.Marshal(map[string]any{"type": "trade", "trade": msg}); err == nil {
		f.hub.broadcast(data)
	}
	return f.next.SendTrade(ctx, msg)
}

func (f *wsFeed) Close() error {
	return f.next.Close()
}

// broadcastBookTops pushes the top of book of every market to websocket
// clients.
func broadcastBookTops(ctx context.Context, database *db.DB, engine *exchange.Engine, hub *wsHub) {
	markets, err := database.ListMarkets(ctx)
	if err != nil {
		hub.log.Warn().Err(err).Msg("failed to list markets")
		return
	}
	tops := make(map[string]any, len(markets))
	for _, m := range markets {
		bid, ask, err := engine.TopOfBook(ctx, m.ID)
		if err != nil {
			continue
		}
		top := map[string]any{}
		if bid != nil {
			top["bid"] = bid.Price.String()
			top["bid_size"] = bid.Remaining().String()
		}
		if ask != nil {
			top["ask"] = ask.Price.String()
			top["ask_size"] = ask.Remaining().String()
		}
		tops[m.ID] = top
	}
	if data, err := json.Marshal(map[string]any{"type": "book_top", "markets": tops}); err == nil {
		hub.broadcast(data)
	}
}

// Main entry point: sets up database, engine, router and HTTP server
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logging.Setup(logging.Config{Level: "info", Pretty: true})
		bootLog := logging.Logger()
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(logging.Config{
		Level:  cfg.Server.LogLevel,
		Pretty: cfg.Server.LogFormat == "pretty",
	})
	log := logging.Logger()

	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close(ctx)

	hub := newWSHub(log.With().Str("component", "ws").Logger())

	var sender feed.Sender = feed.NewMockSender()
	if cfg.Kafka.Enabled {
		sender = feedkafka.NewSender(cfg.Kafka.BrokerAddr, cfg.Kafka.TradeTopic)
	}
	tradeFeed := &wsFeed{next: sender, hub: hub}
	defer tradeFeed.Close()

	engine := exchange.NewEngine(database, tradeFeed, log)

	venue := external.NewClient(external.Config{
		BaseURL:       cfg.Venue.BaseURL,
		APIKey:        cfg.Venue.APIKey,
		HotWalletAddr: cfg.Venue.HotWalletAddr,
		HTTPTimeout:   cfg.Venue.HTTPTimeout.Std(),
		MaxRetries:    cfg.Venue.MaxRetries,
	}, log)
	defer venue.Close()

	router := exchange.NewRouter(database, engine, venue, venue, cfg.Venue.ExecTimeout.Std(), log)
	authService := auth.NewAuthService(database, cfg.Server.JWTSecret)
	handler := api.NewHandler(database, engine, router, authService, log)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket endpoint
	r.Get("/ws", hub.handle)

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/orderbook/{market}", handler.GetOrderBook)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Get("/trades", handler.GetUserTrades)
		r.Get("/balances", handler.GetBalances)
	})

	// Periodic book-top broadcast
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			broadcastBookTops(ctx, database, engine, hub)
		}
	}()

	log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("starting server")
	if err := http.ListenAndServe(cfg.Server.HTTPAddr, r); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}
