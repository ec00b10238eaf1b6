package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/minexch/stockbook/internal/api"
	"github.com/minexch/stockbook/internal/auth"
	"github.com/minexch/stockbook/internal/config"
	"github.com/minexch/stockbook/internal/db"
	"github.com/minexch/stockbook/internal/exchange"
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

type depthHub struct {
	service *exchange.Service
	logger  *zap.Logger

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

func newDepthHub(service *exchange.Service, logger *zap.Logger) *depthHub {
	return &depthHub{service: service, logger: logger, clients: make(map[*wsClient]bool)}
}

// broadcast pushes the full aggregated depth view to every connected
// client. uuid.Nil excludes no owner, so subscribers see all liquidity.
func (h *depthHub) broadcast(ctx context.Context) {
	view, err := h.service.GetOrderBooks(ctx, uuid.Nil, "", "")
	if err != nil {
		h.logger.Warn("failed to fetch depth for broadcast", zap.Error(err))
		return
	}
	data, err := json.Marshal(view)
	if err != nil {
		h.logger.Warn("failed to marshal depth view", zap.Error(err))
		return
	}

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

func (h *depthHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	// Send initial depth view
	h.broadcast(r.Context())

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			break
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Main entry point: sets up configuration, database, services and the
// HTTP server.
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	engine := exchange.NewEngine(database)
	settlement := exchange.NewSettlement(database, database, logger)
	service := exchange.NewService(database, database, database, database, engine, settlement, logger)
	authService := auth.NewAuthService(database, cfg.JWTSecret)
	handler := api.NewHandler(service, authService, logger)
	hub := newDepthHub(service, logger)

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
	r.Get("/ws", hub.handleWebSocket)

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/orders", handler.CreateOrder)
		r.Post("/orders/buy", handler.BuyOrder)
		r.Post("/orders/sell", handler.SellOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Delete("/orders/{id}", handler.DeleteOrder)
		r.Get("/orderbook", handler.GetOrderBook)
		r.Get("/order-history", handler.GetOrderHistory)
		r.Put("/wallet/funds", handler.UpdateFunds)
		r.Get("/wallet", handler.GetFunds)
	})

	// Periodic depth broadcast
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			hub.broadcast(ctx)
		}
	}()

	logger.Info("starting server", zap.String("addr", cfg.HTTPAddr))
	if err := http.ListenAndServe(cfg.HTTPAddr, r); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
