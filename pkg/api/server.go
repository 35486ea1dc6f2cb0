package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/auction"
	"github.com/uhyunpark/bursa/pkg/app/core/engine"
	"github.com/uhyunpark/bursa/pkg/app/core/ledger"
	"github.com/uhyunpark/bursa/pkg/app/core/market"
	"github.com/uhyunpark/bursa/pkg/app/core/orders"
	"github.com/uhyunpark/bursa/pkg/app/core/session"
	"github.com/uhyunpark/bursa/pkg/util"
)

const defaultHistoryLimit = 50

// Orders is the order service as seen by the handlers
type Orders interface {
	Place(ctx context.Context, req orders.PlaceRequest) (orders.Placed, error)
	Cancel(ctx context.Context, userID, orderID string) (ledger.Order, int64, error)
	CancelMarketMaker(ctx context.Context, symbol string, side core.Side, orderID string) error
}

// Queries are the read-only ledger lookups
type Queries interface {
	GetOrder(ctx context.Context, orderID string) (ledger.Order, error)
	ActiveOrders(ctx context.Context, userID string) ([]ledger.Order, error)
	OrderHistory(ctx context.Context, userID string, limit int) ([]ledger.Order, error)
	Portfolio(ctx context.Context, userID string) ([]ledger.Holding, error)
	Account(ctx context.Context, userID string) (ledger.Account, error)
	DailyData(ctx context.Context, stockID int64) (ledger.DailyData, error)
}

// Engine is the matching engine's admin and snapshot surface
type Engine interface {
	GetStats() engine.Stats
	HealthCheck(ctx context.Context) engine.Health
	ResetCircuitBreaker(symbol string) []string
	ForceBroadcast(symbol string)
	ValidateBook(ctx context.Context, symbol string) (engine.BookReport, error)
	Snapshot(ctx context.Context, symbol string) (engine.BookSnapshot, error)
	IEP(symbol string) (auction.Result, bool)
}

// Sessions drives the trading day
type Sessions interface {
	Open(ctx context.Context) (ledger.OpenResult, error)
	Close(ctx context.Context) (ledger.CloseResult, error)
	Info() session.Info
}

type Options struct {
	Orders      Orders
	Queries     Queries
	Engine      Engine
	Sessions    Sessions
	Registry    *market.Registry
	Hub         *Hub
	CORSOrigins []string
	Logger      *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	orders   Orders
	queries  Queries
	engine   Engine
	sessions Sessions
	registry *market.Registry
	hub      *Hub
	origins  []string
	router   *mux.Router
	http     *http.Server
	log      *zap.SugaredLogger
}

func NewServer(opt Options) (*Server, error) {
	if opt.Orders == nil || opt.Queries == nil || opt.Engine == nil || opt.Sessions == nil || opt.Registry == nil {
		return nil, fmt.Errorf("api server requires orders, queries, engine, sessions and registry")
	}
	s := &Server{
		orders:   opt.Orders,
		queries:  opt.Queries,
		engine:   opt.Engine,
		sessions: opt.Sessions,
		registry: opt.Registry,
		hub:      opt.Hub,
		origins:  opt.CORSOrigins,
		router:   mux.NewRouter(),
		log:      util.OrNop(opt.Logger),
	}
	if s.hub == nil {
		s.hub = NewHub(opt.Logger)
	}
	if len(s.origins) == 0 {
		s.origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/iep", s.handleGetIEP).Methods("GET")

	// Orders
	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/mm/orders/cancel", s.handleCancelMarketMaker).Methods("POST")

	// Account endpoints
	api.HandleFunc("/accounts/{userId}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{userId}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/accounts/{userId}/portfolio", s.handleGetPortfolio).Methods("GET")

	// Admin
	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/engine/stats", s.handleEngineStats).Methods("GET")
	admin.HandleFunc("/engine/health", s.handleEngineHealth).Methods("GET")
	admin.HandleFunc("/engine/circuit/reset", s.handleCircuitReset).Methods("POST")
	admin.HandleFunc("/engine/broadcast/{symbol}", s.handleForceBroadcast).Methods("POST")
	admin.HandleFunc("/engine/orderbook/{symbol}/validate", s.handleValidateBook).Methods("GET")
	admin.HandleFunc("/session", s.handleSessionInfo).Methods("GET")
	admin.HandleFunc("/session/open", s.handleSessionOpen).Methods("POST")
	admin.HandleFunc("/session/close", s.handleSessionClose).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler is the router wrapped in the CORS policy
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the hub and serves until Shutdown
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Infow("api_server_starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ==============================
// Market Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	response := make([]MarketInfo, len(list))
	for i, in := range list {
		response[i] = marketInfo(in)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	in, ok := s.instrument(w, r)
	if !ok {
		return
	}
	detail := MarketDetail{MarketInfo: marketInfo(in)}
	if d, err := s.queries.DailyData(r.Context(), in.StockID); err == nil {
		detail.Daily = dailyInfo(d)
	}
	if iep, ok := s.engine.IEP(in.Symbol); ok {
		detail.IEP = &iep
	}
	respondJSON(w, detail)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	in, ok := s.instrument(w, r)
	if !ok {
		return
	}
	snap, err := s.engine.Snapshot(r.Context(), in.Symbol)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, snap)
}

func (s *Server) handleGetIEP(w http.ResponseWriter, r *http.Request) {
	in, ok := s.instrument(w, r)
	if !ok {
		return
	}
	update := engine.IEPUpdate{Symbol: in.Symbol}
	if iep, ok := s.engine.IEP(in.Symbol); ok {
		update.IEP = &iep
	}
	respondJSON(w, update)
}

// ==============================
// Order Handlers
// ==============================

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	placed, err := s.orders.Place(r.Context(), orders.PlaceRequest{
		UserID:      req.UserID,
		MarketMaker: req.MarketMaker,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Price:       req.Price,
		Quantity:    req.Quantity,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(PlaceOrderResponse{
		Status: "accepted",
		InBook: placed.InBook,
		Order:  orderInfo(placed.Order),
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "missing orderId", "")
		return
	}
	o, refund, err := s.orders.Cancel(r.Context(), req.UserID, req.OrderID)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, CancelOrderResponse{Order: orderInfo(o), Refund: refund})
}

func (s *Server) handleCancelMarketMaker(w http.ResponseWriter, r *http.Request) {
	var req CancelMarketMakerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "missing orderId", "")
		return
	}
	if err := s.orders.CancelMarketMaker(r.Context(), req.Symbol, req.Side, req.OrderID); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "canceled", "orderId": req.OrderID})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.queries.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, orderInfo(o))
}

// ==============================
// Account Handlers
// ==============================

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := s.queries.Account(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, AccountInfo{UserID: acc.ID, Balance: acc.Balance})
}

// handleGetOrders lists resting orders, or the history when status=all
func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	q := r.URL.Query()

	var (
		list []ledger.Order
		err  error
	)
	switch q.Get("status") {
	case "", "active":
		list, err = s.queries.ActiveOrders(r.Context(), userID)
	case "all":
		limit := defaultHistoryLimit
		if raw := q.Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				respondError(w, http.StatusBadRequest, "invalid limit", raw)
				return
			}
		}
		list, err = s.queries.OrderHistory(r.Context(), userID, limit)
	default:
		respondError(w, http.StatusBadRequest, "invalid status filter", "expected active or all")
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	response := make([]OrderInfo, len(list))
	for i, o := range list {
		response[i] = orderInfo(o)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.queries.Portfolio(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		s.fail(w, err)
		return
	}
	response := make([]HoldingInfo, 0, len(holdings))
	for _, h := range holdings {
		if h.Quantity == 0 {
			continue
		}
		symbol := h.Symbol
		if symbol == "" {
			symbol, _ = s.registry.SymbolFor(h.StockID)
		}
		response = append(response, HoldingInfo{
			Symbol:   symbol,
			StockID:  h.StockID,
			Quantity: h.Quantity,
			AvgPrice: h.AvgPrice,
		})
	}
	respondJSON(w, response)
}

// ==============================
// Admin Handlers
// ==============================

func (s *Server) handleEngineStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.engine.GetStats())
}

func (s *Server) handleEngineHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.engine.HealthCheck(r.Context()))
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	reset := s.engine.ResetCircuitBreaker(r.URL.Query().Get("symbol"))
	if reset == nil {
		reset = []string{}
	}
	respondJSON(w, CircuitResetResponse{Reset: reset})
}

func (s *Server) handleForceBroadcast(w http.ResponseWriter, r *http.Request) {
	in, ok := s.instrument(w, r)
	if !ok {
		return
	}
	s.engine.ForceBroadcast(in.Symbol)
	respondJSON(w, map[string]string{"status": "broadcast", "symbol": in.Symbol})
}

func (s *Server) handleValidateBook(w http.ResponseWriter, r *http.Request) {
	in, ok := s.instrument(w, r)
	if !ok {
		return
	}
	rep, err := s.engine.ValidateBook(r.Context(), in.Symbol)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, rep)
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.sessions.Info())
}

func (s *Server) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.Open(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, SessionOpenResponse{
		SessionID:   res.Session.ID,
		Number:      res.Session.Number,
		Instruments: len(res.Daily),
		Migrated:    len(res.Migrated),
	})
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.Close(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, SessionCloseResponse{
		SessionID: res.Session.ID,
		Canceled:  len(res.Canceled),
		Refunded:  res.Refunded,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.engine.HealthCheck(r.Context())
	status := "ok"
	if !h.Healthy {
		status = "degraded"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"status": status, "engine": h})
		return
	}
	respondJSON(w, map[string]any{"status": status, "engine": h})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) instrument(w http.ResponseWriter, r *http.Request) (market.Instrument, bool) {
	symbol := mux.Vars(r)["symbol"]
	in, err := s.registry.Get(symbol)
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", symbol)
		return in, false
	}
	return in, true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Errorw("request_failed", "err", err)
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, orders.ErrInvalidQuantity),
		errors.Is(err, orders.ErrInvalidPrice),
		errors.Is(err, orders.ErrInvalidSide),
		errors.Is(err, orders.ErrInvalidTick),
		errors.Is(err, orders.ErrOutsideBand),
		errors.Is(err, orders.ErrMissingUser),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientHoldings):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrUnknownSymbol),
		errors.Is(err, ledger.ErrOrderNotFound),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrStockNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrNotCancellable),
		errors.Is(err, ledger.ErrSessionActive),
		errors.Is(err, ledger.ErrNoActiveSession),
		errors.Is(err, orders.ErrMarketClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
