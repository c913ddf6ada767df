package market

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/charmarket/market-engine/internal/history"
	"github.com/charmarket/market-engine/internal/model"
	"github.com/charmarket/market-engine/internal/options"
	"github.com/charmarket/market-engine/internal/pricing"
	"github.com/charmarket/market-engine/internal/risk"
)

// Routes mounts the engine's command/query surface on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/users", s.handleCreateUser)
	r.Get("/portfolio/{userID}", s.handleGetPortfolio)

	r.Get("/stocks", s.handleListStocks)
	r.Post("/stocks", s.handleCreateStock)
	r.Get("/stocks/symbol/{symbol}", s.handleGetStockBySymbol)
	r.Get("/stocks/{stockID}", s.handleGetStock)
	r.Delete("/stocks/{stockID}", s.handleDelist)
	r.Get("/stocks/{stockID}/price", s.handleGetPrice)
	r.Get("/stocks/{stockID}/history", s.handleGetHistory)
	r.Get("/stocks/{stockID}/options", s.handleGetOptionChain)

	r.Post("/trade", s.handleTrade)

	r.Post("/bets", s.handlePlaceBet)
	r.Post("/bets/settle-due", s.handleSettleDueBets)
	r.Post("/bets/{betID}/settle", s.handleSettleBet)
	r.Get("/bets/open", s.handleOpenBets)

	r.Post("/admin/shares", s.handleCreateShares)
	r.Post("/admin/mass-shares", s.handleMassCreateShares)
	r.Post("/admin/inflate", s.handleInflateAll)
	r.Post("/admin/drift", s.handleDrift)
	r.Put("/admin/drift/enabled", s.handleSetDriftEnabled)
}

// --- Request types ---

// CreateStockRequest is the JSON body for POST /stocks.
type CreateStockRequest struct {
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	InitialPrice decimal.Decimal `json:"initial_price"`
	TotalShares  int64           `json:"total_shares"`
}

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	ID      string          `json:"id"`
	Balance decimal.Decimal `json:"balance"`
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	StockID string `json:"stock_id"`
	UserID  string `json:"user_id"`
	Side    string `json:"side"` // "buy" or "sell"
	Shares  int64  `json:"shares"`
}

// PlaceBetRequest is the JSON body for POST /bets.
type PlaceBetRequest struct {
	StockID    string          `json:"stock_id"`
	UserID     string          `json:"user_id"`
	Type       string          `json:"type"` // "call" or "put"
	Amount     decimal.Decimal `json:"amount"`
	ExpiryDays int             `json:"expiry_days"`
}

// SharesRequest is the JSON body for POST /admin/shares.
type SharesRequest struct {
	StockID    string `json:"stock_id"`
	Additional int64  `json:"additional"`
}

// MassSharesRequest is the JSON body for POST /admin/mass-shares.
type MassSharesRequest struct {
	Additional int64 `json:"additional"`
	Dilute     bool  `json:"dilute"`
}

// InflateRequest is the JSON body for POST /admin/inflate.
type InflateRequest struct {
	Percentage decimal.Decimal `json:"percentage"`
}

// DriftRequest is the JSON body for POST /admin/drift.
type DriftRequest struct {
	Force bool `json:"force"`
}

// DriftEnabledRequest is the JSON body for PUT /admin/drift/enabled.
type DriftEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// --- Handlers ---

func (s *Service) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	u, err := s.CreateUser(r.Context(), req.ID, req.Balance)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Service) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.GetPortfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if p.Positions == nil {
		p.Positions = []PortfolioPosition{}
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) handleListStocks(w http.ResponseWriter, r *http.Request) {
	stocks, err := s.ListStocks(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if stocks == nil {
		stocks = []model.Stock{}
	}
	writeJSON(w, http.StatusOK, stocks)
}

func (s *Service) handleCreateStock(w http.ResponseWriter, r *http.Request) {
	var req CreateStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	st, err := s.CreateStock(r.Context(), req.Symbol, req.Name, req.Category, req.InitialPrice, req.TotalShares)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Service) handleGetStock(w http.ResponseWriter, r *http.Request) {
	st, err := s.GetStock(r.Context(), chi.URLParam(r, "stockID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleGetStockBySymbol(w http.ResponseWriter, r *http.Request) {
	st, err := s.GetStockBySymbol(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleDelist(w http.ResponseWriter, r *http.Request) {
	result, err := s.Delist(r.Context(), chi.URLParam(r, "stockID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.GetPrice(r.Context(), chi.URLParam(r, "stockID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"price": price})
}

// handleGetHistory returns ledger entries newest first. Optional query
// params: limit (entry count) and range (e.g. "24h") to include the percent
// change over that window.
func (s *Service) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	stockID := chi.URLParam(r, "stockID")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	entries, err := s.GetPriceHistory(r.Context(), stockID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []model.PriceHistoryEntry{}
	}

	resp := map[string]any{"entries": entries}
	if v := r.URL.Query().Get("range"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, "invalid range duration", http.StatusBadRequest)
			return
		}
		// Change is computed over the full trajectory, not the limited page.
		full := entries
		if limit > 0 {
			full, err = s.GetPriceHistory(r.Context(), stockID, 0)
			if err != nil {
				writeDomainError(w, err)
				return
			}
		}
		change, err := history.ChangeSince(full, time.Now().UTC(), dur)
		if err == nil {
			resp["change_pct"] = change
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleGetOptionChain(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		days, _ = strconv.Atoi(v)
	}
	chain, err := s.GetOptionChain(r.Context(), chi.URLParam(r, "stockID"), days)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Service) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}

	var tx *model.Transaction
	var err error
	if req.Side == model.SideBuy {
		tx, err = s.Buy(r.Context(), req.StockID, req.UserID, req.Shares)
	} else {
		tx, err = s.Sell(r.Context(), req.StockID, req.UserID, req.Shares)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Service) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	bet, err := s.PlaceBet(r.Context(), req.StockID, req.UserID, req.Type, req.Amount, req.ExpiryDays)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bet)
}

func (s *Service) handleSettleBet(w http.ResponseWriter, r *http.Request) {
	bet, err := s.SettleBet(r.Context(), chi.URLParam(r, "betID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bet)
}

func (s *Service) handleSettleDueBets(w http.ResponseWriter, r *http.Request) {
	summary, err := s.SettleDueBets(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Service) handleOpenBets(w http.ResponseWriter, r *http.Request) {
	var bets []model.DirectionalBet
	var err error

	switch {
	case r.URL.Query().Get("user_id") != "":
		bets, err = s.GetOpenBetsByUser(r.Context(), r.URL.Query().Get("user_id"))
	case r.URL.Query().Get("stock_id") != "":
		bets, err = s.GetOpenBetsByStock(r.Context(), r.URL.Query().Get("stock_id"))
	default:
		writeError(w, "user_id or stock_id query parameter required", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if bets == nil {
		bets = []model.DirectionalBet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

func (s *Service) handleCreateShares(w http.ResponseWriter, r *http.Request) {
	var req SharesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	st, err := s.CreateShares(r.Context(), req.StockID, req.Additional)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleMassCreateShares streams one JSON line per processed stock, then a
// terminal summary line, so out-of-process callers can observe progress.
func (s *Service) handleMassCreateShares(w http.ResponseWriter, r *http.Request) {
	var req MassSharesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	progress, err := s.MassCreateShares(r.Context(), req.Additional, req.Dilute)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for ev := range progress {
		enc.Encode(ev)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Service) handleInflateAll(w http.ResponseWriter, r *http.Request) {
	var req InflateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	summary, err := s.InflateAll(r.Context(), req.Percentage)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Service) handleDrift(w http.ResponseWriter, r *http.Request) {
	var req DriftRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	result, err := s.ApplyDailyDrift(r.Context(), req.Force)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleSetDriftEnabled(w http.ResponseWriter, r *http.Request) {
	var req DriftEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.SetDriftEnabled(r.Context(), req.Enabled); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps engine sentinel errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, pricing.ErrInvalidShares),
		errors.Is(err, pricing.ErrInvalidPercentage),
		errors.Is(err, options.ErrInvalidExpiry),
		errors.Is(err, options.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidSymbol):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrStockNotFound),
		errors.Is(err, model.ErrUserNotFound),
		errors.Is(err, model.ErrBetNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrInsufficientHoldings),
		errors.Is(err, ErrBetNotDue),
		errors.Is(err, risk.ErrPerStockLimitExceeded),
		errors.Is(err, risk.ErrCategoryLimitExceeded):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}
