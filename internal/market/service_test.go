package market_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/charmarket/market-engine/internal/audit"
	"github.com/charmarket/market-engine/internal/market"
	"github.com/charmarket/market-engine/internal/model"
	"github.com/charmarket/market-engine/internal/risk"
	"github.com/charmarket/market-engine/internal/store"
	"github.com/charmarket/market-engine/pkg/contracts/events"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	svc      *market.Service
	store    *store.MemoryStore
	recorder *audit.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	rec := audit.NewRecorder()
	limiter := risk.NewExposureLimiter(d(1_000_000), d(10_000_000))
	return &testEnv{
		svc:      market.NewService(ms, limiter, rec, nil),
		store:    ms,
		recorder: rec,
	}
}

func (e *testEnv) seedStock(t *testing.T, symbol string, price float64, shares int64) *model.Stock {
	t.Helper()
	st, err := e.svc.CreateStock(context.Background(), symbol, symbol+" Inc", "anime", d(price), shares)
	if err != nil {
		t.Fatalf("seed stock %s: %v", symbol, err)
	}
	return st
}

func (e *testEnv) seedUser(t *testing.T, id string, balance float64) *model.User {
	t.Helper()
	u, err := e.svc.CreateUser(context.Background(), id, d(balance))
	if err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
	return u
}

// seedDueBet inserts an open bet already past expiry, bypassing the service so
// settlement can be exercised without waiting.
func (e *testEnv) seedDueBet(t *testing.T, stockID, userID, betType string, amount, entry float64) *model.DirectionalBet {
	t.Helper()
	now := time.Now().UTC()
	bet := &model.DirectionalBet{
		ID:         uuid.New().String(),
		StockID:    stockID,
		UserID:     userID,
		Type:       betType,
		Amount:     d(amount),
		EntryPrice: d(entry),
		Status:     model.BetOpen,
		Payout:     decimal.Zero,
		PlacedAt:   now.Add(-48 * time.Hour),
		ExpiresAt:  now.Add(-time.Hour),
	}
	if err := e.store.CreateBet(context.Background(), bet); err != nil {
		t.Fatalf("seed bet: %v", err)
	}
	return bet
}

// --- Stock lifecycle ---

func TestCreateStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	st := env.seedStock(t, "SPIKE", 1.00, 1500)
	if st.AvailableShares != st.TotalShares {
		t.Errorf("new listing should have full float available: %d/%d", st.AvailableShares, st.TotalShares)
	}

	entries, err := env.svc.GetPriceHistory(ctx, st.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].Cause != model.CauseListing {
		t.Errorf("listing should write one ledger entry with cause listing, got %+v", entries)
	}
}

func TestCreateStock_Invalid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		symbol string
		price  float64
		shares int64
	}{
		{"bad symbol", "spike!", 1.00, 100},
		{"single char symbol", "S", 1.00, 100},
		{"zero price", "SPIKE", 0, 100},
		{"negative price", "SPIKE", -1, 100},
		{"zero shares", "SPIKE", 1.00, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateStock(ctx, tt.symbol, "n", "c", d(tt.price), tt.shares)
			if !errors.Is(err, market.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

// --- Price formation ---

func TestBuy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 1.00, 1500)
	env.seedUser(t, "alice", 1000)

	tx, err := env.svc.Buy(ctx, st.ID, "alice", 100)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	// Execution happens at the pre-trade price.
	if !tx.PricePerShare.Equal(d(1.00)) {
		t.Errorf("exec price = %s, want 1.00", tx.PricePerShare)
	}
	if !tx.TotalAmount.Equal(d(100)) {
		t.Errorf("total = %s, want 100", tx.TotalAmount)
	}

	after, _ := env.svc.GetStock(ctx, st.ID)
	if after.AvailableShares != 1400 {
		t.Errorf("available = %d, want 1400", after.AvailableShares)
	}
	if !after.CurrentPrice.GreaterThan(d(1.00)) {
		t.Errorf("buy should raise price, got %s", after.CurrentPrice)
	}

	u, _ := env.store.GetUser(ctx, "alice")
	if !u.Balance.Equal(d(900)) {
		t.Errorf("balance = %s, want 900", u.Balance)
	}

	holding, _ := env.store.GetHolding(ctx, "alice", st.ID)
	if holding != 100 {
		t.Errorf("holding = %d, want 100", holding)
	}

	entries, _ := env.svc.GetPriceHistory(ctx, st.ID, 0)
	if len(entries) != 2 {
		t.Fatalf("expected listing + trade entries, got %d", len(entries))
	}
	if entries[0].Cause != model.CauseTrade || !entries[0].Price.Equal(after.CurrentPrice) {
		t.Errorf("newest entry should record the post-trade price: %+v", entries[0])
	}

	txs, _ := env.store.ListTransactionsByStock(ctx, st.ID)
	if len(txs) != 1 {
		t.Errorf("expected 1 transaction record, got %d", len(txs))
	}
}

func TestBuy_Insufficient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 10.00, 100)
	env.seedUser(t, "alice", 50)

	if _, err := env.svc.Buy(ctx, st.ID, "alice", 10); !errors.Is(err, market.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := env.svc.Buy(ctx, st.ID, "alice", 101); !errors.Is(err, market.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
	if _, err := env.svc.Buy(ctx, st.ID, "alice", 0); !errors.Is(err, market.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}

	// Failed trades must leave no trace.
	after, _ := env.svc.GetStock(ctx, st.ID)
	if after.AvailableShares != 100 || !after.CurrentPrice.Equal(d(10.00)) {
		t.Errorf("failed buy mutated stock: %+v", after)
	}
}

func TestSell_InsufficientHoldings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 1.00, 1500)
	env.seedUser(t, "alice", 1000)

	if _, err := env.svc.Sell(ctx, st.ID, "alice", 10); !errors.Is(err, market.ErrInsufficientHoldings) {
		t.Errorf("expected ErrInsufficientHoldings, got %v", err)
	}
}

func TestBuy_ConcurrentAcrossStocks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Two stocks, one user whose balance covers exactly one of the buys.
	// Per-stock locks do not serialize these, so the store's balance floor
	// is the only thing standing between the user and a negative balance.
	a := env.seedStock(t, "AAA", 100.00, 1000)
	b := env.seedStock(t, "BBB", 100.00, 1000)
	env.seedUser(t, "alice", 100)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, st := range []*model.Stock{a, b} {
		wg.Add(1)
		go func(i int, stockID string) {
			defer wg.Done()
			_, errs[i] = env.svc.Buy(ctx, stockID, "alice", 1)
		}(i, st.ID)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, market.ErrInsufficientFunds) {
			t.Errorf("losing buy should fail with ErrInsufficientFunds, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("exactly one buy should succeed, got %d", succeeded)
	}

	u, err := env.store.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Balance.IsNegative() {
		t.Fatalf("balance overdrawn to %s", u.Balance)
	}
	if !u.Balance.Equal(decimal.Zero) {
		t.Errorf("balance = %s, want 0 after the single winning buy", u.Balance)
	}
}

func TestBuySell_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 2.00, 1000)
	env.seedUser(t, "alice", 1000)

	if _, err := env.svc.Buy(ctx, st.ID, "alice", 100); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := env.svc.Sell(ctx, st.ID, "alice", 100); err != nil {
		t.Fatalf("sell: %v", err)
	}

	after, _ := env.svc.GetStock(ctx, st.ID)
	if after.AvailableShares != 1000 {
		t.Errorf("available = %d, want 1000 after round trip", after.AvailableShares)
	}
	holding, _ := env.store.GetHolding(ctx, "alice", st.ID)
	if holding != 0 {
		t.Errorf("holding = %d, want 0 after round trip", holding)
	}
}

func TestLedgerReplaysToCurrentPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 1.00, 1500)
	env.seedUser(t, "alice", 10000)

	env.svc.Buy(ctx, st.ID, "alice", 200)
	env.svc.Sell(ctx, st.ID, "alice", 50)
	env.svc.InflateAll(ctx, d(5))
	env.svc.ApplyDailyDrift(ctx, true)

	after, _ := env.svc.GetStock(ctx, st.ID)
	entries, _ := env.svc.GetPriceHistory(ctx, st.ID, 0)
	if len(entries) != 5 {
		t.Fatalf("expected 5 ledger entries, got %d", len(entries))
	}
	// Newest entry always matches the live price.
	if !entries[0].Price.Equal(after.CurrentPrice) {
		t.Errorf("ledger head %s != current price %s", entries[0].Price, after.CurrentPrice)
	}
}

// --- Supply & dilution ---

func TestCreateShares(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 3.00, 1000)

	after, err := env.svc.CreateShares(ctx, st.ID, 500)
	if err != nil {
		t.Fatalf("create shares: %v", err)
	}

	if after.TotalShares != 1500 || after.AvailableShares != 1500 {
		t.Errorf("supply = %d/%d, want 1500/1500", after.AvailableShares, after.TotalShares)
	}
	// Non-diluting mint leaves the price alone; market cap rises.
	if !after.CurrentPrice.Equal(d(3.00)) {
		t.Errorf("price = %s, want unchanged 3.00", after.CurrentPrice)
	}

	entries, _ := env.svc.GetPriceHistory(ctx, st.ID, 1)
	if entries[0].Cause != model.CauseDilution {
		t.Errorf("newest entry cause = %s, want dilution", entries[0].Cause)
	}
}

func TestMassCreateShares_Dilute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.seedStock(t, "AAA", 10.00, 1000)
	b := env.seedStock(t, "BBB", 4.00, 500)

	progress, err := env.svc.MassCreateShares(ctx, 1000, true)
	if err != nil {
		t.Fatalf("mass create: %v", err)
	}

	var evs []market.SupplyProgress
	for ev := range progress {
		evs = append(evs, ev)
	}
	if len(evs) != 3 {
		t.Fatalf("expected 2 per-stock events + terminal, got %d", len(evs))
	}
	last := evs[len(evs)-1]
	if !last.Done || last.Processed != 2 || last.Total != 2 {
		t.Errorf("terminal event = %+v", last)
	}
	for _, ev := range evs[:len(evs)-1] {
		if ev.Err != "" {
			t.Errorf("stock %s failed: %s", ev.Symbol, ev.Err)
		}
	}

	// Diluting mint preserves market cap per stock.
	for _, seed := range []*model.Stock{a, b} {
		after, _ := env.svc.GetStock(ctx, seed.ID)
		if after.TotalShares != seed.TotalShares+1000 {
			t.Errorf("%s total = %d, want %d", seed.Symbol, after.TotalShares, seed.TotalShares+1000)
		}
		if !after.CurrentPrice.LessThan(seed.CurrentPrice) {
			t.Errorf("%s price should fall on dilution: %s -> %s", seed.Symbol, seed.CurrentPrice, after.CurrentPrice)
		}
		capDiff := after.MarketCap().Sub(seed.MarketCap()).Abs().Div(seed.MarketCap())
		if capDiff.GreaterThan(d(0.01)) {
			t.Errorf("%s market cap drifted: %s -> %s", seed.Symbol, seed.MarketCap(), after.MarketCap())
		}
	}
}

func TestMassCreateShares_InvalidAmount(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.MassCreateShares(context.Background(), 0, false); !errors.Is(err, market.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

// --- Admin inflation ---

func TestInflateAll_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 2.00, 1000)

	summary, err := env.svc.InflateAll(ctx, d(10))
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if summary.Succeeded != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}

	mid, _ := env.svc.GetStock(ctx, st.ID)
	if !mid.CurrentPrice.Equal(d(2.20)) {
		t.Errorf("price after +10%% = %s, want 2.2", mid.CurrentPrice)
	}

	// The exact inverse restores the original price.
	inverse := decimal.NewFromInt(100).Div(decimal.NewFromInt(11)).Neg()
	if _, err := env.svc.InflateAll(ctx, inverse); err != nil {
		t.Fatalf("inverse inflate: %v", err)
	}
	after, _ := env.svc.GetStock(ctx, st.ID)
	if after.CurrentPrice.Sub(d(2.00)).Abs().GreaterThan(d(0.001)) {
		t.Errorf("inverse round trip: %s, want ~2.00", after.CurrentPrice)
	}
}

func TestInflateAll_RejectsBadPercentage(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, "SPIKE", 2.00, 1000)

	if _, err := env.svc.InflateAll(context.Background(), d(-100)); !errors.Is(err, market.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

// --- Delisting ---

func TestDelist_Ordering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 2.00, 1000)
	env.seedUser(t, "holder", 1000)
	env.seedUser(t, "bettor", 1000)

	// holder buys 50 shares at 2.00 (cost 100).
	if _, err := env.svc.Buy(ctx, st.ID, "holder", 50); err != nil {
		t.Fatalf("buy: %v", err)
	}
	priceAtDelist, _ := env.svc.GetPrice(ctx, st.ID)

	bet, err := env.svc.PlaceBet(ctx, st.ID, "bettor", model.BetCall, d(75), 7)
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}

	result, err := env.svc.Delist(ctx, st.ID)
	if err != nil {
		t.Fatalf("delist: %v", err)
	}
	if result.BetsCancelled != 1 || result.HoldersPaid != 1 {
		t.Errorf("result = %+v, want 1 bet cancelled, 1 holder paid", result)
	}

	// Bet record survives in cancelled state with the full wager refunded.
	settled, err := env.store.GetBet(ctx, bet.ID)
	if err != nil {
		t.Fatalf("get bet: %v", err)
	}
	if settled.Status != model.BetCancelled || !settled.Payout.Equal(d(75)) {
		t.Errorf("bet = status %s payout %s, want cancelled/75", settled.Status, settled.Payout)
	}
	bettor, _ := env.store.GetUser(ctx, "bettor")
	if !bettor.Balance.Equal(d(1000)) {
		t.Errorf("bettor balance = %s, want full refund to 1000", bettor.Balance)
	}

	// Holder compensated at the delisting price for all 50 shares.
	wantHolder := d(1000).Sub(d(100)).Add(priceAtDelist.Mul(d(50)))
	holder, _ := env.store.GetUser(ctx, "holder")
	if !holder.Balance.Equal(wantHolder) {
		t.Errorf("holder balance = %s, want %s", holder.Balance, wantHolder)
	}
	if holdings, _ := env.store.ListHoldingsByUser(ctx, "holder"); len(holdings) != 0 {
		t.Errorf("holder still holds delisted stock: %+v", holdings)
	}

	// Stock gone, history retained.
	if _, err := env.svc.GetStock(ctx, st.ID); !errors.Is(err, model.ErrStockNotFound) {
		t.Errorf("expected ErrStockNotFound after delist, got %v", err)
	}
	entries, _ := env.svc.GetPriceHistory(ctx, st.ID, 0)
	if len(entries) == 0 {
		t.Error("price history should survive delisting")
	}
}

// --- Drift scheduler ---

func TestApplyDailyDrift(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 100.00, 1000)

	result, err := env.svc.ApplyDailyDrift(ctx, false)
	if err != nil {
		t.Fatalf("drift: %v", err)
	}
	if !result.Applied || result.Succeeded != 1 {
		t.Errorf("first drift should apply: %+v", result)
	}

	after, _ := env.svc.GetStock(ctx, st.ID)
	if after.CurrentPrice.LessThan(d(98.5)) || after.CurrentPrice.GreaterThan(d(101.5)) {
		t.Errorf("drifted price %s outside ±1.5%% band", after.CurrentPrice)
	}

	// Second call inside the 24h window is a no-op.
	again, err := env.svc.ApplyDailyDrift(ctx, false)
	if err != nil {
		t.Fatalf("drift: %v", err)
	}
	if again.Applied {
		t.Error("drift inside window should be a no-op")
	}
	unchanged, _ := env.svc.GetStock(ctx, st.ID)
	if !unchanged.CurrentPrice.Equal(after.CurrentPrice) {
		t.Errorf("no-op drift moved price: %s -> %s", after.CurrentPrice, unchanged.CurrentPrice)
	}

	// Force bypasses the window.
	forced, err := env.svc.ApplyDailyDrift(ctx, true)
	if err != nil {
		t.Fatalf("forced drift: %v", err)
	}
	if !forced.Applied {
		t.Error("forced drift should always apply")
	}
}

func TestDrift_Disabled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedStock(t, "SPIKE", 100.00, 1000)
	if err := env.svc.SetDriftEnabled(ctx, false); err != nil {
		t.Fatalf("disable drift: %v", err)
	}

	result, err := env.svc.ApplyDailyDrift(ctx, false)
	if err != nil {
		t.Fatalf("drift: %v", err)
	}
	if result.Applied {
		t.Error("disabled drift should be a no-op")
	}
	enabled, err := env.svc.DriftEnabled(ctx)
	if err != nil {
		t.Fatalf("drift state: %v", err)
	}
	if enabled {
		t.Error("DriftEnabled should report false")
	}
}

// --- Directional bets ---

func TestPlaceBet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 1.50, 1000)
	env.seedUser(t, "alice", 500)

	bet, err := env.svc.PlaceBet(ctx, st.ID, "alice", model.BetCall, d(100), 7)
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}

	if !bet.EntryPrice.Equal(d(1.50)) {
		t.Errorf("entry price = %s, want current price 1.50", bet.EntryPrice)
	}
	if bet.Status != model.BetOpen {
		t.Errorf("status = %s, want open", bet.Status)
	}
	wantExpiry := bet.PlacedAt.AddDate(0, 0, 7)
	if !bet.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expires = %s, want %s", bet.ExpiresAt, wantExpiry)
	}

	// Wager escrowed immediately.
	u, _ := env.store.GetUser(ctx, "alice")
	if !u.Balance.Equal(d(400)) {
		t.Errorf("balance = %s, want 400 after escrow", u.Balance)
	}

	open, _ := env.svc.GetOpenBetsByUser(ctx, "alice")
	if len(open) != 1 || open[0].ID != bet.ID {
		t.Errorf("open bets = %+v", open)
	}
}

func TestPlaceBet_Invalid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 1.50, 1000)
	env.seedUser(t, "alice", 500)

	tests := []struct {
		name    string
		betType string
		amount  float64
		days    int
		wantErr error
	}{
		{"bad type", "straddle", 100, 7, market.ErrInvalidArgument},
		{"zero amount", model.BetCall, 0, 7, market.ErrInvalidArgument},
		{"expiry too short", model.BetCall, 100, 0, nil},
		{"expiry too long", model.BetPut, 100, 31, nil},
		{"insufficient funds", model.BetCall, 600, 7, market.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.PlaceBet(ctx, st.ID, "alice", tt.betType, d(tt.amount), tt.days)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPlaceBet_ExposureLimits(t *testing.T) {
	ms := store.NewMemoryStore()
	limiter := risk.NewExposureLimiter(d(100), d(150))
	svc := market.NewService(ms, limiter, audit.NewRecorder(), nil)
	env := &testEnv{svc: svc, store: ms}
	ctx := context.Background()

	a := env.seedStock(t, "AAA", 1.00, 1000)
	b := env.seedStock(t, "BBB", 1.00, 1000)
	env.seedUser(t, "alice", 10000)

	if _, err := svc.PlaceBet(ctx, a.ID, "alice", model.BetCall, d(100), 7); err != nil {
		t.Fatalf("first bet at per-stock cap should pass: %v", err)
	}
	if _, err := svc.PlaceBet(ctx, a.ID, "alice", model.BetCall, d(1), 7); !errors.Is(err, risk.ErrPerStockLimitExceeded) {
		t.Errorf("expected ErrPerStockLimitExceeded, got %v", err)
	}
	// Both stocks share the "anime" category: 100 escrowed + 51 > 150.
	if _, err := svc.PlaceBet(ctx, b.ID, "alice", model.BetPut, d(51), 7); !errors.Is(err, risk.ErrCategoryLimitExceeded) {
		t.Errorf("expected ErrCategoryLimitExceeded, got %v", err)
	}
	if _, err := svc.PlaceBet(ctx, b.ID, "alice", model.BetPut, d(50), 7); err != nil {
		t.Errorf("bet at category cap should pass: %v", err)
	}
}

func TestSettleBet_Won(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 1.10, 1000) // current price above entry
	env.seedUser(t, "alice", 1000)
	bet := env.seedDueBet(t, st.ID, "alice", model.BetCall, 100, 1.00)

	settled, err := env.svc.SettleBet(ctx, bet.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Status != model.BetWon {
		t.Errorf("status = %s, want won", settled.Status)
	}
	// 10% favorable move: payout = 100 * (1 + 0.40) = 140.
	if !settled.Payout.Equal(d(140)) {
		t.Errorf("payout = %s, want 140", settled.Payout)
	}
	if settled.ResolvedAt == nil {
		t.Error("resolved_at should be set")
	}

	// Seeding escrowed 100 from the 1000 balance; the win credits 140.
	u, _ := env.store.GetUser(ctx, "alice")
	if !u.Balance.Equal(d(1040)) {
		t.Errorf("balance = %s, want 1040", u.Balance)
	}
}

func TestSettleBet_Lost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 0.90, 1000)
	env.seedUser(t, "alice", 1000)
	bet := env.seedDueBet(t, st.ID, "alice", model.BetCall, 100, 1.00)

	settled, err := env.svc.SettleBet(ctx, bet.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Status != model.BetLost || !settled.Payout.IsZero() {
		t.Errorf("bet = %s/%s, want lost/0", settled.Status, settled.Payout)
	}
	u, _ := env.store.GetUser(ctx, "alice")
	if !u.Balance.Equal(d(900)) {
		t.Errorf("balance = %s, want 900 (escrow forfeited)", u.Balance)
	}
}

func TestSettleBet_TieLoses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 1.00, 1000)
	env.seedUser(t, "alice", 1000)
	bet := env.seedDueBet(t, st.ID, "alice", model.BetCall, 100, 1.00)

	settled, err := env.svc.SettleBet(ctx, bet.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Status != model.BetLost {
		t.Errorf("unchanged price should settle as loss, got %s", settled.Status)
	}
}

func TestSettleBet_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 1.10, 1000)
	env.seedUser(t, "alice", 1000)
	bet := env.seedDueBet(t, st.ID, "alice", model.BetCall, 100, 1.00)

	first, err := env.svc.SettleBet(ctx, bet.ID)
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}
	second, err := env.svc.SettleBet(ctx, bet.ID)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if second.Status != first.Status || !second.Payout.Equal(first.Payout) {
		t.Errorf("second settle changed outcome: %+v vs %+v", second, first)
	}

	// Payout credited exactly once.
	u, _ := env.store.GetUser(ctx, "alice")
	if !u.Balance.Equal(d(1040)) {
		t.Errorf("balance = %s, want 1040 (single credit)", u.Balance)
	}
}

func TestSettleBet_NotDue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 1.50, 1000)
	env.seedUser(t, "alice", 500)

	bet, err := env.svc.PlaceBet(ctx, st.ID, "alice", model.BetCall, d(100), 7)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, err := env.svc.SettleBet(ctx, bet.ID); !errors.Is(err, market.ErrBetNotDue) {
		t.Errorf("expected ErrBetNotDue, got %v", err)
	}
}

func TestSettleDueBets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 1.10, 1000)
	env.seedUser(t, "alice", 1000)
	env.seedUser(t, "bob", 1000)

	won := env.seedDueBet(t, st.ID, "alice", model.BetCall, 100, 1.00)
	lost := env.seedDueBet(t, st.ID, "bob", model.BetPut, 100, 1.00)

	// Not-yet-due bet must be skipped by the sweep.
	pending, err := env.svc.PlaceBet(ctx, st.ID, "alice", model.BetCall, d(50), 7)
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	summary, err := env.svc.SettleDueBets(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if summary.Succeeded != 2 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 2 succeeded", summary)
	}

	for id, want := range map[string]string{won.ID: model.BetWon, lost.ID: model.BetLost, pending.ID: model.BetOpen} {
		b, _ := env.store.GetBet(ctx, id)
		if b.Status != want {
			t.Errorf("bet %s status = %s, want %s", id, b.Status, want)
		}
	}
}

// --- Option chain ---

func TestGetOptionChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 10.00, 1000)

	chain, err := env.svc.GetOptionChain(ctx, st.ID, 7)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain.Rows) != 11 {
		t.Errorf("expected 11 strikes, got %d", len(chain.Rows))
	}
	if !chain.SpotPrice.Equal(d(10.00)) {
		t.Errorf("spot = %s, want 10", chain.SpotPrice)
	}
}

// --- Portfolio ---

func TestGetPortfolio(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 2.00, 1000)
	env.seedUser(t, "alice", 1000)

	if _, err := env.svc.Buy(ctx, st.ID, "alice", 100); err != nil {
		t.Fatalf("buy: %v", err)
	}

	p, err := env.svc.GetPortfolio(ctx, "alice")
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if !p.Balance.Equal(d(800)) {
		t.Errorf("balance = %s, want 800", p.Balance)
	}
	if len(p.Positions) != 1 || p.Positions[0].Shares != 100 {
		t.Fatalf("positions = %+v", p.Positions)
	}
	// Position marked at the post-trade price.
	current, _ := env.svc.GetPrice(ctx, st.ID)
	wantValue := current.Mul(d(100))
	if !p.Positions[0].Value.Equal(wantValue) {
		t.Errorf("position value = %s, want %s", p.Positions[0].Value, wantValue)
	}
	if !p.TotalValue.Equal(p.Balance.Add(wantValue)) {
		t.Errorf("total value = %s, want balance + holdings", p.TotalValue)
	}
}

// --- Audit trail ---

func TestAuditEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	st := env.seedStock(t, "SPIKE", 1.00, 1500)
	env.seedUser(t, "alice", 1000)

	env.svc.Buy(ctx, st.ID, "alice", 100)
	env.svc.InflateAll(ctx, d(5))

	var actions []string
	for _, ev := range env.recorder.Events() {
		actions = append(actions, ev.Action)
	}

	want := map[string]bool{
		events.ActionCreateStock: false,
		events.ActionBuy:         false,
		events.ActionInflateAll:  false,
	}
	for _, a := range actions {
		if _, ok := want[a]; ok {
			want[a] = true
		}
	}
	for action, seen := range want {
		if !seen {
			t.Errorf("missing audit event %s in %v", action, actions)
		}
	}
}
