// The settlement worker runs the periodic maintenance loops that do not
// belong in the request path: the due-bet settlement sweep and the daily
// drift tick. It shares the engine service with the API server but carries
// no HTTP surface beyond /metrics.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/charmarket/market-engine/internal/audit"
	"github.com/charmarket/market-engine/internal/config"
	"github.com/charmarket/market-engine/internal/market"
	"github.com/charmarket/market-engine/internal/metrics"
	"github.com/charmarket/market-engine/internal/risk"
	"github.com/charmarket/market-engine/internal/store"
	"github.com/charmarket/market-engine/pkg/contracts/topics"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load("settlement-worker")

	if cfg.PostgresDSN == "" {
		slog.Error("DATABASE_URL is required: the worker must share state with the API server")
		os.Exit(1)
	}
	pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
	if err != nil {
		slog.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	st := store.NewPostgresStore(pool)

	var pub audit.Publisher
	if cfg.KafkaBrokers != "" {
		kp := audit.NewKafkaPublisher(cfg.KafkaBrokers, topics.AuditLog)
		defer kp.Close()
		pub = kp
	} else {
		pub = audit.NewRecorder()
	}

	limiter := risk.NewExposureLimiter(
		decimal.NewFromFloat(cfg.MaxBetPerStock),
		decimal.NewFromFloat(cfg.MaxBetPerCategory),
	)
	svc := market.NewService(st, limiter, pub, nil)

	// Metrics-only HTTP listener.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		slog.Info("worker metrics listening", "port", cfg.MetricsPort)
		if err := http.ListenAndServe(":"+cfg.MetricsPort, mux); err != nil {
			slog.Error("metrics server error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settleTicker := time.NewTicker(cfg.SettleInterval)
	defer settleTicker.Stop()
	driftTicker := time.NewTicker(cfg.DriftInterval)
	defer driftTicker.Stop()

	slog.Info("settlement worker started",
		"settle_interval", cfg.SettleInterval.String(),
		"drift_interval", cfg.DriftInterval.String())

	for {
		select {
		case <-ctx.Done():
			slog.Info("settlement worker stopping")
			return

		case <-settleTicker.C:
			summary, err := svc.SettleDueBets(ctx)
			if err != nil {
				slog.Error("settlement sweep failed", "err", err)
				continue
			}
			if summary.Succeeded+summary.Failed > 0 {
				slog.Info("settlement sweep done", "succeeded", summary.Succeeded, "failed", summary.Failed)
			}

		case <-driftTicker.C:
			// The service enforces the 24h window; ticking hourly just
			// bounds how late drift can land.
			result, err := svc.ApplyDailyDrift(ctx, false)
			if err != nil {
				slog.Error("drift failed", "err", err)
				continue
			}
			if result.Applied {
				slog.Info("drift tick done", "succeeded", result.Succeeded, "failed", result.Failed)
			}
		}
	}
}
