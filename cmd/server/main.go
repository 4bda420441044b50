package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/custody"
	"github.com/perpx/perp-engine/internal/fee"
	"github.com/perpx/perp-engine/internal/metrics"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/oracle"
	"github.com/perpx/perp-engine/internal/pool"
	"github.com/perpx/perp-engine/internal/position"
	"github.com/perpx/perp-engine/internal/risk"
	"github.com/perpx/perp-engine/internal/store"
	"github.com/perpx/perp-engine/internal/trade"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envUint(key string, fallback uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		slog.Error("invalid numeric env var", "key", key, "value", v)
		os.Exit(1)
	}
	return n
}

func envDecimal(key, fallback string) decimal.Decimal {
	d, err := decimal.NewFromString(envOr(key, fallback))
	if err != nil {
		slog.Error("invalid decimal env var", "key", key)
		os.Exit(1)
	}
	return d
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := envOr("PORT", "8080")

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	var rdb *redis.Client

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		dbpool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, dbpool.Close)
		st = store.NewPostgresStore(dbpool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price oracle ---
	var prices oracle.Source
	if rdb != nil {
		prices = oracle.NewRedisSource(rdb, envOr("PRICE_KEY_PREFIX", "price:"))
		slog.Info("Redis price source enabled")
	} else {
		slog.Warn("REDIS_URL not set, using static price source (development only)")
		prices = oracle.NewStaticSource()
	}

	// Custody is external in production; the log transferer records
	// transfer intents for the settlement layer to pick up.
	transfer := custody.LogTransferer{}

	// --- Engines ---
	pools := pool.NewEngine(st, transfer, envDecimal("MIN_DEPOSIT_USD", "10"))

	fees := fee.NewEngine(st, pools, transfer)
	if err := fees.Init(context.Background(), model.FeeConfig{
		RateBps:           uint32(envUint("FEE_RATE_BPS", 500)),
		TreasuryShareBps:  uint32(envUint("FEE_TREASURY_BPS", 5000)),
		ProtocolShareBps:  uint32(envUint("FEE_PROTOCOL_BPS", 5000)),
		ProtocolRecipient: envOr("FEE_PROTOCOL_RECIPIENT", "protocol-treasury"),
		Admin:             envOr("FEE_ADMIN", "fee-admin"),
	}); err != nil {
		slog.Error("fee config init failed", "err", err)
		os.Exit(1)
	}

	// Exposure limits; zero disables a cap.
	limiter := risk.NewLimiter(
		envUint("MAX_ASSET_NOTIONAL", 0),
		envUint("MAX_TRADER_WAGER", 0),
	)

	automationID := envOr("AUTOMATION_ID", "automation")
	positions := position.NewEngine(st, pools.Hooks(), fees, prices, limiter,
		automationID, envDecimal("MIN_WAGER_USD", "1"))

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- HTTP service ---
	svc := trade.NewService(pools, positions, fees, prices,
		os.Getenv("ADMIN_KEY"), os.Getenv("AUTOMATION_KEY"), automationID, wsHub)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Trader-ID, X-Api-Key")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Register)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perp-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down perp-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perp-engine stopped")
}
