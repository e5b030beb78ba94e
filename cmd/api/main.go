package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/pointledger/internal/api"
	"github.com/punchamoorthee/pointledger/internal/clock"
	"github.com/punchamoorthee/pointledger/internal/config"
	"github.com/punchamoorthee/pointledger/internal/distribution"
	"github.com/punchamoorthee/pointledger/internal/logger"
	"github.com/punchamoorthee/pointledger/internal/monitor"
	"github.com/punchamoorthee/pointledger/internal/payment"
	"github.com/punchamoorthee/pointledger/internal/service"
	"github.com/punchamoorthee/pointledger/internal/store"
	"github.com/punchamoorthee/pointledger/internal/throttle"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

// backend is everything the api process needs from a store implementation.
type backend interface {
	api.AccountStore
	service.Ledger
	service.Deduper
	service.Counters
	distribution.Lookup
	monitor.Store
	payment.OrderStore
	Close()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logg, err := logger.New(logger.Config{
		ServiceName: "pointledger-api",
		Environment: cfg.Env,
		Version:     version,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer logg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logg)
	if err != nil {
		logg.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	var deduper service.Deduper = st
	if cfg.DedupeStrategy == config.DedupeRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		guard, err := throttle.NewGuard(client, cfg.DedupeTTL)
		if err != nil {
			logg.Fatal("dedupe guard", zap.Error(err))
		}
		if err := guard.Ping(ctx); err != nil {
			logg.Fatal("redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		deduper = guard
	}
	logg.Info("dedupe strategy", zap.String("strategy", cfg.DedupeStrategy))

	monitors := monitor.NewService(st, monitor.NewTelegramSender(cfg.TelegramAPIBase, cfg.NotifyTimeout), logg)
	billing := service.NewBillingService(service.BillingParams{
		Ledger:        st,
		Deduper:       deduper,
		Distributions: distribution.NewCachedLookup(st, cfg.DistributionCacheSize, cfg.DistributionCacheTTL),
		Counters:      st,
		Notifier:      monitors,
		Clock:         clock.Real{},
		Log:           logg,
		NotifyTimeout: cfg.NotifyTimeout,
	})
	recharge := service.NewRechargeService(st, logg)
	var payments *payment.Service
	if cfg.ECPay.Enabled() {
		payments = payment.NewService(st, recharge, payment.Config{
			MerchantID:  cfg.ECPay.MerchantID,
			HashKey:     cfg.ECPay.HashKey,
			HashIV:      cfg.ECPay.HashIV,
			ReturnURL:   cfg.ECPay.ReturnURL,
			CheckoutURL: cfg.ECPay.CheckoutURL,
		}, clock.Real{}, logg)
	} else {
		logg.Warn("ECPay credentials not configured; payment routes disabled")
	}

	handler := api.NewHandler(api.Params{
		Accounts:   st,
		Billing:    billing,
		Recharge:   recharge,
		Payments:   payments,
		AdminToken: cfg.AdminToken,
		Log:        logg,
	})
	if cfg.AdminToken == "" {
		logg.Warn("ADMIN_TOKEN is empty; admin routes will reject every request")
	}

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	handler.Register(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logg.Info("server starting", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logg.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Error("server shutdown", zap.Error(err))
	}
	billing.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logg *zap.Logger) (backend, error) {
	if cfg.StoreDriver == config.DriverMemory {
		logg.Warn("using in-memory store; data is lost on exit")
		return store.NewMemory(), nil
	}

	pg, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := store.Migrate(pg.Pool()); err != nil {
			pg.Close()
			return nil, err
		}
		logg.Info("migrations applied")
	}
	return pg, nil
}
