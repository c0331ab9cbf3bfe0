package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-shop-checkout/internal/cart"
	"github.com/ariefcatur/go-shop-checkout/internal/checkout"
	"github.com/ariefcatur/go-shop-checkout/internal/config"
	"github.com/ariefcatur/go-shop-checkout/internal/httpx"
	"github.com/ariefcatur/go-shop-checkout/internal/inventory"
	kafkax "github.com/ariefcatur/go-shop-checkout/internal/kafka"
	"github.com/ariefcatur/go-shop-checkout/internal/logging"
	"github.com/ariefcatur/go-shop-checkout/internal/metrics"
	"github.com/ariefcatur/go-shop-checkout/internal/orders"
	"github.com/ariefcatur/go-shop-checkout/internal/payment"
	"github.com/ariefcatur/go-shop-checkout/internal/postgres"
	"github.com/ariefcatur/go-shop-checkout/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.New(cfg.ServiceName)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Schema
	if cfg.RunMigrations {
		if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
			log.Error("migrate", "err", err)
			os.Exit(1)
		}
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolConfig{
		MaxConns:        int32(cfg.PostgresMaxConns),
		MinConns:        int32(cfg.PostgresMinConns),
		ApplicationName: cfg.ServiceName,
	})
	if err != nil {
		log.Error("db connect", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(ctx)
	events := &orders.Emitter{Publisher: prod, Producer: cfg.ServiceName}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, cfg.ServiceName)

	// Domain
	orderRepo := &orders.Repo{DB: db}
	cartRepo := &cart.Repo{DB: db}
	orch := &checkout.Orchestrator{
		Carts:       cartRepo,
		Orders:      orderRepo,
		Ledger:      &inventory.Ledger{DB: db},
		Pricing:     checkout.Pricing{TaxRate: cfg.TaxRate, ShippingFee: cfg.ShippingFee},
		Events:      events,
		Log:         log,
		LockTimeout: cfg.LockTimeout,
	}
	gw := payment.NewPaymob(cfg.Paymob, &http.Client{Timeout: cfg.GatewayTimeout}, rdb, log)

	// HTTP
	router := httpx.NewRouter(m, log)
	router.Handle("/metrics", metrics.Handler(reg))
	httpx.Routes(router,
		&httpx.CheckoutHandler{Checkout: orch, Orders: orderRepo, Redis: rdb, Metrics: m, Timeout: cfg.CheckoutTimeout, Log: log},
		&httpx.OrdersHandler{Orders: orderRepo, Events: events, Redis: rdb, Log: log},
		&httpx.PaymentHandler{
			Payments:   &payment.Service{Orders: orderRepo, Gateway: gw, Timeout: cfg.GatewayTimeout, Log: log},
			Reconciler: &payment.Reconciler{Gateway: gw, Orders: orderRepo, Events: events, Redis: rdb, Log: log},
			Metrics:    m,
			Log:        log,
		},
		&httpx.CartHandler{Carts: cartRepo, Log: log},
	)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// graceful shutdown
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()      // flush inbox, close writer
	prod.WaitClosed() // drain
	cancel()
}
