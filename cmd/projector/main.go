package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-shop-checkout/internal/config"
	kafkax "github.com/ariefcatur/go-shop-checkout/internal/kafka"
	"github.com/ariefcatur/go-shop-checkout/internal/logging"
	"github.com/ariefcatur/go-shop-checkout/internal/orders"
	"github.com/ariefcatur/go-shop-checkout/internal/projector"
	"github.com/ariefcatur/go-shop-checkout/internal/redisx"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	name := cfg.ServiceName + "-projector"
	log := logging.New(name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	p := &projector.Projector{Redis: rdb, ServiceName: name, Log: log}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ProjectorGroup, orders.StatusTopics, cfg.ProjectorWorkers, log)

	log.Info("projector started", "group", cfg.ProjectorGroup, "topics", orders.StatusTopics, "workers", cfg.ProjectorWorkers)
	if err := cons.Start(ctx, p.Handle); err != nil {
		log.Error("consumer exit", "err", err)
		os.Exit(1)
	}
	log.Info("projector stopped")
}
