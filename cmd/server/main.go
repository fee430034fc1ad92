package main // Entry point package

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/seckill/internal/config"
	"github.com/iliyamo/seckill/internal/database"
	"github.com/iliyamo/seckill/internal/handler"
	"github.com/iliyamo/seckill/internal/middleware"
	"github.com/iliyamo/seckill/internal/push"
	"github.com/iliyamo/seckill/internal/queue"
	"github.com/iliyamo/seckill/internal/repository"
	"github.com/iliyamo/seckill/internal/router"
	"github.com/iliyamo/seckill/internal/service"
	"github.com/iliyamo/seckill/internal/telemetry"
)

func main() {
	_ = godotenv.Load() // .env is optional; real environment wins

	cfg := config.Load()
	log := telemetry.NewLogger(cfg.ServiceName)
	if err := run(cfg, log); err != nil {
		log.Error("server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(sctx)
	}()

	db, err := database.Open(ctx, database.Options{
		User:     cfg.DBUser,
		Pass:     cfg.DBPass,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		Name:     cfg.DBName,
		MaxConns: cfg.DBMaxConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	rdb, err := config.NewRedisClient()
	if err != nil {
		return err
	}
	defer rdb.Close()

	products := repository.NewProductRepo(db)
	orders := repository.NewOrderRepo(db)

	broker := queue.NewBroker(queue.BrokerConfig{
		URL:           cfg.AMQPURL,
		MaxReconnects: cfg.BrokerMaxReconnects,
		Backoff:       cfg.BrokerBackoff,
		MaxBackoff:    cfg.BrokerMaxBackoff,
	}, log)
	broker.Start(context.Background())

	hub := push.NewHub(log)
	gate := service.NewGate(rdb)
	stock := service.NewStockLedger(rdb, products, log)
	writer := service.NewOrderWriter(products, orders, gate, stock, broker, hub, service.OrderWriterConfig{
		ReservationTTL: cfg.ReservationTTL,
		InsertAttempts: cfg.OrderInsertAttempts,
		PublishTimeout: cfg.PublishTimeout,
	}, log)
	settler := service.NewSettler(orders, stock, gate, hub, log)
	sweeper := service.NewSweeper(orders, broker, cfg.SweepInterval, cfg.SweepMinAge, cfg.PublishTimeout, log)
	consumer := queue.NewConsumer(broker, settler, queue.ConsumerConfig{
		Prefetch:    cfg.ConsumerPrefetch,
		MaxAttempts: cfg.SettlementMaxAttempts,
	}, log)

	if n, err := stock.SyncAllStock(ctx); err != nil {
		log.Warn("initial stock sync incomplete", slog.Int("synced", n), slog.String("error", err.Error()))
	}

	workers, cancelWorkers := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(workers); err != nil {
			log.Error("settlement consumer stopped", slog.String("error", err.Error()))
		}
	}()
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sweeper.Run(workers)
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(middleware.Tracing())
	e.Use(middleware.Metrics())

	router.RegisterRoutes(e, map[string]handler.Probe{
		"mysql": db.PingContext,
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		"broker": func(context.Context) error {
			if s := broker.State(); s != queue.StateConnected {
				return errors.New(s.String())
			}
			return nil
		},
	})
	seckill := handler.NewSeckillHandler(writer, stock, log)
	router.RegisterPublic(e, seckill)
	router.RegisterBuyer(e, seckill, handler.NewOrdersHandler(orders), handler.NewPushHandler(hub, log),
		cfg.JWTSecret, middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log))
	router.RegisterAdmin(e, handler.NewAdminHandler(stock, gate, log), cfg.JWTSecret)

	addr := ":" + cfg.Port
	serverErr := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", addr), slog.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			log.Error("http server failed", slog.String("error", err.Error()))
		}
	}
	log.Info("shutting down")

	// Stop intake first, then the workers that drain it, then the
	// connections they use.
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", slog.String("error", err.Error()))
	}
	cancelWorkers()
	<-consumerDone
	<-sweeperDone
	hub.Stop()
	broker.Stop()
	return nil
}
