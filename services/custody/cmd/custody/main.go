package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AfshinJalili/custodex/libs/health"
	"github.com/AfshinJalili/custodex/libs/httpmiddleware"
	"github.com/AfshinJalili/custodex/libs/kafka"
	"github.com/AfshinJalili/custodex/libs/logging"
	"github.com/AfshinJalili/custodex/libs/metrics"
	"github.com/AfshinJalili/custodex/libs/trace"
	"github.com/AfshinJalili/custodex/services/custody/internal/config"
	"github.com/AfshinJalili/custodex/services/custody/internal/consumer"
	"github.com/AfshinJalili/custodex/services/custody/internal/engine"
	"github.com/AfshinJalili/custodex/services/custody/internal/events"
	"github.com/AfshinJalili/custodex/services/custody/internal/handlers"
	"github.com/AfshinJalili/custodex/services/custody/internal/ledger"
	"github.com/AfshinJalili/custodex/services/custody/internal/ratelimit"
	"github.com/AfshinJalili/custodex/services/custody/internal/registry"
	"github.com/AfshinJalili/custodex/services/custody/internal/service"
	"github.com/AfshinJalili/custodex/services/custody/internal/storage"
	"github.com/AfshinJalili/custodex/services/custody/internal/valuation"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	promRegistry := metrics.NewRegistry()
	custodyMetrics := service.NewMetrics(promRegistry)
	kafkaMetrics := kafka.NewProducerMetrics(promRegistry)

	ready := health.NewManager(false)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool, logger)
	if err := store.Migrate(bootCtx); err != nil {
		logger.Error("db migration failed", "error", err)
		os.Exit(1)
	}
	ready.AddCheck("postgres", store.Ping)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	ready.AddCheck("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})

	sources := newSourceFactory(cfg, redisClient)
	assets, err := bootstrapRegistry(bootCtx, cfg, store, sources, logger)
	if err != nil {
		logger.Error("asset registry bootstrap failed", "error", err)
		os.Exit(1)
	}

	book := ledger.New()
	snapshots, err := store.LoadBalances(bootCtx)
	if err != nil {
		logger.Error("load balances failed", "error", err)
		os.Exit(1)
	}
	if err := book.Restore(snapshots); err != nil {
		logger.Error("restore ledger failed", "error", err)
		os.Exit(1)
	}
	logger.Info("ledger restored", "entries", len(snapshots))

	var publisher kafka.Publisher
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = producer
		if strings.TrimSpace(cfg.Kafka.Topics.DeadLetter) != "" {
			publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
		}
	}

	engineOpts := []engine.Option{engine.WithJournal(store), engine.WithLogger(logger)}
	changes := events.Changes{store}
	if publisher != nil {
		announcer := events.NewKafkaRecorder(publisher, events.Topics{
			Deposits:    cfg.Kafka.Topics.Deposits,
			Withdrawals: cfg.Kafka.Topics.Withdrawals,
			Assets:      cfg.Kafka.Topics.Assets,
		}, cfg.App.ServiceName)
		engineOpts = append(engineOpts, engine.WithRecorder(announcer))
		changes = append(changes, announcer)
	}

	sink, receiver := buildSink(cfg, publisher, book, logger)
	converter := valuation.NewConverter(assets, cfg.Custody.ReferencePrecision)
	eng, err := engine.New(book, assets, converter, sink, engine.Limits{
		AggregateCeiling: cfg.Custody.AggregateCeiling,
		PerOperation:     cfg.Custody.PerOperationLimit,
	}, engineOpts...)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(1)
	}

	admin := registry.NewAdmin(cfg.Custody.OwnerID, assets, sources,
		registry.WithAssetStore(store),
		registry.WithChangeRecorder(changes),
		registry.WithAdminLogger(logger),
	)
	opts := []service.Option{service.WithHistory(store), service.WithAdmin(admin)}
	if receiver != nil {
		opts = append(opts, service.WithReceiver(receiver))
	}
	custody := service.NewCustodyService(eng, book, assets, converter, logger, custodyMetrics, opts...)

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Limit > 0 {
		limiter = ratelimit.NewRedis(redisClient, cfg.RateLimit.Limit, cfg.RateLimit.Window, "")
	}
	httpServer := buildHTTPServer(cfg, ready, promRegistry, handlers.New(custody, limiter, logger), logger)

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	if cfg.Kafka.Enabled {
		consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		consumerGroup.WithDLQ(publisher, cfg.Kafka.Topics.DeadLetter)
		defer consumerGroup.Close()

		deposits := consumer.NewDepositConsumer(custody, consumer.NewRedisDeduper(redisClient, "", 0), logger)
		go func() {
			logger.Info("custody consumer starting", "topic", cfg.Kafka.Topics.DepositsDetected)
			if err := consumerGroup.Consume(consumerCtx, []string{cfg.Kafka.Topics.DepositsDetected}, deposits); err != nil {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	if _, err := custody.Stats(bootCtx); err != nil {
		logger.Warn("initial custodied value unavailable", "error", err)
	}
	ready.SetReady(true)

	grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("custody grpc health starting", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	go func() {
		logger.Info("custody http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(cfg.App.ShutdownTimeout, grpcServer, healthServer, httpServer, ready, consumerCancel, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DB.User,
		cfg.DB.Password,
		cfg.DB.Host,
		cfg.DB.Port,
		cfg.DB.Name,
		cfg.DB.SSLMode,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, ready *health.Manager, promRegistry *prometheus.Registry, api *handlers.Handler, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(promRegistry)))
	api.Register(router, []byte(cfg.Auth.JWTSecret))

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(timeout time.Duration, grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cancel()

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancelTimeout := context.WithTimeout(context.Background(), timeout)
	defer cancelTimeout()

	grpcDone := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcDone)
	}()

	select {
	case <-grpcDone:
	case <-ctx.Done():
		grpcServer.Stop()
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
