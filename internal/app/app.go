// Package app собирает order-service: хранилище, HTTP API, ops-эндпоинты, gRPC health и outbox worker.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/storefront/internal/api/httpapi"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

// Run запускает сервис и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	service := orders.NewService(
		deps.store,
		logger.WithField("layer", "service"),
		orders.WithMetrics(metrics.NewOrderMetrics()),
	)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	if deps.ping != nil {
		healthHandler.RegisterChecker("storage", healthcheck.NewCheckFunc("storage", deps.ping))
	}

	// Ошибку уже залогировал initKafkaProducer; без брокера outbox копит события до следующего запуска.
	producer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	defer closeKafka(producer, logger)

	stopWorker := func() {}
	if producer != nil {
		stopWorker = startOutboxWorker(ctx, cfg, deps.outboxRepo,
			kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
			kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic),
			logger,
		)
		healthHandler.RegisterChecker("outbox", healthcheck.NewOutboxBacklogChecker(deps.outboxRepo, cfg.OutboxMaxPendingAge))
	} else {
		logger.Info("kafka brokers are not configured, outbox worker is disabled")
	}
	defer stopWorker()

	apiLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return err
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = apiLis.Close()
		return err
	}

	httpMetrics := metrics.NewHTTPMetrics(prometheus.DefaultRegisterer)
	apiHandler := httpapi.NewHandler(service, logger.WithField("layer", "http"))
	apiSrv := &http.Server{
		Handler:           httpapi.NewRouter(apiHandler, httpMetrics.Middleware),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer, healthServer := newGRPCServer(logger)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("HTTP API слушает %s", apiLis.Addr())
		if err := apiSrv.Serve(apiLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		runErr = ctx.Err()
	case runErr = <-errCh:
		logger.WithError(runErr).Error("server failed")
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownHTTP(apiSrv, cfg.ShutdownTimeout, logger)
	stopGRPC(grpcServer, cfg.ShutdownTimeout, logger)
	shutdownHTTP(metricsSrv, cfg.ShutdownTimeout, logger)

	return runErr
}

// newGRPCServer поднимает gRPC со стандартным health-сервисом и prometheus-интерсепторами.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	return grpcServer, healthServer
}

// startMetricsServer запускает ops-эндпоинты: /metrics, /healthz, /livez, /readyz.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.Handle("/healthz", healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/livez", healthcheck.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/readyz", healthHandler.ReadinessHandler).Methods(http.MethodGet)

	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, 5*time.Second, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

// stopGRPC ждёт завершения активных вызовов не дольше timeout.
func stopGRPC(srv *grpc.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		srv.Stop()
	}
}
