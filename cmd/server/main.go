package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tripbook/cmd/server/config"
	"tripbook/internal/adapters/grpc"
	httpapi "tripbook/internal/adapters/http"
	"tripbook/internal/alerts"
	"tripbook/internal/booking"
	"tripbook/internal/observability"
	"tripbook/internal/realtime"

	"github.com/joho/godotenv"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const purgeInterval = time.Hour

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	metrics := observability.NewMetrics()

	p, err := buildPersistence(ctx)
	if err != nil {
		return err
	}
	defer p.cleanup()

	remotesCfg, err := config.LoadRemotes()
	if err != nil {
		return err
	}
	vendors, gateway, closeRemotes, err := dialRemotes(remotesCfg)
	if err != nil {
		return err
	}
	defer closeRemotes()

	hub := realtime.NewHub()
	go hub.Run(ctx)

	alerter, closeAlerts, err := buildAlerter(p, hub, metrics)
	if err != nil {
		return err
	}
	defer closeAlerts()

	supervisor, err := buildSupervisor(p, vendors, gateway, alerter, metrics)
	if err != nil {
		return err
	}

	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}
	var limiter rateLimiter
	if l := newGrpcRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst, metrics.AddRateLimitWait); l != nil {
		limiter = l
	}
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics)),
	)
	grpc.RegisterBookingServer(server, grpc.NewBookingServer(supervisor))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(grpc.BookingServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	opts := httpapi.Options{Metrics: metrics, Alerts: hub.ServeWS}
	if p.journal != nil {
		opts.Steps = p.journal
	}
	httpSrv := &http.Server{
		Addr:              config.LoadHTTP().Addr,
		Handler:           httpapi.NewHandler(supervisor, opts).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Printf("gRPC booking service listening on %s", grpcCfg.Addr)
		errCh <- server.Serve(lis)
	}()
	go func() {
		log.Printf("HTTP API listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go resumeUnfinished(ctx, p, supervisor)
	if purger, ok := p.store.(expiredPurger); ok {
		go purgeExpired(ctx, purger)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	healthServer.SetServingStatus(grpc.BookingServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	metrics.MarkShutdown(int64(supervisor.InFlight()))
	log.Printf("shutting down with %d sagas in flight", supervisor.InFlight())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	server.GracefulStop()
	return runErr
}

func buildSupervisor(p *persistence, vendors booking.Vendors, gateway booking.PaymentGateway, alerter booking.Alerter, metrics *observability.Metrics) (*booking.Supervisor, error) {
	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return nil, err
	}
	reliability, err := booking.LoadReliabilityConfigFromEnv()
	if err != nil {
		return nil, err
	}

	deps := booking.Dependencies{
		Store:   p.store,
		Vendors: vendors,
		Gateway: gateway,
		Ledger:  p.ledger,
		Alerter: alerter,
		Metrics: metrics,
		Logf:    log.Printf,
	}
	if p.journal != nil {
		deps.Journal = p.journal
	}
	return booking.BuildSupervisor(deps, booking.Config{
		Orchestrator: booking.OrchestratorConfig{
			CallTimeout:         sagaCfg.CallTimeout,
			CompensationTimeout: sagaCfg.CompensationTimeout,
			CancellationWindow:  sagaCfg.CancellationWindow,
		},
		Supervisor: booking.SupervisorConfig{
			Deadline:       sagaCfg.Deadline,
			MaxConcurrent:  int64(sagaCfg.MaxConcurrent),
			DefaultLockTTL: sagaCfg.DefaultLockTTL,
		},
		Reliability:        reliability,
		AbandonedRetention: sagaCfg.AbandonedRetention,
	})
}

// buildAlerter fans operator alerts out to the log, the Redis stream, the
// WebSocket hub and, when AMQP_URL is set, a durable RabbitMQ queue.
func buildAlerter(p *persistence, hub *realtime.Hub, metrics *observability.Metrics) (booking.Alerter, func(), error) {
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return nil, nil, err
	}
	publishers := []booking.Alerter{
		alerts.NewLogPublisher(log.Printf),
		alerts.NewStreamPublisher(p.redis, redisCfg.AlertStream, redisCfg.AlertStreamMaxLen),
		hub,
	}

	closeFn := func() {}
	if amqpCfg := config.LoadAMQP(); amqpCfg.URL != "" {
		queue, closeQueue, err := alerts.DialQueuePublisher(amqpCfg.URL, amqpCfg.Queue)
		if err != nil {
			return nil, nil, err
		}
		publishers = append(publishers, queue)
		closeFn = func() {
			if err := closeQueue(); err != nil {
				log.Printf("close alert queue: %v", err)
			}
		}
	}
	return alerts.NewFanout(metrics, publishers...), closeFn, nil
}

// resumeUnfinished picks up sagas a previous process left mid-flight.
func resumeUnfinished(ctx context.Context, p *persistence, sup *booking.Supervisor) {
	// Ops-only path: the one store scan, run once at startup. Saga
	// operations only ever address the store by id.
	ids, err := p.lister.Unfinished(ctx)
	if err != nil {
		log.Printf("list unfinished sagas: %v", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	log.Printf("resuming %d unfinished sagas", len(ids))
	if err := sup.ResumeAll(ctx, ids); err != nil {
		log.Printf("resume unfinished sagas: %v", err)
	}
}

type expiredPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

func purgeExpired(ctx context.Context, purger expiredPurger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purger.PurgeExpired(ctx)
			if err != nil {
				log.Printf("purge expired sagas: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("purged %d abandoned sagas", n)
			}
		}
	}
}
