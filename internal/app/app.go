package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/coupon-service/internal/domain/bulk"
	"github.com/xenking/coupon-service/internal/domain/coupon"
	"github.com/xenking/coupon-service/internal/domain/redemption"
	"github.com/xenking/coupon-service/internal/events"
	"github.com/xenking/coupon-service/internal/handler"
	"github.com/xenking/coupon-service/internal/storage/blob"
	"github.com/xenking/coupon-service/internal/storage/postgres"
	"github.com/xenking/coupon-service/pkg/health"
	"github.com/xenking/coupon-service/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the bulk worker,
// and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	iso, err := postgres.ParseIsoLevel(cfg.IsolationLevel)
	if err != nil {
		return errors.Wrap(err, "isolation level")
	}

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New(cfg.ServiceName)
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc_pause", time.Second, health.GCMaxPauseCheck(time.Second))

	settings := coupon.Settings{ServiceName: cfg.ServiceName, Location: loc}
	store := postgres.NewCouponStore(pool)
	ledger := postgres.NewUsageLedger(pool)
	tx := postgres.NewTxManager(pool, iso)

	engineOpts := []redemption.Option{
		redemption.WithReserveLock(cfg.LockOnReserve),
		redemption.WithTracerProvider(m.TracerProvider()),
		redemption.WithMeterProvider(m.MeterProvider()),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.ServiceName)
		defer func() {
			if err := publisher.Close(); err != nil {
				lg.Warn("Close kafka publisher", zap.Error(err))
			}
		}()
		engineOpts = append(engineOpts, redemption.WithPublisher(publisher))
		healthSvc.AddReadinessCheck("kafka", 5*time.Second, func(ctx context.Context) error {
			return events.Ping(ctx, cfg.Kafka.Brokers)
		})
		lg.Info("Publishing redemption events",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}

	// Domain services.
	manager := coupon.NewManager(store, tx, settings)
	engine, err := redemption.NewEngine(store, ledger, tx, settings, engineOpts...)
	if err != nil {
		return errors.Wrap(err, "create redemption engine")
	}

	bulkOpts := []bulk.Option{
		bulk.WithMaxFileSize(cfg.Bulk.MaxFileSize),
		bulk.WithQueueSize(cfg.Bulk.QueueSize),
	}
	if cfg.S3.Bucket != "" {
		storage, err := blob.NewS3Storage(ctx, blob.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return errors.Wrap(err, "create s3 storage")
		}
		bulkOpts = append(bulkOpts, bulk.WithBlobStorage(storage))
	}
	bulkSvc := bulk.NewService(manager, postgres.NewTaskRepository(pool), settings, bulkOpts...)

	h := handler.NewHandler(handler.Config{
		APIKey:      cfg.APIKey,
		MaxBodySize: cfg.MaxBodySize,
	}, manager, engine, bulkSvc)

	api := otelhttp.NewHandler(h.Router(), cfg.ServiceName,
		otelhttp.WithTracerProvider(m.TracerProvider()),
		otelhttp.WithMeterProvider(m.MeterProvider()),
	)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(routes(healthSvc, api),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				Origins: cfg.CORS.Origins,
				MaxAge:  86400,
			}),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.RequestID(),
			httpmiddleware.LogRequests(),
		),
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bulkSvc.Run(gctx)
	})
	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}

// routes mounts the probes next to the API.
func routes(h *health.Health, api http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", h.LiveEndpoint)
	mux.HandleFunc("/readyz", h.ReadyEndpoint)
	mux.HandleFunc("/health", h.HealthEndpoint)
	mux.Handle("/", api)
	return mux
}
