package main

import (
	"context"
	"os/signal"
	"syscall"

	"openbudget/internal/handler"
	"openbudget/internal/httpserver"
	"openbudget/internal/projection"
	"openbudget/internal/runtime"
	"openbudget/internal/service"
	"openbudget/pkg/mq"
	"openbudget/pkg/otel"
	"openbudget/pkg/outbox"
	"openbudget/pkg/redis"
	"openbudget/pkg/util"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the outbox dispatcher",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := otel.Init(cfg.Otel, log)
	if err != nil {
		return err
	}
	defer shutdownOtel()

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.close()
	log.Info("Account store ready", zap.String("driver", cfg.Store.Driver))

	checks := map[string]httpserver.Check{"store": be.ready}

	exec := runtime.NewExecutor(be.store, runtime.SystemClock{}, log)
	query := service.NewQueryService(exec, cfg.Query.CacheTTL)

	var (
		idem        *util.IdempotencyStore
		projections *handler.ProjectionHandler
	)
	if cfg.Redis.Enabled {
		rdb, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		idem = util.NewIdempotencyStore(rdb, cfg.Query.IdempotencyTTL)
		projections = handler.NewProjectionHandler(projection.NewReadModel(rdb).WithActivityLimit(cfg.Projection.ActivityLimit), log)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	ledgerSvc := service.NewLedgerService(exec, idem, query, log)

	var admin *handler.AdminHandler
	if cfg.MQ.Enabled {
		publisher, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			return err
		}
		defer publisher.Close()
		checks["mq"] = func(context.Context) error {
			if !publisher.IsConnected() {
				return mq.ErrNotConnected
			}
			return nil
		}

		admin = handler.NewAdminHandler(outbox.NewReplayService(be.outbox, publisher, log), log)

		dispatcher := outbox.NewDispatcher(be.outbox, publisher, log).
			WithInterval(cfg.Outbox.Interval).
			WithBatchSize(cfg.Outbox.BatchSize).
			WithMaxRetries(cfg.Outbox.MaxRetries)
		go dispatcher.Start(ctx)
	} else {
		log.Warn("MQ disabled, outbox events stay pending")
	}

	router := httpserver.NewRouter(httpserver.Options{
		Ledger:     handler.NewLedgerHandler(ledgerSvc, log),
		Query:      handler.NewQueryHandler(query, log),
		Admin:      admin,
		Projection: projections,
		JWTSecret:  cfg.JWT.Secret,
		JWTIssuer:  cfg.JWT.Issuer,
		Checks:     checks,
		Logger:     log,
	})

	srv := httpserver.NewServer(cfg.Server, router, log)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info("openbudget shutdown complete")
	return nil
}
